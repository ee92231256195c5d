package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Transport: TransportConfig{
			RequestAddr: "127.0.0.1:18710",
			ReplyAddr:   "127.0.0.1:18711",
		},
		Store: StoreConfig{
			DBPath:        "~/.errbridge/records.db",
			RetentionDays: 30,
		},
		Capture: CaptureConfig{
			RulesPath: "~/.errbridge/capture.yaml",
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9191",
		},
	}
}
