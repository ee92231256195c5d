package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"errbridge/internal/bus"
	"errbridge/internal/capture"
	"errbridge/internal/config"
	"errbridge/internal/manager"
	"errbridge/internal/metrics"
	"errbridge/internal/notify"
	"errbridge/internal/store"
	"errbridge/internal/transport"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "errbridge",
		Short: "errbridge: error-record bridge between an instrumented process and its manager",
		Long: "errbridge relays activation status and captured error records between an\n" +
			"instrumented host process and a privileged management daemon over a local\n" +
			"broadcast transport.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.errbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(recordsCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfigOrDefaults loads the config file, falling back to defaults with
// a warning when it is missing or broken.
func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

// applyLogConfig rebuilds the package logger from the config's level and
// optional log file.
func applyLogConfig(cfg *config.Config) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// newTransport builds the UDP transport over the two configured channel
// addresses.
func newTransport(cfg *config.Config) *transport.UDP {
	return transport.NewUDP(map[string]string{
		bus.ChannelRequest: cfg.Transport.RequestAddr,
		bus.ChannelReply:   cfg.Transport.ReplyAddr,
	}, logger)
}

// newClient builds and registers a bus client. The returned cleanup
// unregisters it and closes the transport.
func newClient(cfg *config.Config) (*bus.Client, func(), error) {
	tr := newTransport(cfg)
	client := bus.NewClient(tr, logger)
	if err := client.Register(); err != nil {
		tr.Close()
		return nil, nil, fmt.Errorf("register on reply channel: %w", err)
	}
	cleanup := func() {
		client.Unregister()
		tr.Close()
	}
	return client, cleanup, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory and default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon (the privileged reply side)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfigOrDefaults()
	applyLogConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLite(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := capture.Load(cfg.Capture.RulesPath, logger)
	if err != nil {
		return err
	}

	var notifier manager.Notifier
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "err", err)
		} else {
			notifier = tg
		}
	}

	tr := newTransport(cfg)
	defer tr.Close()

	mgr := manager.New(manager.Config{
		Transport: tr,
		Store:     st,
		Rules:     rules,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Stop()

	go pruneLoop(ctx, st, cfg.Store.RetentionDays)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	logger.Info("errbridge daemon running",
		"request", cfg.Transport.RequestAddr,
		"reply", cfg.Transport.ReplyAddr,
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func pruneLoop(ctx context.Context, st *store.SQLite, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, time.Minute)
			if _, err := st.Prune(pctx, retentionDays); err != nil {
				logger.Warn("prune records", "err", err)
			}
			cancel()
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(sctx)
		cancel()
	}()

	logger.Info("metrics endpoint", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", "err", err)
	}
}

func statusCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the bridge daemon is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			client, cleanup, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			// The bus itself never times out; the deadline here is purely
			// a UI decision.
			done := make(chan bool, 1)
			client.CheckActive(func(active bool) {
				select {
				case done <- active:
				default:
				}
			})

			select {
			case active := <-done:
				fmt.Printf("bridge active: %v\n", active)
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("no reply within %s (is 'errbridge serve' running?)", timeout)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to wait for a reply")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the errbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("errbridge " + version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. transport.requestAddr)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. store.retentionDays 14)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
