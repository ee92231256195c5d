package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for errbridge.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Transport TransportConfig `json:"transport"`
	Store     StoreConfig     `json:"store"`
	Capture   CaptureConfig   `json:"capture"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// TransportConfig fixes the two well-known channel addresses. Both ends
// must agree on them; there is no negotiation.
type TransportConfig struct {
	RequestAddr string `json:"requestAddr"` // where the daemon listens for requests
	ReplyAddr   string `json:"replyAddr"`   // where management clients listen for replies
}

type StoreConfig struct {
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type CaptureConfig struct {
	RulesPath string `json:"rulesPath,omitempty"` // YAML capture rules; missing file = capture everything
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DefaultConfigDir returns the default config directory (~/.errbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".errbridge"
	}
	return filepath.Join(home, ".errbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = expandPath(cfg.Store.DBPath)
	cfg.Capture.RulesPath = expandPath(cfg.Capture.RulesPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if err := checkAddr(cfg.Transport.RequestAddr); err != nil {
		errs = append(errs, fmt.Sprintf("transport.requestAddr: %v", err))
	}
	if err := checkAddr(cfg.Transport.ReplyAddr); err != nil {
		errs = append(errs, fmt.Sprintf("transport.replyAddr: %v", err))
	}
	if cfg.Transport.RequestAddr != "" && cfg.Transport.RequestAddr == cfg.Transport.ReplyAddr {
		errs = append(errs, "transport.requestAddr and transport.replyAddr must differ")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath must be set")
	}
	if cfg.Store.RetentionDays < 1 {
		errs = append(errs, "store.retentionDays must be >= 1")
	}

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			errs = append(errs, "notify.telegram.token is required when telegram is enabled")
		}
		if cfg.Notify.Telegram.ChatID == "" {
			errs = append(errs, "notify.telegram.chatId is required when telegram is enabled")
		}
	}

	if cfg.Metrics.Enabled {
		if err := checkAddr(cfg.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.addr: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func checkAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("must be set")
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// Sanitize returns a copy of cfg with secrets masked, for display.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if out.Notify.Telegram.Token != "" {
		out.Notify.Telegram.Token = "***"
	}
	return &out
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
