// Package capture decides which host-process errors are worth bridging to
// the management side.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"errbridge/internal/domain"
)

// Rules filters and trims records before they cross the transport.
type Rules struct {
	Apps          []string `yaml:"apps"`          // allowlist; empty = all apps
	IgnoreTags    []string `yaml:"ignoreTags"`    // exact tag matches to drop
	IgnoreMatch   []string `yaml:"ignoreMatch"`   // substrings matched against the message
	MaxStackLines int      `yaml:"maxStackLines"` // 0 = keep the full stack
}

// Default captures everything, with a sane stack cap.
func Default() *Rules {
	return &Rules{MaxStackLines: 40}
}

// Load reads a YAML rules file. A missing file falls back to Default (the
// bridge captures everything); a malformed file is a configuration error.
func Load(path string, logger *slog.Logger) (*Rules, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("no capture rules file, capturing everything", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read capture rules: %w", err)
	}

	rules := Default()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse capture rules %s: %w", path, err)
	}

	logger.Info("capture rules loaded",
		"path", path,
		"apps", len(rules.Apps),
		"ignoreTags", len(rules.IgnoreTags),
	)
	return rules, nil
}

// Allow reports whether rec should be bridged at all.
func (r *Rules) Allow(rec domain.ErrorRecord) bool {
	if len(r.Apps) > 0 && !slices.Contains(r.Apps, rec.App) {
		return false
	}
	if slices.Contains(r.IgnoreTags, rec.Tag) {
		return false
	}
	for _, m := range r.IgnoreMatch {
		if m != "" && strings.Contains(rec.Message, m) {
			return false
		}
	}
	return true
}

// Trim caps the stack trace so one noisy record cannot outgrow a datagram.
func (r *Rules) Trim(rec *domain.ErrorRecord) {
	if r.MaxStackLines <= 0 || rec.Stack == "" {
		return
	}
	lines := strings.Split(rec.Stack, "\n")
	if len(lines) <= r.MaxStackLines {
		return
	}
	rec.Stack = strings.Join(lines[:r.MaxStackLines], "\n") + "\n... (truncated)"
}
