// Package shell runs privileged maintenance commands for the CLI and the
// daemon. It is a collaborator of the bridge, not part of the bus protocol.
package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 65536
)

type Runner struct {
	workingDir string
	timeout    time.Duration
	maxOutput  int
}

type Config struct {
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int
}

func NewRunner(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	return &Runner{
		workingDir: cfg.WorkingDir,
		timeout:    cfg.Timeout,
		maxOutput:  cfg.MaxOutputBytes,
	}
}

// Run executes command through sh -c so pipes, redirects, and quoting
// behave. Combined output is capped at MaxOutputBytes.
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("shell: empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("shell: command timed out or cancelled")
		}
		return string(output), fmt.Errorf("shell: exit: %w", err)
	}

	out := string(output)
	if len(out) > r.maxOutput {
		out = out[:r.maxOutput] + "\n... (output truncated)"
	}
	return out, nil
}
