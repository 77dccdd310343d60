package radclient

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ReloadError reports a non-zero exit from the daemon reload command.
type ReloadError struct {
	ExitCode int
	Stderr   string
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("daemon reload exited %d: %s", e.ExitCode, e.Stderr)
}

// Reloader runs the configured AAA daemon reload command through the
// shell. The command is operator-configured, typically a service
// manager reload.
type Reloader struct {
	command string
	timeout time.Duration
	logger  *zap.Logger
}

// NewReloader creates a Reloader. An empty command falls back to the
// systemd reload of FreeRADIUS.
func NewReloader(command string, timeout time.Duration, logger *zap.Logger) *Reloader {
	if command == "" {
		command = "sudo systemctl reload freeradius"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{command: command, timeout: timeout, logger: logger}
}

// Reload executes the reload command and returns a ReloadError on
// non-zero exit.
func (r *Reloader) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		r.logger.Error("daemon reload failed",
			zap.String("command", r.command),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr.String()))
		return &ReloadError{ExitCode: exitCode, Stderr: stderr.String()}
	}

	r.logger.Info("daemon reloaded", zap.String("command", r.command))
	return nil
}

// ReloadQuietly runs Reload and swallows the failure. Used where the
// reload is a courtesy side effect of another operation.
func (r *Reloader) ReloadQuietly(ctx context.Context) {
	if err := r.Reload(ctx); err != nil {
		r.logger.Warn("ignoring reload failure", zap.Error(err))
	}
}
