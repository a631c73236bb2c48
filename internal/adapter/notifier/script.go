package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

const (
	maxCapturedOutput = 4096
	waitDelay         = 2 * time.Second
)

// ScriptNotifier delivers notifications by running an external executable
// with the message as its last argument.
type ScriptNotifier struct {
	path    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewScriptNotifier creates a notifier for the executable at path. args are
// passed before the message on every invocation.
func NewScriptNotifier(path string, args []string, timeout time.Duration, logger *slog.Logger) *ScriptNotifier {
	return &ScriptNotifier{
		path:    path,
		args:    args,
		timeout: timeout,
		logger:  logger.With("component", "script_notifier"),
	}
}

// Check verifies the executable exists, is a regular file and has an execute bit.
func (n *ScriptNotifier) Check() error {
	info, err := os.Stat(n.path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotifierMissing, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", domain.ErrNotifierMissing, n.path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", domain.ErrNotifierMissing, n.path)
	}
	return nil
}

// Notify runs the executable and waits for it, bounded by the configured timeout.
func (n *ScriptNotifier) Notify(ctx context.Context, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	args := make([]string, 0, len(n.args)+1)
	args = append(args, n.args...)
	args = append(args, msg)

	out := &cappedBuffer{limit: maxCapturedOutput}
	cmd := exec.CommandContext(ctx, n.path, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	n.logger.Debug("notifier finished", "duration_ms", time.Since(start).Milliseconds(), "error", err)
	if err == nil {
		return nil
	}

	nerr := &domain.NotifyError{
		ExitCode: -1,
		Output:   strings.TrimSpace(out.String()),
		Err:      err,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		nerr.TimedOut = true
		nerr.Err = fmt.Errorf("no exit after %s: %w", n.timeout, err)
		return nerr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		nerr.ExitCode = exitErr.ExitCode()
	}
	return nerr
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "...(truncated)"
	}
	return c.buf.String()
}
