package zpool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds one-shot zpool invocations when none is set.
const DefaultCommandTimeout = 30 * time.Second

// StatusChecker inspects `zpool status` output.
type StatusChecker struct {
	zpoolPath string
	timeout   time.Duration
}

func NewStatusChecker(zpoolPath string, timeout time.Duration) *StatusChecker {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &StatusChecker{zpoolPath: zpoolPath, timeout: timeout}
}

// ScrubInProgress reports whether any pool is currently being scrubbed.
func (c *StatusChecker) ScrubInProgress(ctx context.Context) (bool, error) {
	out, err := runOnce(ctx, c.zpoolPath, c.timeout, "status")
	if err != nil {
		return false, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "scrub in progress") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// runOnce runs a short-lived zpool command and returns its stdout. The
// process is killed once timeout elapses, and its pipes are closed shortly
// after even if a descendant still holds them open.
func runOnce(ctx context.Context, path string, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	out, err := cmd.Output()
	if err != nil {
		name := strings.Join(args, " ")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s timed out after %s: %w", path, name, timeout, ctx.Err())
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s interrupted: %w", path, name, ctx.Err())
		}
		return nil, fmt.Errorf("failed to run %s %s: %w: %s", path, name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
