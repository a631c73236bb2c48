package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is returned when the event subsystem is unreachable or closed.
	ErrSourceUnavailable = errors.New("event source unavailable")
	// ErrMalformedEvent is returned for records that cannot be classified.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNotifierMissing is returned at startup when the notifier cannot be executed.
	ErrNotifierMissing = errors.New("notifier missing")
)

// NotifyError describes a failed notifier invocation.
type NotifyError struct {
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *NotifyError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("notifier timed out: %v", e.Err)
	case e.ExitCode > 0:
		return fmt.Sprintf("notifier exited with status %d", e.ExitCode)
	default:
		return fmt.Sprintf("notifier failed: %v", e.Err)
	}
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}
