package domain

import "context"

// EventSource is a lazy, non-restartable sequence of raw events.
type EventSource interface {
	// Next blocks until an event is available. Subsystem failures are
	// reported as errors wrapping ErrSourceUnavailable.
	Next(ctx context.Context) (RawEvent, error)

	// Close releases the underlying subscription.
	Close() error
}

// SourceOpener opens a fresh EventSource. The monitor calls it again after
// every source failure.
type SourceOpener interface {
	Open(ctx context.Context) (EventSource, error)
}

// Notifier delivers one notification message.
type Notifier interface {
	// Check verifies the notifier can be invoked at all.
	Check() error

	// Notify delivers msg. Failures are returned as *NotifyError.
	Notify(ctx context.Context, msg string) error
}

// ScrubChecker reports whether a pool scrub is currently running.
type ScrubChecker interface {
	ScrubInProgress(ctx context.Context) (bool, error)
}
