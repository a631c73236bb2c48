package domain

import (
	"strings"
	"time"
)

// Well-known keys of a RawEvent.
const (
	KeyClass = "class"
	KeyPool  = "pool"
	KeyEID   = "eid"
	KeyTime  = "time"
	// KeyTimestamp holds the human-readable time printed by the source.
	KeyTimestamp = "timestamp"
)

// RawEvent is a single key-value record delivered by an event source.
// Numbers are carried in their textual form, exactly as the source printed them.
type RawEvent map[string]string

// Class returns the dot-namespaced event class, or "" if the record has none.
func (e RawEvent) Class() string {
	return strings.TrimSpace(e[KeyClass])
}

// Verdict is the outcome of classifying a RawEvent.
type Verdict int

const (
	VerdictIgnored Verdict = iota
	VerdictNotable
)

func (v Verdict) String() string {
	switch v {
	case VerdictIgnored:
		return "ignored"
	case VerdictNotable:
		return "notable"
	default:
		return "unknown"
	}
}

// Classification is the classifier's decision for one event.
// Summary and RateLimitKey are only set for notable events.
type Classification struct {
	Verdict      Verdict
	Class        string
	Summary      string
	RateLimitKey string
}

// Notable reports whether the event should proceed to rate limiting.
func (c Classification) Notable() bool {
	return c.Verdict == VerdictNotable
}

// LoopState is a state of the monitor's event loop.
type LoopState string

const (
	StateStarting LoopState = "starting"
	StateRunning  LoopState = "running"
	StateRetrying LoopState = "retrying"
	StateStopped  LoopState = "stopped"
)

// Status is a point-in-time snapshot of the event loop, served by the admin API.
type Status struct {
	State               LoopState `json:"state"`
	StartedAt           time.Time `json:"started_at"`
	LastEventAt         time.Time `json:"last_event_at,omitempty"`
	LastNotificationAt  time.Time `json:"last_notification_at,omitempty"`
	EventsReceived      int64     `json:"events_received"`
	EventsIgnored       int64     `json:"events_ignored"`
	EventsMalformed     int64     `json:"events_malformed"`
	EventsSuppressed    int64     `json:"events_suppressed"`
	NotificationsSent   int64     `json:"notifications_sent"`
	NotificationsFailed int64     `json:"notifications_failed"`
	SourceFailures      int       `json:"source_failures"`
	LastError           string    `json:"last_error,omitempty"`
}
