package usecase

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Decision is the rate limiter's answer for one notable event.
type Decision struct {
	Suppress bool
	// SuppressedSince is the number of events suppressed for the key since
	// the previous allowed notification. Only set when Suppress is false.
	SuppressedSince int
	// SuppressedClasses breaks SuppressedSince down by event class.
	SuppressedClasses map[string]int
	// RetryAfter is how long until the key's window elapses. Only set when
	// Suppress is true.
	RetryAfter time.Duration
}

// SuppressedNote renders the suppressed events as a suffix for the next
// notification, e.g. " (+3 suppressed since last notification:
// ereport.fs.zfs.checksum:2, sysevent.fs.zfs.statechange:1)". It is empty
// when nothing was suppressed.
func (d Decision) SuppressedNote() string {
	if d.SuppressedSince == 0 {
		return ""
	}
	if len(d.SuppressedClasses) == 0 {
		return fmt.Sprintf(" (+%d suppressed since last notification)", d.SuppressedSince)
	}
	parts := make([]string, 0, len(d.SuppressedClasses))
	for _, class := range slices.Sorted(maps.Keys(d.SuppressedClasses)) {
		parts = append(parts, fmt.Sprintf("%s:%d", class, d.SuppressedClasses[class]))
	}
	return fmt.Sprintf(" (+%d suppressed since last notification: %s)", d.SuppressedSince, strings.Join(parts, ", "))
}

type rateLimitEntry struct {
	lastSent   time.Time
	suppressed int
	classes    map[string]int
}

// RateLimiter enforces a minimum interval between notifications sharing a
// rate-limit key. It is owned by the event loop and is not safe for
// concurrent use.
type RateLimiter struct {
	minInterval time.Duration
	state       map[string]*rateLimitEntry
}

func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		state:       make(map[string]*rateLimitEntry),
	}
}

// ShouldSuppress reports whether a notification for key at now must be
// dropped. An allowed call starts a new window at now.
func (r *RateLimiter) ShouldSuppress(key string, now time.Time) bool {
	return r.Check(key, "", now).Suppress
}

// Check is ShouldSuppress with bookkeeping details. Suppressed events are
// counted per class when class is set. The window is measured from the last
// allowed notification, not from the last event seen.
func (r *RateLimiter) Check(key, class string, now time.Time) Decision {
	entry, ok := r.state[key]
	if !ok {
		r.state[key] = &rateLimitEntry{lastSent: now}
		return Decision{}
	}

	if elapsed := now.Sub(entry.lastSent); elapsed < r.minInterval {
		entry.suppressed++
		if class != "" {
			if entry.classes == nil {
				entry.classes = make(map[string]int)
			}
			entry.classes[class]++
		}
		return Decision{Suppress: true, RetryAfter: r.minInterval - elapsed}
	}

	d := Decision{SuppressedSince: entry.suppressed, SuppressedClasses: entry.classes}
	entry.suppressed = 0
	entry.classes = nil
	if now.After(entry.lastSent) {
		entry.lastSent = now
	}
	return d
}

// LastSent returns when the last notification for key was allowed.
func (r *RateLimiter) LastSent(key string) (time.Time, bool) {
	entry, ok := r.state[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastSent, true
}

func (r *RateLimiter) MinInterval() time.Duration {
	return r.minInterval
}
