package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/V4T54L/zpool-watch/internal/adapter/metrics"
	"github.com/V4T54L/zpool-watch/internal/domain"
)

const (
	defaultRetryMax        = 5
	defaultRetryBackoff    = 1 * time.Second
	defaultRetryMaxBackoff = 1 * time.Minute
	digestInterval         = 1 * time.Minute
)

// MonitorOptions tunes the event loop. Zero values pick the defaults.
type MonitorOptions struct {
	// ScrubChecker, when set, suppresses scrub_finish events while another
	// scrub is still running.
	ScrubChecker domain.ScrubChecker
	Metrics      *metrics.MonitorMetrics

	// RetryMax is the number of consecutive source failures tolerated before
	// the loop stops. Negative means zero.
	RetryMax        int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// StartupMessage is delivered once before the source is opened; empty disables it.
	StartupMessage string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Monitor is the event loop: it pulls raw events from the source and drives
// each through the classifier, the rate limiter and the notifier.
type Monitor struct {
	opener     domain.SourceOpener
	classifier *Classifier
	limiter    *RateLimiter
	notifier   domain.Notifier
	logger     *slog.Logger
	opts       MonitorOptions
	digest     rate.Sometimes

	mu     sync.Mutex
	status domain.Status
}

// NewMonitor creates a Monitor. The limiter is owned by the monitor from now
// on and must not be used elsewhere.
func NewMonitor(opener domain.SourceOpener, classifier *Classifier, limiter *RateLimiter, notifier domain.Notifier, logger *slog.Logger, opts MonitorOptions) *Monitor {
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.RetryMaxBackoff < opts.RetryBackoff {
		opts.RetryMaxBackoff = max(defaultRetryMaxBackoff, opts.RetryBackoff)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Monitor{
		opener:     opener,
		classifier: classifier,
		limiter:    limiter,
		notifier:   notifier,
		logger:     logger.With("component", "monitor"),
		opts:       opts,
		digest:     rate.Sometimes{Interval: digestInterval},
	}
}

// Run executes the loop until ctx is cancelled (returns nil) or the loop
// cannot continue: a missing notifier (ErrNotifierMissing) or an exhausted
// source retry budget (ErrSourceUnavailable). A notification that is in
// flight when ctx is cancelled runs to completion.
func (m *Monitor) Run(ctx context.Context) error {
	m.setState(domain.StateStarting, nil)
	m.update(func(s *domain.Status) { s.StartedAt = m.opts.Now() })

	if err := m.notifier.Check(); err != nil {
		m.setState(domain.StateStopped, err)
		m.logger.Error("notifier is not usable", "error", err)
		return err
	}

	if m.opts.StartupMessage != "" {
		m.deliver(ctx, m.logger, m.opts.StartupMessage)
	}

	failures := 0
	for {
		src, err := m.opener.Open(ctx)
		if err == nil {
			m.setState(domain.StateRunning, nil)
			m.logger.Info("event source opened")
			err = m.consume(ctx, src, &failures)
			if cerr := src.Close(); cerr != nil {
				m.logger.Warn("failed to close event source", "error", cerr)
			}
		}
		if ctx.Err() != nil {
			m.setState(domain.StateStopped, nil)
			m.logger.Info("shutdown requested, event loop stopped")
			return nil
		}

		failures++
		m.opts.Metrics.ObserveSourceFailure()
		m.update(func(s *domain.Status) { s.SourceFailures = failures })
		if failures > m.opts.RetryMax {
			err = sourceFailure(err, failures)
			m.setState(domain.StateStopped, err)
			m.logger.Error("event source retry budget exhausted, stopping", "failures", failures, "error", err)
			return err
		}

		delay := m.backoff(failures)
		m.setState(domain.StateRetrying, err)
		m.logger.Warn("event source failed, retrying", "attempt", failures, "max_retries", m.opts.RetryMax, "backoff", delay.String(), "error", err)
		if err := m.opts.Sleep(ctx, delay); err != nil {
			m.setState(domain.StateStopped, nil)
			m.logger.Info("shutdown requested while waiting to retry, event loop stopped")
			return nil
		}
	}
}

// consume pulls events until the source fails or ctx is cancelled. The
// failure counter resets once the source delivers an event.
func (m *Monitor) consume(ctx context.Context, src domain.EventSource, failures *int) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if *failures > 0 {
			*failures = 0
			m.update(func(s *domain.Status) { s.SourceFailures = 0 })
		}
		m.handle(ctx, ev)
	}
}

func (m *Monitor) handle(ctx context.Context, ev domain.RawEvent) {
	log := m.logger.With("event_id", uuid.NewString(), "class", ev.Class())
	if ts := ev[domain.KeyTimestamp]; ts != "" {
		log = log.With("event_time", ts)
	}
	now := m.opts.Now()
	m.update(func(s *domain.Status) {
		s.EventsReceived++
		s.LastEventAt = now
	})
	defer m.logDigest()

	c, err := m.classifier.Classify(ev)
	if err != nil {
		log.Warn("skipping malformed event", "error", err, "fields", len(ev))
		m.opts.Metrics.ObserveEvent("malformed")
		m.update(func(s *domain.Status) { s.EventsMalformed++ })
		return
	}
	if !c.Notable() {
		log.Debug("ignoring event")
		m.opts.Metrics.ObserveEvent("ignored")
		m.update(func(s *domain.Status) { s.EventsIgnored++ })
		return
	}
	if m.scrubStillRunning(ctx, log, c.Class) {
		log.Info("scrub finished while another scrub is in progress, ignoring")
		m.opts.Metrics.ObserveEvent("ignored")
		m.update(func(s *domain.Status) { s.EventsIgnored++ })
		return
	}

	d := m.limiter.Check(c.RateLimitKey, c.Class, now)
	if d.Suppress {
		log.Debug("suppressing notification", "rate_limit_key", c.RateLimitKey, "retry_after", d.RetryAfter.String())
		m.opts.Metrics.ObserveEvent("suppressed")
		m.update(func(s *domain.Status) { s.EventsSuppressed++ })
		return
	}

	m.opts.Metrics.ObserveEvent("allowed")
	m.deliver(ctx, log, c.Summary+d.SuppressedNote())
}

func (m *Monitor) scrubStillRunning(ctx context.Context, log *slog.Logger, class string) bool {
	if m.opts.ScrubChecker == nil || class != ScrubFinishClass {
		return false
	}
	running, err := m.opts.ScrubChecker.ScrubInProgress(ctx)
	if err != nil {
		log.Warn("could not check scrub status, notifying anyway", "error", err)
		return false
	}
	return running
}

// deliver invokes the notifier. The call is detached from ctx so shutdown
// never interrupts it; the notifier's own timeout bounds it instead.
func (m *Monitor) deliver(ctx context.Context, log *slog.Logger, msg string) {
	start := time.Now()
	err := m.notifier.Notify(context.WithoutCancel(ctx), msg)
	took := time.Since(start)
	sentAt := m.opts.Now()

	if err != nil {
		status := "failed"
		attrs := []any{"error", err, "message", msg, "duration_ms", took.Milliseconds()}
		var nerr *domain.NotifyError
		if errors.As(err, &nerr) {
			if nerr.TimedOut {
				status = "timeout"
			}
			attrs = append(attrs, "exit_code", nerr.ExitCode, "output", nerr.Output)
		}
		log.Error("notification failed", attrs...)
		m.opts.Metrics.ObserveNotification(status, took, sentAt)
		m.update(func(s *domain.Status) {
			s.NotificationsFailed++
			s.LastError = err.Error()
		})
		return
	}

	log.Info("notification sent", "message", msg, "duration_ms", took.Milliseconds())
	m.opts.Metrics.ObserveNotification("sent", took, sentAt)
	m.update(func(s *domain.Status) {
		s.NotificationsSent++
		s.LastNotificationAt = sentAt
	})
}

func (m *Monitor) logDigest() {
	m.digest.Do(func() {
		s := m.Status()
		m.logger.Info("event digest",
			"received", s.EventsReceived,
			"ignored", s.EventsIgnored,
			"malformed", s.EventsMalformed,
			"suppressed", s.EventsSuppressed,
			"notified", s.NotificationsSent,
			"failed", s.NotificationsFailed,
		)
	})
}

func (m *Monitor) backoff(failures int) time.Duration {
	d := m.opts.RetryBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.opts.RetryMaxBackoff {
			return m.opts.RetryMaxBackoff
		}
	}
	return d
}

// Status returns a snapshot of the loop. Safe for concurrent use.
func (m *Monitor) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) setState(state domain.LoopState, err error) {
	m.opts.Metrics.SetState(state)
	m.update(func(s *domain.Status) {
		s.State = state
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

func (m *Monitor) update(fn func(s *domain.Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.status)
}

func sourceFailure(err error, failures int) error {
	if err == nil {
		err = domain.ErrSourceUnavailable
	}
	if errors.Is(err, domain.ErrSourceUnavailable) {
		return fmt.Errorf("giving up after %d consecutive failures: %w", failures, err)
	}
	return fmt.Errorf("%w: giving up after %d consecutive failures: %w", domain.ErrSourceUnavailable, failures, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
