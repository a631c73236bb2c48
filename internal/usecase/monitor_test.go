package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/V4T54L/zpool-watch/internal/adapter/metrics"
	"github.com/V4T54L/zpool-watch/internal/domain"
	"github.com/V4T54L/zpool-watch/internal/domain/mocks"
)

const testMinInterval = 30 * time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 2, 5, 0, 24, 1, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	clock    *fakeClock
	sleeps   *recordedSleeps
	notifier *mocks.MockNotifier
	opener   *mocks.MockSourceOpener
	metrics  *metrics.MonitorMetrics
	opts     MonitorOptions
	perClass bool
}

func newHarness() *harness {
	h := &harness{
		clock:    newFakeClock(),
		sleeps:   &recordedSleeps{},
		notifier: &mocks.MockNotifier{},
		opener:   &mocks.MockSourceOpener{},
		metrics:  metrics.NewMonitorMetrics(prometheus.NewRegistry()),
	}
	h.opts = MonitorOptions{RetryMax: 3, RetryBackoff: time.Second, RetryMaxBackoff: 4 * time.Second}
	return h
}

func (h *harness) monitor() *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := h.opts
	opts.Metrics = h.metrics
	opts.Now = h.clock.Now
	opts.Sleep = h.sleeps.Sleep
	classifier := NewClassifier(NewIgnoreSet(defaultIgnored), h.perClass)
	return NewMonitor(h.opener, classifier, NewRateLimiter(testMinInterval), h.notifier, logger, opts)
}

// run executes the monitor until its single source drains.
func (h *harness) run(t *testing.T, steps ...mocks.Step) (*Monitor, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.opener.Sources = append(h.opener.Sources, &mocks.MockEventSource{Steps: steps, Drained: cancel})
	m := h.monitor()
	err := m.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatal("monitor did not finish in time")
	}
	return m, err
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func event(class, pool string) domain.RawEvent {
	ev := domain.RawEvent{"class": class}
	if pool != "" {
		ev["pool"] = pool
	}
	return ev
}

func TestMonitor_IgnoreThenRateLimitScenario(t *testing.T) {
	h := newHarness()
	m, err := h.run(t,
		mocks.Step{Event: event("sysevent.fs.zfs.scrub_start", "tank")},
		mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")},
		mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank"), Before: func() { h.clock.Advance(time.Second) }},
		mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank"), Before: func() { h.clock.Advance(testMinInterval) }},
	)
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}

	sent := h.notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(sent), sent)
	}
	for _, msg := range sent {
		if !strings.Contains(msg, "io_failure") || !strings.Contains(msg, "tank") {
			t.Errorf("notification %q lacks class or pool", msg)
		}
	}
	if !strings.Contains(sent[1], "+1 suppressed") || !strings.Contains(sent[1], "sysevent.fs.zfs.io_failure:1") {
		t.Errorf("expected the second notification to report the suppressed event, got %q", sent[1])
	}

	s := m.Status()
	if s.State != domain.StateStopped {
		t.Errorf("expected stopped state, got %s", s.State)
	}
	if s.EventsReceived != 4 || s.EventsIgnored != 1 || s.EventsSuppressed != 1 || s.NotificationsSent != 2 {
		t.Errorf("unexpected status counters: %+v", s)
	}
	if got := counterValue(t, h.metrics.EventsTotal.WithLabelValues("suppressed")); got != 1 {
		t.Errorf("expected 1 suppressed event metric, got %v", got)
	}
	if got := counterValue(t, h.metrics.NotificationsTotal.WithLabelValues("sent")); got != 2 {
		t.Errorf("expected 2 sent notifications metric, got %v", got)
	}
}

func TestMonitor_SuppressedClassesReachNextNotification(t *testing.T) {
	h := newHarness()
	_, err := h.run(t,
		mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")},
		mocks.Step{Event: event("sysevent.fs.zfs.statechange", "tank"), Before: func() { h.clock.Advance(time.Minute) }},
		mocks.Step{Event: event("sysevent.fs.zfs.pool_destroy", "tank"), Before: func() { h.clock.Advance(time.Minute) }},
		mocks.Step{Event: event("ereport.fs.zfs.checksum", "tank"), Before: func() { h.clock.Advance(testMinInterval) }},
	)
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}

	sent := h.notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(sent), sent)
	}
	if !strings.HasPrefix(sent[1], "ereport.fs.zfs.checksum pool=tank") {
		t.Errorf("unexpected second notification %q", sent[1])
	}
	for _, want := range []string{"+2 suppressed", "sysevent.fs.zfs.pool_destroy:1", "sysevent.fs.zfs.statechange:1"} {
		if !strings.Contains(sent[1], want) {
			t.Errorf("expected %q in %q", want, sent[1])
		}
	}
}

func TestMonitor_IgnoredClassesNeverNotify(t *testing.T) {
	h := newHarness()
	var steps []mocks.Step
	for _, class := range defaultIgnored {
		steps = append(steps,
			mocks.Step{Event: event(class, "tank")},
			mocks.Step{Event: event(class+".variant", "tank"), Before: func() { h.clock.Advance(time.Hour) }},
		)
	}
	if _, err := h.run(t, steps...); err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if sent := h.notifier.Sent(); len(sent) != 0 {
		t.Errorf("expected no notifications, got %v", sent)
	}
}

func TestMonitor_MalformedEventIsSkipped(t *testing.T) {
	h := newHarness()
	m, err := h.run(t,
		mocks.Step{Event: domain.RawEvent{"pool": "tank"}},
		mocks.Step{Event: domain.RawEvent{}},
		mocks.Step{Event: event("ereport.fs.zfs.checksum", "tank")},
	)
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "ereport.fs.zfs.checksum") {
		t.Errorf("expected only the checksum event to notify, got %v", sent)
	}
	if s := m.Status(); s.EventsMalformed != 2 {
		t.Errorf("expected 2 malformed events, got %d", s.EventsMalformed)
	}
}

func TestMonitor_NotifyFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness()
	h.perClass = true
	h.notifier.NotifyErr = &domain.NotifyError{ExitCode: 1, Output: "ntfy: 503"}

	m, err := h.run(t,
		mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")},
		mocks.Step{Event: event("sysevent.fs.zfs.pool_destroy", "tank")},
	)
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if sent := h.notifier.Sent(); len(sent) != 2 {
		t.Fatalf("expected both events to reach the notifier, got %v", sent)
	}
	s := m.Status()
	if s.NotificationsFailed != 2 || s.NotificationsSent != 0 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if !strings.Contains(s.LastError, "status 1") {
		t.Errorf("expected last error to describe the exit status, got %q", s.LastError)
	}
	if got := counterValue(t, h.metrics.EventsTotal.WithLabelValues("allowed")); got != 2 {
		t.Errorf("expected 2 allowed events, got %v", got)
	}
	if got := counterValue(t, h.metrics.NotificationsTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("expected 2 failed notifications, got %v", got)
	}
	if got := counterValue(t, h.metrics.NotificationsTotal.WithLabelValues("sent")); got != 0 {
		t.Errorf("expected no sent notifications, got %v", got)
	}
}

func TestMonitor_NotifyTimeoutIsCounted(t *testing.T) {
	h := newHarness()
	h.notifier.NotifyErr = &domain.NotifyError{ExitCode: -1, TimedOut: true, Err: context.DeadlineExceeded}

	if _, err := h.run(t, mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")}); err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if got := counterValue(t, h.metrics.NotificationsTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("expected 1 timeout, got %v", got)
	}
}

func TestMonitor_RetryBudgetExhausted(t *testing.T) {
	h := newHarness()
	h.opts.RetryMax = 2

	m := h.monitor()
	err := m.Run(context.Background())
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if h.opener.Opens != 3 {
		t.Errorf("expected 3 open attempts, got %d", h.opener.Opens)
	}
	if s := m.Status(); s.State != domain.StateStopped || s.SourceFailures != 3 {
		t.Errorf("unexpected status %+v", s)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(h.sleeps.delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), h.sleeps.delays)
	}
	for i := range want {
		if h.sleeps.delays[i] != want[i] {
			t.Errorf("backoff %d: got %s, want %s", i, h.sleeps.delays[i], want[i])
		}
	}
}

func TestMonitor_RecoversAfterOpenFailure(t *testing.T) {
	h := newHarness()
	h.opener.OpenErrs = []error{domain.ErrSourceUnavailable}

	m, err := h.run(t, mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")})
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if h.opener.Opens != 2 {
		t.Errorf("expected 2 open attempts, got %d", h.opener.Opens)
	}
	if len(h.notifier.Sent()) != 1 {
		t.Errorf("expected 1 notification after recovery, got %v", h.notifier.Sent())
	}
	if s := m.Status(); s.SourceFailures != 0 {
		t.Errorf("expected failure count reset after an event, got %d", s.SourceFailures)
	}
}

func TestMonitor_RetryBudgetResetsAfterEvent(t *testing.T) {
	h := newHarness()
	h.opts.RetryMax = 1
	lost := mocks.Step{Err: domain.ErrSourceUnavailable}
	h.opener.Sources = []*mocks.MockEventSource{
		{Steps: []mocks.Step{{Event: event("ereport.fs.zfs.checksum", "tank")}, lost}},
		{Steps: []mocks.Step{{Event: event("ereport.fs.zfs.checksum", "tank")}, lost}},
	}

	_, err := h.run(t)
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if h.opener.Opens != 3 {
		t.Errorf("expected 3 open attempts, got %d", h.opener.Opens)
	}
	for i, src := range h.opener.Sources {
		if !src.Closed {
			t.Errorf("source %d was not closed", i)
		}
	}
}

func TestMonitor_NotifierMissing(t *testing.T) {
	h := newHarness()
	h.notifier.CheckErr = domain.ErrNotifierMissing

	m := h.monitor()
	err := m.Run(context.Background())
	if !errors.Is(err, domain.ErrNotifierMissing) {
		t.Fatalf("expected ErrNotifierMissing, got %v", err)
	}
	if h.opener.Opens != 0 {
		t.Errorf("source must not be opened without a notifier, got %d opens", h.opener.Opens)
	}
	if m.Status().State != domain.StateStopped {
		t.Errorf("expected stopped state, got %s", m.Status().State)
	}
}

func TestMonitor_StartupMessage(t *testing.T) {
	h := newHarness()
	h.opts.StartupMessage = "zpool monitor start"

	if _, err := h.run(t, mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")}); err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	sent := h.notifier.Sent()
	if len(sent) != 2 || sent[0] != "zpool monitor start" {
		t.Errorf("expected startup message first, got %v", sent)
	}
}

func TestMonitor_ScrubGuard(t *testing.T) {
	tests := []struct {
		name       string
		checker    *mocks.MockScrubChecker
		wantNotify bool
	}{
		{"Other Scrub Running", &mocks.MockScrubChecker{InProgress: true}, false},
		{"No Scrub Running", &mocks.MockScrubChecker{InProgress: false}, true},
		{"Status Check Fails", &mocks.MockScrubChecker{Err: errors.New("zpool: command not found")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.opts.ScrubChecker = tt.checker

			if _, err := h.run(t, mocks.Step{Event: event(ScrubFinishClass, "tank")}); err != nil {
				t.Fatalf("expected graceful stop, got %v", err)
			}
			if got := len(h.notifier.Sent()) == 1; got != tt.wantNotify {
				t.Errorf("notified = %v, want %v", got, tt.wantNotify)
			}
			if tt.checker.Calls != 1 {
				t.Errorf("expected 1 status check, got %d", tt.checker.Calls)
			}
		})
	}

	t.Run("Only Applies To Scrub Finish", func(t *testing.T) {
		h := newHarness()
		checker := &mocks.MockScrubChecker{InProgress: true}
		h.opts.ScrubChecker = checker
		if _, err := h.run(t, mocks.Step{Event: event("sysevent.fs.zfs.io_failure", "tank")}); err != nil {
			t.Fatalf("expected graceful stop, got %v", err)
		}
		if checker.Calls != 0 || len(h.notifier.Sent()) != 1 {
			t.Errorf("unexpected calls=%d sent=%v", checker.Calls, h.notifier.Sent())
		}
	})
}

func TestMonitor_ShutdownWaitsForInFlightNotification(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifyCtxErr error
	h.notifier.NotifyFunc = func(nctx context.Context, msg string) error {
		cancel() // shutdown signal arrives mid-invocation
		time.Sleep(20 * time.Millisecond)
		notifyCtxErr = nctx.Err()
		return nil
	}
	h.opener.Sources = []*mocks.MockEventSource{
		{Steps: []mocks.Step{
			{Event: event("sysevent.fs.zfs.io_failure", "tank")},
			{Event: event("ereport.fs.zfs.checksum", "tank")},
		}},
	}

	m := h.monitor()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if notifyCtxErr != nil {
		t.Errorf("in-flight notification was cancelled: %v", notifyCtxErr)
	}
	if s := m.Status(); s.NotificationsSent != 1 || s.State != domain.StateStopped {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestMonitor_Backoff(t *testing.T) {
	h := newHarness()
	h.opts.RetryBackoff = time.Second
	h.opts.RetryMaxBackoff = 5 * time.Second
	m := h.monitor()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}
