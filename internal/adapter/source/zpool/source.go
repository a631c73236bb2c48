package zpool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

// Opener starts `zpool events -f` followers. It remembers the highest event
// id delivered so far, so a follower opened after a failure does not replay
// events that were already handled, and events that predate the monitor are
// never delivered at all.
type Opener struct {
	zpoolPath string
	timeout   time.Duration
	logger    *slog.Logger

	baselined atomic.Bool
	lastEID   atomic.Uint64
}

// NewOpener creates an Opener that runs the zpool binary at zpoolPath.
// timeout bounds the one-shot baseline listing, not the follower.
func NewOpener(zpoolPath string, timeout time.Duration, logger *slog.Logger) *Opener {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Opener{
		zpoolPath: zpoolPath,
		timeout:   timeout,
		logger:    logger.With("component", "zpool_source"),
	}
}

// Open captures the event baseline on first use and starts a follower.
func (o *Opener) Open(ctx context.Context) (domain.EventSource, error) {
	if !o.baselined.Load() {
		eid, count, err := o.baseline(ctx)
		if err != nil {
			return nil, err
		}
		o.lastEID.Store(eid)
		o.baselined.Store(true)
		o.logger.Info("captured event baseline", "existing_events", count, "last_eid", eid)
	}

	srcCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(srcCtx, o.zpoolPath, "events", "-f", "-H", "-v")
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start %s events: %v", domain.ErrSourceUnavailable, o.zpoolPath, err)
	}

	s := &Source{
		opener: o,
		cancel: cancel,
		events: make(chan domain.RawEvent),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)

		scanErr := scanRecords(stdout, func(ev domain.RawEvent) bool {
			select {
			case s.events <- ev:
				return true
			case <-srcCtx.Done():
				return false
			}
		})
		waitErr := cmd.Wait()
		s.err = followerError(o.zpoolPath, srcCtx.Err(), scanErr, waitErr, stderr.String())
	}()

	o.logger.Info("following zpool events", "pid", cmd.Process.Pid, "after_eid", o.lastEID.Load())
	return s, nil
}

func (o *Opener) baseline(ctx context.Context) (uint64, int, error) {
	out, err := runOnce(ctx, o.zpoolPath, o.timeout, "events", "-H", "-v")
	if err != nil {
		return 0, 0, fmt.Errorf("%w: baseline: %v", domain.ErrSourceUnavailable, err)
	}

	var last uint64
	count := 0
	err = scanRecords(bytes.NewReader(out), func(ev domain.RawEvent) bool {
		count++
		if eid, ok := parseEID(ev); ok && eid > last {
			last = eid
		}
		return true
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading baseline: %v", domain.ErrSourceUnavailable, err)
	}
	return last, count, nil
}

// Source is one running `zpool events -f` follower.
type Source struct {
	opener *Opener
	cancel context.CancelFunc
	events chan domain.RawEvent
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

// Next blocks until the follower prints a record newer than the baseline.
func (s *Source) Next(ctx context.Context) (domain.RawEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				<-s.done
				return nil, s.err
			}
			if eid, hasEID := parseEID(ev); hasEID {
				if eid <= s.opener.lastEID.Load() {
					continue
				}
				s.opener.lastEID.Store(eid)
			}
			return ev, nil
		}
	}
}

// Close stops the follower process and waits for its reader to exit.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func followerError(path string, ctxErr, scanErr, waitErr error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	switch {
	case ctxErr != nil:
		return fmt.Errorf("%w: follower stopped: %v", domain.ErrSourceUnavailable, ctxErr)
	case scanErr != nil:
		return fmt.Errorf("%w: reading %s events: %v", domain.ErrSourceUnavailable, path, scanErr)
	case waitErr != nil:
		return fmt.Errorf("%w: %s events exited: %v: %s", domain.ErrSourceUnavailable, path, waitErr, detail)
	default:
		return fmt.Errorf("%w: %s events exited unexpectedly: %s", domain.ErrSourceUnavailable, path, detail)
	}
}
