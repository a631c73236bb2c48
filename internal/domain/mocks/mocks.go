package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

// Step is one item yielded by MockEventSource: an event, or an error.
// Before, if set, runs just before the step is returned.
type Step struct {
	Event  domain.RawEvent
	Err    error
	Before func()
}

// MockEventSource is a finite domain.EventSource for testing. Once its steps
// are exhausted it calls Drained (if set) and blocks until ctx is done.
type MockEventSource struct {
	mu      sync.Mutex
	Steps   []Step
	Drained func()
	Closed  bool
	pos     int
}

func (m *MockEventSource) Next(ctx context.Context) (domain.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.pos < len(m.Steps) {
		step := m.Steps[m.pos]
		m.pos++
		m.mu.Unlock()
		if step.Before != nil {
			step.Before()
		}
		return step.Event, step.Err
	}
	drained := m.Drained
	m.Drained = nil
	m.mu.Unlock()

	if drained != nil {
		drained()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *MockEventSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// MockSourceOpener hands out Sources in order. OpenErrs, when shorter than the
// number of calls, is padded with nil; once Sources run out, Open fails with
// domain.ErrSourceUnavailable.
type MockSourceOpener struct {
	mu       sync.Mutex
	Sources  []*MockEventSource
	OpenErrs []error
	Opens    int
	next     int
}

func (m *MockSourceOpener) Open(ctx context.Context) (domain.EventSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.Opens
	m.Opens++
	if call < len(m.OpenErrs) && m.OpenErrs[call] != nil {
		return nil, m.OpenErrs[call]
	}
	if m.next >= len(m.Sources) {
		return nil, errors.Join(domain.ErrSourceUnavailable, errors.New("no more mock sources"))
	}
	src := m.Sources[m.next]
	m.next++
	return src, nil
}

// MockNotifier records every message it is asked to deliver.
type MockNotifier struct {
	mu         sync.Mutex
	Messages   []string
	CheckErr   error
	NotifyErr  error
	NotifyFunc func(ctx context.Context, msg string) error
}

func (m *MockNotifier) Check() error {
	return m.CheckErr
}

func (m *MockNotifier) Notify(ctx context.Context, msg string) error {
	m.mu.Lock()
	m.Messages = append(m.Messages, msg)
	fn, err := m.NotifyFunc, m.NotifyErr
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return err
}

// Sent returns a copy of the delivered messages.
func (m *MockNotifier) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Messages...)
}

// MockScrubChecker returns a fixed answer.
type MockScrubChecker struct {
	InProgress bool
	Err        error
	Calls      int
}

func (m *MockScrubChecker) ScrubInProgress(ctx context.Context) (bool, error) {
	m.Calls++
	return m.InProgress, m.Err
}
