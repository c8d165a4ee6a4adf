// Package scheduler triggers fetch cycles on a fixed interval with at most one
// cycle in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTornDown is returned by Start after Teardown.
var ErrTornDown = errors.New("scheduler torn down")

// FetchFunc runs one fetch cycle. The cycle counts as in flight until it
// returns. ctx is cancelled on Teardown.
type FetchFunc func(ctx context.Context)

// Scheduler owns the repeating trigger for fetch cycles. Triggers that arrive
// while a cycle is running are dropped, not queued.
type Scheduler struct {
	fetch  FetchFunc
	logger *slog.Logger
	onSkip func()

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards everything below
	inFlight bool
	stop     chan struct{}
	ticking  sync.WaitGroup
	torn     bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSkipHook registers fn to be called for every dropped trigger.
func WithSkipHook(fn func()) Option {
	return func(s *Scheduler) { s.onSkip = fn }
}

// New creates a scheduler for fetch. It does nothing until Start or Trigger.
func New(fetch FetchFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		fetch:  fetch,
		logger: logger,
		onSkip: func() {},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the repeating trigger. Starting a running scheduler re-arms it
// with the new interval.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return ErrTornDown
	}

	stop := make(chan struct{})
	s.stop = stop
	s.ticking.Add(1)
	go s.tick(interval, stop)

	s.logger.Debug("scheduler armed", "interval", interval)
	return nil
}

func (s *Scheduler) tick(interval time.Duration, stop chan struct{}) {
	defer s.ticking.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// Stop disarms the repeating trigger. A cycle already running is unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.ticking.Wait()
	}
}

// Running reports whether the repeating trigger is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// InFlight reports whether a fetch cycle is running.
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Trigger starts a fetch cycle now unless one is already running or the
// scheduler was torn down. It reports whether a cycle was started.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return false
	}
	if s.inFlight {
		s.mu.Unlock()
		s.logger.Debug("fetch already in flight, dropping trigger")
		s.onSkip()
		return false
	}
	s.inFlight = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}()
		s.fetch(s.ctx)
	}()
	return true
}

// Teardown disarms the trigger for good and cancels the running cycle's
// context. It does not wait for that cycle to return.
func (s *Scheduler) Teardown() {
	s.Stop()

	s.mu.Lock()
	s.torn = true
	s.mu.Unlock()

	s.cancel()
}
