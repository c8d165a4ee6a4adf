// Package loop provides the single owner goroutine that serializes every
// mutation of the displayed collection.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is posted to a loop that has shut down.
var ErrClosed = errors.New("loop closed")

const defaultCapacity = 64

// Loop runs posted functions one at a time, in posting order, on one goroutine.
type Loop struct {
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New starts a loop. capacity bounds the number of queued functions; posting
// to a full queue blocks until there is room or the loop closes.
func New(capacity int, logger *slog.Logger) *Loop {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		tasks:  make(chan func(), capacity),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	l.wg.Add(1)
	go l.run()

	return l
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.tasks:
			// Close may have raced with the receive; queued work is dropped.
			if l.ctx.Err() != nil {
				return
			}
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("owner loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn without waiting for it to run.
func (l *Loop) Post(fn func()) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Do queues fn and waits until it has run. It must not be called from a
// function running on the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		// fn may still have completed just before shutdown.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop and waits for the running function, if any, to return.
// Functions still queued are discarded.
func (l *Loop) Close() {
	l.cancel()
	l.wg.Wait()
}
