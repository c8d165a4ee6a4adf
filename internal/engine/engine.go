// Package engine wires the fetch scheduler, remote clients, owner loop and
// reconciler into the running list synchronization engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schaermu/listsyncd/internal/action"
	"github.com/schaermu/listsyncd/internal/client"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/loop"
	"github.com/schaermu/listsyncd/internal/metrics"
	"github.com/schaermu/listsyncd/internal/reconcile"
	"github.com/schaermu/listsyncd/internal/scheduler"
)

// ErrNotFound is returned for operations on items that are not displayed.
var ErrNotFound = errors.New("item not found")

// DeleteError reports a failed remote delete. The collection is unchanged.
type DeleteError struct {
	ID  string
	Err error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("failed to delete %s: %v", e.ID, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

// Config holds engine configuration.
type Config struct {
	Interval  time.Duration
	QueueSize int
}

// View is a consistent read of the engine's state.
type View struct {
	Items  []item.Item       `json:"items"`
	State  reconcile.State   `json:"state"`
	Labels map[string]string `json:"labels"`
}

// Engine keeps a surface in sync with the remote collection.
type Engine struct {
	cfg     Config
	fetcher client.Fetcher
	deleter client.Deleter
	tracker *action.Tracker
	logger  *slog.Logger

	owner *loop.Loop
	rec   *reconcile.Reconciler
	sched *scheduler.Scheduler

	alive     atomic.Bool
	closeOnce sync.Once
}

// New creates an engine rendering to surface. tracker may be nil when installs
// are not offered.
func New(cfg Config, fetcher client.Fetcher, deleter client.Deleter, tracker *action.Tracker, surface reconcile.Surface, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		deleter: deleter,
		tracker: tracker,
		logger:  logger,
		owner:   loop.New(cfg.QueueSize, logger),
		rec:     reconcile.New(surface, logger),
	}
	e.sched = scheduler.New(e.fetch, logger, scheduler.WithSkipHook(metrics.RecordFetchSkipped))
	return e
}

// Start arms polling and triggers the first fetch immediately. The engine is
// closed when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.alive.Store(true)
	if err := e.sched.Start(e.cfg.Interval); err != nil {
		e.alive.Store(false)
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	e.logger.Info("engine started", "interval", e.cfg.Interval)
	e.sched.Trigger()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			e.Close()
		}()
	}
	return nil
}

// fetch runs one cycle: network and decoding off the owner, state changes on
// it. Results arriving after Close are dropped.
func (e *Engine) fetch(ctx context.Context) {
	if !e.alive.Load() {
		return
	}
	start := time.Now()

	if err := e.owner.Post(func() {
		if e.alive.Load() {
			e.rec.BeginFetch()
		}
	}); err != nil {
		return
	}

	items, err := e.fetcher.FetchAll(ctx)
	elapsed := time.Since(start)
	if !e.alive.Load() {
		e.logger.Debug("dropping fetch result after shutdown")
		return
	}

	doErr := e.owner.Do(ctx, func() {
		if !e.alive.Load() {
			return
		}
		if err != nil {
			metrics.RecordFetch(metrics.ResultError, elapsed)
			e.rec.FailFetch(err)
			return
		}
		if len(items) == 0 {
			metrics.RecordFetch(metrics.ResultEmpty, elapsed)
		} else {
			metrics.RecordFetch(metrics.ResultOK, elapsed)
		}
		if _, rerr := e.rec.Reconcile(items); rerr != nil {
			e.logger.Error("failed to reconcile snapshot", "error", rerr)
		}
	})
	if doErr != nil && !errors.Is(doErr, loop.ErrClosed) && !errors.Is(doErr, context.Canceled) {
		e.logger.Warn("fetch result not applied", "error", doErr)
	}
}

// Delete removes id remotely and then from the collection. A failed remote
// delete is returned as a *DeleteError and changes nothing.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if !e.alive.Load() {
		return loop.ErrClosed
	}

	if err := e.deleter.Delete(ctx, id); err != nil {
		metrics.RecordDelete(metrics.ResultError)
		e.logger.Warn("delete failed", "id", id, "error", err)
		return &DeleteError{ID: id, Err: err}
	}
	metrics.RecordDelete(metrics.ResultOK)
	e.logger.Info("deleted item", "id", id)

	return e.owner.Do(ctx, func() {
		if e.alive.Load() {
			e.rec.Remove(id)
		}
	})
}

// Install requests installation of a displayed item.
func (e *Engine) Install(ctx context.Context, id, kind string) error {
	if e.tracker == nil {
		return action.ErrNotLinked
	}

	view, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	if item.Snapshot(view.Items).Index(id) < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.tracker.Request(ctx, id, kind)
}

// Snapshot reads the collection and sync state on the owner loop.
func (e *Engine) Snapshot(ctx context.Context) (View, error) {
	var view View
	err := e.owner.Do(ctx, func() {
		view.Items = e.rec.Items()
		view.State = e.rec.State()
	})
	if err != nil {
		return View{}, err
	}

	if e.tracker != nil {
		view.Labels = e.tracker.Labels()
	} else {
		view.Labels = map[string]string{}
	}
	return view, nil
}

// Refresh requests an immediate fetch. It reports false when a fetch is
// already in flight.
func (e *Engine) Refresh() bool {
	if !e.alive.Load() {
		return false
	}
	return e.sched.Trigger()
}

// Close stops polling and the owner loop. Fetches still in flight finish
// without touching state. It is safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.alive.Store(false)
		e.sched.Teardown()
		e.owner.Close()
		if e.tracker != nil {
			e.tracker.Close()
		}
		e.logger.Info("engine stopped")
	})
}
