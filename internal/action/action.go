// Package action tracks the transient install label shown next to each item
// while an install request is outstanding.
package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/listsyncd/internal/client"
	"github.com/schaermu/listsyncd/internal/metrics"
)

// Labels shown for an item's install action.
const (
	LabelIdle       = "Install"
	LabelRequesting = "Requesting..."
	LabelRequested  = "Requested"
)

// KindMyAppstore is the default install kind.
const KindMyAppstore = "myappstore"

// ErrNotLinked is returned when no device is linked to receive installs.
var ErrNotLinked = errors.New("no device linked")

// Config controls label timing.
type Config struct {
	Linked        bool
	FailureRevert time.Duration
	SuccessRevert time.Duration
}

// DefaultConfig returns the standard revert delays.
func DefaultConfig() Config {
	return Config{
		Linked:        true,
		FailureRevert: 300 * time.Millisecond,
		SuccessRevert: 5 * time.Second,
	}
}

type entry struct {
	label string
	gen   uint64
	timer *time.Timer
}

// Tracker issues install requests and drives their labels. It never touches
// the synchronized collection.
type Tracker struct {
	requester client.Requester
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*entry
	onChange func(id, label string)
	closed   bool
}

// New creates a tracker that sends requests through requester.
func New(requester client.Requester, cfg Config, logger *slog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		requester: requester,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		onChange:  func(string, string) {},
	}
}

// OnChange registers fn to be called with every label change. It replaces any
// previous callback.
func (t *Tracker) OnChange(fn func(id, label string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		fn = func(string, string) {}
	}
	t.onChange = fn
}

// Label returns the current label for id.
func (t *Tracker) Label(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.label
	}
	return LabelIdle
}

// Labels returns the labels of every item with a request outstanding.
func (t *Tracker) Labels() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.label
	}
	return out
}

// Request starts an install of id. It returns once the request is issued; the
// outcome only shows in the item's label.
func (t *Tracker) Request(ctx context.Context, id, kind string) error {
	if !t.cfg.Linked {
		return ErrNotLinked
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if kind == "" {
		kind = KindMyAppstore
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return context.Canceled
	}
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	gen := e.gen
	t.wg.Add(1)
	t.mu.Unlock()

	t.setLabel(id, gen, LabelRequesting)
	t.logger.Info("requesting install", "id", id, "kind", kind)

	go func() {
		defer t.wg.Done()
		err := t.requester.RequestAction(t.ctx, id, kind)
		t.finish(id, kind, gen, err)
	}()
	return nil
}

func (t *Tracker) finish(id, kind string, gen uint64, err error) {
	if err != nil {
		metrics.RecordAction(kind, metrics.ResultError)
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("install request failed", "id", id, "kind", kind, "error", err)
		t.revertAfter(id, gen, t.cfg.FailureRevert)
		return
	}

	metrics.RecordAction(kind, metrics.ResultOK)
	t.logger.Info("install requested", "id", id, "kind", kind)
	t.setLabel(id, gen, LabelRequested)
	t.revertAfter(id, gen, t.cfg.SuccessRevert)
}

// setLabel changes the label if gen is still the item's latest request.
func (t *Tracker) setLabel(id string, gen uint64, label string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	e.label = label
	notify := t.onChange
	t.mu.Unlock()

	notify(id, label)
}

func (t *Tracker) revertAfter(id string, gen uint64, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.gen != gen || t.closed {
		return
	}
	e.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		cur, ok := t.entries[id]
		if !ok || cur.gen != gen || t.closed {
			t.mu.Unlock()
			return
		}
		delete(t.entries, id)
		notify := t.onChange
		t.mu.Unlock()

		notify(id, LabelIdle)
	})
}

// Close cancels outstanding requests, stops pending reverts and waits for
// request goroutines to return. No label changes are reported afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}
