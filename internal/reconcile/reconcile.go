// Package reconcile keeps the authoritative collection and a presentation
// surface in step by applying edit scripts to both.
//
// A Reconciler is not safe for concurrent use. Every method must be called from
// the single owner goroutine (see package loop).
package reconcile

import (
	"fmt"
	"log/slog"

	"github.com/schaermu/listsyncd/internal/diff"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/metrics"
)

// Messages shown for the two non-list states.
const (
	EmptyMessage = "No MyAppstore apps"
	ErrorTitle   = "Unable to load apps"
)

// Surface is a rendering target for the collection.
type Surface interface {
	// ApplyEditScript applies script in order. An empty script is a no-op.
	ApplyEditScript(script diff.Script)
	// ItemCount returns the number of items currently displayed.
	ItemCount() int
	// ItemAt returns the displayed item at index i.
	ItemAt(i int) (item.Item, bool)
}

// StateRenderer is implemented by surfaces that display the sync state.
type StateRenderer interface {
	RenderState(state State)
}

// Phase is the fetch lifecycle phase
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*p = PhaseIdle
	case "fetching":
		*p = PhaseFetching
	case "error":
		*p = PhaseError
	default:
		return fmt.Errorf("unknown phase %q", string(b))
	}
	return nil
}

// State is the sync state exposed to consumers. Empty is set when the last
// successful fetch, or a user delete, left the collection without items; it is
// independent of PhaseError.
type State struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
	Empty   bool   `json:"empty"`
}

// Reconciler owns the authoritative collection.
type Reconciler struct {
	items   []item.Item
	surface Surface
	state   State
	logger  *slog.Logger
}

// New creates a reconciler with an empty collection.
func New(surface Surface, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		items:   []item.Item{},
		surface: surface,
		logger:  logger,
	}
}

// Items returns a copy of the authoritative collection.
func (r *Reconciler) Items() []item.Item {
	out := make([]item.Item, len(r.items))
	copy(out, r.items)
	return out
}

// State returns the current sync state.
func (r *Reconciler) State() State {
	return r.state
}

// Apply validates script against the collection, commits it, forwards it to
// the surface and then calls onComplete once. A script that does not fit the
// collection is rejected without touching either side.
func (r *Reconciler) Apply(script diff.Script, onComplete func()) error {
	next, err := diff.Apply(r.items, script)
	if err != nil {
		return fmt.Errorf("rejecting edit script: %w", err)
	}

	r.items = next
	if len(script) > 0 {
		r.surface.ApplyEditScript(script)
		metrics.RecordEditScript(script)
	}
	metrics.SetItemsDisplayed(len(r.items))

	if n := r.surface.ItemCount(); n != len(r.items) {
		r.logger.Error("surface diverged from collection",
			"surface_count", n,
			"collection_count", len(r.items))
	}

	if onComplete != nil {
		onComplete()
	}
	return nil
}

// BeginFetch marks a fetch as started.
func (r *Reconciler) BeginFetch() {
	r.setState(State{Phase: PhaseFetching, Empty: r.state.Empty})
}

// FailFetch records a failed fetch. The collection is left unchanged.
func (r *Reconciler) FailFetch(err error) {
	r.logger.Warn("fetch failed", "error", err)
	r.setState(State{Phase: PhaseError, Message: err.Error(), Empty: r.state.Empty})
}

// Reconcile diffs snapshot against the collection as it stands now and applies
// the result. It returns the applied script.
func (r *Reconciler) Reconcile(snapshot []item.Item) (diff.Script, error) {
	script := diff.Compute(r.items, snapshot)

	inserts, deletes, updates, moves := script.Counts()
	r.logger.Debug("reconciling snapshot",
		"items", len(snapshot),
		"insert", inserts,
		"delete", deletes,
		"update", updates,
		"move", moves)

	err := r.Apply(script, func() {
		r.setState(State{Phase: PhaseIdle, Empty: len(r.items) == 0})
	})
	if err != nil {
		return nil, err
	}
	return script, nil
}

// Remove deletes the item with the given ID after the remote delete
// succeeded. The index is resolved now, not when the delete was requested, so
// a fetch that landed in between cannot shift it. It reports whether the item
// was still present.
func (r *Reconciler) Remove(id string) bool {
	idx := item.Snapshot(r.items).Index(id)
	if idx < 0 {
		r.logger.Debug("deleted item already gone", "id", id)
		return false
	}

	script := diff.Script{{Kind: diff.Delete, Index: idx, Item: r.items[idx]}}
	err := r.Apply(script, func() {
		next := State{Phase: r.state.Phase, Message: r.state.Message, Empty: len(r.items) == 0}
		if next.Phase != PhaseFetching {
			next.Phase = PhaseIdle
			next.Message = ""
		}
		r.setState(next)
	})
	if err != nil {
		// Unreachable: idx was resolved against r.items above.
		r.logger.Error("failed to remove item", "id", id, "error", err)
		return false
	}
	return true
}

func (r *Reconciler) setState(s State) {
	if s == r.state {
		return
	}
	r.state = s
	if sr, ok := r.surface.(StateRenderer); ok {
		sr.RenderState(s)
	}
}
