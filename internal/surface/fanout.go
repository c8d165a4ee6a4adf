package surface

import (
	"github.com/schaermu/listsyncd/internal/diff"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/reconcile"
)

// Fanout forwards scripts and state to several surfaces. Counts and items are
// answered by the first one.
type Fanout []reconcile.Surface

// ApplyEditScript forwards script to every surface in order.
func (f Fanout) ApplyEditScript(script diff.Script) {
	for _, s := range f {
		s.ApplyEditScript(script)
	}
}

// ItemCount returns the first surface's count.
func (f Fanout) ItemCount() int {
	if len(f) == 0 {
		return 0
	}
	return f[0].ItemCount()
}

// ItemAt returns the first surface's item at index i.
func (f Fanout) ItemAt(i int) (item.Item, bool) {
	if len(f) == 0 {
		return item.Item{}, false
	}
	return f[0].ItemAt(i)
}

// RenderState forwards state to surfaces that display it.
func (f Fanout) RenderState(state reconcile.State) {
	for _, s := range f {
		if sr, ok := s.(reconcile.StateRenderer); ok {
			sr.RenderState(state)
		}
	}
}
