// Package surface provides presentation surfaces for the reconciler.
package surface

import (
	"sync"

	"github.com/schaermu/listsyncd/internal/diff"
	"github.com/schaermu/listsyncd/internal/item"
)

// Mirror is an in-memory surface that replays every script onto its own copy
// of the collection. Other surfaces embed it to answer ItemCount and ItemAt.
type Mirror struct {
	mu      sync.RWMutex
	items   []item.Item
	applied int
	lastErr error
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{items: []item.Item{}}
}

// ApplyEditScript replays script. A script that does not fit is rejected and
// recorded in Err; the mirror keeps its previous contents.
func (m *Mirror) ApplyEditScript(script diff.Script) {
	if len(script) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := diff.Apply(m.items, script)
	if err != nil {
		m.lastErr = err
		return
	}
	m.items = next
	m.applied++
}

// ItemCount returns the number of mirrored items.
func (m *Mirror) ItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// ItemAt returns the mirrored item at index i.
func (m *Mirror) ItemAt(i int) (item.Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.items) {
		return item.Item{}, false
	}
	return m.items[i], true
}

// Items returns a copy of the mirrored collection.
func (m *Mirror) Items() []item.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]item.Item, len(m.items))
	copy(out, m.items)
	return out
}

// Applied returns how many non-empty scripts have been applied.
func (m *Mirror) Applied() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

// Err returns the last rejected script's error, if any.
func (m *Mirror) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}
