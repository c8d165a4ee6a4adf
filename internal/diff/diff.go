// Package diff computes and replays edit scripts between two ordered item
// snapshots keyed by identity.
package diff

import (
	"fmt"
	"sort"

	"github.com/schaermu/listsyncd/internal/item"
)

// Kind identifies an edit operation
type Kind int

const (
	Insert Kind = iota
	Delete
	Update
	Move
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Update:
		return "update"
	case Move:
		return "move"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name so scripts read well on the wire.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "insert":
		*k = Insert
	case "delete":
		*k = Delete
	case "update":
		*k = Update
	case "move":
		*k = Move
	default:
		return fmt.Errorf("unknown edit kind %q", string(b))
	}
	return nil
}

// Op is a single edit. Indexes refer to the collection as it stands after
// every preceding op in the script has been applied.
//
// Insert, Delete and Update use Index. Move removes the element at From and
// reinserts it at To in the shortened collection. Item carries the inserted or
// updated value, the deleted value, or the moved value.
type Op struct {
	Kind  Kind      `json:"kind"`
	Index int       `json:"index"`
	From  int       `json:"from"`
	To    int       `json:"to"`
	Item  item.Item `json:"item"`
}

// Script is an ordered list of edits
type Script []Op

// Counts returns the number of inserts, deletes, updates and moves.
func (s Script) Counts() (inserts, deletes, updates, moves int) {
	for _, op := range s {
		switch op.Kind {
		case Insert:
			inserts++
		case Delete:
			deletes++
		case Update:
			updates++
		case Move:
			moves++
		}
	}
	return
}

// key identifies the k-th occurrence of an ID within one snapshot, so that
// duplicate IDs still match one-to-one.
type key struct {
	id string
	n  int
}

func keysOf(items []item.Item) []key {
	seen := make(map[string]int, len(items))
	out := make([]key, len(items))
	for i, it := range items {
		out[i] = key{id: it.ID, n: seen[it.ID]}
		seen[it.ID]++
	}
	return out
}

func positions(keys []key) map[key]int {
	pos := make(map[key]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}
	return pos
}

// Compute returns a script that turns old into updated when applied in order.
//
// The script lists deletes (descending index), then moves, then inserts
// (ascending index), then updates (ascending final index). Items present on
// both sides are never deleted and reinserted: a field change is one update and
// a relocation is one move. Only items outside the longest run of items that
// already share their relative order are moved.
func Compute(old, updated []item.Item) Script {
	oldKeys := keysOf(old)
	newKeys := keysOf(updated)
	oldPos := positions(oldKeys)
	newPos := positions(newKeys)

	var script Script

	for i := len(oldKeys) - 1; i >= 0; i-- {
		if _, ok := newPos[oldKeys[i]]; !ok {
			script = append(script, Op{Kind: Delete, Index: i, Item: old[i]})
		}
	}

	// Common items in old order (the working collection after deletes) and in
	// new order (where they have to end up).
	work := make([]key, 0, len(oldKeys))
	for _, k := range oldKeys {
		if _, ok := newPos[k]; ok {
			work = append(work, k)
		}
	}
	target := make([]key, 0, len(work))
	for _, k := range newKeys {
		if _, ok := oldPos[k]; ok {
			target = append(target, k)
		}
	}

	stable := stableSet(work, target)
	for t, k := range target {
		if stable[k] {
			continue
		}
		from := indexOf(work, k)
		work = append(work[:from], work[from+1:]...)
		to := 0
		if t > 0 {
			to = indexOf(work, target[t-1]) + 1
		}
		work = append(work, key{})
		copy(work[to+1:], work[to:])
		work[to] = k
		if from != to {
			script = append(script, Op{Kind: Move, From: from, To: to, Item: old[oldPos[k]]})
		}
	}

	for i, k := range newKeys {
		if _, ok := oldPos[k]; !ok {
			script = append(script, Op{Kind: Insert, Index: i, Item: updated[i]})
		}
	}

	for i, k := range newKeys {
		if j, ok := oldPos[k]; ok && !old[j].Equal(updated[i]) {
			script = append(script, Op{Kind: Update, Index: i, Item: updated[i]})
		}
	}

	return script
}

// stableSet returns the keys of work that form a longest subsequence already
// ordered as in target. work and target hold the same keys.
func stableSet(work, target []key) map[key]bool {
	rank := positions(target)

	// Patience sorting: tails[l] is the index in work of the smallest tail of
	// an increasing run of length l+1; prev links back through the run.
	tails := make([]int, 0, len(work))
	prev := make([]int, len(work))
	for i, k := range work {
		r := rank[k]
		l := sort.Search(len(tails), func(j int) bool {
			return rank[work[tails[j]]] >= r
		})
		if l > 0 {
			prev[i] = tails[l-1]
		} else {
			prev[i] = -1
		}
		if l == len(tails) {
			tails = append(tails, i)
		} else {
			tails[l] = i
		}
	}

	stable := make(map[key]bool, len(tails))
	if len(tails) == 0 {
		return stable
	}
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		stable[work[i]] = true
	}
	return stable
}

func indexOf(keys []key, k key) int {
	for i, c := range keys {
		if c == k {
			return i
		}
	}
	return -1
}

// IndexError reports an op that cannot be applied to the collection as it
// stands at that point of the script.
type IndexError struct {
	Step   int
	Op     Op
	Len    int
	Reason string
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("edit %d (%s) on collection of %d: %s", e.Step, e.Op.Kind, e.Len, e.Reason)
}

// Apply replays script onto a copy of items and returns the result. items is
// never modified; on error the partially edited copy is discarded.
func Apply(items []item.Item, script Script) ([]item.Item, error) {
	out := make([]item.Item, len(items), len(items)+len(script))
	copy(out, items)

	for step, op := range script {
		fail := func(format string, args ...any) error {
			return &IndexError{Step: step, Op: op, Len: len(out), Reason: fmt.Sprintf(format, args...)}
		}

		switch op.Kind {
		case Insert:
			if op.Index < 0 || op.Index > len(out) {
				return nil, fail("insert index %d out of range", op.Index)
			}
			out = append(out, item.Item{})
			copy(out[op.Index+1:], out[op.Index:])
			out[op.Index] = op.Item

		case Delete:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fail("delete index %d out of range", op.Index)
			}
			if op.Item.ID != "" && out[op.Index].ID != op.Item.ID {
				return nil, fail("delete index %d holds %q, expected %q", op.Index, out[op.Index].ID, op.Item.ID)
			}
			out = append(out[:op.Index], out[op.Index+1:]...)

		case Update:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fail("update index %d out of range", op.Index)
			}
			if out[op.Index].ID != op.Item.ID {
				return nil, fail("update index %d holds %q, expected %q", op.Index, out[op.Index].ID, op.Item.ID)
			}
			out[op.Index] = op.Item

		case Move:
			if op.From < 0 || op.From >= len(out) {
				return nil, fail("move source %d out of range", op.From)
			}
			if op.To < 0 || op.To >= len(out) {
				return nil, fail("move destination %d out of range", op.To)
			}
			moved := out[op.From]
			out = append(out[:op.From], out[op.From+1:]...)
			out = append(out, item.Item{})
			copy(out[op.To+1:], out[op.To:])
			out[op.To] = moved

		default:
			return nil, fail("unknown kind")
		}
	}

	return out, nil
}
