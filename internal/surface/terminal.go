package surface

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/listsyncd/internal/action"
	"github.com/schaermu/listsyncd/internal/diff"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/reconcile"
	"github.com/schaermu/listsyncd/internal/theme"
)

const (
	bulletPoint  = " • "
	clearScreen  = "\x1b[H\x1b[2J"
	loadingTitle = "Loading..."
)

// Terminal renders the list as text on an io.Writer, styled by the current
// theme. It re-renders after every script, state change, label change and
// theme change.
type Terminal struct {
	*Mirror

	mu          sync.Mutex
	out         io.Writer
	styles      Styles
	state       reconcile.State
	labels      map[string]string
	now         func() time.Time
	clear       bool
	unsubscribe func()
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithClock sets the clock used for relative upload times.
func WithClock(now func() time.Time) TerminalOption {
	return func(t *Terminal) { t.now = now }
}

// WithClearScreen clears the terminal before every render.
func WithClearScreen() TerminalOption {
	return func(t *Terminal) { t.clear = true }
}

// NewTerminal creates a terminal surface that follows themes.
func NewTerminal(out io.Writer, themes *theme.State, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		Mirror: NewMirror(),
		out:    out,
		styles: StylesFor(themes.Get()),
		state:  reconcile.State{Phase: reconcile.PhaseFetching},
		labels: make(map[string]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.unsubscribe = themes.Subscribe(func(th theme.Theme) {
		t.mu.Lock()
		t.styles = StylesFor(th)
		t.mu.Unlock()
		t.render()
	})

	return t
}

// Close stops following theme changes.
func (t *Terminal) Close() {
	t.unsubscribe()
}

// ApplyEditScript updates the mirrored list and re-renders.
func (t *Terminal) ApplyEditScript(script diff.Script) {
	if len(script) == 0 {
		return
	}
	t.Mirror.ApplyEditScript(script)
	t.render()
}

// RenderState shows the empty or error message when appropriate.
func (t *Terminal) RenderState(state reconcile.State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	t.render()
}

// SetLabel shows a transient action label next to an item. An empty or idle
// label clears it.
func (t *Terminal) SetLabel(id, label string) {
	t.mu.Lock()
	if label == "" || label == action.LabelIdle {
		delete(t.labels, id)
	} else {
		t.labels[id] = label
	}
	t.mu.Unlock()
	t.render()
}

func (t *Terminal) render() {
	items := t.Items()

	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	if t.clear {
		b.WriteString(clearScreen)
	}
	b.WriteString(t.styles.Header.Render(fmt.Sprintf("MyAppstore (%d)", len(items))))
	b.WriteString("\n")

	switch {
	case t.state.Phase == reconcile.PhaseError:
		b.WriteString(t.styles.Error.Render(reconcile.ErrorTitle))
		b.WriteString("\n")
		if t.state.Message != "" {
			b.WriteString(t.styles.Empty.Render(t.state.Message))
			b.WriteString("\n")
		}
	case t.state.Empty && len(items) == 0:
		b.WriteString(t.styles.Empty.Render(reconcile.EmptyMessage))
		b.WriteString("\n")
	case len(items) == 0:
		b.WriteString(t.styles.Empty.Render(loadingTitle))
		b.WriteString("\n")
	default:
		now := t.now()
		for i, it := range items {
			b.WriteString(t.row(i, it, now))
		}
	}

	_, _ = io.WriteString(t.out, b.String())
}

func (t *Terminal) row(i int, it item.Item, now time.Time) string {
	title := fmt.Sprintf("%2d. %s", i+1, t.styles.Title.Render(it.Name))
	if label, ok := t.labels[it.ID]; ok {
		title += "  " + t.styles.Label.Render("["+label+"]")
	}

	uploaded := "unknown"
	if !it.UploadedAt.IsZero() {
		uploaded = humanize.RelTime(it.UploadedAt, now, "ago", "from now")
	}
	detail := it.BundleID + bulletPoint + humanize.Bytes(uint64(max(it.Size, 0))) + bulletPoint + "uploaded " + uploaded

	return title + "\n" + t.styles.Detail.Render(detail) + "\n"
}
