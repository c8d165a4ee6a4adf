package surface

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/listsyncd/internal/action"
	"github.com/schaermu/listsyncd/internal/diff"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/reconcile"
	"github.com/schaermu/listsyncd/internal/theme"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// lockedBuffer is a bytes.Buffer safe for concurrent renders.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func sample() []item.Item {
	return []item.Item{
		{ID: "1", Name: "Delta", BundleID: "com.example.delta", Size: 12 * 1000 * 1000, UploadedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)},
		{ID: "2", Name: "Provenance", BundleID: "org.provenance", Size: 300 * 1000},
	}
}

func TestMirror_ApplyAndReject(t *testing.T) {
	m := NewMirror()

	m.ApplyEditScript(diff.Compute(nil, sample()))
	if m.ItemCount() != 2 {
		t.Fatalf("expected 2 items, got %d", m.ItemCount())
	}
	if it, ok := m.ItemAt(1); !ok || it.ID != "2" {
		t.Errorf("ItemAt(1) = %+v, %v", it, ok)
	}
	if _, ok := m.ItemAt(2); ok {
		t.Error("ItemAt(2) should be out of range")
	}

	m.ApplyEditScript(diff.Script{{Kind: diff.Delete, Index: 7}})
	if m.Err() == nil {
		t.Error("expected rejected script to be recorded")
	}
	if m.ItemCount() != 2 {
		t.Errorf("rejected script changed the mirror: %d items", m.ItemCount())
	}

	m.ApplyEditScript(nil)
	if m.Applied() != 1 {
		t.Errorf("expected 1 applied script, got %d", m.Applied())
	}
}

type stateRecorder struct {
	*Mirror
	states []reconcile.State
}

func (s *stateRecorder) RenderState(state reconcile.State) {
	s.states = append(s.states, state)
}

func TestFanout(t *testing.T) {
	first := &stateRecorder{Mirror: NewMirror()}
	second := NewMirror()
	f := Fanout{first, second}

	f.ApplyEditScript(diff.Compute(nil, sample()))
	if first.ItemCount() != 2 || second.ItemCount() != 2 {
		t.Fatalf("script not forwarded to every surface: %d, %d", first.ItemCount(), second.ItemCount())
	}
	if f.ItemCount() != 2 {
		t.Errorf("ItemCount() = %d, want 2", f.ItemCount())
	}
	if it, ok := f.ItemAt(0); !ok || it.ID != "1" {
		t.Errorf("ItemAt(0) = %+v, %v", it, ok)
	}

	f.RenderState(reconcile.State{Phase: reconcile.PhaseIdle, Empty: true})
	if len(first.states) != 1 || !first.states[0].Empty {
		t.Errorf("state not forwarded: %+v", first.states)
	}

	var empty Fanout
	if empty.ItemCount() != 0 {
		t.Error("empty fanout should report zero items")
	}
}

func TestTerminal_RendersItems(t *testing.T) {
	var out lockedBuffer
	themes := theme.NewState("", theme.Light, testLogger())
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	term := NewTerminal(&out, themes, WithClock(func() time.Time { return now }))
	defer term.Close()

	term.ApplyEditScript(diff.Compute(nil, sample()))
	term.RenderState(reconcile.State{Phase: reconcile.PhaseIdle})

	got := out.String()
	for _, want := range []string{"MyAppstore (2)", "Delta", "com.example.delta", "12 MB", "uploaded 1 day ago", "Provenance", "uploaded unknown"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestTerminal_StateMessages(t *testing.T) {
	var out lockedBuffer
	term := NewTerminal(&out, theme.NewState("", theme.Dark, testLogger()))
	defer term.Close()

	term.RenderState(reconcile.State{Phase: reconcile.PhaseIdle, Empty: true})
	if !strings.Contains(out.String(), reconcile.EmptyMessage) {
		t.Errorf("expected empty message, got:\n%s", out.String())
	}

	out.Reset()
	term.RenderState(reconcile.State{Phase: reconcile.PhaseError, Message: "connection refused"})
	got := out.String()
	if !strings.Contains(got, reconcile.ErrorTitle) || !strings.Contains(got, "connection refused") {
		t.Errorf("expected error title and message, got:\n%s", got)
	}
	if strings.Contains(got, reconcile.EmptyMessage) {
		t.Errorf("error render should not show the empty message:\n%s", got)
	}
}

func TestTerminal_LabelsAndTheme(t *testing.T) {
	var out lockedBuffer
	themes := theme.NewState("", theme.Light, testLogger())
	term := NewTerminal(&out, themes)
	defer term.Close()

	term.ApplyEditScript(diff.Compute(nil, sample()))
	term.SetLabel("1", "Requesting...")
	if !strings.Contains(out.String(), "[Requesting...]") {
		t.Errorf("expected label in output:\n%s", out.String())
	}

	out.Reset()
	term.SetLabel("1", "")
	if strings.Contains(out.String(), "Requesting") {
		t.Errorf("label not cleared:\n%s", out.String())
	}

	term.SetLabel("2", action.LabelRequested)
	out.Reset()
	term.SetLabel("2", action.LabelIdle)
	if strings.Contains(out.String(), "["+action.LabelRequested+"]") || strings.Contains(out.String(), "["+action.LabelIdle+"]") {
		t.Errorf("reverted label still shown:\n%s", out.String())
	}

	out.Reset()
	if err := themes.Set(theme.Dark); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if !strings.Contains(out.String(), "Delta") {
		t.Error("theme change did not re-render the list")
	}

	term.Close()
	out.Reset()
	if err := themes.Set(theme.Light); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if out.String() != "" {
		t.Error("closed terminal still follows theme changes")
	}
}

func TestStylesFor(t *testing.T) {
	light := StylesFor(theme.Light)
	dark := StylesFor(theme.Dark)
	if light.Title.Render("x") == "" || dark.Title.Render("x") == "" {
		t.Fatal("styles render nothing")
	}
	if !strings.Contains(light.Detail.Render("detail"), "detail") {
		t.Error("detail style lost its text")
	}
}
