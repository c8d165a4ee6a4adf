package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/listsyncd/internal/action"
	"github.com/schaermu/listsyncd/internal/engine"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/loop"
	"github.com/schaermu/listsyncd/internal/reconcile"
	"github.com/schaermu/listsyncd/internal/theme"
)

// fakeEngine records calls and returns canned errors.
type fakeEngine struct {
	mu         sync.Mutex
	view       engine.View
	deleteErr  error
	installErr error
	deleted    []string
	installs   []string
	refreshes  atomic.Int32
}

func (f *fakeEngine) Snapshot(ctx context.Context) (engine.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, nil
}

func (f *fakeEngine) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) Install(ctx context.Context, id, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return f.installErr
	}
	f.installs = append(f.installs, id+":"+kind)
	return nil
}

func (f *fakeEngine) Refresh() bool {
	f.refreshes.Add(1)
	return true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testSecret = []byte("test-secret-key")

func setupServer(t *testing.T) (*Server, *fakeEngine, http.Handler) {
	t.Helper()
	eng := &fakeEngine{view: engine.View{
		Items:  []item.Item{{ID: "a", Name: "Alpha"}},
		State:  reconcile.State{Phase: reconcile.PhaseIdle},
		Labels: map[string]string{},
	}}
	themes := theme.NewState(filepath.Join(t.TempDir(), "theme.json"), theme.Light, testLogger())
	s := NewServer(Config{RefreshSecret: testSecret, RefreshDebounce: 20 * time.Millisecond}, eng, themes, NewHub(testLogger()), testLogger())
	t.Cleanup(s.debounce.stop)
	return s, eng, s.Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, _, h := setupServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body)
	}
}

func TestItems(t *testing.T) {
	_, _, h := setupServer(t)
	rec := do(t, h, http.MethodGet, "/api/items", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got struct {
		Items []item.Item `json:"items"`
		State struct {
			Phase string `json:"phase"`
			Empty bool   `json:"empty"`
		} `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "a" || got.State.Phase != "idle" {
		t.Errorf("unexpected body %s", rec.Body)
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "success", code: http.StatusNoContent},
		{name: "remote failure", err: &engine.DeleteError{ID: "a", Err: errors.New("status 500")}, code: http.StatusBadGateway},
		{name: "engine closed", err: loop.ErrClosed, code: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, eng, h := setupServer(t)
			eng.deleteErr = tt.err

			rec := do(t, h, http.MethodDelete, "/api/items/a", nil, nil)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body)
			}
			if tt.err == nil && (len(eng.deleted) != 1 || eng.deleted[0] != "a") {
				t.Errorf("unexpected deletes %v", eng.deleted)
			}
		})
	}
}

func TestInstall(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
		want string
	}{
		{name: "default kind", code: http.StatusAccepted, want: "a:" + action.KindMyAppstore},
		{name: "explicit kind", body: `{"kind":"sideload"}`, code: http.StatusAccepted, want: "a:sideload"},
		{name: "invalid json", body: `{"kind":`, code: http.StatusBadRequest},
		{name: "unknown item", err: engine.ErrNotFound, code: http.StatusNotFound},
		{name: "not linked", err: action.ErrNotLinked, code: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, eng, h := setupServer(t)
			eng.installErr = tt.err

			rec := do(t, h, http.MethodPost, "/api/items/a/install", []byte(tt.body), map[string]string{"Content-Type": "application/json"})
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body)
			}
			if tt.want != "" && (len(eng.installs) != 1 || eng.installs[0] != tt.want) {
				t.Errorf("installs = %v, want [%s]", eng.installs, tt.want)
			}
		})
	}
}

func TestTheme(t *testing.T) {
	s, _, h := setupServer(t)

	rec := do(t, h, http.MethodGet, "/api/theme", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"light"`) {
		t.Fatalf("GET theme = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPut, "/api/theme", []byte(`{"theme":"dark"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT theme = %d %s", rec.Code, rec.Body)
	}
	if s.themes.Get() != theme.Dark {
		t.Errorf("theme not switched, got %s", s.themes.Get())
	}

	rec = do(t, h, http.MethodPut, "/api/theme", []byte(`{"theme":"sepia"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown theme status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPut, "/api/theme", []byte(`not json`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid json status = %d", rec.Code)
	}
}

func TestRefreshHook(t *testing.T) {
	_, eng, h := setupServer(t)
	body := []byte(`{"reason":"upload"}`)

	rec := do(t, h, http.MethodPost, "/hooks/refresh", body, map[string]string{SignatureHeader: "sha256=deadbeef"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		rec = do(t, h, http.MethodPost, "/hooks/refresh", body, map[string]string{SignatureHeader: Sign(testSecret, body)})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("valid hook status = %d", rec.Code)
		}
	}

	time.Sleep(80 * time.Millisecond)
	if got := eng.refreshes.Load(); got != 1 {
		t.Errorf("expected one debounced refresh, got %d", got)
	}
}

func TestRefreshHook_DisabledWithoutSecret(t *testing.T) {
	eng := &fakeEngine{}
	themes := theme.NewState("", theme.Light, testLogger())
	s := NewServer(Config{}, eng, themes, nil, testLogger())

	rec := do(t, s.Routes(), http.MethodPost, "/hooks/refresh", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, h := setupServer(t)
	rec := do(t, h, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "listsyncd_") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ok":true}`)

	tests := []struct {
		name      string
		secret    []byte
		signature string
		want      bool
	}{
		{name: "valid", secret: testSecret, signature: Sign(testSecret, body), want: true},
		{name: "wrong secret", secret: testSecret, signature: Sign([]byte("other"), body)},
		{name: "missing prefix", secret: testSecret, signature: strings.TrimPrefix(Sign(testSecret, body), "sha256=")},
		{name: "empty signature", secret: testSecret},
		{name: "empty secret", signature: Sign(nil, body)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifySignature(tt.secret, body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDebouncer(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(20*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		d.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}

	d.trigger()
	d.stop()
	time.Sleep(40 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("stopped debouncer fired, calls = %d", got)
	}
}

func TestServe(t *testing.T) {
	s, _, _ := setupServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
