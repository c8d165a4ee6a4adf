//go:build integration

package tier1

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/listsyncd/internal/testutil"
)

const (
	defaultTimeout = 2 * time.Minute
	refreshSecret  = "tier1-refresh-secret"
)

// ipa is the remote wire form served by the fake API.
type ipa struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BundleID   string `json:"bundle_id"`
	Size       int64  `json:"size"`
	UploadedAt int64  `json:"uploaded_at"`
}

// Remote is an in-memory appstore API.
type Remote struct {
	mu         sync.Mutex
	ipas       []ipa
	failDelete bool
	installs   []string
	fetches    int
	srv        *httptest.Server
}

func newRemote(t *testing.T, ipas ...ipa) *Remote {
	t.Helper()
	r := &Remote{ipas: ipas}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *Remote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case req.Method == http.MethodGet && req.URL.Path == "/ipas":
		r.fetches++
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": r.ipas})
	case req.Method == http.MethodDelete && strings.HasPrefix(req.URL.Path, "/ipas/"):
		if r.failDelete {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":"forbidden"}]}`)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, "/ipas/")
		for i, it := range r.ipas {
			if it.ID == id {
				r.ipas = append(r.ipas[:i], r.ipas[i+1:]...)
				break
			}
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	case req.Method == http.MethodPost && req.URL.Path == "/install":
		var body struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.installs = append(r.installs, body.ID+":"+body.Type)
		_, _ = io.WriteString(w, `{"success":true}`)
	default:
		http.NotFound(w, req)
	}
}

// Set replaces the remote collection.
func (r *Remote) Set(ipas ...ipa) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ipas = ipas
}

// Fetches returns the number of list requests served.
func (r *Remote) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// Installs returns the install requests received as "id:type".
func (r *Remote) Installs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.installs...)
}

// FailDeletes makes every delete fail with 403.
func (r *Remote) FailDeletes(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDelete = fail
}

// Harness builds the listsyncd binary and runs it against a fake remote.
type Harness struct {
	t        *testing.T
	binary   string
	dir      string
	addr     string
	cmd      *exec.Cmd
	Remote   *Remote
	StateDir string
}

// NewHarness creates a test harness with its own working directory.
func NewHarness(t *testing.T, remote *Remote) *Harness {
	t.Helper()
	dir := t.TempDir()
	return &Harness{
		t:        t,
		dir:      dir,
		Remote:   remote,
		StateDir: filepath.Join(dir, "state"),
	}
}

// Build compiles cmd/listsyncd into the harness directory.
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()
	bin, err := testutil.BuildBinary(ctx, "./cmd/listsyncd", h.dir)
	if err != nil {
		return err
	}
	h.binary = bin
	return nil
}

// writeConfig writes the daemon config and refresh secret.
func (h *Harness) writeConfig() (string, error) {
	secretPath := filepath.Join(h.dir, "refresh_secret")
	if err := os.WriteFile(secretPath, []byte(refreshSecret+"\n"), 0600); err != nil {
		return "", err
	}
	devicePath := filepath.Join(h.dir, "device_token")
	if err := os.WriteFile(devicePath, []byte("tier1-device"), 0600); err != nil {
		return "", err
	}

	cfg := fmt.Sprintf(`remote:
  base_url: %q
  device_token_file: %q
  timeout: 5s
sync:
  interval: 200ms
actions:
  failure_revert: 50ms
  success_revert: 200ms
paths:
  state_dir: %q
serve:
  enabled: true
  listen_addr: %q
  refresh_secret_file: %q
  refresh_debounce: 50ms
`, h.Remote.srv.URL, devicePath, h.StateDir, h.addr, secretPath)

	path := filepath.Join(h.dir, "config.yaml")
	return path, os.WriteFile(path, []byte(cfg), 0600)
}

// Start launches "listsyncd serve" and waits until it answers /healthz.
func (h *Harness) Start(ctx context.Context) error {
	h.t.Helper()

	addr, err := freeAddr()
	if err != nil {
		return err
	}
	h.addr = addr

	cfgPath, err := h.writeConfig()
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	h.cmd = exec.CommandContext(ctx, h.binary, "serve", "--config", cfgPath, "--log-level", "debug")
	h.cmd.Stdout = &testWriter{t: h.t, prefix: "[listsyncd] "}
	h.cmd.Stderr = &testWriter{t: h.t, prefix: "[listsyncd] "}
	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("start listsyncd: %w", err)
	}
	h.t.Cleanup(func() {
		if h.cmd.ProcessState == nil {
			_ = h.cmd.Process.Kill()
			_ = h.cmd.Wait()
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.URL("/healthz"))
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("listsyncd did not become healthy on %s", h.addr)
}

// Stop sends SIGINT and waits for a clean exit.
func (h *Harness) Stop() error {
	h.t.Helper()
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		_ = h.cmd.Process.Kill()
		return fmt.Errorf("listsyncd did not exit after SIGINT")
	}
}

// URL returns the control API URL for path.
func (h *Harness) URL(path string) string {
	return "http://" + h.addr + path
}

// Do sends a request to the control API and returns status and body.
func (h *Harness) Do(method, path string, body io.Reader, header map[string]string) (int, []byte) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.URL(path), body)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	return addr, ln.Close()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
