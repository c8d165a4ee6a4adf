package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/listsyncd/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Token: "secret", RetryConfig: fastRetry()})
}

func TestFetchAll(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/ipas" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = io.WriteString(w, `{"success":true,"data":[
			{"id":"a1","name":"Alpha","bundle_id":"com.example.alpha","size":2048,"uploaded_at":1700000000},
			{"id":42,"name":"Beta","bundle_id":"com.example.beta","size":0,"uploaded_at":0}
		],"errors":[]}`)
	})

	items, err := c.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "a1" || items[0].BundleID != "com.example.alpha" || items[0].Size != 2048 {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if !items[0].UploadedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("UploadedAt = %v", items[0].UploadedAt)
	}
	if items[1].ID != "42" {
		t.Errorf("numeric id decoded as %q", items[1].ID)
	}
	if !items[1].UploadedAt.IsZero() {
		t.Errorf("missing upload time should stay zero, got %v", items[1].UploadedAt)
	}
}

func TestFetchAll_EmptyIsNotError(t *testing.T) {
	for _, body := range []string{
		`{"success":true,"data":[]}`,
		`{"success":true,"data":null}`,
		`{"success":true}`,
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		})
		items, err := c.FetchAll(context.Background())
		if err != nil {
			t.Errorf("body %s: unexpected error %v", body, err)
		}
		if len(items) != 0 {
			t.Errorf("body %s: expected no items, got %d", body, len(items))
		}
	}
}

func TestFetchAll_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		calls  int32
	}{
		{name: "unsuccessful envelope", status: 200, body: `{"success":false,"errors":[{"code":"E1","message":"bad token"}]}`, calls: 1},
		{name: "malformed json", status: 200, body: `{"success":`, calls: 1},
		{name: "missing id", status: 200, body: `{"success":true,"data":[{"name":"x"}]}`, calls: 1},
		{name: "client error is permanent", status: 404, body: ``, calls: 1},
		{name: "server error is retried", status: 503, body: ``, calls: 3},
		{name: "rate limit is retried", status: 429, body: ``, calls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.FetchAll(context.Background())
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransportError, got %v", err)
			}
			if te.Op != "fetch" {
				t.Errorf("Op = %q", te.Op)
			}
			if got := calls.Load(); got != tt.calls {
				t.Errorf("expected %d calls, got %d", tt.calls, got)
			}
		})
	}
}

func TestFetchAll_RecoversAfterRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"data":[{"id":"a","name":"A"}]}`)
	})

	items, err := c.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(items) != 1 || calls.Load() != 2 {
		t.Errorf("items=%d calls=%d", len(items), calls.Load())
	}
}

func TestFetchAll_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, RetryConfig: fastRetry()})
	_, err := c.FetchAll(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.Status != 0 {
		t.Errorf("expected no status for a network error, got %d", te.Status)
	}
}

func TestDelete(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		path = r.URL.EscapedPath()
		_, _ = io.WriteString(w, `{"success":true}`)
	})

	if err := c.Delete(context.Background(), "a b"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if path != "/ipas/a%20b" {
		t.Errorf("path = %q", path)
	}
}

func TestDelete_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":"forbidden"}]}`)
	})

	err := c.Delete(context.Background(), "a")
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusForbidden {
		t.Fatalf("expected 403 TransportError, got %v", err)
	}
}

func TestRequestAction(t *testing.T) {
	var got installRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/install" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	c.deviceToken = "dev-1"
	if err := c.RequestAction(context.Background(), "a1", "myappstore"); err != nil {
		t.Fatalf("RequestAction() failed: %v", err)
	}
	if got.ID != "a1" || got.Type != "myappstore" || got.Device != "dev-1" {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.FetchAll(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
