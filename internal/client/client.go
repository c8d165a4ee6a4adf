// Package client talks to the remote appstore API: it fetches the uploaded
// ipa collection, deletes ipas and requests installs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/retry"
)

// Fetcher returns a full snapshot of the remote collection.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]item.Item, error)
}

// Deleter removes a single item remotely.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Requester asks the remote side to perform an action on an item.
type Requester interface {
	RequestAction(ctx context.Context, id, kind string) error
}

// TransportError is a network, HTTP or decoding failure talking to the API.
type TransportError struct {
	Op     string // fetch, delete or install
	Status int    // HTTP status, 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Token       string
	DeviceToken string // identifies the linked device receiving installs
	Timeout     time.Duration
	RetryConfig retry.Config
}

// HTTPClient implements Fetcher, Deleter and Requester over HTTP.
type HTTPClient struct {
	baseURL     string
	token       string
	deviceToken string
	httpClient  *http.Client
	retryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		deviceToken: cfg.DeviceToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// envelope is the API's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Errors  []apiError      `json:"errors"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e envelope) err() error {
	if len(e.Errors) == 0 {
		return fmt.Errorf("request unsuccessful")
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ae := range e.Errors {
		if ae.Message != "" {
			msgs = append(msgs, ae.Message)
		} else {
			msgs = append(msgs, ae.Code)
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// ipa is the wire form of an uploaded app.
type ipa struct {
	ID         flexString `json:"id"`
	Name       string     `json:"name"`
	BundleID   string     `json:"bundle_id"`
	Size       int64      `json:"size"`
	UploadedAt int64      `json:"uploaded_at"` // unix seconds
}

func (i ipa) toItem() item.Item {
	it := item.Item{
		ID:       string(i.ID),
		Name:     i.Name,
		BundleID: i.BundleID,
		Size:     i.Size,
	}
	if i.UploadedAt > 0 {
		it.UploadedAt = time.Unix(i.UploadedAt, 0).UTC()
	}
	return it
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// FetchAll returns every uploaded ipa in presentation order.
func (c *HTTPClient) FetchAll(ctx context.Context) ([]item.Item, error) {
	env, err := c.do(ctx, "fetch", http.MethodGet, "/ipas", nil)
	if err != nil {
		return nil, err
	}

	var ipas []ipa
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &ipas); err != nil {
			return nil, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to decode ipas: %w", err)}
		}
	}

	items := make([]item.Item, 0, len(ipas))
	for _, i := range ipas {
		if i.ID == "" {
			return nil, &TransportError{Op: "fetch", Err: fmt.Errorf("ipa %q has no id", i.Name)}
		}
		items = append(items, i.toItem())
	}
	return items, nil
}

// Delete removes one uploaded ipa.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, "/ipas/"+url.PathEscape(id), nil)
	return err
}

type installRequest struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
}

// RequestAction asks the API to install item id on the linked device.
func (c *HTTPClient) RequestAction(ctx context.Context, id, kind string) error {
	_, err := c.do(ctx, "install", http.MethodPost, "/install", installRequest{ID: id, Type: kind, Device: c.deviceToken})
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any) (*envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
	}

	return retry.Do(ctx, c.retryConfig, func() (*envelope, error) {
		return c.once(ctx, op, method, path, payload)
	})
}

func (c *HTTPClient) once(ctx context.Context, op, method, path string, payload []byte) (*envelope, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Op: op, Err: ctx.Err()}
		}
		return nil, retry.Retryable(&TransportError{Op: op, Err: err})
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, retry.Retryable(&TransportError{Op: op, Status: resp.StatusCode, Err: err})
	}

	if resp.StatusCode >= 300 {
		terr := &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", statusText(resp.StatusCode, data))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.Retryable(terr)
		}
		return nil, terr
	}

	var env envelope
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		if !env.Success {
			return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: env.err()}
		}
	}
	return &env, nil
}

func statusText(code int, body []byte) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Errors) > 0 {
		return env.err().Error()
	}
	text := http.StatusText(code)
	if text == "" {
		text = strconv.Itoa(code)
	}
	return text
}
