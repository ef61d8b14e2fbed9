// Package client is a small Go client for the producer side of an EpochQ
// broker: health, namespace and queue bootstrap, and publishing.
//
//	c := client.New("https://broker:8443", client.WithAPIKey("secret"))
//	id, err := c.Publish(ctx, "pulse", "output", []byte("1"))
//	ids, err := c.PublishBatch(ctx, "pulse", "output", bodies,
//	    client.WithMetadata(map[string]string{"output": "output"}))
//
// Every method returns an *APIError when the broker answers with a non-2xx
// status. Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is returned when the broker responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the broker.
func IsNotFound(err error) bool {
	return statusIs(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409 (already exists) from the broker.
func IsConflict(err error) bool {
	return statusIs(err, http.StatusConflict)
}

func statusIs(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent as X-Api-Key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client, e.g. to install a custom
// TLS trust store.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
// It is applied after WithHTTPClient regardless of option order.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client talks to one EpochQ broker.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// New creates a Client for the broker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	c.http.Timeout = c.timeout
	return c
}

// PublishOption configures a publish call.
type PublishOption func(*publishPayload)

// WithMetadata attaches key/value pairs to every published message.
func WithMetadata(m map[string]string) PublishOption {
	return func(p *publishPayload) {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string, len(m))
		}
		for k, v := range m {
			p.Metadata[k] = v
		}
	}
}

// WithDelay schedules delivery d after now.
func WithDelay(d time.Duration) PublishOption {
	return func(p *publishPayload) { p.DeliverAt = time.Now().Add(d).UnixMilli() }
}

// HealthInfo is the broker's /health response.
type HealthInfo struct {
	Status  string
	NodeID  string
	Queues  int
	Uptime  time.Duration
	Version string
}

// Publish sends one message and returns the ULID the broker assigned.
func (c *Client) Publish(ctx context.Context, namespace, queue string, body []byte, opts ...PublishOption) (string, error) {
	p := newPayload(body, opts)

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, queuePath(namespace, queue, "messages"), p, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PublishBatch sends bodies in one request and returns the assigned ULIDs in
// request order. The broker rejects batches above its queue.max_batch_size.
func (c *Client) PublishBatch(ctx context.Context, namespace, queue string, bodies [][]byte, opts ...PublishOption) ([]string, error) {
	if len(bodies) == 0 {
		return nil, errors.New("epochq: empty batch")
	}
	payloads := make([]*publishPayload, len(bodies))
	for i, b := range bodies {
		payloads[i] = newPayload(b, opts)
	}

	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, queuePath(namespace, queue, "messages", "batch"), payloads, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) != len(bodies) {
		return resp.IDs, fmt.Errorf("epochq: broker accepted %d of %d messages", len(resp.IDs), len(bodies))
	}
	return resp.IDs, nil
}

// CreateNamespace registers a namespace. A 409 means it already exists; check
// with IsConflict.
func (c *Client) CreateNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/namespaces", map[string]string{"name": name}, nil)
}

// CreateQueue creates a queue with broker defaults. A 409 means it already
// exists; check with IsConflict.
func (c *Client) CreateQueue(ctx context.Context, namespace, name string) error {
	return c.do(ctx, http.MethodPost, queuePath(namespace, name), struct{}{}, nil)
}

// Health calls the broker's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		Queues   int    `json:"queues"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Queues:  resp.Queues,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// do performs one JSON request. body is encoded when non-nil and resp is
// decoded when non-nil. 204 No Content is success without a body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epochq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("epochq: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochq: %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochq: read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: e.Error}
	}

	if resp != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, resp); err != nil {
			return fmt.Errorf("epochq: decode response: %w", err)
		}
	}
	return nil
}

// queuePath builds /namespaces/{ns}/queues/{name}[/extra...] with escaped
// segments.
func queuePath(namespace, queue string, extra ...string) string {
	var b strings.Builder
	b.WriteString("/namespaces/")
	b.WriteString(url.PathEscape(namespace))
	b.WriteString("/queues/")
	b.WriteString(url.PathEscape(queue))
	for _, e := range extra {
		b.WriteByte('/')
		b.WriteString(e)
	}
	return b.String()
}

type publishPayload struct {
	Body      string            `json:"body"` // base64
	DeliverAt int64             `json:"deliver_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newPayload(body []byte, opts []PublishOption) *publishPayload {
	p := &publishPayload{Body: base64.StdEncoding.EncodeToString(body)}
	for _, o := range opts {
		o(p)
	}
	return p
}
