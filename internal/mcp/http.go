package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hollowoak/tars/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on every
// request after the first response that set one.
const sessionHeader = "Mcp-Session-Id"

// maxReplyBytes bounds how much of a reply body is read.
const maxReplyBytes = 10 << 20

// HTTPConfig configures a streamable-HTTP MCP server endpoint.
type HTTPConfig struct {
	URL string
	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string
	Logger  *slog.Logger
}

// HTTPTransport reaches an MCP server over streamable HTTP: each
// JSON-RPC frame is a POST, the reply comes back in the response body,
// and session affinity rides the Mcp-Session-Id header.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	session string
}

// NewHTTPTransport builds the transport on the shared httpkit client.
// No overall client timeout is set; tool calls can legitimately run
// long, and callers bound each request with ctx.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:  logger.With("mcp_url", cfg.URL),
	}
}

// post sends one frame and returns the raw HTTP response. The caller
// owns the body.
func (t *HTTPTransport) post(ctx context.Context, f *frame) (*http.Response, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.Lock()
	if t.session != "" {
		req.Header.Set(sessionHeader, t.session)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: post to %s: %w", t.url, err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Call posts a request frame and decodes the reply body.
func (t *HTTPTransport) Call(ctx context.Context, req *frame) (*frame, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp: server returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1<<20))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("mcp: read reply: %w", err)
	}

	var reply frame
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("mcp: decode reply: %w", err)
	}
	return &reply, nil
}

// Post sends a notification frame. Servers answer notifications with
// 200 or 202 and no useful body.
func (t *HTTPTransport) Post(ctx context.Context, n *frame) error {
	resp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("mcp: server returned %d for notification: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1<<20))
	}
	return nil
}

// Close is a no-op; the pooled httpkit client manages connections.
func (t *HTTPTransport) Close() error {
	return nil
}
