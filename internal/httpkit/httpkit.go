// Package httpkit builds the outbound HTTP client TARS services
// share. Outbound HTTP in TARS is LAN-local and sparse — in this
// module, only MCP servers reached by the bridge — so the kit
// is deliberately small: one pooled transport with sane timeouts, a
// User-Agent that identifies the fleet, and body helpers that keep
// connections reusable.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hollowoak/tars/internal/buildinfo"
)

const (
	// dialTimeout bounds TCP connection establishment.
	dialTimeout = 10 * time.Second

	// keepAlive is the TCP keep-alive probe interval.
	keepAlive = 30 * time.Second

	// responseHeaderTimeout bounds the wait for response headers once
	// a request is fully written. Bodies may stream longer.
	responseHeaderTimeout = 15 * time.Second

	// idleConnTimeout is how long idle connections stay pooled.
	idleConnTimeout = 90 * time.Second

	// maxIdleConns and maxIdleConnsPerHost cap the pool. TARS talks
	// to a handful of local peers, so the limits are modest.
	maxIdleConns        = 16
	maxIdleConnsPerHost = 4
)

// Option configures a client built by NewClient.
type Option func(*settings)

type settings struct {
	timeout   time.Duration
	userAgent string
}

// WithTimeout sets the overall request timeout. Zero disables it;
// use that for calls whose duration the caller already bounds with a
// context (MCP tool calls, streaming bodies).
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent overrides the default fleet User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// NewTransport builds the pooled transport every client shares the
// shape of.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
	}
}

// NewClient builds an *http.Client with the shared transport, a
// 30-second default timeout, and the fleet User-Agent.
func NewClient(opts ...Option) *http.Client {
	s := settings{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(&s)
	}

	return &http.Client{
		Timeout: s.timeout,
		Transport: &identifyingTransport{
			base: NewTransport(),
			ua:   s.userAgent,
		},
	}
}

// identifyingTransport stamps the User-Agent on requests that don't
// already carry one.
type identifyingTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *identifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone per the RoundTripper contract: the original request
		// must not be mutated.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it, so the
// underlying connection goes back to the pool instead of being torn
// down.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body for
// diagnostics, then drains the remainder so the connection stays
// reusable.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
