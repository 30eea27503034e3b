// Package transport issues registry HTTP requests with caller-supplied headers.
// It has no knowledge of the distribution protocol.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/meigma/pullkit/core"
)

// DefaultUserAgent is sent when no User-Agent is configured.
const DefaultUserAgent = "pullkit/1.0"

// HTTPClient sends an HTTP request and returns an HTTP response.
// *http.Client satisfies it; redirects are the client's concern.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Option configures a Transport.
type Option func(*Transport)

// Transport wraps an HTTPClient.
type Transport struct {
	client    HTTPClient
	userAgent string
	logger    *slog.Logger
}

// New creates a Transport. A nil client uses a plain *http.Client, which
// follows redirects and drops Authorization on cross-host hops.
func New(client HTTPClient, opts ...Option) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	t := &Transport{
		client:    client,
		userAgent: DefaultUserAgent,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Transport) {
		if ua != "" {
			t.userAgent = ua
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Get issues a GET. The caller owns the returned body.
func (t *Transport) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	return t.do(ctx, http.MethodGet, rawURL, header)
}

// Head issues a HEAD. The returned body is empty but must still be closed.
func (t *Transport) Head(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	return t.do(ctx, http.MethodHead, rawURL, header)
}

func (t *Transport) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", core.ErrInvalidInput, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("registry request failed", "method", method, "url", req.URL.Redacted(), "error", err)
		return nil, fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}
	t.logger.Debug("registry request",
		"method", method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"content_length", resp.ContentLength,
	)
	return resp, nil
}

// Drain discards up to limit bytes of body and closes it, letting the
// connection be reused.
func Drain(body io.ReadCloser, limit int64) {
	if body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, body, limit)
	_ = body.Close()
}
