// Package registry implements the distribution protocol operations pullkit
// needs: manifest resolution and blob streaming.
package registry

import (
	"context"
	_ "crypto/sha256" // register digest algorithms with go-digest
	_ "crypto/sha512"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
	orasregistry "oras.land/oras-go/v2/registry"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/transport"
)

// Compile-time interface implementation check.
var _ core.Registry = (*Registry)(nil)

const (
	// DefaultMaxManifestBytes bounds manifest bodies.
	DefaultMaxManifestBytes = 4 * 1024 * 1024
	// DefaultMaxConfigBytes bounds image config blobs read by Config.
	DefaultMaxConfigBytes = 16 * 1024 * 1024
)

// Option configures a Registry.
type Option func(*Registry)

// Registry talks to one registry's /v2/ API.
type Registry struct {
	base             *url.URL
	transport        *transport.Transport
	logger           *slog.Logger
	maxManifestBytes int64
	maxConfigBytes   int64
}

// New creates a Registry rooted at base (scheme://host[:port]).
func New(base *url.URL, t *transport.Transport, opts ...Option) *Registry {
	if t == nil {
		t = transport.New(nil)
	}
	r := &Registry{
		base:             base,
		transport:        t,
		logger:           slog.New(slog.DiscardHandler),
		maxManifestBytes: DefaultMaxManifestBytes,
		maxConfigBytes:   DefaultMaxConfigBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxManifestBytes overrides the manifest size limit.
func WithMaxManifestBytes(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxManifestBytes = n
		}
	}
}

// WithMaxConfigBytes overrides the image config size limit.
func WithMaxConfigBytes(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConfigBytes = n
		}
	}
}

// Ping issues GET /v2/. A 401 carrying a parseable challenge is not an
// error: the challenge is returned so the caller can authenticate.
func (r *Registry) Ping(ctx context.Context, token string) (*core.Challenge, error) {
	resp, err := r.transport.Get(ctx, r.base.JoinPath("v2/").String(), r.header(token))
	if err != nil {
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c, parseErr := core.ParseChallenge(resp.Header.Get(core.HeaderWWWAuthenticate)); parseErr == nil {
			transport.Drain(resp.Body, maxErrorBytes)
			return &c, nil
		}
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	return nil, nil
}

func (r *Registry) header(token string, accept ...string) http.Header {
	h := make(http.Header)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if len(accept) > 0 {
		h.Set("Accept", strings.Join(accept, ", "))
	}
	return h
}

func (r *Registry) endpoint(repository, kind, reference string) string {
	return r.base.JoinPath("v2", repository, kind, reference).String()
}

// validateRepository rejects names that cannot be valid repository paths.
func validateRepository(repository string) error {
	if repository == "" {
		return fmt.Errorf("%w: empty repository", core.ErrInvalidInput)
	}
	ref := orasregistry.Reference{Repository: repository}
	if err := ref.ValidateRepository(); err != nil {
		return fmt.Errorf("%w: repository %q: %w", core.ErrInvalidInput, repository, err)
	}
	return nil
}

// parseDigest validates <algorithm>:<hex> and that the algorithm is supported.
func parseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: digest %q: %w", core.ErrInvalidInput, s, err)
	}
	return d, nil
}
