package pullkit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/registry"
	"github.com/meigma/pullkit/internal/token"
	"github.com/meigma/pullkit/internal/transport"
)

// Client talks to one registry. It holds the endpoint configuration and at
// most one current token; both are safe for concurrent use. Every request
// reads the token once when it starts, so SetToken never affects requests
// already in flight.
type Client struct {
	endpoint core.Endpoint
	registry core.Registry
	tokens   core.TokenSource
	newToken tokenSourceFunc
	token    atomic.Pointer[core.Token]
	logger   *slog.Logger

	// configuration passed to transport and token service
	realm      string
	service    string
	username   string
	password   string
	credStore  credentials.Store
	anonymous  bool
	plainHTTP  bool
	userAgent  string
	httpClient HTTPClient
}

// NewClient creates a client for registryURL, e.g. "https://registry-1.docker.io"
// or "localhost:5000". URLs without a scheme use https unless WithInsecure is set.
//
// By default, credentials for the token service are resolved from Docker config
// (~/.docker/config.json) and credential helpers. Use WithCredentials or
// WithCredentialStore to override, or WithAnonymous to disable.
func NewClient(registryURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	base, err := parseRegistryURL(registryURL, c.plainHTTP)
	if err != nil {
		return nil, err
	}
	c.endpoint = core.Endpoint{
		Registry:  base,
		Host:      base.Host,
		AuthRealm: c.realm,
		Service:   c.service,
	}

	// Set up credential store if not provided
	switch {
	case c.anonymous:
		c.credStore = nil
	case c.username != "" || c.password != "":
		c.credStore = staticCredentials(base.Host, c.username, c.password)
	case c.credStore == nil:
		store, err := registry.DefaultCredentialStore()
		if err != nil {
			return nil, fmt.Errorf("create credential store: %w", err)
		}
		c.credStore = store
	}

	// Wire up default implementations
	var transportOpts []transport.Option
	transportOpts = append(transportOpts, transport.WithLogger(c.logger))
	if c.userAgent != "" {
		transportOpts = append(transportOpts, transport.WithUserAgent(c.userAgent))
	}
	var hc transport.HTTPClient
	if c.httpClient != nil {
		hc = c.httpClient
	}
	t := transport.New(hc, transportOpts...)

	c.registry = registry.New(base, t, registry.WithLogger(c.logger))
	c.newToken = func(realm, service string) core.TokenSource {
		return token.New(realm, service, t,
			token.WithCredentialStore(c.credStore, base.Host),
			token.WithLogger(c.logger),
		)
	}
	if c.realm != "" {
		c.tokens = c.newToken(c.realm, c.service)
	}

	c.logger.Debug("client created", "registry", base.Redacted(), "auth_realm", c.realm, "service", c.service)
	return c, nil
}

// parseRegistryURL accepts scheme://host[:port][/prefix] or a bare host.
// A trailing /v2 is stripped; requests add it.
func parseRegistryURL(raw string, plainHTTP bool) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty registry URL", ErrInvalidInput)
	}
	if !strings.Contains(raw, "://") {
		scheme := "https://"
		if plainHTTP {
			scheme = "http://"
		}
		raw = scheme + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: registry URL %q: %w", ErrInvalidInput, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: registry URL scheme %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: registry URL %q has no host", ErrInvalidInput, raw)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/v2")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Endpoint returns the registry and token service configuration.
func (c *Client) Endpoint() Endpoint {
	e := c.endpoint
	u := *e.Registry
	e.Registry = &u
	return e
}

// Auth requests a token for one scope, e.g. Auth(ctx, "repository",
// "library/ubuntu", "pull"). The token is returned, not stored: call
// SetToken to use it.
func (c *Client) Auth(ctx context.Context, scopeType, name, action string) (*Token, error) {
	return c.AuthScopes(ctx, core.NewScope(scopeType, name, action))
}

// AuthScopes requests a token covering every scope.
func (c *Client) AuthScopes(ctx context.Context, scopes ...Scope) (*Token, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("%w: no auth service configured", ErrInvalidInput)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no scopes requested", ErrInvalidInput)
	}
	tok, err := c.tokens.Fetch(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return tok, nil
}

// AuthChallenge requests a token from the realm and service named by a
// challenge, for the scopes it lists. Use it after ChallengeFromError or
// Discover when the auth service is not configured up front.
func (c *Client) AuthChallenge(ctx context.Context, ch Challenge) (*Token, error) {
	if ch.Scheme != "bearer" {
		return nil, fmt.Errorf("%w: challenge scheme %q is not bearer", ErrInvalidInput, ch.Scheme)
	}
	if ch.Realm == "" {
		return nil, fmt.Errorf("%w: challenge has no realm", ErrInvalidInput)
	}
	if len(ch.Scopes) == 0 {
		return nil, fmt.Errorf("%w: challenge lists no scopes", ErrInvalidInput)
	}
	tok, err := c.newToken(ch.Realm, ch.Service).Fetch(ctx, ch.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return tok, nil
}

// SetToken makes tok the current token. A nil tok clears it.
func (c *Client) SetToken(tok *Token) {
	if tok == nil {
		c.ClearToken()
		return
	}
	stored := *tok
	c.token.Store(&stored)
}

// ClearToken removes the current token; later requests are anonymous.
func (c *Client) ClearToken() {
	c.token.Store(nil)
}

// Token returns a copy of the current token, or nil.
func (c *Client) Token() *Token {
	tok := c.token.Load()
	if tok == nil {
		return nil
	}
	out := *tok
	return &out
}

// bearer snapshots the current token value for one request.
func (c *Client) bearer() string {
	tok := c.token.Load()
	if tok == nil {
		return ""
	}
	if tok.Expired(time.Now()) {
		c.logger.Debug("current token is past its reported expiry", "expires_at", tok.ExpiresAt)
	}
	return tok.Value
}

// Ping checks that the registry speaks the distribution API and accepts the
// current token. A 401 returns an ErrUnauthorized carrying the challenge.
func (c *Client) Ping(ctx context.Context) error {
	ch, err := c.registry.Ping(ctx, c.bearer())
	if err != nil {
		return err
	}
	if ch != nil {
		return &ChallengeError{Challenge: *ch, Err: fmt.Errorf("ping registry: %w", ErrUnauthorized)}
	}
	return nil
}

// Discover pings the registry and returns the challenge it answers with.
// It returns nil when the registry needs no authentication.
func (c *Client) Discover(ctx context.Context) (*Challenge, error) {
	ch, err := c.registry.Ping(ctx, c.bearer())
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Manifest fetches a manifest by tag or digest. The result is *Manifest or
// *Index; an index is never resolved to a platform.
func (c *Client) Manifest(ctx context.Context, repository, reference string) (Content, error) {
	return c.registry.Manifest(ctx, c.bearer(), repository, reference)
}

// Resolve returns the descriptor of a manifest without downloading it.
func (c *Client) Resolve(ctx context.Context, repository, reference string) (Descriptor, error) {
	return c.registry.Resolve(ctx, c.bearer(), repository, reference)
}

// Blob opens a stream over a blob. The caller must consume the stream or
// Close it; ranging over Chunks closes it automatically.
func (c *Client) Blob(ctx context.Context, repository, dgst string, opts ...BlobOption) (BlobStream, error) {
	var o core.BlobOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.registry.Blob(ctx, c.bearer(), repository, dgst, o)
}

// Config fetches and decodes an image configuration blob, verifying its digest.
func (c *Client) Config(ctx context.Context, repository, dgst string) (*Image, error) {
	return c.registry.Config(ctx, c.bearer(), repository, dgst)
}
