// Package token exchanges scopes for bearer tokens with a registry's
// authorization service.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/registry"
	"github.com/meigma/pullkit/internal/transport"
)

// Compile-time interface implementation check.
var _ core.TokenSource = (*Fetcher)(nil)

// maxTokenBytes bounds token response bodies.
const maxTokenBytes = 1024 * 1024

// Option configures a Fetcher.
type Option func(*Fetcher)

// Fetcher requests tokens from one authorization service. It holds no token
// state; every Fetch is an independent exchange.
type Fetcher struct {
	realm     string
	service   string
	host      string
	store     credentials.Store
	transport *transport.Transport
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Fetcher for realm. An empty service is omitted from requests.
func New(realm, service string, t *transport.Transport, opts ...Option) *Fetcher {
	if t == nil {
		t = transport.New(nil)
	}
	f := &Fetcher{
		realm:     realm,
		service:   service,
		transport: t,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithCredentialStore attaches basic auth from the credential stored for
// host. Missing credentials mean an anonymous exchange, as does a credential
// holding only an identity (refresh) token.
func WithCredentialStore(store credentials.Store, host string) Option {
	return func(f *Fetcher) {
		f.store = store
		f.host = host
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock overrides the time source used when the response has no issued_at.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// response is the token service's JSON body. Docker's token spec names the
// value "token"; OAuth2-style services send "access_token".
type response struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// Fetch requests a token granting scopes.
func (f *Fetcher) Fetch(ctx context.Context, scopes ...core.Scope) (*core.Token, error) {
	endpoint, err := f.endpoint(scopes)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	cred, err := registry.LookupCredential(ctx, f.store, f.host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrAuthFailed, err)
	}
	switch {
	case cred.Username != "" || cred.Password != "":
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password)))
	case cred.RefreshToken != "":
		// The OAuth2 refresh_token grant (POST to the realm) is not implemented.
		f.logger.Debug("skipping identity token credential; requesting anonymously",
			"realm", f.realm,
			"host", f.host,
		)
	}

	resp, err := f.transport.Get(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("request token: %w: %w", core.ErrAuthFailed, registry.ReadErrorResponse(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w: %w", core.ErrNetwork, err)
	}
	if len(body) > maxTokenBytes {
		return nil, fmt.Errorf("read token response: %w: body exceeds %d bytes", core.ErrMalformedResponse, maxTokenBytes)
	}

	tok, err := f.parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	f.logger.Debug("token issued",
		"realm", f.realm,
		"scopes", len(scopes),
		"anonymous", cred.Username == "" && cred.Password == "",
		"expires_at", tok.ExpiresAt,
	)
	return tok, nil
}

func (f *Fetcher) endpoint(scopes []core.Scope) (string, error) {
	if f.realm == "" {
		return "", fmt.Errorf("%w: no authorization service configured", core.ErrInvalidInput)
	}
	u, err := url.Parse(f.realm)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: authorization realm %q", core.ErrInvalidInput, f.realm)
	}

	q := u.Query()
	if f.service != "" {
		q.Set("service", f.service)
	}
	for _, s := range scopes {
		if s.Type == "" || s.Name == "" {
			return "", fmt.Errorf("%w: scope %q needs a type and a name", core.ErrInvalidInput, s.String())
		}
		q.Add("scope", s.String())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) parse(body []byte) (*core.Token, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedResponse, err)
	}

	tok := &core.Token{Value: r.Token}
	if tok.Value == "" {
		tok.Value = r.AccessToken
	}
	if tok.Value == "" {
		return nil, fmt.Errorf("%w: response has neither token nor access_token", core.ErrMalformedResponse)
	}

	tok.IssuedAt = f.now()
	if r.IssuedAt != "" {
		issued, err := time.Parse(time.RFC3339, r.IssuedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: issued_at %q: %w", core.ErrMalformedResponse, r.IssuedAt, err)
		}
		tok.IssuedAt = issued
	}
	if r.ExpiresIn > 0 {
		tok.ExpiresIn = time.Duration(r.ExpiresIn) * time.Second
		tok.ExpiresAt = tok.IssuedAt.Add(tok.ExpiresIn)
	}
	return tok, nil
}
