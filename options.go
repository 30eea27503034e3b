package pullkit

import (
	"fmt"
	"log/slog"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/registry"
)

// ClientOption configures a Client.
type ClientOption func(*Client) error

// BlobOption configures a Blob fetch.
type BlobOption func(*core.BlobOptions)

// HTTPClient sends HTTP requests. *http.Client satisfies it.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// WithAuthService sets the token service used by Auth. realm is the token
// endpoint URL; service is sent as the service query parameter when non-empty.
func WithAuthService(realm, service string) ClientOption {
	return func(c *Client) error {
		if realm == "" {
			return fmt.Errorf("%w: empty auth realm", ErrInvalidInput)
		}
		c.realm = realm
		c.service = service
		return nil
	}
}

// WithCredentials sets a username and password sent to the token service.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithCredentialStore sets a custom credential store, keyed by registry host.
func WithCredentialStore(store credentials.Store) ClientOption {
	return func(c *Client) error {
		c.credStore = store
		return nil
	}
}

// WithAnonymous disables credential lookup. Tokens are requested without
// basic auth.
func WithAnonymous() ClientOption {
	return func(c *Client) error {
		c.anonymous = true
		return nil
	}
}

// WithHTTPClient sets the HTTP client. Timeouts and redirect policy are the
// client's concern.
func WithHTTPClient(hc HTTPClient) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil HTTP client", ErrInvalidInput)
		}
		c.httpClient = hc
		return nil
	}
}

// WithInsecure uses plain HTTP for registry URLs given without a scheme.
func WithInsecure(insecure bool) ClientOption {
	return func(c *Client) error {
		c.plainHTTP = insecure
		return nil
	}
}

// WithLogger sets a logger for the client. By default, logging is disabled.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithToken sets the initial bearer token.
func WithToken(value string) ClientOption {
	return func(c *Client) error {
		if value != "" {
			c.token.Store(&Token{Value: value})
		}
		return nil
	}
}

// WithUserAgent sets a custom User-Agent header for registry requests.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithVerify checks the streamed bytes against the requested digest. The
// final read fails with ErrDigestMismatch instead of io.EOF on a mismatch.
func WithVerify() BlobOption {
	return func(o *core.BlobOptions) {
		o.Verify = true
	}
}

// WithExpectedSize fails the fetch with ErrSizeMismatch when the registry
// reports or delivers a different number of bytes.
func WithExpectedSize(size int64) BlobOption {
	return func(o *core.BlobOptions) {
		o.ExpectedSize = size
	}
}

// WithOffset resumes a blob at offset using a Range request. It cannot be
// combined with WithVerify.
func WithOffset(offset int64) BlobOption {
	return func(o *core.BlobOptions) {
		o.Offset = offset
	}
}

// WithProgress reports cumulative bytes read from the blob.
func WithProgress(cb ProgressCallback) BlobOption {
	return func(o *core.BlobOptions) {
		if cb == nil {
			o.Progress = nil
			return
		}
		o.Progress = func(transferred, total int64) {
			cb(ProgressEvent{BytesTransferred: transferred, TotalBytes: total})
		}
	}
}

// staticCredentials returns a credential store with a single static credential.
func staticCredentials(registryHost, username, password string) credentials.Store {
	return registry.StaticCredentials(registryHost, username, password)
}
