package pullkit

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is a mock token service plus registry. The registry accepts only
// "Bearer <validToken>" once validToken is set.
type fixture struct {
	t          *testing.T
	mu         sync.Mutex
	validToken string
	issued     string
	scopes     []string
	manifests  map[string][]byte
	blobs      map[digest.Digest][]byte
	regCalls   atomic.Int32
	authCalls  atomic.Int32
	authSrv    *httptest.Server
	registry   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		manifests: make(map[string][]byte),
		blobs:     make(map[digest.Digest][]byte),
	}
	f.authSrv = httptest.NewServer(http.HandlerFunc(f.serveToken))
	t.Cleanup(f.authSrv.Close)
	f.registry = httptest.NewServer(http.HandlerFunc(f.serveRegistry))
	t.Cleanup(f.registry.Close)
	return f
}

func (f *fixture) challenge(scope string) string {
	return `Bearer realm="` + f.authSrv.URL + `/token",service="registry.test",scope="` + scope + `"`
}

func (f *fixture) serveToken(w http.ResponseWriter, r *http.Request) {
	f.authCalls.Add(1)
	f.mu.Lock()
	f.scopes = append(f.scopes, r.URL.Query()["scope"]...)
	tok := f.issued
	f.mu.Unlock()
	if r.URL.Query().Get("service") != "registry.test" {
		http.Error(w, `{"errors":[{"code":"DENIED","message":"unknown service"}]}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"token": tok, "expires_in": 300})
}

func (f *fixture) serveRegistry(w http.ResponseWriter, r *http.Request) {
	f.regCalls.Add(1)
	f.mu.Lock()
	valid := f.validToken
	f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v2/")
	if valid != "" && r.Header.Get("Authorization") != "Bearer "+valid {
		repo := path
		if i := strings.Index(path, "/manifests/"); i >= 0 {
			repo = path[:i]
		} else if i := strings.Index(path, "/blobs/"); i >= 0 {
			repo = path[:i]
		}
		w.Header().Set("WWW-Authenticate", f.challenge("repository:"+repo+":pull"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
		return
	}

	switch {
	case path == "":
		w.WriteHeader(http.StatusOK)
	case strings.Contains(path, "/manifests/"):
		f.mu.Lock()
		body, ok := f.manifests[path]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(body).String())
		_, _ = w.Write(body)
	case strings.Contains(path, "/blobs/"):
		dgst := digest.Digest(path[strings.LastIndex(path, "/")+1:])
		f.mu.Lock()
		data, ok := f.blobs[dgst]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN","message":"blob unknown"}]}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		flusher, _ := w.(http.Flusher)
		for len(data) > 0 {
			n := min(len(data), 1024)
			_, _ = w.Write(data[:n])
			data = data[n:]
			if flusher != nil {
				flusher.Flush()
			}
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fixture) addBlob(data []byte) ocispec.Descriptor {
	dgst := digest.FromBytes(data)
	f.mu.Lock()
	f.blobs[dgst] = data
	f.mu.Unlock()
	return ocispec.Descriptor{Digest: dgst, Size: int64(len(data))}
}

func (f *fixture) addImage(repo, tag string, layers ...[]byte) []byte {
	f.t.Helper()
	cfg := f.addBlob([]byte(`{"architecture":"amd64","os":"linux"}`))
	cfg.MediaType = ocispec.MediaTypeImageConfig
	m := ocispec.Manifest{MediaType: ocispec.MediaTypeImageManifest, Config: cfg}
	m.SchemaVersion = 2
	for _, l := range layers {
		d := f.addBlob(l)
		d.MediaType = ocispec.MediaTypeImageLayerGzip
		m.Layers = append(m.Layers, d)
	}
	body, err := json.Marshal(m)
	require.NoError(f.t, err)
	f.mu.Lock()
	f.manifests[repo+"/manifests/"+tag] = body
	f.mu.Unlock()
	return body
}

func (f *fixture) client(opts ...ClientOption) *Client {
	f.t.Helper()
	opts = append([]ClientOption{
		WithAuthService(f.authSrv.URL+"/token", "registry.test"),
		WithAnonymous(),
	}, opts...)
	c, err := NewClient(f.registry.URL, opts...)
	require.NoError(f.t, err)
	return c
}

func TestNewClient_RegistryURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		url      string
		insecure bool
		want     string
		wantErr  bool
	}{
		{name: "https url", url: "https://registry.test", want: "https://registry.test"},
		{name: "bare host", url: "registry.test:5000", want: "https://registry.test:5000"},
		{name: "bare host insecure", url: "localhost:5000", insecure: true, want: "http://localhost:5000"},
		{name: "trailing v2", url: "https://registry.test/v2/", want: "https://registry.test"},
		{name: "path prefix", url: "https://proxy.test/mirror", want: "https://proxy.test/mirror"},
		{name: "empty", url: "", wantErr: true},
		{name: "bad scheme", url: "ftp://registry.test", wantErr: true},
		{name: "no host", url: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewClient(tt.url, WithInsecure(tt.insecure), WithAnonymous())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Endpoint().Registry.String())
		})
	}
}

func TestNewClient_OptionErrors(t *testing.T) {
	t.Parallel()

	_, err := NewClient("registry.test", WithAuthService("", "svc"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewClient("registry.test", WithHTTPClient(nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClient_AuthThenManifest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.issued = "abc"
	f.validToken = "abc"
	f.addImage("library/ubuntu", "latest", []byte("layer-one"), []byte("layer-two"))
	c := f.client()

	tok, err := c.Auth(t.Context(), "repository", "library/ubuntu", "pull")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Value)
	assert.Nil(t, c.Token(), "Auth does not store the token")
	assert.Equal(t, []string{"repository:library/ubuntu:pull"}, f.scopes)

	c.SetToken(tok)
	content, err := c.Manifest(t.Context(), "library/ubuntu", "latest")
	require.NoError(t, err)

	m, ok := content.(*Manifest)
	require.True(t, ok, "expected *Manifest, got %T", content)
	assert.Len(t, m.Layers, 2)
	assert.Equal(t, ocispec.MediaTypeImageConfig, m.Config.MediaType)

	img, err := c.Config(t.Context(), "library/ubuntu", m.Config.Digest.String())
	require.NoError(t, err)
	assert.Equal(t, "amd64", img.Architecture)
}

func TestClient_ExpiredTokenSurfacesUnauthorized(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.validToken = "fresh"
	f.addImage("library/ubuntu", "latest", []byte("l"))
	c := f.client(WithToken("expired"))

	_, err := c.Manifest(t.Context(), "library/ubuntu", "latest")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), f.regCalls.Load(), "no retry")
	assert.Zero(t, f.authCalls.Load(), "no silent re-authentication")

	ch, ok := ChallengeFromError(err)
	require.True(t, ok)
	assert.Equal(t, f.authSrv.URL+"/token", ch.Realm)
	require.Len(t, ch.Scopes, 1)
	assert.Equal(t, "repository:library/ubuntu:pull", ch.Scopes[0].String())
}

func TestClient_ReauthenticateFromChallenge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.issued = "fresh"
	f.validToken = "fresh"
	f.addImage("team/app", "v1", []byte("l"))

	c, err := NewClient(f.registry.URL, WithAnonymous())
	require.NoError(t, err)

	_, err = c.Manifest(t.Context(), "team/app", "v1")
	ch, ok := ChallengeFromError(err)
	require.True(t, ok)

	tok, err := c.AuthChallenge(t.Context(), ch)
	require.NoError(t, err)
	c.SetToken(tok)

	_, err = c.Manifest(t.Context(), "team/app", "v1")
	require.NoError(t, err)
}

func TestClient_Discover(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.validToken = "tok"
	c := f.client()

	ch, err := c.Discover(t.Context())
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "registry.test", ch.Service)

	err = c.Ping(t.Context())
	require.ErrorIs(t, err, ErrUnauthorized)

	c.SetToken(&Token{Value: "tok"})
	require.NoError(t, c.Ping(t.Context()))
	ch, err = c.Discover(t.Context())
	require.NoError(t, err)
	assert.Nil(t, ch)
}

func TestClient_AuthWithoutService(t *testing.T) {
	t.Parallel()

	c, err := NewClient("registry.test", WithAnonymous())
	require.NoError(t, err)

	_, err = c.Auth(t.Context(), "repository", "app", "pull")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.AuthChallenge(t.Context(), Challenge{Scheme: "basic", Realm: "r"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClient_TokenLifecycle(t *testing.T) {
	t.Parallel()

	c, err := NewClient("registry.test", WithAnonymous(), WithToken("initial"))
	require.NoError(t, err)
	require.NotNil(t, c.Token())
	assert.Equal(t, "initial", c.Token().Value)

	tok := &Token{Value: "next"}
	c.SetToken(tok)
	tok.Value = "mutated"
	assert.Equal(t, "next", c.Token().Value, "SetToken stores a copy")

	got := c.Token()
	got.Value = "also mutated"
	assert.Equal(t, "next", c.Token().Value, "Token returns a copy")

	c.ClearToken()
	assert.Nil(t, c.Token())

	c.SetToken(&Token{Value: "again"})
	c.SetToken(nil)
	assert.Nil(t, c.Token())
}

func TestClient_InFlightRequestKeepsToken(t *testing.T) {
	t.Parallel()

	data := []byte("streamed")
	dgst := digest.FromBytes(data)
	started := make(chan struct{})
	release := make(chan struct{})
	var seen atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		close(started)
		<-release
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithAnonymous(), WithToken("old"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		stream, err := c.Blob(t.Context(), "app", dgst.String())
		if err == nil {
			_, err = io.ReadAll(stream)
		}
		done <- err
	}()

	<-started
	c.SetToken(&Token{Value: "new"})
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, "Bearer old", seen.Load())
}

func TestClient_BlobChunks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.client()

	parts := [][]byte{
		bytes.Repeat([]byte{1}, 700),
		bytes.Repeat([]byte{2}, 700),
		bytes.Repeat([]byte{3}, 700),
	}
	all := bytes.Join(parts, nil)
	desc := f.addBlob(all)

	var events []ProgressEvent
	stream, err := c.Blob(t.Context(), "app", desc.Digest.String(),
		WithVerify(),
		WithExpectedSize(desc.Size),
		WithProgress(func(e ProgressEvent) { events = append(events, e) }),
	)
	require.NoError(t, err)

	var got []byte
	for chunk, err := range stream.Chunks() {
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, all, got)
	require.NotEmpty(t, events)
	assert.Equal(t, ProgressEvent{BytesTransferred: desc.Size, TotalBytes: desc.Size}, events[len(events)-1])
}

func TestClient_BlobInvalidDigest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, err := NewClient("https://registry.test", WithAnonymous(), WithHTTPClient(clientFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected request")
	})))
	require.NoError(t, err)

	_, err = c.Blob(t.Context(), "app", "not-a-digest")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, calls.Load())
}

type clientFunc func(*http.Request) (*http.Response, error)

func (f clientFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
