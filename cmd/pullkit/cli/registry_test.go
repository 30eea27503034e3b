package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pullkit"
)

type fakeManifest struct {
	mediaType string
	body      []byte
}

// fakeRegistry serves manifests and blobs from memory. When token is set,
// every /v2/ request must carry it or gets a bearer challenge pointing at
// /token on the same server.
type fakeRegistry struct {
	url string

	mu          sync.Mutex
	manifests   map[string]fakeManifest
	blobs       map[digest.Digest][]byte
	corrupt     map[digest.Digest]bool
	token       string
	noRange     bool
	pings       int
	blobGets    int
	ranges      []string
	tokenScopes []string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{
		manifests: make(map[string]fakeManifest),
		blobs:     make(map[digest.Digest][]byte),
		corrupt:   make(map[digest.Digest]bool),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.url = srv.URL
	return f
}

func (f *fakeRegistry) client(t *testing.T, opts ...pullkit.ClientOption) *pullkit.Client {
	t.Helper()
	opts = append([]pullkit.ClientOption{pullkit.WithAnonymous()}, opts...)
	c, err := pullkit.NewClient(f.url, opts...)
	require.NoError(t, err)
	return c
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		f.tokenScopes = append(f.tokenScopes, r.URL.Query()["scope"]...)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q,"expires_in":300}`, f.token)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v2/")
	if path == "" {
		f.pings++
	}
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		challenge := fmt.Sprintf(`Bearer realm="%s/token",service="fake"`, f.url)
		if repo := repositoryOf(path); repo != "" {
			challenge += fmt.Sprintf(`,scope="repository:%s:pull"`, repo)
		}
		w.Header().Set("WWW-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case path == "":
		w.WriteHeader(http.StatusOK)
	case strings.Contains(path, "/manifests/"):
		ref := path[strings.LastIndex(path, "/manifests/")+len("/manifests/"):]
		m, ok := f.manifests[ref]
		if !ok {
			http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.body).String())
		w.Header().Set("Content-Length", fmt.Sprint(len(m.body)))
		if r.Method != http.MethodHead {
			w.Write(m.body)
		}
	case strings.Contains(path, "/blobs/"):
		dgst := digest.Digest(path[strings.LastIndex(path, "/blobs/")+len("/blobs/"):])
		data, ok := f.blobs[dgst]
		if !ok {
			http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN","message":"blob unknown"}]}`, http.StatusNotFound)
			return
		}
		f.blobGets++
		if rng := r.Header.Get("Range"); rng != "" {
			f.ranges = append(f.ranges, rng)
		}
		if f.corrupt[dgst] {
			data = bytes.Clone(data)
			data[len(data)-1] ^= 0xff
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if f.noRange {
			w.Header().Set("Content-Length", fmt.Sprint(len(data)))
			w.Write(data)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

func repositoryOf(path string) string {
	for _, kind := range []string{"/manifests/", "/blobs/"} {
		if i := strings.LastIndex(path, kind); i > 0 {
			return path[:i]
		}
	}
	return ""
}

func (f *fakeRegistry) addBlob(data []byte) ocispec.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	dgst := digest.FromBytes(data)
	f.blobs[dgst] = data
	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    dgst,
		Size:      int64(len(data)),
	}
}

func (f *fakeRegistry) addManifest(ref, mediaType string, body []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	dgst := digest.FromBytes(body)
	m := fakeManifest{mediaType: mediaType, body: body}
	f.manifests[ref] = m
	f.manifests[dgst.String()] = m
	return dgst
}

// addImage stores a config, the layers and a manifest tagged tag. Layers
// may repeat.
func (f *fakeRegistry) addImage(t *testing.T, tag string, layers ...[]byte) (*ocispec.Manifest, []byte) {
	t.Helper()
	cfg, err := json.Marshal(ocispec.Image{
		Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
		RootFS:   ocispec.RootFS{Type: "layers"},
	})
	require.NoError(t, err)
	cfgDesc := f.addBlob(cfg)
	cfgDesc.MediaType = ocispec.MediaTypeImageConfig

	m := &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    cfgDesc,
	}
	for _, l := range layers {
		m.Layers = append(m.Layers, f.addBlob(l))
	}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	f.addManifest(tag, ocispec.MediaTypeImageManifest, body)
	return m, cfg
}

// addIndex tags an index over already-tagged manifests, keyed by os/arch.
func (f *fakeRegistry) addIndex(t *testing.T, tag string, entries map[string]string) {
	t.Helper()
	idx := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
	}
	for platform, ref := range entries {
		f.mu.Lock()
		body := f.manifests[ref].body
		f.mu.Unlock()
		os, arch, _ := strings.Cut(platform, "/")
		idx.Manifests = append(idx.Manifests, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    digest.FromBytes(body),
			Size:      int64(len(body)),
			Platform:  &ocispec.Platform{OS: os, Architecture: arch},
		})
	}
	body, err := json.Marshal(idx)
	require.NoError(t, err)
	f.addManifest(tag, ocispec.MediaTypeImageIndex, body)
}

func (f *fakeRegistry) snapshot() (pings, blobGets int, ranges, scopes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings, f.blobGets, append([]string(nil), f.ranges...), append([]string(nil), f.tokenScopes...)
}

func (f *fakeRegistry) set(fn func(f *fakeRegistry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
