package core

import (
	"context"
	"io"
	"iter"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ProgressFunc reports cumulative bytes read from a blob and its total size
// (-1 when the registry did not send Content-Length).
type ProgressFunc func(bytesTransferred, totalBytes int64)

// BlobOptions control a single blob fetch.
type BlobOptions struct {
	// Verify enables running-hash verification against the requested digest;
	// a mismatch fails the final read with ErrDigestMismatch.
	Verify bool
	// ExpectedSize, when positive, must equal the Content-Length if one is sent
	// and the number of bytes read at end of stream.
	ExpectedSize int64
	// Offset requests the blob starting at this byte (Range: bytes=Offset-).
	Offset int64
	// Progress receives read progress. Optional.
	Progress ProgressFunc
}

// BlobStream is a single-use handle over an in-progress blob body.
// It is implemented by internal/registry.
type BlobStream interface {
	io.ReadCloser
	// Chunk blocks until the next chunk of bytes is available. It returns
	// io.EOF, and no bytes, once the stream ended cleanly.
	Chunk() ([]byte, error)
	// Chunks yields chunks until end of stream or the first error. The
	// stream is closed when iteration stops for any reason.
	Chunks() iter.Seq2[[]byte, error]
	// Size is the Content-Length of the response, or -1.
	Size() int64
	// MediaType is the Content-Type of the response, if any.
	MediaType() string
	// Requested is the digest passed to the fetch.
	Requested() Digest
	// Digest is the digest of the bytes read so far.
	Digest() Digest
}

// Registry performs protocol operations against one registry.
// It is implemented by internal/registry. Every call carries the bearer
// token to attach (empty for anonymous).
type Registry interface {
	// Ping issues GET /v2/ and returns whether the registry answered 2xx,
	// along with any challenge from a 401.
	Ping(ctx context.Context, token string) (*Challenge, error)

	// Manifest fetches and parses a manifest by tag or digest.
	Manifest(ctx context.Context, token, repository, reference string) (Content, error)

	// Resolve issues a HEAD for a manifest and returns its descriptor.
	Resolve(ctx context.Context, token, repository, reference string) (Descriptor, error)

	// Blob opens a lazily-read stream over a blob.
	Blob(ctx context.Context, token, repository, dgst string, opts BlobOptions) (BlobStream, error)

	// Config fetches, verifies and decodes an image configuration blob.
	Config(ctx context.Context, token, repository, dgst string) (*ocispec.Image, error)
}

// TokenSource exchanges scopes for a bearer token.
// It is implemented by internal/token.
type TokenSource interface {
	Fetch(ctx context.Context, scopes ...Scope) (*Token, error)
}
