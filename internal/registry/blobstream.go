package registry

import (
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/progress"
)

// chunkSize is the buffer used by Chunk. Chunks may be smaller.
const chunkSize = 32 * 1024

// Compile-time interface implementation check.
var _ core.BlobStream = (*blobStream)(nil)

type blobStreamConfig struct {
	verify   bool
	want     int64 // bytes expected in this response, -1 if unknown
	offset   int64
	total    int64
	progress core.ProgressFunc
}

// blobStream reads a blob response body. It hashes every byte read and, at
// end of stream, checks the byte count and (when enabled) the digest. The
// body is released on EOF, on the first error, and on Close.
type blobStream struct {
	body      io.ReadCloser
	reader    io.Reader
	requested digest.Digest
	digester  digest.Digester
	cfg       blobStreamConfig
	size      int64
	mediaType string

	read int64
	err  error

	closed   atomic.Bool
	once     sync.Once
	closeErr error
	buf      []byte
}

func newBlobStream(resp *http.Response, requested digest.Digest, cfg blobStreamConfig) *blobStream {
	s := &blobStream{
		body:      resp.Body,
		reader:    resp.Body,
		requested: requested,
		digester:  requested.Algorithm().Digester(),
		cfg:       cfg,
		size:      resp.ContentLength,
		mediaType: resp.Header.Get("Content-Type"),
	}
	if cfg.progress != nil {
		s.reader = progress.NewMeter(resp.Body, cfg.offset, cfg.total, progress.Func(cfg.progress))
	}
	return s
}

// Read implements io.Reader. A clean end of stream is io.EOF; anything else
// ending the stream early is a distinct error.
func (s *blobStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.closed.Load() {
		return 0, core.ErrClosed
	}

	n, err := s.reader.Read(p)
	if n > 0 {
		_, _ = s.digester.Hash().Write(p[:n])
		s.read += int64(n)
		if s.cfg.want >= 0 && s.read > s.cfg.want {
			s.fail(fmt.Errorf("%w: read more than %d bytes", core.ErrSizeMismatch, s.cfg.want))
			return n, s.err
		}
	}

	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		s.fail(s.finish())
		return n, s.err
	case s.closed.Load():
		s.fail(core.ErrClosed)
		return n, s.err
	default:
		s.fail(fmt.Errorf("%w: read blob %s after %d bytes: %w", core.ErrNetwork, s.requested, s.read, err))
		return n, s.err
	}
}

// finish runs the end-of-stream checks and returns io.EOF when they pass.
func (s *blobStream) finish() error {
	if s.cfg.want >= 0 && s.read != s.cfg.want {
		return fmt.Errorf("%w: expected %d bytes, read %d", core.ErrSizeMismatch, s.cfg.want, s.read)
	}
	if s.size >= 0 && s.read != s.size {
		return fmt.Errorf("%w: blob %s truncated at %d of %d bytes", core.ErrNetwork, s.requested, s.read, s.size)
	}
	if s.cfg.verify {
		if got := s.digester.Digest(); got != s.requested {
			return fmt.Errorf("%w: requested %s, got %s", core.ErrDigestMismatch, s.requested, got)
		}
	}
	return io.EOF
}

// fail makes err sticky and releases the body.
func (s *blobStream) fail(err error) {
	s.err = err
	s.release()
}

func (s *blobStream) release() {
	s.once.Do(func() {
		s.closeErr = s.body.Close()
	})
}

// Chunk returns the next chunk as a fresh slice. It returns nil and io.EOF
// once the stream ended cleanly, or nil and the error if it did not.
func (s *blobStream) Chunk() ([]byte, error) {
	if s.buf == nil {
		s.buf = make([]byte, chunkSize)
	}
	for {
		n, err := s.Read(s.buf)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
	}
}

// Chunks yields chunks in transport order until end of stream or the first
// error. The stream is closed when iteration stops, including on break.
func (s *blobStream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Chunk()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close releases the response body. It is safe to call more than once and
// from another goroutine than the reader.
func (s *blobStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.release()
	return s.closeErr
}

func (s *blobStream) Size() int64              { return s.size }
func (s *blobStream) MediaType() string        { return s.mediaType }
func (s *blobStream) Requested() digest.Digest { return s.requested }
func (s *blobStream) Digest() digest.Digest    { return s.digester.Digest() }
