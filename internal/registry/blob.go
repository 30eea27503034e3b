package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/transport"
)

// Blob opens a stream over /v2/<repository>/blobs/<digest>. The body is not
// read until the caller pulls from the returned stream. Redirects to
// external blob storage are followed by the HTTP client.
func (r *Registry) Blob(ctx context.Context, token, repository, dgst string, opts core.BlobOptions) (core.BlobStream, error) {
	requested, err := parseDigest(dgst)
	if err != nil {
		return nil, err
	}
	if err := validateRepository(repository); err != nil {
		return nil, err
	}
	if opts.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", core.ErrInvalidInput, opts.Offset)
	}
	if opts.Offset > 0 && opts.Verify {
		return nil, fmt.Errorf("%w: cannot verify a blob fetched from offset %d", core.ErrInvalidInput, opts.Offset)
	}
	if opts.ExpectedSize > 0 && opts.Offset > opts.ExpectedSize {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", core.ErrInvalidInput, opts.Offset, opts.ExpectedSize)
	}

	header := r.header(token)
	if opts.Offset > 0 {
		header.Set("Range", "bytes="+strconv.FormatInt(opts.Offset, 10)+"-")
	}

	resp, err := r.transport.Get(ctx, r.endpoint(repository, "blobs", requested.String()), header)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s@%s: %w", repository, requested, err)
	}

	if opts.Offset > 0 {
		switch resp.StatusCode {
		case http.StatusPartialContent:
			if err := validateContentRange(resp.Header.Get("Content-Range"), opts.Offset); err != nil {
				transport.Drain(resp.Body, maxErrorBytes)
				return nil, fmt.Errorf("fetch blob %s@%s: %w", repository, requested, err)
			}
		case http.StatusOK:
			transport.Drain(resp.Body, maxErrorBytes)
			return nil, fmt.Errorf("fetch blob %s@%s: %w", repository, requested, core.ErrRangeNotSupported)
		case http.StatusRequestedRangeNotSatisfiable:
			transport.Drain(resp.Body, maxErrorBytes)
			return nil, fmt.Errorf("fetch blob %s@%s: %w: offset %d not satisfiable", repository, requested, core.ErrInvalidInput, opts.Offset)
		}
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch blob %s@%s: %w", repository, requested, err)
	}

	want := int64(-1)
	if opts.ExpectedSize > 0 {
		want = opts.ExpectedSize - opts.Offset
		if resp.ContentLength >= 0 && resp.ContentLength != want {
			transport.Drain(resp.Body, 0)
			return nil, fmt.Errorf("fetch blob %s@%s: %w: expected %d bytes, Content-Length %d",
				repository, requested, core.ErrSizeMismatch, want, resp.ContentLength)
		}
	}

	r.logger.Debug("blob stream opened",
		"repository", repository,
		"digest", requested,
		"size", resp.ContentLength,
		"offset", opts.Offset,
		"verify", opts.Verify,
	)
	return newBlobStream(resp, requested, blobStreamConfig{
		verify:   opts.Verify,
		want:     want,
		offset:   opts.Offset,
		total:    totalSize(resp.ContentLength, opts),
		progress: opts.Progress,
	}), nil
}

// Config fetches an image configuration blob, verifies it against dgst and
// decodes it.
func (r *Registry) Config(ctx context.Context, token, repository, dgst string) (*ocispec.Image, error) {
	stream, err := r.Blob(ctx, token, repository, dgst, core.BlobOptions{Verify: true})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	// Stream errors already carry their sentinel, so they are not rewrapped.
	body, err := io.ReadAll(io.LimitReader(stream, r.maxConfigBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config %s@%s: %w", repository, dgst, err)
	}
	if int64(len(body)) > r.maxConfigBytes {
		return nil, fmt.Errorf("read config %s@%s: %w: exceeds %d bytes", repository, dgst, core.ErrMalformedResponse, r.maxConfigBytes)
	}

	var img ocispec.Image
	if err := json.Unmarshal(body, &img); err != nil {
		return nil, fmt.Errorf("decode config %s@%s: %w: %w", repository, dgst, core.ErrMalformedResponse, err)
	}
	return &img, nil
}

// totalSize is the full blob size reported to progress callbacks.
func totalSize(contentLength int64, opts core.BlobOptions) int64 {
	switch {
	case opts.ExpectedSize > 0:
		return opts.ExpectedSize
	case contentLength >= 0:
		return contentLength + opts.Offset
	default:
		return -1
	}
}

// validateContentRange checks that a 206 response starts at offset.
// An absent header is accepted.
func validateContentRange(header string, offset int64) error {
	if header == "" {
		return nil
	}
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return fmt.Errorf("%w: Content-Range %q", core.ErrMalformedResponse, header)
	}
	rng, _, _ := strings.Cut(spec, "/")
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return fmt.Errorf("%w: Content-Range %q", core.ErrMalformedResponse, header)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: Content-Range %q", core.ErrMalformedResponse, header)
	}
	if start != offset {
		return fmt.Errorf("%w: Content-Range starts at %d, requested %d", core.ErrMalformedResponse, start, offset)
	}
	return nil
}
