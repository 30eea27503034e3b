package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/pullkit/core"
)

// Manifest fetches the manifest for a tag or digest, negotiating the media
// types in core.ManifestMediaTypes. Platform selection is never attempted:
// an index is returned as *core.Index.
func (r *Registry) Manifest(ctx context.Context, token, repository, reference string) (core.Content, error) {
	refDigest, err := validateManifestArgs(repository, reference)
	if err != nil {
		return nil, err
	}

	resp, err := r.transport.Get(ctx, r.endpoint(repository, "manifests", reference), r.header(token, core.ManifestMediaTypes...))
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s:%s: %w", repository, reference, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch manifest %s:%s: %w", repository, reference, err)
	}

	body, err := readLimited(resp.Body, r.maxManifestBytes)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s:%s: %w", repository, reference, err)
	}

	dgst, err := verifyManifestDigest(resp.Header.Get(core.HeaderDockerContentDigest), refDigest, body)
	if err != nil {
		return nil, fmt.Errorf("verify manifest %s:%s: %w", repository, reference, err)
	}
	r.logger.Debug("manifest digest verified", "repository", repository, "reference", reference, "digest", dgst)

	mediaType, err := detectMediaType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s:%s: %w", repository, reference, err)
	}

	content, err := parseContent(mediaType, dgst, body)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s:%s: %w", repository, reference, err)
	}
	return content, nil
}

// Resolve issues a HEAD for a manifest and returns its descriptor without
// downloading the body.
func (r *Registry) Resolve(ctx context.Context, token, repository, reference string) (core.Descriptor, error) {
	refDigest, err := validateManifestArgs(repository, reference)
	if err != nil {
		return core.Descriptor{}, err
	}

	resp, err := r.transport.Head(ctx, r.endpoint(repository, "manifests", reference), r.header(token, core.ManifestMediaTypes...))
	if err != nil {
		return core.Descriptor{}, fmt.Errorf("resolve manifest %s:%s: %w", repository, reference, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return core.Descriptor{}, fmt.Errorf("resolve manifest %s:%s: %w", repository, reference, err)
	}

	mediaType := baseMediaType(resp.Header.Get("Content-Type"))
	if !core.IsManifestMediaType(mediaType) && !core.IsIndexMediaType(mediaType) {
		return core.Descriptor{}, fmt.Errorf("resolve manifest %s:%s: %w: %q", repository, reference, core.ErrUnsupportedMediaType, mediaType)
	}

	dgst := refDigest
	if h := resp.Header.Get(core.HeaderDockerContentDigest); h != "" {
		parsed, err := digest.Parse(h)
		if err != nil {
			return core.Descriptor{}, fmt.Errorf("resolve manifest %s:%s: %w: digest header %q: %w", repository, reference, core.ErrMalformedResponse, h, err)
		}
		if refDigest != "" && parsed != refDigest {
			return core.Descriptor{}, fmt.Errorf("resolve manifest %s:%s: %w: registry reported %s", repository, reference, core.ErrDigestMismatch, parsed)
		}
		dgst = parsed
	}
	if dgst == "" {
		return core.Descriptor{}, fmt.Errorf("resolve manifest %s:%s: %w: missing %s header", repository, reference, core.ErrMalformedResponse, core.HeaderDockerContentDigest)
	}

	return core.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      resp.ContentLength,
	}, nil
}

// validateManifestArgs checks repository and reference before any request.
// A reference containing ':' can only be a digest and must parse as one.
func validateManifestArgs(repository, reference string) (digest.Digest, error) {
	if err := validateRepository(repository); err != nil {
		return "", err
	}
	if reference == "" {
		return "", fmt.Errorf("%w: empty reference", core.ErrInvalidInput)
	}
	if strings.Contains(reference, ":") {
		return parseDigest(reference)
	}
	return "", nil
}

// readLimited reads the whole body, failing if it exceeds limit bytes.
func readLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", core.ErrMalformedResponse, limit)
	}
	return data, nil
}

// verifyManifestDigest checks body against the Docker-Content-Digest header
// and against a digest reference. It returns the manifest's digest.
func verifyManifestDigest(header string, refDigest digest.Digest, body []byte) (digest.Digest, error) {
	var dgst digest.Digest
	if header != "" {
		parsed, err := digest.Parse(header)
		if err != nil {
			return "", fmt.Errorf("%w: digest header %q: %w", core.ErrMalformedResponse, header, err)
		}
		if computed := parsed.Algorithm().FromBytes(body); computed != parsed {
			return "", fmt.Errorf("%w: header %s, body %s", core.ErrDigestMismatch, parsed, computed)
		}
		dgst = parsed
	}
	if refDigest != "" {
		if computed := refDigest.Algorithm().FromBytes(body); computed != refDigest {
			return "", fmt.Errorf("%w: requested %s, body %s", core.ErrDigestMismatch, refDigest, computed)
		}
		if dgst == "" {
			dgst = refDigest
		}
	}
	if dgst == "" {
		dgst = digest.FromBytes(body)
	}
	return dgst, nil
}

func baseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(contentType)
	}
	return mt
}

// detectMediaType picks the manifest media type: the Content-Type when it is
// a supported manifest type, else the body's mediaType field, else (for empty
// or generic JSON content types) the document's shape.
func detectMediaType(contentType string, body []byte) (string, error) {
	mt := baseMediaType(contentType)
	if isSupportedManifestType(mt) {
		return mt, nil
	}

	var probe struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Config        json.RawMessage `json:"config"`
		Layers        json.RawMessage `json:"layers"`
		Manifests     json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", fmt.Errorf("%w: content type %q", core.ErrUnsupportedMediaType, mt)
	}
	if isSupportedManifestType(probe.MediaType) {
		return probe.MediaType, nil
	}

	switch mt {
	case "", "application/json", "text/plain", "application/octet-stream":
		if probe.SchemaVersion == 2 && probe.MediaType == "" {
			switch {
			case probe.Manifests != nil:
				return core.MediaTypeOCIIndex, nil
			case probe.Config != nil && probe.Layers != nil:
				return core.MediaTypeOCIManifest, nil
			}
		}
	}

	if probe.MediaType != "" {
		return "", fmt.Errorf("%w: %q", core.ErrUnsupportedMediaType, probe.MediaType)
	}
	return "", fmt.Errorf("%w: content type %q", core.ErrUnsupportedMediaType, mt)
}

func isSupportedManifestType(mt string) bool {
	return core.IsManifestMediaType(mt) || core.IsIndexMediaType(mt)
}

// parseContent decodes body as the negotiated variant. Descriptor digests
// inside the document must be well-formed and use a supported algorithm.
func parseContent(mediaType string, dgst digest.Digest, body []byte) (core.Content, error) {
	self := core.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      int64(len(body)),
	}

	if core.IsIndexMediaType(mediaType) {
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("%w: decode index: %w", core.ErrMalformedResponse, err)
		}
		for i, m := range idx.Manifests {
			if err := validateDescriptor(m); err != nil {
				return nil, fmt.Errorf("manifests[%d]: %w", i, err)
			}
		}
		return &core.Index{
			SchemaVersion: idx.SchemaVersion,
			MediaType:     mediaType,
			ArtifactType:  idx.ArtifactType,
			Manifests:     idx.Manifests,
			Annotations:   idx.Annotations,
			Descriptor:    self,
			Raw:           body,
		}, nil
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", core.ErrMalformedResponse, err)
	}
	if err := validateDescriptor(m.Config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for i, l := range m.Layers {
		if err := validateDescriptor(l); err != nil {
			return nil, fmt.Errorf("layers[%d]: %w", i, err)
		}
	}
	return &core.Manifest{
		SchemaVersion: m.SchemaVersion,
		MediaType:     mediaType,
		ArtifactType:  m.ArtifactType,
		Config:        m.Config,
		Layers:        m.Layers,
		Subject:       m.Subject,
		Annotations:   m.Annotations,
		Descriptor:    self,
		Raw:           body,
	}, nil
}

func validateDescriptor(d ocispec.Descriptor) error {
	if err := d.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: digest %q: %w", core.ErrMalformedResponse, d.Digest, err)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: negative size %d", core.ErrMalformedResponse, d.Size)
	}
	return nil
}
