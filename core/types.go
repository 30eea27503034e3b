// Package core provides the shared types and interfaces for pullkit.
//
// This package exists to break import cycles between the root pullkit package
// and internal implementation packages. The pullkit package re-exports the
// public types from this package, so external users should import pullkit
// directly, not pullkit/core.
package core

import (
	"net/url"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest media types understood by the resolver.
const (
	MediaTypeOCIManifest        = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex           = ocispec.MediaTypeImageIndex
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerImageConfig  = "application/vnd.docker.container.image.v1+json"
)

// Registry protocol headers.
const (
	HeaderDockerContentDigest = "Docker-Content-Digest"
	HeaderWWWAuthenticate     = "WWW-Authenticate"
)

// ManifestMediaTypes lists accepted manifest types in descending preference.
// It is the value of the Accept header on manifest requests.
var ManifestMediaTypes = []string{
	MediaTypeOCIManifest,
	MediaTypeDockerManifest,
	MediaTypeOCIIndex,
	MediaTypeDockerManifestList,
}

// IsManifestMediaType reports whether mt describes a single image manifest.
func IsManifestMediaType(mt string) bool {
	return mt == MediaTypeOCIManifest || mt == MediaTypeDockerManifest
}

// IsIndexMediaType reports whether mt describes a manifest index or list.
func IsIndexMediaType(mt string) bool {
	return mt == MediaTypeOCIIndex || mt == MediaTypeDockerManifestList
}

// Descriptor references content by media type, digest and size.
// Digest is the canonical identity of the content.
type Descriptor = ocispec.Descriptor

// Digest is a content identifier of the form <algorithm>:<hex>.
type Digest = digest.Digest

// Platform describes the platform an index entry targets.
type Platform = ocispec.Platform

// Endpoint identifies a registry and its token service.
// It is immutable once a client is constructed.
type Endpoint struct {
	// Registry is the base URL of the registry API (scheme and host, no /v2).
	Registry *url.URL
	// Host is the registry host[:port], used as the credential lookup key.
	Host string
	// AuthRealm is the token service URL. Empty disables token exchange.
	AuthRealm string
	// Service is the value of the service query parameter.
	Service string
}

// Content is a resolved manifest document: either *Manifest or *Index.
// Use a type switch to handle each variant.
type Content interface {
	// ContentDescriptor describes the manifest document itself.
	ContentDescriptor() Descriptor
	// Bytes returns the raw document as received.
	Bytes() []byte

	isContent()
}

// Manifest is a single-platform image manifest.
type Manifest struct {
	SchemaVersion int
	MediaType     string
	ArtifactType  string
	Config        Descriptor
	// Layers is in application order, exactly as returned by the registry.
	Layers      []Descriptor
	Subject     *Descriptor
	Annotations map[string]string

	// Descriptor describes this manifest (media type, digest of Raw, size of Raw).
	Descriptor Descriptor
	Raw        []byte
}

// ContentDescriptor implements Content.
func (m *Manifest) ContentDescriptor() Descriptor { return m.Descriptor }

// Bytes implements Content.
func (m *Manifest) Bytes() []byte { return m.Raw }

func (*Manifest) isContent() {}

// Index is a manifest index (OCI) or manifest list (Docker) pointing at
// platform-specific manifests. Selecting an entry is the caller's decision.
type Index struct {
	SchemaVersion int
	MediaType     string
	ArtifactType  string
	// Manifests is in the order returned by the registry.
	Manifests   []Descriptor
	Annotations map[string]string

	Descriptor Descriptor
	Raw        []byte
}

// ContentDescriptor implements Content.
func (i *Index) ContentDescriptor() Descriptor { return i.Descriptor }

// Bytes implements Content.
func (i *Index) Bytes() []byte { return i.Raw }

func (*Index) isContent() {}
