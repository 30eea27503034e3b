package pullkit

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/pullkit/core"
)

// Types re-exported from core.
type (
	// Token is a bearer token issued by a token service.
	Token = core.Token
	// Scope names what a token authorizes.
	Scope = core.Scope
	// Challenge is a parsed WWW-Authenticate header.
	Challenge = core.Challenge
	// Endpoint identifies a registry and its token service.
	Endpoint = core.Endpoint
	// Descriptor references content by media type, digest and size.
	Descriptor = core.Descriptor
	// Digest is a content identifier of the form <algorithm>:<hex>.
	Digest = core.Digest
	// Platform describes the platform an index entry targets.
	Platform = core.Platform
	// Content is either *Manifest or *Index.
	Content = core.Content
	// Manifest is a single-platform image manifest.
	Manifest = core.Manifest
	// Index is a manifest index or list.
	Index = core.Index
	// BlobStream is a single-use stream over a blob body.
	BlobStream = core.BlobStream
	// Image is a decoded image configuration.
	Image = ocispec.Image
)

// Manifest media types.
const (
	MediaTypeOCIManifest        = core.MediaTypeOCIManifest
	MediaTypeOCIIndex           = core.MediaTypeOCIIndex
	MediaTypeDockerManifest     = core.MediaTypeDockerManifest
	MediaTypeDockerManifestList = core.MediaTypeDockerManifestList
)

// NewScope builds a scope; action may be a comma-separated list.
func NewScope(scopeType, name, action string) Scope {
	return core.NewScope(scopeType, name, action)
}

// RepositoryScope is the scope for action on a repository.
func RepositoryScope(repository, action string) Scope {
	return core.NewScope("repository", repository, action)
}

// ParseChallenge parses a WWW-Authenticate header value.
func ParseChallenge(header string) (Challenge, error) {
	return core.ParseChallenge(header)
}

// ParseScope parses a type:name:actions scope string, as produced by
// oras auth.ScopeRepository.
func ParseScope(s string) (Scope, error) {
	return core.ParseScope(s)
}
