package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/platforms"

	"github.com/meigma/pullkit"
)

// selectManifest picks the index entry that best matches spec. Entries
// without a platform, and attestation entries (unknown/unknown), never match.
func selectManifest(idx *pullkit.Index, spec string) (pullkit.Descriptor, error) {
	want, err := platforms.Parse(spec)
	if err != nil {
		return pullkit.Descriptor{}, fmt.Errorf("%w: platform %q: %w", pullkit.ErrInvalidInput, spec, err)
	}
	matcher := platforms.Only(want)

	var (
		best  pullkit.Descriptor
		found bool
	)
	for _, desc := range idx.Manifests {
		if !selectable(desc) || !matcher.Match(*desc.Platform) {
			continue
		}
		if !found || matcher.Less(*desc.Platform, *best.Platform) {
			best = desc
			found = true
		}
	}
	if !found {
		return pullkit.Descriptor{}, fmt.Errorf("%w: no manifest for platform %s (available: %s)",
			pullkit.ErrNotFound, platforms.Format(want), strings.Join(availablePlatforms(idx), ", "))
	}
	return best, nil
}

// availablePlatforms lists the platforms an index offers, in index order.
func availablePlatforms(idx *pullkit.Index) []string {
	var out []string
	for _, desc := range idx.Manifests {
		if selectable(desc) {
			out = append(out, platforms.Format(*desc.Platform))
		}
	}
	return out
}

func selectable(desc pullkit.Descriptor) bool {
	if desc.Platform == nil {
		return false
	}
	return desc.Platform.OS != "unknown" && desc.Platform.Architecture != "unknown"
}

// resolveImage fetches reference and, when it is an index, descends into the
// entry for platform. An index without a platform is an input error.
func resolveImage(ctx context.Context, client *pullkit.Client, repository, reference, platform string) (*pullkit.Manifest, error) {
	content, err := client.Manifest(ctx, repository, reference)
	if err != nil {
		return nil, err
	}

	switch c := content.(type) {
	case *pullkit.Manifest:
		return c, nil
	case *pullkit.Index:
		if platform == "" {
			return nil, fmt.Errorf("%w: %s:%s is an index; choose one of %s with --platform",
				pullkit.ErrInvalidInput, repository, reference, strings.Join(availablePlatforms(c), ", "))
		}
		desc, err := selectManifest(c, platform)
		if err != nil {
			return nil, err
		}
		child, err := client.Manifest(ctx, repository, desc.Digest.String())
		if err != nil {
			return nil, err
		}
		m, ok := child.(*pullkit.Manifest)
		if !ok {
			return nil, fmt.Errorf("%w: index entry %s is not an image manifest", pullkit.ErrUnsupportedMediaType, desc.Digest)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", pullkit.ErrUnsupportedMediaType, content)
	}
}
