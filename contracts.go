package pullkit

import (
	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/registry"
	"github.com/meigma/pullkit/internal/token"
)

// Compile-time interface implementation checks. Client depends on these
// interfaces only, so tests can substitute either side.
var (
	_ core.Registry    = (*registry.Registry)(nil)
	_ core.TokenSource = (*token.Fetcher)(nil)
)

// tokenSourceFunc builds a token source for a realm and service. Client uses
// it for the configured auth service and for challenges met at runtime.
type tokenSourceFunc func(realm, service string) core.TokenSource
