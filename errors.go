package pullkit

import "github.com/meigma/pullkit/core"

// Sentinel errors for common failure conditions.
// Re-exported from core package.
var (
	// ErrNetwork indicates a connection or transport failure, including a
	// blob body that ended early.
	ErrNetwork = core.ErrNetwork

	// ErrUnauthorized indicates the registry answered 401 or 403. Use
	// ChallengeFromError to see what the registry asked for.
	ErrUnauthorized = core.ErrUnauthorized

	// ErrNotFound indicates the requested manifest, blob or repository was not found.
	ErrNotFound = core.ErrNotFound

	// ErrAuthFailed indicates the token service refused to issue a token.
	ErrAuthFailed = core.ErrAuthFailed

	// ErrMalformedResponse indicates a response the client cannot interpret.
	ErrMalformedResponse = core.ErrMalformedResponse

	// ErrUnsupportedMediaType indicates an unknown manifest media type.
	ErrUnsupportedMediaType = core.ErrUnsupportedMediaType

	// ErrDigestMismatch indicates content did not hash to its expected digest.
	ErrDigestMismatch = core.ErrDigestMismatch

	// ErrSizeMismatch indicates a blob was not the expected size.
	ErrSizeMismatch = core.ErrSizeMismatch

	// ErrInvalidInput indicates a malformed argument, rejected before any request.
	ErrInvalidInput = core.ErrInvalidInput

	// ErrRangeNotSupported indicates the registry ignored a resume request.
	ErrRangeNotSupported = core.ErrRangeNotSupported

	// ErrClosed indicates an operation was attempted on a closed resource.
	ErrClosed = core.ErrClosed
)

// ChallengeError carries the WWW-Authenticate challenge of a 401 response.
type ChallengeError = core.ChallengeError

// ChallengeFromError extracts the challenge attached to an ErrUnauthorized
// error, if any.
func ChallengeFromError(err error) (Challenge, bool) {
	return core.ChallengeFromError(err)
}
