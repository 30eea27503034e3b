package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions.
var (
	// ErrNetwork indicates a connection or transport failure, including
	// failures while a blob body is being read.
	ErrNetwork = errors.New("pullkit: network error")

	// ErrUnauthorized indicates the registry rejected the request (401/403).
	// The caller should authenticate with an appropriate scope and retry.
	ErrUnauthorized = errors.New("pullkit: unauthorized")

	// ErrNotFound indicates the requested manifest, blob or repository does not exist.
	ErrNotFound = errors.New("pullkit: not found")

	// ErrAuthFailed indicates the authorization service refused to issue a token.
	ErrAuthFailed = errors.New("pullkit: authentication failed")

	// ErrMalformedResponse indicates a response the client cannot interpret.
	ErrMalformedResponse = errors.New("pullkit: malformed response")

	// ErrUnsupportedMediaType indicates the registry returned a manifest media
	// type the client does not understand.
	ErrUnsupportedMediaType = errors.New("pullkit: unsupported media type")

	// ErrDigestMismatch indicates content did not hash to its expected digest.
	ErrDigestMismatch = errors.New("pullkit: digest mismatch")

	// ErrSizeMismatch indicates content length disagreed with the expected size.
	ErrSizeMismatch = errors.New("pullkit: size mismatch")

	// ErrInvalidInput indicates a malformed argument, rejected before any request.
	ErrInvalidInput = errors.New("pullkit: invalid input")

	// ErrRangeNotSupported indicates the registry ignored a Range request.
	ErrRangeNotSupported = errors.New("pullkit: range requests not supported")

	// ErrClosed indicates an operation was attempted on a closed resource.
	ErrClosed = errors.New("pullkit: resource closed")
)

// ChallengeError is returned (wrapped) when the registry answers with 401 and a
// WWW-Authenticate challenge. It matches ErrUnauthorized with errors.Is.
type ChallengeError struct {
	Challenge Challenge
	Err       error
}

func (e *ChallengeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (challenge %s)", ErrUnauthorized, e.Challenge)
	}
	return fmt.Sprintf("%v (challenge %s)", e.Err, e.Challenge)
}

// Unwrap returns the underlying error.
func (e *ChallengeError) Unwrap() error { return e.Err }

// Is reports ErrUnauthorized as a match.
func (e *ChallengeError) Is(target error) bool { return target == ErrUnauthorized }

// ChallengeFromError extracts the authentication challenge attached to an
// ErrUnauthorized error, if any.
func ChallengeFromError(err error) (Challenge, bool) {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce.Challenge, true
	}
	return Challenge{}, false
}
