package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/pullkit/core"
	"github.com/meigma/pullkit/internal/transport"
)

// maxErrorBytes bounds how much of an error body is read.
const maxErrorBytes = 64 * 1024

// ReadErrorResponse consumes and closes a non-2xx response body, decoding the
// OCI error envelope {"errors":[{"code","message","detail"}]} when present.
func ReadErrorResponse(resp *http.Response) *errcode.ErrorResponse {
	errResp := &errcode.ErrorResponse{StatusCode: resp.StatusCode}
	if resp.Request != nil {
		errResp.Method = resp.Request.Method
		errResp.URL = resp.Request.URL
	}
	if resp.Body == nil {
		return errResp
	}
	defer transport.Drain(resp.Body, maxErrorBytes)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	if err != nil || len(body) == 0 {
		return errResp
	}
	var envelope struct {
		Errors errcode.Errors `json:"errors"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		errResp.Errors = envelope.Errors
	}
	return errResp
}

// checkResponse returns nil for 2xx responses. Otherwise it consumes the body
// and returns an error mapped onto the pullkit sentinels.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	challenge := resp.Header.Get(core.HeaderWWWAuthenticate)
	return mapError(ReadErrorResponse(resp), challenge)
}

// mapError converts a registry error response to pullkit sentinel errors.
// The original response stays reachable with errors.As.
func mapError(errResp *errcode.ErrorResponse, challenge string) error {
	if errResp == nil {
		return nil
	}

	// Check HTTP status code first
	switch errResp.StatusCode {
	case http.StatusUnauthorized:
		return unauthorized(errResp, challenge)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", core.ErrUnauthorized, errResp)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", core.ErrNotFound, errResp)
	}

	// Check specific error codes
	for _, e := range errResp.Errors {
		switch e.Code {
		case errcode.ErrorCodeUnauthorized, errcode.ErrorCodeDenied:
			return unauthorized(errResp, challenge)
		case errcode.ErrorCodeNameUnknown,
			errcode.ErrorCodeManifestUnknown,
			errcode.ErrorCodeBlobUnknown:
			return fmt.Errorf("%w: %w", core.ErrNotFound, errResp)
		}
	}

	return fmt.Errorf("unexpected registry response: %w", errResp)
}

func unauthorized(errResp *errcode.ErrorResponse, header string) error {
	err := fmt.Errorf("%w: %w", core.ErrUnauthorized, errResp)
	if header == "" {
		return err
	}
	c, parseErr := core.ParseChallenge(header)
	if parseErr != nil {
		return err
	}
	return &core.ChallengeError{Challenge: c, Err: err}
}
