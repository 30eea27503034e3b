package registry

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/pullkit/core"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     *errcode.ErrorResponse
		want    error
		wantNil bool
	}{
		{
			name:    "nil response returns nil",
			wantNil: true,
		},
		{
			name: "401 status returns ErrUnauthorized",
			err:  &errcode.ErrorResponse{StatusCode: http.StatusUnauthorized},
			want: core.ErrUnauthorized,
		},
		{
			name: "403 status returns ErrUnauthorized",
			err:  &errcode.ErrorResponse{StatusCode: http.StatusForbidden},
			want: core.ErrUnauthorized,
		},
		{
			name: "404 status returns ErrNotFound",
			err:  &errcode.ErrorResponse{StatusCode: http.StatusNotFound},
			want: core.ErrNotFound,
		},
		{
			name: "DENIED error code returns ErrUnauthorized",
			err: &errcode.ErrorResponse{
				StatusCode: http.StatusBadRequest,
				Errors:     errcode.Errors{{Code: errcode.ErrorCodeDenied, Message: "access denied"}},
			},
			want: core.ErrUnauthorized,
		},
		{
			name: "BLOB_UNKNOWN error code returns ErrNotFound",
			err: &errcode.ErrorResponse{
				StatusCode: http.StatusBadRequest,
				Errors:     errcode.Errors{{Code: errcode.ErrorCodeBlobUnknown}},
			},
			want: core.ErrNotFound,
		},
		{
			name: "MANIFEST_UNKNOWN error code returns ErrNotFound",
			err: &errcode.ErrorResponse{
				StatusCode: http.StatusBadRequest,
				Errors:     errcode.Errors{{Code: errcode.ErrorCodeManifestUnknown}},
			},
			want: core.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := mapError(tt.err, "")
			if tt.wantNil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestMapError_PreservesResponse(t *testing.T) {
	t.Parallel()

	errResp := &errcode.ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Errors:     errcode.Errors{{Code: "UNKNOWN", Message: "boom"}},
	}
	err := mapError(errResp, "")

	var got *errcode.ErrorResponse
	require.True(t, errors.As(err, &got))
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.NotErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrUnauthorized)
}

func TestMapError_Challenge(t *testing.T) {
	t.Parallel()

	header := `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/alpine:pull"`
	err := mapError(&errcode.ErrorResponse{StatusCode: http.StatusUnauthorized}, header)

	require.ErrorIs(t, err, core.ErrUnauthorized)
	c, ok := core.ChallengeFromError(err)
	require.True(t, ok)
	assert.Equal(t, "bearer", c.Scheme)
	assert.Equal(t, "https://auth.example.com/token", c.Realm)
	assert.Equal(t, "registry.example.com", c.Service)
	require.Len(t, c.Scopes, 1)
	assert.Equal(t, "library/alpine", c.Scopes[0].Name)
}

func TestMapError_UnparseableChallenge(t *testing.T) {
	t.Parallel()

	err := mapError(&errcode.ErrorResponse{StatusCode: http.StatusUnauthorized}, `Bearer realm="unterminated`)

	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, ok := core.ChallengeFromError(err)
	assert.False(t, ok)
}

func TestReadErrorResponse(t *testing.T) {
	t.Parallel()

	t.Run("decodes error envelope", func(t *testing.T) {
		t.Parallel()

		resp := &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader(`{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown","detail":{"Tag":"v9"}}]}`)),
			Request:    &http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/v2/app/manifests/v9"}},
		}

		errResp := ReadErrorResponse(resp)
		assert.Equal(t, http.StatusNotFound, errResp.StatusCode)
		assert.Equal(t, http.MethodGet, errResp.Method)
		require.Len(t, errResp.Errors, 1)
		assert.Equal(t, errcode.ErrorCodeManifestUnknown, errResp.Errors[0].Code)
		assert.Equal(t, "manifest unknown", errResp.Errors[0].Message)
	})

	t.Run("tolerates non-json body", func(t *testing.T) {
		t.Parallel()

		resp := &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(strings.NewReader("<html>bad gateway</html>")),
		}

		errResp := ReadErrorResponse(resp)
		assert.Equal(t, http.StatusBadGateway, errResp.StatusCode)
		assert.Empty(t, errResp.Errors)
	})
}
