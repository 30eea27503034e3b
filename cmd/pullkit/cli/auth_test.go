package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pullkit"
)

func TestAuthenticate_DiscoversTokenService(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(t)
	reg.set(func(f *fakeRegistry) { f.token = "good" })
	client := reg.client(t)

	tok, err := authenticate(context.Background(), client, "org/app", "")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "good", tok.Value)
	assert.Equal(t, 5*time.Minute, tok.ExpiresIn)

	pings, _, _, scopes := reg.snapshot()
	assert.Equal(t, 1, pings)
	assert.Equal(t, []string{"repository:org/app:pull"}, scopes)
}

func TestAuthenticate_ConfiguredService(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(t)
	reg.set(func(f *fakeRegistry) { f.token = "good" })
	client := reg.client(t, pullkit.WithAuthService(reg.url+"/token", "fake"))

	tok, err := authenticate(context.Background(), client, "org/app", "pull,push")
	require.NoError(t, err)
	assert.Equal(t, "good", tok.Value)

	pings, _, _, scopes := reg.snapshot()
	assert.Zero(t, pings, "a configured service needs no discovery")
	assert.Equal(t, []string{"repository:org/app:pull,push"}, scopes)
}

func TestAuthenticate_OpenRegistry(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(t)
	tok, err := authenticate(context.Background(), reg.client(t), "org/app", "")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestTokenForChallenge_Basic(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(t)
	_, err := tokenForChallenge(context.Background(), reg.client(t),
		pullkit.Challenge{Scheme: "basic", Realm: "registry"}, pullkit.RepositoryScope("org/app", "pull"))
	require.ErrorIs(t, err, pullkit.ErrUnauthorized)
}

func TestWithReauth(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(t)
	reg.addImage(t, "v1", []byte("layer"))
	reg.set(func(f *fakeRegistry) { f.token = "fresh" })
	client := reg.client(t, pullkit.WithToken("stale"))
	ctx := context.Background()

	calls := 0
	var content pullkit.Content
	err := withReauth(ctx, client, "org/app", func() error {
		calls++
		var err error
		content, err = client.Manifest(ctx, "org/app", "v1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.IsType(t, &pullkit.Manifest{}, content)
	assert.Equal(t, "fresh", client.Token().Value)

	_, _, _, scopes := reg.snapshot()
	assert.Equal(t, []string{"repository:org/app:pull"}, scopes)
}

func TestWithReauth_OtherErrorsPassThrough(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(t)
	client := reg.client(t)
	ctx := context.Background()

	calls := 0
	err := withReauth(ctx, client, "org/app", func() error {
		calls++
		_, err := client.Manifest(ctx, "org/app", "missing")
		return err
	})
	require.ErrorIs(t, err, pullkit.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRepositoryScope(t *testing.T) {
	t.Parallel()

	scope, err := repositoryScope("localhost:5000/org/app", "")
	require.NoError(t, err)
	assert.Equal(t, "repository", scope.Type)
	assert.Equal(t, "localhost:5000/org/app", scope.Name)
	assert.Equal(t, []string{"pull"}, scope.Actions)
}
