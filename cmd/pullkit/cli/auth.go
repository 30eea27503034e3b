package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/meigma/pullkit"
)

// authenticate obtains a token for action on repository. With a configured
// auth service it asks that service directly; otherwise it pings the
// registry and follows its challenge. A nil token means the registry does
// not require one.
func authenticate(ctx context.Context, client *pullkit.Client, repository, action string) (*pullkit.Token, error) {
	scope, err := repositoryScope(repository, action)
	if err != nil {
		return nil, err
	}

	if client.Endpoint().AuthRealm != "" {
		return client.AuthScopes(ctx, scope)
	}

	ch, err := client.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, nil
	}
	return tokenForChallenge(ctx, client, *ch, scope)
}

// tokenForChallenge fetches a token for ch. The /v2/ challenge usually lists
// no scope, so fallback is requested in that case.
func tokenForChallenge(ctx context.Context, client *pullkit.Client, ch pullkit.Challenge, fallback pullkit.Scope) (*pullkit.Token, error) {
	if ch.Scheme != "bearer" {
		return nil, fmt.Errorf("%w: registry requires %s authentication", pullkit.ErrUnauthorized, ch.Scheme)
	}
	if len(ch.Scopes) == 0 {
		ch.Scopes = []pullkit.Scope{fallback}
	}
	return client.AuthChallenge(ctx, ch)
}

// withReauth runs fn and, if the registry rejects the token with a bearer
// challenge, fetches a new token for the challenged scopes and runs fn once
// more.
func withReauth(ctx context.Context, client *pullkit.Client, repository string, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, pullkit.ErrUnauthorized) {
		return err
	}
	ch, ok := pullkit.ChallengeFromError(err)
	if !ok || ch.Scheme != "bearer" || ch.Realm == "" {
		return err
	}

	scope, scopeErr := repositoryScope(repository, auth.ActionPull)
	if scopeErr != nil {
		return err
	}
	tok, authErr := tokenForChallenge(ctx, client, ch, scope)
	if authErr != nil {
		return errors.Join(err, authErr)
	}
	client.SetToken(tok)
	return fn()
}

func repositoryScope(repository, action string) (pullkit.Scope, error) {
	if action == "" {
		action = auth.ActionPull
	}
	return pullkit.ParseScope(auth.ScopeRepository(repository, strings.Split(action, ",")...))
}

// normalizeRepository prefixes single-segment Docker Hub repositories
// with library/.
func normalizeRepository(host, repository string) string {
	if strings.Contains(repository, "/") {
		return repository
	}
	switch host {
	case "registry-1.docker.io", "docker.io", "index.docker.io":
		return "library/" + repository
	default:
		return repository
	}
}
