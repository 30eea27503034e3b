package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// ErrReadOnlyStore is returned by Put and Delete on static stores.
var ErrReadOnlyStore = errors.New("static credential store is read-only")

// hubKeys are the keys Docker clients have stored Docker Hub logins under,
// legacy index URL first.
var hubKeys = []string{
	"https://index.docker.io/v1/",
	"index.docker.io",
	"registry-1.docker.io",
	"docker.io",
}

// DefaultCredentialStore returns a store backed by the Docker config
// (~/.docker/config.json) and its credential helpers.
func DefaultCredentialStore() (credentials.Store, error) {
	store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("create docker credential store: %w", err)
	}
	return aliasStore{Store: store}, nil
}

// StaticCredentials returns a read-only store holding one username/password
// for host. Lookups ignore scheme, port and path.
func StaticCredentials(host, username, password string) credentials.Store {
	return staticStore{
		host: hostOnly(host),
		cred: auth.Credential{Username: username, Password: password},
	}
}

// LookupCredential returns the credential stored for host, or
// auth.EmptyCredential when store is nil or holds nothing for it.
func LookupCredential(ctx context.Context, store credentials.Store, host string) (auth.Credential, error) {
	if store == nil || host == "" {
		return auth.EmptyCredential, nil
	}
	cred, err := store.Get(ctx, host)
	if err != nil {
		return auth.EmptyCredential, fmt.Errorf("lookup credentials for %s: %w", host, err)
	}
	return cred, nil
}

// IsEmptyCredential reports whether cred carries nothing usable.
func IsEmptyCredential(cred auth.Credential) bool {
	return cred.Username == "" && cred.Password == "" && cred.AccessToken == "" && cred.RefreshToken == ""
}

type staticStore struct {
	host string
	cred auth.Credential
}

func (s staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if hostOnly(serverAddress) != s.host {
		return auth.EmptyCredential, nil
	}
	return s.cred, nil
}

func (staticStore) Put(context.Context, string, auth.Credential) error { return ErrReadOnlyStore }
func (staticStore) Delete(context.Context, string) error               { return ErrReadOnlyStore }

// aliasStore answers a Docker Hub lookup from whichever hub key holds a
// login. Writes go to the wrapped store unchanged.
type aliasStore struct {
	credentials.Store
}

func (s aliasStore) Get(ctx context.Context, serverAddress string) (auth.Credential, error) {
	var firstErr error
	for _, key := range lookupKeys(serverAddress) {
		cred, err := s.Store.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !IsEmptyCredential(cred) {
			return cred, nil
		}
	}
	return auth.EmptyCredential, firstErr
}

// lookupKeys lists the store keys tried for serverAddress: the address
// itself, then the other Docker Hub keys when it names Docker Hub.
func lookupKeys(serverAddress string) []string {
	keys := []string{serverAddress}
	if !slices.Contains(hubKeys[1:], hostOnly(serverAddress)) {
		return keys
	}
	for _, k := range hubKeys {
		if k != serverAddress {
			keys = append(keys, k)
		}
	}
	return keys
}

// hostOnly reduces a server address or URL to its bare hostname.
func hostOnly(addr string) string {
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil {
			return u.Hostname()
		}
	}
	addr, _, _ = strings.Cut(addr, "/")
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
