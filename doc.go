// Package pullkit is a client for the OCI Distribution API (Docker Registry
// HTTP API V2). It obtains bearer tokens from a registry's token service,
// resolves manifests with content negotiation and digest checks, and streams
// blobs without buffering them.
//
// # Basic Usage
//
// Create a client, authenticate, and fetch a manifest:
//
//	client, err := pullkit.NewClient("https://registry-1.docker.io",
//	    pullkit.WithAuthService("https://auth.docker.io/token", "registry.docker.io"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tok, err := client.Auth(ctx, "repository", "library/ubuntu", "pull")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.SetToken(tok)
//
//	content, err := client.Manifest(ctx, "library/ubuntu", "24.04")
//	switch m := content.(type) {
//	case *pullkit.Manifest:
//	    // m.Config, m.Layers
//	case *pullkit.Index:
//	    // choose an entry of m.Manifests and fetch it by digest
//	}
//
// # Blobs
//
// Blob returns a stream that reads the response body on demand:
//
//	stream, err := client.Blob(ctx, "library/ubuntu", layer.Digest.String(), pullkit.WithVerify())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for chunk, err := range stream.Chunks() {
//	    if err != nil {
//	        log.Fatal(err) // never a clean end: the blob is incomplete or corrupt
//	    }
//	    out.Write(chunk)
//	}
//
// A stream must be consumed or closed. Ranging over Chunks closes it when the
// loop ends, including on break.
//
// # Authentication
//
// Tokens are never refreshed automatically. When a token expires the registry
// answers 401 and the call fails with ErrUnauthorized; ChallengeFromError
// returns what the registry asked for, and AuthChallenge exchanges it for a
// new token. Retrying is the caller's decision.
//
// Credentials for the token service are resolved from Docker config
// (~/.docker/config.json) and credential helpers by default. Override with
// WithCredentials or WithCredentialStore.
package pullkit
