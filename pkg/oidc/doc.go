// Package oidc implements the OpenID Connect relying-party protocol core:
// provider metadata discovery, JWKS-backed access/ID token validation, and
// the Provider abstraction the rest of the gateway is built against.
//
// # Overview
//
// The oidc package provides:
//   - Discovery of the IdP's .well-known/openid-configuration document
//   - A JWKS cache that verifies RS256 tokens by key id
//   - Normalized Claims extraction with pluggable role mapping
//   - The Provider interface (authorize URL, code exchange, refresh,
//     revoke, token validation) implemented once per IdP vendor
//   - The AdminAPI interface used by the directory sync engine
//
// One IdP is configured per deployment. Concrete adapters live in
// subpackages (see oidc/zitadel).
//
// # Basic Usage
//
//	disc, err := oidc.Discover(ctx, httpClient, "https://idp.example.com")
//	if err != nil { ... }
//
//	jwks, err := oidc.NewJwkCache(ctx, httpClient, disc.JWKSURI)
//	if err != nil { ... }
//
//	claims, err := jwks.Validate(token, disc, clientID)
package oidc
