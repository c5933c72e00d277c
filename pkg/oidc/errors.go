package oidc

import (
	"errors"
	"fmt"
)

// Failure origins for everything the gateway does against the IdP and its
// own storage. Callers discriminate with errors.Is; request-path failures
// are surfaced to clients as generic 401/400 responses and the detail is
// only logged.
var (
	// ErrNetwork wraps transport-level failures talking to the IdP.
	ErrNetwork = errors.New("network error")

	// ErrDiscovery indicates an unreachable or malformed discovery document.
	ErrDiscovery = errors.New("discovery failed")

	// ErrJwks indicates a key-set fetch/parse failure or an unknown key id.
	ErrJwks = errors.New("jwks error")

	// ErrJwt indicates signature, issuer, audience or expiry validation failure.
	ErrJwt = errors.New("jwt validation failed")

	// ErrMissingClaim indicates a structurally valid token missing a required claim.
	ErrMissingClaim = errors.New("missing claim")

	// ErrInvalidClaim indicates a claim that is present but semantically unusable.
	ErrInvalidClaim = errors.New("invalid claim")

	// ErrTokenExchange indicates a non-success response from the token endpoint.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrProvider is the catch-all for IdP-side failures.
	ErrProvider = errors.New("provider error")

	// ErrStorage indicates a repository/database failure.
	ErrStorage = errors.New("storage error")
)

// MissingClaimError reports a required claim that is absent from a token.
func MissingClaimError(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingClaim, name)
}
