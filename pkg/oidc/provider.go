package oidc

import "context"

// Provider is the capability set required from a concrete IdP adapter.
// Role-claim layout and admin pagination differ per vendor, so the gateway
// is wired against this interface with one implementation per IdP.
type Provider interface {
	// AuthorizeURL builds the provider's authorization endpoint URL.
	// When codeChallenge is non-empty, PKCE with S256 is requested.
	AuthorizeURL(state, codeChallenge string) string

	// ExchangeCode trades an authorization code for tokens. codeVerifier
	// is included only when PKCE was used at authorize time.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error)

	// RefreshAccessToken redeems a refresh token for a new token set.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenSet, error)

	// ValidateAccessToken verifies the token against the provider's JWKS
	// and enriches the claims with provider-specific roles.
	ValidateAccessToken(ctx context.Context, token string) (*Claims, error)

	// ValidateIDToken verifies an ID token. The audience is forced to the
	// client id since ID tokens are minted for the client, not a resource.
	ValidateIDToken(ctx context.Context, idToken string) (*Claims, error)

	// RevokeToken revokes a token at the provider. Best-effort: callers
	// log failures and proceed with local session termination.
	RevokeToken(ctx context.Context, token string) error
}

// RoleMapper extracts a role set from the raw claim map of a token whose
// signature has already been verified. Implementations must be safe for
// concurrent use.
type RoleMapper interface {
	ExtractRoles(rawClaims map[string]any) []string
}

// DirectoryUser is one entry of the IdP's administrative user listing.
type DirectoryUser struct {
	Subject  string
	Username string
	Email    string
}

// AdminAPI lists the IdP's user directory for background synchronization.
// Implementations handle the vendor-specific pagination and filter out
// non-human (service/machine) accounts.
type AdminAPI interface {
	FetchAllUsers(ctx context.Context) ([]DirectoryUser, error)
}
