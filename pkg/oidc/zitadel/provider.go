// Package zitadel implements the oidc.Provider and oidc.AdminAPI
// interfaces against a ZITADEL instance.
package zitadel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tendant/oidc-gateway/pkg/oidc"
)

// Config carries the relying-party settings for one ZITADEL instance.
type Config struct {
	IssuerURL   string
	ClientID    string
	RedirectURL string
	// Scopes is the space-separated scope string sent on authorize,
	// e.g. "openid profile email offline_access".
	Scopes string
}

// Provider is the ZITADEL adapter. It owns the discovery document and the
// JWKS cache for its issuer; both are fetched once at construction.
type Provider struct {
	client      *http.Client
	clientID    string
	redirectURL string
	scopes      string
	discovery   *oidc.Discovery
	jwks        *oidc.JwkCache
	roles       oidc.RoleMapper
}

var _ oidc.Provider = (*Provider)(nil)

// NewProvider discovers the issuer's endpoints, fetches its key set and
// returns a ready provider.
func NewProvider(ctx context.Context, client *http.Client, cfg Config) (*Provider, error) {
	discovery, err := oidc.Discover(ctx, client, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	jwks, err := oidc.NewJwkCache(ctx, client, discovery.JWKSURI)
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:      client,
		clientID:    cfg.ClientID,
		redirectURL: cfg.RedirectURL,
		scopes:      cfg.Scopes,
		discovery:   discovery,
		jwks:        jwks,
		roles:       &RoleMapper{},
	}, nil
}

// Discovery exposes the fetched discovery document.
func (p *Provider) Discovery() *oidc.Discovery {
	return p.discovery
}

// AuthorizeURL builds the authorization endpoint URL. A non-empty
// codeChallenge switches the request to PKCE with S256.
func (p *Provider) AuthorizeURL(state, codeChallenge string) string {
	u, err := url.Parse(p.discovery.AuthorizationEndpoint)
	if err != nil {
		// The endpoint came from a validated discovery document.
		return p.discovery.AuthorizationEndpoint
	}

	params := url.Values{}
	params.Set("client_id", p.clientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", p.redirectURL)
	params.Set("scope", p.scopes)
	if state != "" {
		params.Set("state", state)
	}
	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", "S256")
	}
	params.Set("response_mode", "query")

	u.RawQuery = params.Encode()
	return u.String()
}

// ExchangeCode trades an authorization code for a token set.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oidc.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.redirectURL)
	form.Set("client_id", p.clientID)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return p.postToken(ctx, form)
}

// RefreshAccessToken redeems a refresh token.
func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (*oidc.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.clientID)
	return p.postToken(ctx, form)
}

func (p *Provider) postToken(ctx context.Context, form url.Values) (*oidc.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.discovery.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %v", oidc.ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %v", oidc.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", oidc.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d", oidc.ErrTokenExchange, resp.StatusCode)
	}

	var tokens oidc.TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", oidc.ErrTokenExchange, err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", oidc.ErrTokenExchange)
	}
	return &tokens, nil
}

// ValidateAccessToken verifies the token against the JWKS cache and
// enriches the claims with ZITADEL project roles from the raw payload.
func (p *Provider) ValidateAccessToken(_ context.Context, token string) (*oidc.Claims, error) {
	claims, err := p.jwks.Validate(token, p.discovery, p.clientID)
	if err != nil {
		return nil, err
	}

	raw, err := oidc.DecodeRawClaims(token)
	if err != nil {
		return nil, err
	}
	claims.Roles = p.roles.ExtractRoles(raw)

	return claims, nil
}

// ValidateIDToken verifies an ID token with the audience forced to the
// client id. ID tokens carry no authorization-relevant role claims, so
// roles stay empty.
func (p *Provider) ValidateIDToken(_ context.Context, idToken string) (*oidc.Claims, error) {
	return p.jwks.Validate(idToken, p.discovery, p.clientID)
}

// RevokeToken revokes a token at the provider's revocation endpoint.
// Providers without a revocation endpoint succeed trivially.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	if p.discovery.RevocationEndpoint == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", p.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.discovery.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build revocation request: %v", oidc.ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revocation request: %v", oidc.ErrNetwork, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: revocation status=%d", oidc.ErrProvider, resp.StatusCode)
	}
	return nil
}
