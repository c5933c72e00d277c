// Package session implements the login/callback/refresh/logout request
// lifecycle and the claims-resolution fallback chain used on every
// authenticated request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tendant/oidc-gateway/pkg/identity"
	"github.com/tendant/oidc-gateway/pkg/oidc"
	"github.com/tendant/oidc-gateway/pkg/pkce"
)

var (
	// ErrMissingCredentials indicates no usable token was found on the request.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrStateMismatch indicates the callback state did not match the
	// oauth_state cookie. Surfaced to clients as a generic 400.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrBadCallback indicates a callback request missing a required
	// parameter or cookie.
	ErrBadCallback = errors.New("invalid callback request")
)

const (
	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultLoginFlowTTL    = 15 * time.Minute

	stateEntropyBytes = 48
)

// Service orchestrates the auth lifecycle against one IdP: it builds the
// PKCE login redirect, completes the callback, resolves claims for
// inbound requests with a bearer -> cookie -> refresh fallback chain, and
// tears sessions down on logout.
type Service struct {
	provider    oidc.Provider
	resolver    *identity.Resolver
	cookies     CookieSetter
	frontendURL string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	loginTTL    time.Duration

	// Coalesces concurrent refresh attempts for the same refresh token so
	// two racing requests produce one token pair instead of two.
	refreshGroup singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithCookieSetter sets the cookie policy implementation.
func WithCookieSetter(cs CookieSetter) Option {
	return func(s *Service) {
		s.cookies = cs
	}
}

// WithFrontendURL sets the post-login/post-logout redirect target.
func WithFrontendURL(url string) Option {
	return func(s *Service) {
		s.frontendURL = url
	}
}

// WithAccessTokenTTL sets the access_token cookie lifetime.
func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.accessTTL = ttl
	}
}

// WithRefreshTokenTTL sets the refresh_token cookie lifetime.
func WithRefreshTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.refreshTTL = ttl
	}
}

// WithLoginFlowTTL sets the lifetime of the temporary pkce_verifier and
// oauth_state cookies.
func WithLoginFlowTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.loginTTL = ttl
	}
}

// NewService creates a session service with default cookie TTLs
// (access 1h, refresh 7d, login flow 15m).
func NewService(provider oidc.Provider, resolver *identity.Resolver, opts ...Option) *Service {
	s := &Service{
		provider:    provider,
		resolver:    resolver,
		cookies:     NewCookieSetter(false),
		frontendURL: "http://localhost:5173",
		accessTTL:   defaultAccessTokenTTL,
		refreshTTL:  defaultRefreshTokenTTL,
		loginTTL:    defaultLoginFlowTTL,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Resolve extracts and validates the caller's identity. The fallback
// chain runs strictly in order and the first successful step wins:
//
//  1. Authorization: Bearer header. Failure is terminal, explicit bearer
//     tokens are never eligible for cookie/refresh fallback.
//  2. access_token cookie. Failure falls through to (3).
//  3. refresh_token cookie. Refresh, set new cookies on w, return the
//     refreshed claims.
//
// With no credentials at all it returns ErrMissingCredentials.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) (*oidc.Claims, error) {
	ctx := r.Context()

	if bearer := bearerToken(r); bearer != "" {
		claims, err := s.provider.ValidateAccessToken(ctx, bearer)
		if err != nil {
			return nil, err
		}
		return claims, nil
	}

	var accessErr error
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil && cookie.Value != "" {
		claims, err := s.provider.ValidateAccessToken(ctx, cookie.Value)
		if err == nil {
			return claims, nil
		}
		accessErr = err
	}

	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil && cookie.Value != "" {
		claims, err := s.refreshSession(w, r, cookie.Value)
		if err != nil {
			return nil, err
		}
		return claims, nil
	}

	if accessErr != nil {
		return nil, accessErr
	}
	return nil, ErrMissingCredentials
}

// refreshSession redeems the refresh token, validates the new access
// token and rotates the session cookies. Concurrent calls with the same
// refresh token share a single token-endpoint round trip.
func (s *Service) refreshSession(w http.ResponseWriter, r *http.Request, refreshToken string) (*oidc.Claims, error) {
	v, err, _ := s.refreshGroup.Do(refreshToken, func() (any, error) {
		return s.provider.RefreshAccessToken(r.Context(), refreshToken)
	})
	if err != nil {
		return nil, err
	}
	tokens := v.(*oidc.TokenSet)

	claims, err := s.provider.ValidateAccessToken(r.Context(), tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	s.setSessionCookies(w, tokens)
	return claims, nil
}

// Refresh redeems the refresh_token cookie and rotates the session
// cookies. Returns ErrMissingCredentials when no refresh cookie is set.
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) (*oidc.Claims, error) {
	cookie, err := r.Cookie(RefreshTokenCookie)
	if err != nil || cookie.Value == "" {
		return nil, ErrMissingCredentials
	}
	return s.refreshSession(w, r, cookie.Value)
}

// LoginStart clears any stale auth cookies, generates the PKCE pair and
// anti-CSRF state, stores them in short-lived cookies and returns the
// IdP authorization URL to redirect the browser to.
func (s *Service) LoginStart(w http.ResponseWriter) (string, error) {
	s.clearAuthCookies(w)

	verifier, challenge, err := pkce.GeneratePair()
	if err != nil {
		return "", fmt.Errorf("generate pkce pair: %w", err)
	}
	state, err := pkce.GenerateState(stateEntropyBytes)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	expire := time.Now().Add(s.loginTTL)
	s.cookies.SetCookie(w, PkceVerifierCookie, verifier, expire)
	s.cookies.SetCookie(w, OauthStateCookie, state, expire)

	return s.provider.AuthorizeURL(state, challenge), nil
}

// Callback completes the authorization code flow: verifies the state in
// constant time, exchanges the code with the stored PKCE verifier,
// validates the tokens, persists the user and installs the session
// cookies. It returns the front-end URL to redirect to.
func (s *Service) Callback(w http.ResponseWriter, r *http.Request, code, state string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("%w: missing state parameter", ErrBadCallback)
	}
	stateCookie, err := r.Cookie(OauthStateCookie)
	if err != nil || stateCookie.Value == "" {
		return "", fmt.Errorf("%w: missing oauth_state cookie", ErrBadCallback)
	}
	if !pkce.SecureCompare(state, stateCookie.Value) {
		return "", ErrStateMismatch
	}

	verifierCookie, err := r.Cookie(PkceVerifierCookie)
	if err != nil || verifierCookie.Value == "" {
		return "", fmt.Errorf("%w: missing pkce_verifier cookie", ErrBadCallback)
	}

	tokens, err := s.provider.ExchangeCode(r.Context(), code, verifierCookie.Value)
	if err != nil {
		return "", err
	}
	slog.Info("token exchange successful")

	claims, err := s.provider.ValidateAccessToken(r.Context(), tokens.AccessToken)
	if err != nil {
		return "", err
	}

	// ID tokens are only used to fill in profile fields the access token
	// lacks. Roles always come from the access token.
	if tokens.IDToken != "" {
		idClaims, err := s.provider.ValidateIDToken(r.Context(), tokens.IDToken)
		if err != nil {
			return "", err
		}
		if claims.Email == "" {
			claims.Email = idClaims.Email
		}
		if claims.PreferredUsername == "" {
			claims.PreferredUsername = idClaims.PreferredUsername
		}
	}

	if err := s.syncUser(r, claims); err != nil {
		return "", err
	}

	s.cookies.ClearCookie(w, PkceVerifierCookie)
	s.cookies.ClearCookie(w, OauthStateCookie)
	s.setSessionCookies(w, tokens)

	return s.frontendURL, nil
}

// LocalUser returns the local directory record for the claims' identity,
// served from the identity cache when fresh. Returns (nil, nil) when the
// user has not been synced into the local store.
func (s *Service) LocalUser(ctx context.Context, claims *oidc.Claims) (*identity.User, error) {
	return s.resolver.FindByIdentity(ctx, claims.Issuer, claims.Subject)
}

// syncUser persists/refreshes the local user record for the claims.
func (s *Service) syncUser(r *http.Request, claims *oidc.Claims) error {
	if claims.Email == "" {
		return fmt.Errorf("%w: email is required", oidc.ErrProvider)
	}

	user, err := s.resolver.UpsertFromClaims(r.Context(), claims.Issuer, claims.Subject, claims.DisplayUsername(), claims.Email)
	if err != nil {
		return err
	}

	slog.Debug("synced user from claims", "userId", user.ID, "username", user.Username)
	return nil
}

// Logout revokes both session tokens at the provider (best-effort) and
// clears all auth cookies. It returns the front-end URL to redirect to.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) string {
	for _, name := range []string{RefreshTokenCookie, AccessTokenCookie} {
		cookie, err := r.Cookie(name)
		if err != nil || cookie.Value == "" {
			continue
		}
		if err := s.provider.RevokeToken(r.Context(), cookie.Value); err != nil {
			// Revocation is a courtesy to the IdP, not a precondition for
			// local session termination.
			slog.Warn("failed to revoke token at provider", "cookie", name, "error", err)
		}
	}

	s.clearAuthCookies(w)
	slog.Info("user logged out")

	return s.frontendURL
}

func (s *Service) setSessionCookies(w http.ResponseWriter, tokens *oidc.TokenSet) {
	now := time.Now()
	s.cookies.SetCookie(w, AccessTokenCookie, tokens.AccessToken, now.Add(s.accessTTL))
	if tokens.RefreshToken != "" {
		s.cookies.SetCookie(w, RefreshTokenCookie, tokens.RefreshToken, now.Add(s.refreshTTL))
	}
}

func (s *Service) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie, PkceVerifierCookie, OauthStateCookie} {
		s.cookies.ClearCookie(w, name)
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
