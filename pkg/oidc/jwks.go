package oidc

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JwkCache holds the IdP's signing keys indexed by key id. The key set is
// fetched once at construction and is immutable afterwards: a kid absent
// from the cache fails validation without a re-fetch. Key rotation
// therefore requires a process restart.
type JwkCache struct {
	keys map[string]*rsa.PublicKey
}

// NewJwkCache fetches the key set at jwksURI and indexes the RSA keys by
// kid. Non-RSA keys and keys without a kid are skipped, not stored.
func NewJwkCache(ctx context.Context, client *http.Client, jwksURI string) (*JwkCache, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build jwks request: %v", ErrJwks, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks fetch: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read jwks response: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d from %s", ErrJwks, resp.StatusCode, jwksURI)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key set: %v", ErrJwks, err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyType() != jwa.RSA {
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			slog.Warn("skipping RSA key without kid in JWKS")
			continue
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			slog.Warn("skipping unusable JWKS key", "kid", kid, "error", err)
			continue
		}
		keys[kid] = &pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable RSA keys in key set", ErrJwks)
	}

	return &JwkCache{keys: keys}, nil
}

// Len returns the number of cached keys.
func (c *JwkCache) Len() int {
	return len(c.keys)
}

// Validate verifies the token's RS256 signature against the cached key for
// its kid, checks issuer, expiry, issued-at and (when expectedAudience is
// non-empty) audience, and returns normalized claims. Roles are not
// populated here; role extraction is a provider concern.
func (c *JwkCache) Validate(token string, discovery *Discovery, expectedAudience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(discovery.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if expectedAudience != "" {
		opts = append(opts, jwt.WithAudience(expectedAudience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrJwt)
		}
		key, ok := c.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: kid %q not found in key set", ErrJwt, kid)
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJwt, err)
	}

	return normalizeClaims(claims)
}

// normalizeClaims turns verified raw claims into the Claims struct,
// enforcing presence of exp, iss and sub.
func normalizeClaims(claims jwt.MapClaims) (*Claims, error) {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, MissingClaimError("exp")
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, MissingClaimError("iss")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, MissingClaimError("sub")
	}

	out := &Claims{
		Issuer:    iss,
		Subject:   sub,
		ExpiresAt: exp.Time,
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		out.Audience = aud[0]
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if username, ok := claims["preferred_username"].(string); ok {
		out.PreferredUsername = username
	}

	return out, nil
}
