package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/oidc-gateway/pkg/identity"
	"github.com/tendant/oidc-gateway/pkg/oidc"
	"github.com/tendant/oidc-gateway/pkg/oidc/zitadel"
	"github.com/tendant/oidc-gateway/pkg/session"
)

const (
	testKid      = "sig-key-1"
	testClientID = "client-abc"
	frontendURL  = "https://app.example.com"
)

// gatewayFixture wires a real provider against an httptest IdP and mounts
// the auth routes the way cmd/gateway does.
type gatewayFixture struct {
	idp       *httptest.Server
	key       *rsa.PrivateKey
	tokenHits int
	repo      *identity.MemoryRepository
	router    chi.Router
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &gatewayFixture{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		base := f.idp.URL
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 base,
			"authorization_endpoint": base + "/oauth/v2/authorize",
			"token_endpoint":         base + "/oauth/v2/token",
			"jwks_uri":               base + "/oauth/v2/keys",
			"revocation_endpoint":    base + "/oauth/v2/revoke",
		})
	})
	mux.HandleFunc("/oauth/v2/keys", func(w http.ResponseWriter, _ *http.Request) {
		pub, err := jwk.FromRaw(&f.key.PublicKey)
		require.NoError(t, err)
		require.NoError(t, pub.Set(jwk.KeyIDKey, testKid))
		set := jwk.NewSet()
		require.NoError(t, set.AddKey(pub))
		json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/oauth/v2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits++
		require.NoError(t, r.ParseForm())
		json.NewEncoder(w).Encode(oidc.TokenSet{
			AccessToken:  f.signToken(t, time.Hour),
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "refresh-" + r.PostForm.Get("grant_type"),
		})
	})
	mux.HandleFunc("/oauth/v2/revoke", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.idp = httptest.NewServer(mux)
	t.Cleanup(f.idp.Close)

	provider, err := zitadel.NewProvider(context.Background(), f.idp.Client(), zitadel.Config{
		IssuerURL:   f.idp.URL,
		ClientID:    testClientID,
		RedirectURL: "http://localhost:4000/auth/callback",
		Scopes:      "openid profile email offline_access",
	})
	require.NoError(t, err)

	f.repo = identity.NewMemoryRepository()
	svc := session.NewService(provider, identity.NewResolver(f.repo), session.WithFrontendURL(frontendURL))

	f.router = chi.NewRouter()
	f.router.Mount("/auth", NewHandle(svc).Routes())
	return f
}

func (f *gatewayFixture) signToken(t *testing.T, lifetime time.Duration) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":                f.idp.URL,
		"sub":                "user-123",
		"aud":                testClientID,
		"exp":                now.Add(lifetime).Unix(),
		"iat":                now.Add(-time.Minute).Unix(),
		"email":              "alice@example.com",
		"preferred_username": "alice",
		"urn:zitadel:iam:org:project:roles": map[string]any{
			"admin": map[string]any{},
		},
	})
	tok.Header["kid"] = testKid
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *gatewayFixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestLoginRedirect(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth/v2/authorize", loc.Path)
	assert.Equal(t, testClientID, loc.Query().Get("client_id"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))

	cookies := cookiesByName(rec)
	require.Contains(t, cookies, session.PkceVerifierCookie)
	require.Contains(t, cookies, session.OauthStateCookie)
	assert.Equal(t, loc.Query().Get("state"), cookies[session.OauthStateCookie].Value)
	assert.True(t, cookies[session.OauthStateCookie].HttpOnly)
}

func TestFullLoginFlow(t *testing.T) {
	f := newGatewayFixture(t)

	// Step 1: /auth/login issues the redirect and the flow cookies.
	loginRec := f.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusFound, loginRec.Code)
	flow := cookiesByName(loginRec)
	state := flow[session.OauthStateCookie].Value

	// Step 2: the IdP redirects back with code and state.
	cb := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc123&state="+url.QueryEscape(state), nil)
	cb.AddCookie(&http.Cookie{Name: session.OauthStateCookie, Value: state})
	cb.AddCookie(&http.Cookie{Name: session.PkceVerifierCookie, Value: flow[session.PkceVerifierCookie].Value})

	cbRec := f.do(cb)
	require.Equal(t, http.StatusFound, cbRec.Code)
	assert.Equal(t, frontendURL, cbRec.Header().Get("Location"))
	assert.Equal(t, 1, f.tokenHits)

	cookies := cookiesByName(cbRec)
	require.Contains(t, cookies, session.AccessTokenCookie)
	require.Contains(t, cookies, session.RefreshTokenCookie)
	assert.Equal(t, -1, cookies[session.PkceVerifierCookie].MaxAge)
	assert.Equal(t, -1, cookies[session.OauthStateCookie].MaxAge)

	// The user landed in the local directory.
	user, err := f.repo.FindBySubject(context.Background(), f.idp.URL, "user-123")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)

	// Step 3: the session cookie authenticates /auth/me.
	me := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	me.AddCookie(&http.Cookie{Name: session.AccessTokenCookie, Value: cookies[session.AccessTokenCookie].Value})
	meRec := f.do(me)
	require.Equal(t, http.StatusOK, meRec.Code)

	var claims oidc.Claims
	require.NoError(t, json.Unmarshal(meRec.Body.Bytes(), &claims))
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	// Step 4: /auth/user serves the local record the callback synced.
	ur := httptest.NewRequest(http.MethodGet, "/auth/user", nil)
	ur.AddCookie(&http.Cookie{Name: session.AccessTokenCookie, Value: cookies[session.AccessTokenCookie].Value})
	urRec := f.do(ur)
	require.Equal(t, http.StatusOK, urRec.Code)

	var localUser identity.User
	require.NoError(t, json.Unmarshal(urRec.Body.Bytes(), &localUser))
	assert.Equal(t, user.ID, localUser.ID)
	assert.Equal(t, "alice", localUser.Username)
	assert.Equal(t, "alice@example.com", localUser.Email)
}

func TestUserEndpoint(t *testing.T) {
	f := newGatewayFixture(t)

	t.Run("NotFoundBeforeSync", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/user", nil)
		r.Header.Set("Authorization", "Bearer "+f.signToken(t, time.Hour))
		assert.Equal(t, http.StatusNotFound, f.do(r).Code)
	})

	t.Run("ReturnsLocalRecord", func(t *testing.T) {
		created, err := f.repo.UpsertUser(context.Background(), f.idp.URL, "user-123", "alice", "alice@example.com")
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodGet, "/auth/user", nil)
		r.Header.Set("Authorization", "Bearer "+f.signToken(t, time.Hour))
		rec := f.do(r)
		require.Equal(t, http.StatusOK, rec.Code)

		var user identity.User
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
		assert.Equal(t, created.ID, user.ID)
		assert.Equal(t, f.idp.URL, user.IdpIssuer)
		assert.Equal(t, "user-123", user.IdpSubject)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/user", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestCallbackStateMismatch(t *testing.T) {
	f := newGatewayFixture(t)

	cb := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc123&state=attacker-state", nil)
	cb.AddCookie(&http.Cookie{Name: session.OauthStateCookie, Value: "victim-state"})
	cb.AddCookie(&http.Cookie{Name: session.PkceVerifierCookie, Value: "verifier"})

	rec := f.do(cb)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "state mismatch")

	// The code was never exchanged and no session was created.
	assert.Equal(t, 0, f.tokenHits)
	cookies := cookiesByName(rec)
	assert.NotContains(t, cookies, session.AccessTokenCookie)
	assert.Equal(t, 0, f.repo.Count())
}

func TestCallbackMissingCode(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/callback?state=s", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMeRefreshFallback(t *testing.T) {
	f := newGatewayFixture(t)

	// Expired access cookie plus a refresh cookie: the request succeeds
	// and the response carries rotated cookies.
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: session.AccessTokenCookie, Value: f.signToken(t, -time.Hour)})
	r.AddCookie(&http.Cookie{Name: session.RefreshTokenCookie, Value: "refresh-old"})

	rec := f.do(r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.tokenHits)

	cookies := cookiesByName(rec)
	require.Contains(t, cookies, session.AccessTokenCookie)
	assert.Equal(t, "refresh-refresh_token", cookies[session.RefreshTokenCookie].Value)
}

func TestMeExpiredWithoutRefresh(t *testing.T) {
	f := newGatewayFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: session.AccessTokenCookie, Value: f.signToken(t, -time.Hour)})

	rec := f.do(r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, f.tokenHits)
	assert.Empty(t, rec.Result().Cookies())
}

func TestMeBearer(t *testing.T) {
	f := newGatewayFixture(t)

	t.Run("ValidBearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		r.Header.Set("Authorization", "Bearer "+f.signToken(t, time.Hour))
		assert.Equal(t, http.StatusOK, f.do(r).Code)
	})

	t.Run("ExpiredBearerDoesNotFallBack", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		r.Header.Set("Authorization", "Bearer "+f.signToken(t, -time.Hour))
		r.AddCookie(&http.Cookie{Name: session.RefreshTokenCookie, Value: "refresh-old"})

		rec := f.do(r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, 0, f.tokenHits)
	})

	t.Run("NoCredentials", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRefreshEndpoint(t *testing.T) {
	f := newGatewayFixture(t)

	t.Run("RotatesSession", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		r.AddCookie(&http.Cookie{Name: session.RefreshTokenCookie, Value: "refresh-old"})

		rec := f.do(r)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "refreshed", body["status"])
		assert.Equal(t, "user-123", body["sub"])

		cookies := cookiesByName(rec)
		require.Contains(t, cookies, session.AccessTokenCookie)
	})

	t.Run("MissingCookie", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLogoutEndpoint(t *testing.T) {
	f := newGatewayFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	r.AddCookie(&http.Cookie{Name: session.AccessTokenCookie, Value: f.signToken(t, time.Hour)})
	r.AddCookie(&http.Cookie{Name: session.RefreshTokenCookie, Value: "refresh-old"})

	rec := f.do(r)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, frontendURL, rec.Header().Get("Location"))

	cookies := cookiesByName(rec)
	for _, name := range []string{session.AccessTokenCookie, session.RefreshTokenCookie, session.PkceVerifierCookie, session.OauthStateCookie} {
		require.Contains(t, cookies, name)
		assert.Equal(t, -1, cookies[name].MaxAge)
	}
}

func TestRequireRole(t *testing.T) {
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		// Inject claims directly; role gating is independent of how the
		// claims were resolved.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &oidc.Claims{Subject: "user-123", Roles: []string{"viewer"}}
			if r.Header.Get("X-Test-Admin") == "yes" {
				claims.Roles = []string{"admin"}
			}
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.With(RequireRole("admin")).Get("/admin", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("Allowed", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/admin", nil)
		r.Header.Set("X-Test-Admin", "yes")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("Forbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
