// Package api exposes the session lifecycle over HTTP and the middleware
// protected routes use to resolve claims.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/oidc-gateway/pkg/oidc"
	"github.com/tendant/oidc-gateway/pkg/session"
)

// contextKey is a value for use with context.WithValue, following the
// net/http convention of unexported pointer keys.
type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "session api context value " + k.name
}

// ClaimsKey carries resolved claims through the request context.
var ClaimsKey = &contextKey{"Claims"}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*oidc.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*oidc.Claims)
	return claims, ok
}

// Handle serves the auth endpoints.
type Handle struct {
	service *session.Service
}

// NewHandle creates the handler set for a session service.
func NewHandle(service *session.Service) *Handle {
	return &Handle{service: service}
}

// Routes mounts the auth endpoints on a fresh router.
func (h *Handle) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/login", h.Login)
	r.Get("/callback", h.Callback)
	r.Post("/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
	r.With(h.Middleware).Get("/me", h.Me)
	r.With(h.Middleware).Get("/user", h.User)
	return r
}

// Login starts the authorization code flow and redirects to the IdP.
func (h *Handle) Login(w http.ResponseWriter, r *http.Request) {
	url, err := h.service.LoginStart(w)
	if err != nil {
		slog.Error("failed to start login flow", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// Callback completes the code flow and redirects to the front-end.
func (h *Handle) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	target, err := h.service.Callback(w, r, code, state)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrStateMismatch):
			// No detail on which side was wrong.
			http.Error(w, "state mismatch", http.StatusBadRequest)
		case errors.Is(err, session.ErrBadCallback):
			http.Error(w, "invalid request", http.StatusBadRequest)
		default:
			slog.Error("callback failed", "error", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		}
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// Refresh rotates the session cookies from the refresh_token cookie.
func (h *Handle) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, err := h.service.Refresh(w, r)
	if err != nil {
		slog.Warn("refresh failed", "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	render.JSON(w, r, map[string]string{
		"status": "refreshed",
		"sub":    claims.Subject,
	})
}

// Logout revokes tokens best-effort, clears cookies and redirects.
func (h *Handle) Logout(w http.ResponseWriter, r *http.Request) {
	target := h.service.Logout(w, r)
	http.Redirect(w, r, target, http.StatusFound)
}

// Me returns the resolved claims of the current session.
func (h *Handle) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	render.JSON(w, r, claims)
}

// User returns the local directory record for the current session's
// identity.
func (h *Handle) User(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	user, err := h.service.LocalUser(r.Context(), claims)
	if err != nil {
		slog.Error("failed to load local user", "sub", claims.Subject, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	render.JSON(w, r, user)
}

// Middleware resolves claims for the request via the bearer -> cookie ->
// refresh fallback chain and stores them in the context. Failures get a
// generic 401; the detail is only logged.
func (h *Handle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.service.Resolve(w, r)
		if err != nil {
			slog.Debug("request authentication failed", "error", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole wraps Middleware-protected routes with a role-membership
// check.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || !claims.HasRole(role) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
