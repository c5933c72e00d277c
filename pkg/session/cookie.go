package session

import (
	"net/http"
	"time"
)

// Cookie names are part of the wire contract with existing front-ends.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	PkceVerifierCookie = "pkce_verifier"
	OauthStateCookie   = "oauth_state"
)

// CookieSetter interface defines methods for cookie operations
type CookieSetter interface {
	// SetCookie sets a cookie with the given value and expiry
	SetCookie(w http.ResponseWriter, name, value string, expire time.Time) error

	// ClearCookie clears a cookie
	ClearCookie(w http.ResponseWriter, name string) error
}

// BaseCookieSetter provides a base implementation of CookieSetter
type BaseCookieSetter struct {
	Path     string
	HttpOnly bool
	Secure   bool
	SameSite http.SameSite
}

// SetCookie sets a cookie with the given value and expiry
func (c *BaseCookieSetter) SetCookie(w http.ResponseWriter, name, value string, expire time.Time) error {
	cookie := &http.Cookie{
		Name:     name,
		Path:     c.Path,
		Value:    value,
		Expires:  expire,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}

	http.SetCookie(w, cookie)
	return nil
}

// ClearCookie clears a cookie
func (c *BaseCookieSetter) ClearCookie(w http.ResponseWriter, name string) error {
	cookie := &http.Cookie{
		Name:     name,
		Path:     c.Path,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}

	http.SetCookie(w, cookie)
	return nil
}

// NewCookieSetter creates a cookie setter with the gateway's policy:
// HttpOnly, SameSite=Lax, explicit path. secure should be true in
// production environments only.
func NewCookieSetter(secure bool) CookieSetter {
	return &BaseCookieSetter{
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
