// Package identity keeps a local user directory synchronized with the IdP
// and resolves validated token claims to local user records through a
// time-bounded cache.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// User is the local identity record. (IdpIssuer, IdpSubject) is the
// natural key; ID is generated locally on first sync. Records are created
// on first claim-sync or by the directory sync engine and only deleted by
// explicit orphan removal.
type User struct {
	ID         uuid.UUID `json:"id"`
	IdpIssuer  string    `json:"idp_issuer"`
	IdpSubject string    `json:"idp_subject"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdentityKey builds the composite cache key for an IdP identity.
func IdentityKey(issuer, subject string) string {
	return issuer + "::" + subject
}
