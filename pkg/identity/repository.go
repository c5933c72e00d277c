package identity

import "context"

// Repository is the persistence contract for the local user directory.
// "Not found" is (nil, nil), never an error.
type Repository interface {
	// FindBySubject looks up a user by its IdP identity.
	FindBySubject(ctx context.Context, issuer, subject string) (*User, error)

	// UpsertUser inserts or updates the user keyed by (issuer, subject),
	// refreshing username, email and updated_at, and returns the stored row.
	UpsertUser(ctx context.Context, issuer, subject, username, email string) (*User, error)

	// DeleteBySubject removes a user by its IdP identity. Deleting an
	// absent user is not an error.
	DeleteBySubject(ctx context.Context, issuer, subject string) error

	// GetAllUsers returns every user in the directory.
	GetAllUsers(ctx context.Context) ([]*User, error)
}
