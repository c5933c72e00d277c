package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/oidc-gateway/pkg/oidc"
)

// Schema creates the users table. Applied by EnsureSchema; deployments
// with their own migration tooling can run it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    idp_issuer TEXT NOT NULL,
    idp_subject TEXT NOT NULL,
    username TEXT NOT NULL,
    email TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (idp_issuer, idp_subject)
);
`

// PostgresRepository stores the user directory in postgres via pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps an existing connection pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema applies the users table schema.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", oidc.ErrStorage, err)
	}
	return nil
}

const userColumns = "id, idp_issuer, idp_subject, username, email, created_at, updated_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.IdpIssuer, &u.IdpSubject, &u.Username, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindBySubject looks up a user by IdP identity. Returns (nil, nil) when
// the user does not exist.
func (r *PostgresRepository) FindBySubject(ctx context.Context, issuer, subject string) (*User, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE idp_issuer = $1 AND idp_subject = $2",
		issuer, subject)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find user: %v", oidc.ErrStorage, err)
	}
	return user, nil
}

// UpsertUser inserts or updates the row keyed by (issuer, subject).
func (r *PostgresRepository) UpsertUser(ctx context.Context, issuer, subject, username, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, idp_issuer, idp_subject, username, email)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idp_issuer, idp_subject)
		DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			updated_at = now()
		RETURNING `+userColumns,
		uuid.New(), issuer, subject, username, email)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert user: %v", oidc.ErrStorage, err)
	}
	return user, nil
}

// DeleteBySubject removes the row keyed by (issuer, subject).
func (r *PostgresRepository) DeleteBySubject(ctx context.Context, issuer, subject string) error {
	_, err := r.pool.Exec(ctx,
		"DELETE FROM users WHERE idp_issuer = $1 AND idp_subject = $2",
		issuer, subject)
	if err != nil {
		return fmt.Errorf("%w: delete user: %v", oidc.ErrStorage, err)
	}
	return nil
}

// GetAllUsers returns the full directory.
func (r *PostgresRepository) GetAllUsers(ctx context.Context) ([]*User, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+userColumns+" FROM users")
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %v", oidc.ErrStorage, err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan user: %v", oidc.ErrStorage, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list users: %v", oidc.ErrStorage, err)
	}
	return users, nil
}
