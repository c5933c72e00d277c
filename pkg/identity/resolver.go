package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheTTL bounds how long a cached user record is served
	// without consulting the repository.
	DefaultCacheTTL = 600 * time.Second

	// DefaultCacheSize caps the number of cached identities; least
	// recently used entries are evicted beyond it.
	DefaultCacheSize = 10000
)

// Resolver maps (issuer, subject) identities to local user records,
// fronting the repository with an expiring LRU cache. Cached values are
// immutable snapshots; callers must not mutate returned users. All
// operations are safe for unbounded concurrent use; a find racing an
// upsert for the same key observes either the pre- or post-upsert value.
type Resolver struct {
	repo  Repository
	cache *expirable.LRU[string, *User]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverSettings)

type resolverSettings struct {
	ttl  time.Duration
	size int
}

// WithCacheTTL overrides the cache entry TTL.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(s *resolverSettings) {
		s.ttl = ttl
	}
}

// WithCacheSize overrides the maximum cache entry count.
func WithCacheSize(size int) ResolverOption {
	return func(s *resolverSettings) {
		s.size = size
	}
}

// NewResolver creates a resolver over the given repository.
func NewResolver(repo Repository, opts ...ResolverOption) *Resolver {
	settings := resolverSettings{ttl: DefaultCacheTTL, size: DefaultCacheSize}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Resolver{
		repo:  repo,
		cache: expirable.NewLRU[string, *User](settings.size, nil, settings.ttl),
	}
}

// FindByIdentity returns the local user for an IdP identity, consulting
// the cache first. A repository miss returns (nil, nil) and is not cached.
func (r *Resolver) FindByIdentity(ctx context.Context, issuer, subject string) (*User, error) {
	key := IdentityKey(issuer, subject)
	if user, ok := r.cache.Get(key); ok {
		return user, nil
	}

	user, err := r.repo.FindBySubject(ctx, issuer, subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	r.cache.Add(key, user)
	return user, nil
}

// UpsertFromClaims persists the identity through the repository upsert and
// replaces any cached entry with the stored result.
func (r *Resolver) UpsertFromClaims(ctx context.Context, issuer, subject, username, email string) (*User, error) {
	user, err := r.repo.UpsertUser(ctx, issuer, subject, username, email)
	if err != nil {
		return nil, err
	}

	r.cache.Add(IdentityKey(user.IdpIssuer, user.IdpSubject), user)
	return user, nil
}

// Remove invalidates the cache entry and deletes the user from the
// repository. Used only by the directory sync engine for orphan removal.
func (r *Resolver) Remove(ctx context.Context, issuer, subject string) error {
	r.cache.Remove(IdentityKey(issuer, subject))
	return r.repo.DeleteBySubject(ctx, issuer, subject)
}

// RefreshCache drops all cached entries and repopulates from a full
// repository scan.
func (r *Resolver) RefreshCache(ctx context.Context) error {
	r.cache.Purge()

	users, err := r.repo.GetAllUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		r.cache.Add(IdentityKey(user.IdpIssuer, user.IdpSubject), user)
	}

	slog.Debug("identity cache refreshed", "entries", r.cache.Len())
	return nil
}

// AllUsers returns the full directory from the repository, bypassing the
// cache. Used by the sync engine for orphan diffing.
func (r *Resolver) AllUsers(ctx context.Context) ([]*User, error) {
	return r.repo.GetAllUsers(ctx)
}

// CacheLen returns the number of cached identities.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
