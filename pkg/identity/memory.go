package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a map-backed Repository for tests and for running
// the gateway without a database.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*User)}
}

func (r *MemoryRepository) FindBySubject(_ context.Context, issuer, subject string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[IdentityKey(issuer, subject)]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (r *MemoryRepository) UpsertUser(_ context.Context, issuer, subject, username, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	key := IdentityKey(issuer, subject)

	if existing, ok := r.users[key]; ok {
		existing.Username = username
		existing.Email = email
		existing.UpdatedAt = now
		copied := *existing
		return &copied, nil
	}

	user := &User{
		ID:         uuid.New(),
		IdpIssuer:  issuer,
		IdpSubject: subject,
		Username:   username,
		Email:      email,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.users[key] = user
	copied := *user
	return &copied, nil
}

func (r *MemoryRepository) DeleteBySubject(_ context.Context, issuer, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.users, IdentityKey(issuer, subject))
	return nil
}

func (r *MemoryRepository) GetAllUsers(_ context.Context) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(r.users))
	for _, user := range r.users {
		copied := *user
		users = append(users, &copied)
	}
	return users, nil
}

// Count returns the number of stored users.
func (r *MemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
