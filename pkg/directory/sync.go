// Package directory reconciles the local user store against the IdP's
// administrative user listing on a fixed schedule.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/oidc-gateway/pkg/identity"
	"github.com/tendant/oidc-gateway/pkg/oidc"
)

// DefaultInterval is the time between scheduled sync runs.
const DefaultInterval = 24 * time.Hour

// Stats summarizes one sync run.
type Stats struct {
	Synced  int
	Skipped int
	Errors  int
	Deleted int
}

// SyncService drives directory synchronization. When no admin API is
// configured it degrades to refreshing the identity cache from the local
// repository.
type SyncService struct {
	resolver *identity.Resolver
	issuer   string

	admin         oidc.AdminAPI
	interval      time.Duration
	removeOrphans bool
}

// SyncOption configures a SyncService.
type SyncOption func(*SyncService)

// WithAdminAPI enables IdP-backed synchronization.
func WithAdminAPI(admin oidc.AdminAPI) SyncOption {
	return func(s *SyncService) {
		s.admin = admin
	}
}

// WithInterval overrides the sync interval.
func WithInterval(interval time.Duration) SyncOption {
	return func(s *SyncService) {
		s.interval = interval
	}
}

// WithOrphanRemoval enables deletion of local users that no longer exist
// in the IdP directory. Destructive; off by default.
func WithOrphanRemoval(enabled bool) SyncOption {
	return func(s *SyncService) {
		s.removeOrphans = enabled
	}
}

// NewSyncService creates a sync service for the configured issuer.
func NewSyncService(resolver *identity.Resolver, issuer string, opts ...SyncOption) *SyncService {
	s := &SyncService{
		resolver: resolver,
		issuer:   issuer,
		interval: DefaultInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start runs one sync immediately, then on every interval tick until ctx
// is cancelled. The immediate run replaces the tick at t=0; the ticker's
// first fire is at t=interval.
func (s *SyncService) Start(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil {
		slog.Error("startup directory sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				slog.Error("directory sync failed", "error", err)
			}
		}
	}
}

// Run performs one synchronization pass. Per-user failures are logged and
// counted without aborting the run; only a total failure (admin API
// unreachable) is returned as an error.
func (s *SyncService) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if s.admin == nil {
		slog.Info("no admin API configured, refreshing identity cache from repository")
		if err := s.resolver.RefreshCache(ctx); err != nil {
			return stats, fmt.Errorf("refresh identity cache: %w", err)
		}
		return stats, nil
	}

	slog.Info("starting directory sync", "issuer", s.issuer)

	remote, err := s.admin.FetchAllUsers(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch user directory: %w", err)
	}

	for _, user := range remote {
		if user.Email == "" {
			slog.Warn("skipping directory user without email", "subject", user.Subject)
			stats.Skipped++
			continue
		}

		username := user.Username
		if username == "" {
			username = user.Subject
		}

		if _, err := s.resolver.UpsertFromClaims(ctx, s.issuer, user.Subject, username, user.Email); err != nil {
			slog.Error("failed to sync directory user", "subject", user.Subject, "error", err)
			stats.Errors++
			continue
		}
		stats.Synced++
	}

	if s.removeOrphans {
		s.deleteOrphans(ctx, remote, &stats)
	}

	slog.Info("directory sync completed",
		"synced", stats.Synced,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"deleted", stats.Deleted,
		"cacheEntries", s.resolver.CacheLen())

	return stats, nil
}

// deleteOrphans removes local users for the configured issuer whose
// subject no longer appears in the remote directory.
func (s *SyncService) deleteOrphans(ctx context.Context, remote []oidc.DirectoryUser, stats *Stats) {
	remoteSubjects := make(map[string]struct{}, len(remote))
	for _, user := range remote {
		remoteSubjects[user.Subject] = struct{}{}
	}

	local, err := s.resolver.AllUsers(ctx)
	if err != nil {
		slog.Error("failed to list local users for orphan removal", "error", err)
		stats.Errors++
		return
	}

	for _, user := range local {
		if user.IdpIssuer != s.issuer {
			continue
		}
		if _, ok := remoteSubjects[user.IdpSubject]; ok {
			continue
		}

		slog.Warn("removing orphaned user", "subject", user.IdpSubject, "username", user.Username)
		if err := s.resolver.Remove(ctx, user.IdpIssuer, user.IdpSubject); err != nil {
			slog.Error("failed to remove orphaned user", "subject", user.IdpSubject, "error", err)
			stats.Errors++
			continue
		}
		stats.Deleted++
	}
}
