package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/tendant/oidc-gateway/pkg/directory"
	"github.com/tendant/oidc-gateway/pkg/identity"
	"github.com/tendant/oidc-gateway/pkg/oidc/zitadel"
	"github.com/tendant/oidc-gateway/pkg/session"
	sessionapi "github.com/tendant/oidc-gateway/pkg/session/api"
)

type OidcConfig struct {
	IssuerURL   string `env:"OIDC_ISSUER_URL" env-default:"http://localhost:8080"`
	ClientID    string `env:"OIDC_CLIENT_ID" env-default:""`
	RedirectURL string `env:"OIDC_REDIRECT_URL" env-default:"http://localhost:4000/auth/callback"`
	Scopes      string `env:"OIDC_SCOPES" env-default:"openid profile email offline_access"`
	// AdminToken is an optional service-account token enabling directory
	// sync against the IdP's user listing API.
	AdminToken string `env:"OIDC_ADMIN_TOKEN" env-default:""`
}

type DbConfig struct {
	Host     string `env:"GATEWAY_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"GATEWAY_PG_PORT" env-default:"5432"`
	Database string `env:"GATEWAY_PG_DATABASE" env-default:"gateway_db"`
	User     string `env:"GATEWAY_PG_USER" env-default:"gateway"`
	Password string `env:"GATEWAY_PG_PASSWORD" env-default:"pwd"`
	InMemory bool   `env:"GATEWAY_IN_MEMORY_STORE" env-default:"false"`
}

func (d DbConfig) toDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type SyncConfig struct {
	Interval      time.Duration `env:"SYNC_INTERVAL" env-default:"24h"`
	RemoveOrphans bool          `env:"SYNC_REMOVE_ORPHANS" env-default:"false"`
}

type Config struct {
	Oidc        OidcConfig
	Db          DbConfig
	Sync        SyncConfig
	Host        string `env:"GATEWAY_HOST" env-default:"localhost"`
	Port        uint16 `env:"GATEWAY_PORT" env-default:"4000"`
	FrontendURL string `env:"FRONTEND_URL" env-default:"http://localhost:5173"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`
}

func (c Config) isProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func main() {
	godotenv.Load()

	config := Config{}
	if err := cleanenv.ReadEnv(&config); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	}

	// The IdP may come up after the gateway in co-deployed environments,
	// so retry discovery with a fixed backoff instead of failing fast.
	var provider *zitadel.Provider
	err := backoff.Retry(func() error {
		var err error
		provider, err = zitadel.NewProvider(ctx, httpClient, zitadel.Config{
			IssuerURL:   config.Oidc.IssuerURL,
			ClientID:    config.Oidc.ClientID,
			RedirectURL: config.Oidc.RedirectURL,
			Scopes:      config.Oidc.Scopes,
		})
		if err != nil {
			slog.Warn("identity provider not ready, retrying", "issuer", config.Oidc.IssuerURL, "error", err)
		}
		return err
	}, backoff.WithContext(backoff.NewConstantBackOff(5*time.Second), ctx))
	if err != nil {
		slog.Error("giving up waiting for identity provider", "error", err)
		os.Exit(1)
	}
	slog.Info("discovered identity provider", "issuer", provider.Discovery().Issuer)

	var repo identity.Repository
	if config.Db.InMemory {
		slog.Warn("using in-memory user store, data will not survive restarts")
		repo = identity.NewMemoryRepository()
	} else {
		pool, err := pgxpool.New(ctx, config.Db.toDatabaseURL())
		if err != nil {
			slog.Error("failed to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgRepo := identity.NewPostgresRepository(pool)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		repo = pgRepo
	}

	resolver := identity.NewResolver(repo)

	sessionService := session.NewService(provider, resolver,
		session.WithCookieSetter(session.NewCookieSetter(config.isProduction())),
		session.WithFrontendURL(config.FrontendURL),
	)

	syncOpts := []directory.SyncOption{
		directory.WithInterval(config.Sync.Interval),
		directory.WithOrphanRemoval(config.Sync.RemoveOrphans),
	}
	if config.Oidc.AdminToken != "" {
		admin, err := zitadel.NewAdminClient(httpClient, config.Oidc.IssuerURL, config.Oidc.AdminToken)
		if err != nil {
			slog.Error("failed to create admin client", "error", err)
			os.Exit(1)
		}
		syncOpts = append(syncOpts, directory.WithAdminAPI(admin))
	}
	syncService := directory.NewSyncService(resolver, provider.Discovery().Issuer, syncOpts...)
	go syncService.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/auth", sessionapi.NewHandle(sessionService).Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler: r,
	}

	go func() {
		slog.Info("starting auth gateway", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	slog.Info("auth gateway stopped")
}
