// Package main is the entrypoint for the gemstudio API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/gemstudio/internal/api"
	"github.com/kiranshivaraju/gemstudio/internal/api/handler"
	mw "github.com/kiranshivaraju/gemstudio/internal/api/middleware"
	"github.com/kiranshivaraju/gemstudio/internal/cache"
	"github.com/kiranshivaraju/gemstudio/internal/config"
	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/store"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "default_model", cfg.Gemini.DefaultModel, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Migrate and connect to the database
	pgStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pgStore.Close()
	slog.Info("database connected and migrated")

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Upstream client and studio service
	client := gemini.NewHTTPClient(cfg.Gemini)
	svc := studio.New(client, pgStore, redisCache, studio.NewCacheLocker(redisCache, cfg.Poll.LockTTL), studio.Options{
		DefaultModel:     cfg.Gemini.DefaultModel,
		PollInterval:     cfg.Poll.Interval,
		FilePollInterval: cfg.Poll.FileInterval,
	})
	defer svc.Close()

	if cfg.Server.BootstrapKey != "" {
		if err := ensureBootstrapKey(ctx, pgStore, cfg.Server.BootstrapKey); err != nil {
			return fmt.Errorf("bootstrap key: %w", err)
		}
	}

	// 5. Pick up jobs left pending by a previous run
	resumed, err := svc.ResumePending(ctx)
	if err != nil {
		return fmt.Errorf("resume pending jobs: %w", err)
	}
	slog.Info("pending jobs resumed", "count", resumed)

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),
		Studio:        svc,
		Keys:          pgStore,
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server. Long generate and wait calls need a generous
	// write timeout.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.Gemini.RequestTimeout + 6*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// Pollers stop here; their jobs stay pending for the next start.
	svc.Close()

	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapStore is the slice of store.Store the bootstrap key needs.
type bootstrapStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// ensureBootstrapKey creates an admin key for raw in the default tenant
// unless one already exists.
func ensureBootstrapKey(ctx context.Context, s bootstrapStore, raw string) error {
	if len(raw) < mw.KeyPrefixLen {
		return fmt.Errorf("bootstrap key must be at least %d characters", mw.KeyPrefixLen)
	}

	existing, err := s.GetAPIKeyByPrefix(ctx, raw[:mw.KeyPrefixLen])
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			return nil
		}
	}

	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return fmt.Errorf("default tenant: %w", err)
	}
	key, _, err := handler.NewAPIKey(tenant.ID, "bootstrap", raw, []string{models.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	slog.Info("bootstrap admin key created", "key_prefix", key.KeyPrefix)
	return nil
}
