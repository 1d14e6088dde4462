// Package main is the entrypoint for the packwatch API server.
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

	"github.com/joho/godotenv"

	"github.com/vigilsec/packwatch/internal/api"
	"github.com/vigilsec/packwatch/internal/api/handler"
	mw "github.com/vigilsec/packwatch/internal/api/middleware"
	"github.com/vigilsec/packwatch/internal/api/response"
	"github.com/vigilsec/packwatch/internal/cache"
	"github.com/vigilsec/packwatch/internal/config"
	"github.com/vigilsec/packwatch/internal/mailer"
	"github.com/vigilsec/packwatch/internal/pypi"
	"github.com/vigilsec/packwatch/internal/report"
	"github.com/vigilsec/packwatch/internal/rules"
	"github.com/vigilsec/packwatch/internal/scans"
	"github.com/vigilsec/packwatch/internal/scheduler"
	"github.com/vigilsec/packwatch/internal/store"
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
	// 1. Load config — fail fast on invalid config
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "job_timeout", cfg.Scan.JobTimeout.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and domain services
	pgStore := store.NewPostgresStore(pool)

	fetcher := rules.NewFetcher(cfg.Rules.GitHubToken, cfg.Rules.RepoOwner, cfg.Rules.RepoName, cfg.Rules.Ref)
	if snap, err := fetcher.Refresh(ctx); err != nil {
		// Jobs cannot be assigned until a refresh succeeds; the loop below
		// keeps retrying, so a flaky GitHub does not block startup.
		slog.Warn("initial rules fetch failed", "error", err)
	} else {
		slog.Info("rules fetched", "commit", snap.Commit, "rule_count", len(snap.Rules))
	}
	go refreshRulesLoop(ctx, fetcher, pgStore, cfg.Rules.RefreshInterval)

	index := pypi.NewHTTPClient(cfg.PyPI.BaseURL, cfg.PyPI.Timeout, redisCache, cfg.PyPI.CacheTTL, slog.Default())

	var reportMailer mailer.Mailer
	if cfg.Mail.Endpoint != "" {
		reportMailer = mailer.NewRelayMailer(cfg.Mail.Endpoint, cfg.Mail.Token, cfg.Mail.Recipient, cfg.Mail.Timeout)
		slog.Info("mail relay configured", "recipient", cfg.Mail.Recipient)
	} else {
		reportMailer = mailer.NewLogMailer(slog.Default())
		slog.Warn("no mail relay configured, reports will only be logged")
	}

	scanService := scans.NewService(pgStore, index, slog.Default())
	jobScheduler := scheduler.New(pgStore, fetcher, cfg.Scan.JobTimeout, slog.Default())
	reportValidator := report.NewValidator(pgStore, slog.Default())

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Scan.RequestsPerMin),

		HealthHandler: healthHandler(pgStore, redisCache),

		JobsHandler:    handler.NewJobsHandler(jobScheduler),
		EnqueueHandler: handler.NewEnqueueHandler(scanService),
		ResultHandler:  handler.NewResultHandler(scanService),
		LookupHandler:  handler.NewLookupHandler(scanService),
		ReportHandler:  handler.NewReportHandler(reportValidator, reportMailer),

		GetRulesHandler:     handler.NewGetRulesHandler(fetcher),
		RefreshRulesHandler: handler.NewRefreshRulesHandler(fetcher, pgStore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
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

	slog.Info("server stopped gracefully")
	return nil
}

// refreshRulesLoop re-fetches the rule set on an interval and registers the
// rule names so lookups can resolve matches even before any worker reports
// them.
func refreshRulesLoop(ctx context.Context, fetcher *rules.Fetcher, st store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := fetcher.Refresh(ctx)
		if err != nil {
			slog.Error("rules refresh failed", "error", err)
			continue
		}
		if err := st.UpsertRules(ctx, snap.Names()); err != nil {
			slog.Error("rules registry update failed", "error", err)
			continue
		}
		slog.Info("rules refreshed", "commit", snap.Commit, "rule_count", len(snap.Rules))
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
