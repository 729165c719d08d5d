// Package main is the entrypoint for the ImagePod dispatch server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/imagepod/internal/api"
	"github.com/kiranshivaraju/imagepod/internal/api/handler"
	mw "github.com/kiranshivaraju/imagepod/internal/api/middleware"
	"github.com/kiranshivaraju/imagepod/internal/api/response"
	"github.com/kiranshivaraju/imagepod/internal/cache"
	"github.com/kiranshivaraju/imagepod/internal/config"
	"github.com/kiranshivaraju/imagepod/internal/dispatch"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/kiranshivaraju/imagepod/internal/reaper"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	// writeSlack is added to the long-poll ceiling for the server WriteTimeout.
	writeSlack = 15 * time.Second
)

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
	logger := slog.Default()

	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Store.Backend,
		"notify", cfg.Notify.Backend,
		"longpoll_max_wait", cfg.Notify.MaxWait.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store
	st, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 4. Metrics and notification transport
	m := metrics.New()
	transport := notify.New(ctx, cfg.Notify.Backend, notify.Deps{
		Redis:   redisCache.Client(),
		Pool:    pool,
		Logger:  logger,
		Metrics: m,
	})

	// 5. Services
	gateway := dispatch.NewGateway(st, transport, m, logger)
	poller := dispatch.NewPoller(st, transport, redisCache, cfg.Notify.MaxWait, cfg.Executor.HeartbeatInterval, m, logger)
	lifecycle := dispatch.NewLifecycle(st, transport, m, logger)
	jobReaper := reaper.New(st, cfg.Reaper.JobMaxRuntime, cfg.Reaper.Interval, m, logger)

	// 6. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Logger:    logger,
		Metrics:   m,
		Auth:      mw.NewAuth(st, logger),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute, logger),

		HealthHandler: healthHandler(st, redisCache),

		SubmitJob:      handler.NewSubmitJobHandler(gateway),
		GetJob:         handler.NewGetJobHandler(gateway),
		CancelJob:      handler.NewCancelJobHandler(lifecycle),
		DeployEndpoint: handler.NewDeployEndpointHandler(gateway),
		AddExecutor:    handler.NewAddExecutorHandler(lifecycle),

		PollUpdates:      handler.NewPollHandler(poller),
		UpdateJob:        handler.NewJobUpdateHandler(lifecycle),
		UpdateEndpoint:   handler.NewEndpointStatusHandler(lifecycle),
		RegisterExecutor: handler.NewRegisterHandler(lifecycle),
		ListEndpoints:    handler.NewListEndpointsHandler(poller),
	})

	// 7. Start HTTP server alongside the background workers
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Notify.MaxWait + writeSlack,
		IdleTimeout:  90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Run(gctx)
	})
	g.Go(func() error {
		return jobReaper.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout. Held long-polls are released when
		// the transport stops, so this does not wait out MaxWait.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured store. The pool is nil for the memory
// backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *pgxpool.Pool, error) {
	if cfg.Store.Backend == config.StoreBackendMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool, nil
}

// pinger is satisfied by both store.Store and cache.Cache.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(s, c pinger) http.HandlerFunc {
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
