// Package app wires together configuration, infrastructure connections, and
// every domain package into the two run modes the binary supports: api (HTTP
// control plane) and worker (dead-letter sweep).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/langbridge/edge-gateway/internal/config"
	"github.com/langbridge/edge-gateway/internal/httpserver"
	"github.com/langbridge/edge-gateway/internal/platform"
	"github.com/langbridge/edge-gateway/internal/telemetry"
	"github.com/langbridge/edge-gateway/pkg/dispatch"
	"github.com/langbridge/edge-gateway/pkg/edgetask"
	"github.com/langbridge/edge-gateway/pkg/fanout"
	"github.com/langbridge/edge-gateway/pkg/runtimeregistry"
	"github.com/langbridge/edge-gateway/pkg/token"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting edge-gateway", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	taskStore := edgetask.NewTaskStore(db)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb)
	case "worker":
		return runWorker(ctx, logger, taskStore, cfg.DeadLetterSweepSchedule)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI builds every domain service and mounts the full HTTP surface:
// control-plane token/instance routes, the public
// registration route, runtime-bearer heartbeat/capabilities/edge-task
// routes, and the internal dispatch hand-off.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	tokens, err := token.NewService(cfg.JWTSigningSecret(), cfg.JWTAlg, time.Duration(cfg.EdgeRuntimeTokenTTLSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	registryStore := runtimeregistry.NewStore(db)
	regTTL := time.Duration(cfg.EdgeRuntimeRegistrationTokenTTLMinutes) * time.Minute
	registry := runtimeregistry.NewService(registryStore, tokens, logger, regTTL)
	registryHandler := runtimeregistry.NewHandler(logger, registry)

	taskStore := edgetask.NewTaskStore(db)
	leaseIndex := edgetask.NewLeaseIndex(rdb, cfg.EdgeRedisPrefix)
	if err := leaseIndex.Rebuild(ctx, taskStore); err != nil {
		return fmt.Errorf("rebuilding lease index: %w", err)
	}
	logger.Info("lease index rebuilt from task store")
	receipts := edgetask.NewReceiptStore(db)
	resultFanout := fanout.NewResultFanout(rdb)
	gateway := edgetask.NewTaskGateway(taskStore, leaseIndex, receipts, resultFanout, logger)
	taskHandler := edgetask.NewHandler(logger, gateway, cfg.EdgeVisibilityTimeoutSeconds, cfg.EdgeRetryDelaySeconds)

	router := dispatch.NewExecutionRouter(db, logger, cfg.DefaultExecutionMode)
	outbox := dispatch.NewPostgresOutboxWriter(db)
	dispatcher := dispatch.NewTaskDispatcher(router, registry, gateway, outbox)
	dispatchHandler := dispatch.NewHandler(logger, dispatcher)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	authMiddleware := token.Middleware(tokens)
	controlPlaneAuth := httpserver.ControlPlaneAuth(cfg.ControlPlaneKey)

	// /runtimes carries three distinct auth tiers (public registration,
	// control-plane token/instance management, runtime-bearer heartbeat and
	// capability updates), so each tier gets its own chi.Group within the
	// shared /runtimes sub-router rather than a separate Mount per tier.
	srv.Router.Route("/runtimes", func(r chi.Router) {
		r.Group(func(gr chi.Router) {
			registryHandler.RegisterPublicRoutes(gr)
		})
		r.Group(func(gr chi.Router) {
			gr.Use(controlPlaneAuth)
			registryHandler.RegisterControlPlaneRoutes(gr)
		})
		r.Group(func(gr chi.Router) {
			gr.Use(authMiddleware)
			registryHandler.RegisterRuntimeRoutes(gr)
		})
	})

	srv.Router.Route("/edge/tasks", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(registryHandler.RequireKnownRuntime)
		taskHandler.RegisterRoutes(r)
	})

	srv.Router.Route("/dispatch", func(r chi.Router) {
		r.Use(controlPlaneAuth)
		dispatchHandler.RegisterRoutes(r)
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second, // pull's long_poll_seconds tops out at 60s
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the background dead-letter sweep loop until ctx is cancelled.
func runWorker(ctx context.Context, logger *slog.Logger, taskStore *edgetask.TaskStore, schedule string) error {
	sweep, err := platform.NewDeadLetterSweep(taskStore, logger, schedule)
	if err != nil {
		return fmt.Errorf("creating dead-letter sweep: %w", err)
	}
	sweep.Start()
	defer sweep.Stop()

	logger.Info("worker started")
	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}
