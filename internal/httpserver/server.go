package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/langbridge/edge-gateway/internal/config"
)

// Server owns the global middleware chain, the health and metrics endpoints,
// and the router domain handlers mount onto.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
	DB     *pgxpool.Pool
	Redis  *redis.Client

	bootTime time.Time
}

// NewServer builds the router and global middleware. Domain route trees are
// mounted by the caller via Router.Route after construction.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		Logger:   logger,
		DB:       db,
		Redis:    rdb,
		bootTime: time.Now(),
	}

	s.Router.Use(
		RequestID,
		Logger(logger),
		Metrics,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Control-Plane-Key"},
			MaxAge:         300,
		}),
	)

	s.Router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// handleReadyz round-trips both backing stores; the lease index is unusable
// without Redis and every durable transition needs Postgres, so readiness
// requires both.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"database", func(ctx context.Context) error { return s.DB.Ping(ctx) }},
		{"redis", func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() }},
	}
	for _, c := range checks {
		if err := c.ping(ctx); err != nil {
			Respond(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": c.name})
			return
		}
	}

	Respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.bootTime).Seconds()),
	})
}
