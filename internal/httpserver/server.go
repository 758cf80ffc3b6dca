package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opswatch/pkg/cluster"
)

// Server exposes the process's health/metrics surface. It carries no admin
// API: the coordination engine has no web UI, only the health/readiness/metrics
// trio every long-running service in this stack exposes plus a read-only
// cluster status snapshot.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	Cluster   *cluster.Coordinator
	startedAt time.Time
}

// NewServer builds the health/metrics HTTP surface. cluster may be nil
// (e.g. during migrate/seed runs, which never start this server).
func NewServer(logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, coord *cluster.Coordinator, metricsPath string) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		Cluster:   coord,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/cluster", s.handleClusterStatus)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s.Router.Handle(metricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleClusterStatus returns the node/leader/lock snapshot used for
// operational visibility. It is read-only: there is no write surface here.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.Cluster == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "unavailable"})
		return
	}

	status, err := s.Cluster.Status(r.Context())
	if err != nil {
		s.Logger.Error("cluster status query failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "cluster status unavailable")
		return
	}

	Respond(w, http.StatusOK, status)
}
