package httpserver

import (
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

	"github.com/artcafe/pubsub-gateway/internal/config"
)

// Server is the ambient HTTP surface fronting the gateway: health checks,
// metrics, and a mount point for the WebSocket upgrade routes. The gateway
// never serves the tenant/user/invoice CRUD surface; that lives in a
// separate HTTP plane and talks to the same tenant store.
type Server struct {
	Router    *chi.Mux
	WSRouter  chi.Router // mount point for /ws/* upgrade handlers
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with ambient middleware, health/ready/metrics
// endpoints, and a /ws mount point. WebSocket handlers are attached to
// WSRouter by the caller once the gateway's component graph is wired up.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/ws", func(r chi.Router) {
		s.WSRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the tenant store and the registry/backbone
// transport are reachable. A connection manager should stop accepting new
// WebSocket upgrades while this reports unavailable, since admission
// depends on both (spec.md §9: RegistryUnavailable, BridgeUnavailable).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	var checks []checkResult
	allOK := true

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: tenant store ping failed", "error", err)
		checks = append(checks, checkResult{Name: "tenant_store", Status: "fail", Error: err.Error()})
		allOK = false
	} else {
		checks = append(checks, checkResult{Name: "tenant_store", Status: "ok"})
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: registry/backbone ping failed", "error", err)
		checks = append(checks, checkResult{Name: "registry", Status: "fail", Error: err.Error()})
		allOK = false
	} else {
		checks = append(checks, checkResult{Name: "registry", Status: "ok"})
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	TenantStore     string  `json:"tenant_store"`
	TenantStoreMs   float64 `json:"tenant_store_latency_ms"`
	Registry        string  `json:"registry"`
	RegistryLatency float64 `json:"registry_latency_ms"`
}

// HandleStatus reports process uptime and dependency latency, independent
// of the boolean-only /readyz check used by orchestrators.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	dbStart := time.Now()
	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: tenant store ping failed", "error", err)
		resp.TenantStore = "error"
	} else {
		resp.TenantStore = "ok"
	}
	resp.TenantStoreMs = msSince(dbStart)

	redisStart := time.Now()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: registry ping failed", "error", err)
		resp.Registry = "error"
	} else {
		resp.Registry = "ok"
	}
	resp.RegistryLatency = msSince(redisStart)

	if resp.TenantStore == "ok" && resp.Registry == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
