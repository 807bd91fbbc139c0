// Package app wires every domain package into the two run modes a gatewayd
// process can take: "gateway" (the WebSocket + HTTP connection manager) and
// "sweeper" (a standalone heartbeat monitor worker, for a deployment that
// wants presence cleanup decoupled from the connection-handling fleet).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/artcafe/pubsub-gateway/internal/config"
	"github.com/artcafe/pubsub-gateway/internal/httpserver"
	"github.com/artcafe/pubsub-gateway/internal/platform"
	"github.com/artcafe/pubsub-gateway/internal/telemetry"
	"github.com/artcafe/pubsub-gateway/pkg/backbone"
	"github.com/artcafe/pubsub-gateway/pkg/credential"
	"github.com/artcafe/pubsub-gateway/pkg/gateway"
	"github.com/artcafe/pubsub-gateway/pkg/presence"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
	"github.com/artcafe/pubsub-gateway/pkg/router"
	"github.com/artcafe/pubsub-gateway/pkg/tenantquota"
)

// Run reads config, connects to infrastructure, and starts the run mode
// named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gatewayd", "mode", cfg.Mode, "node_id", cfg.NodeID, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to tenant store: %w", err)
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

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "gateway":
		return runGateway(ctx, cfg, logger, db, rdb, metricsReg)
	case "sweeper":
		return runSweeper(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// wireDomain builds every domain package (C2 through C7) shared by both run
// modes, so the sweeper's presence monitor and the gateway's connection
// manager always see the same registry/bridge/oracle wiring.
type domain struct {
	agentVerifier     *credential.AgentVerifier
	dashboardVerifier *credential.DashboardVerifier
	oracle            *tenantquota.Oracle
	registry          registry.Registry
	bridge            backbone.Bridge
	router            *router.Router
	monitor           *presence.Monitor
}

func wireDomain(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) *domain {
	reg := registry.NewRedisRegistry(rdb)
	bridge := backbone.NewRedisBridge(rdb, cfg.BackboneReconnectInterval, logger)
	rtr := router.New(bridge, reg)

	tenantStore := tenantquota.NewPostgresStore(db)
	usageSink := tenantquota.NewPostgresUsageSink(db, logger)
	connGauge := func(ctx context.Context, tenantID string) (int64, error) {
		return reg.CountByTenant(ctx, tenantID, "")
	}
	oracle := tenantquota.NewOracle(tenantStore, rdb, cfg.TenantCacheTTL, usageSink, connGauge)

	keys := credential.NewPostgresKeyStore(db)
	challenges := credential.NewRedisChallengeStore(rdb)
	agentVerifier := credential.NewAgentVerifier(keys, challenges)
	dashboardVerifier := credential.NewDashboardVerifier(cfg.DashboardHMACSecret, cfg.JWKSURL, cfg.JWKSCacheTTL, cfg.TokenIssuer, cfg.TokenAudience)

	statusSink := presence.NewPostgresStatusSink(db)
	monitor := presence.NewMonitor(reg, bridge, statusSink, logger, cfg.CleanupInterval, cfg.HeartbeatTimeout, cfg.ConnectionTTL)

	return &domain{
		agentVerifier:     agentVerifier,
		dashboardVerifier: dashboardVerifier,
		oracle:            oracle,
		registry:          reg,
		bridge:            bridge,
		router:            rtr,
		monitor:           monitor,
	}
}

// runGateway starts the WebSocket connection manager (C8) and its ambient
// HTTP surface: control flow per spec.md §2 — C8 uses C2 on accept,
// records in C4, registers a local fan-out entry in C7, opens backbone
// subscriptions via C6 for requested subjects (validated by C1 and C3),
// and runs C5 alongside to evict stale entries and inform C8.
func runGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	d := wireDomain(cfg, logger, db, rdb)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if bridge, ok := d.bridge.(*backbone.RedisBridge); ok {
		if err := bridge.Connect(connectCtx); err != nil {
			return fmt.Errorf("connecting backbone bridge: %w", err)
		}
	}

	if err := d.monitor.SubscribePresenceChannel(ctx); err != nil {
		logger.Error("subscribing to out-of-band presence channel", "error", err)
	}

	go func() {
		if err := d.monitor.Run(ctx); err != nil {
			logger.Error("heartbeat monitor stopped", "error", err)
		}
	}()

	if bridge, ok := d.bridge.(*backbone.RedisBridge); ok {
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("backbone connectivity watcher stopped", "error", err)
			}
		}()
	}

	mgr := gateway.NewManager(cfg.NodeID, logger)
	mgr.AgentVerifier = d.agentVerifier
	mgr.DashboardVerifier = d.dashboardVerifier
	mgr.Oracle = d.oracle
	mgr.Registry = d.registry
	mgr.Router = d.router
	mgr.Bridge = d.bridge
	mgr.Presence = d.monitor
	mgr.HeartbeatTimeout = cfg.HeartbeatTimeout
	mgr.ConnectionTTL = cfg.ConnectionTTL
	mgr.PublishTimeout = cfg.PublishTimeout
	mgr.RegistryTimeout = cfg.RegistryTimeout

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	mgr.Mount(srv.WSRouter, gateway.AllowedOrigins(cfg.CORSAllowedOrigins))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived; writes are bounded per-frame instead.
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return d.bridge.Close()
	case err := <-errCh:
		return err
	}
}

// runSweeper starts only the heartbeat monitor (C5), for a deployment that
// wants presence cleanup on its own process separate from the
// connection-handling fleet.
func runSweeper(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	d := wireDomain(cfg, logger, db, rdb)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if bridge, ok := d.bridge.(*backbone.RedisBridge); ok {
		if err := bridge.Connect(connectCtx); err != nil {
			return fmt.Errorf("connecting backbone bridge: %w", err)
		}
	}

	logger.Info("sweeper started", "cleanup_interval", cfg.CleanupInterval, "heartbeat_timeout", cfg.HeartbeatTimeout)
	return d.monitor.Run(ctx)
}
