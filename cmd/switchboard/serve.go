package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/switchboard-systems/switchboard/internal/config"
	"github.com/switchboard-systems/switchboard/internal/connectors"
	"github.com/switchboard-systems/switchboard/internal/dispatch"
	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/handlers"
	"github.com/switchboard-systems/switchboard/internal/logging"
	natsclient "github.com/switchboard-systems/switchboard/internal/messaging/nats"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/middleware"
	"github.com/switchboard-systems/switchboard/internal/ratelimit"
	"github.com/switchboard-systems/switchboard/internal/registry"
	"github.com/switchboard-systems/switchboard/internal/repository"
	"github.com/switchboard-systems/switchboard/internal/server"
	"github.com/switchboard-systems/switchboard/internal/triage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	connString := cfg.Database.Postgres.ConnString()

	logger.Info("running database migrations")
	mig, err := migrate.New("file://migrations", connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer repo.Close()

	natsCfg := natsclient.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name
	bus, err := natsclient.NewClient(natsCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer bus.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	limiter, err := ratelimit.NewRedisRateLimiter(
		cfg.Redis.URL, cfg.Redis.RateLimit, cfg.Redis.RateLimitWindow, m, cfg.Redis.Disabled)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	defer limiter.Close()

	events := eventstore.NewService(repo, logger, m)
	triageSvc := triage.NewService(repo, logger, m, cfg.Triage.Enabled)
	affinity := triage.NewAffinityRouter(repo, repo, logger)
	reg := registry.NewService(repo, logger, m, cfg.Registry.QuarantineFactor)
	tracker := connectors.NewTracker(repo, logger, m)
	dispatcher := dispatch.NewDispatcher(repo, reg, events, bus, logger, m,
		cfg.Dispatch.Workers, cfg.NATS.RequestTimeout)

	// Partitions for the current and next month must exist before traffic.
	now := time.Now().UTC()
	if err := events.EnsurePartitions(ctx, now); err != nil {
		return fmt.Errorf("failed to ensure event partitions: %w", err)
	}
	if err := tracker.EnsurePartitions(ctx, now); err != nil {
		return fmt.Errorf("failed to ensure heartbeat partitions: %w", err)
	}

	dispatcher.Start(ctx)
	go dispatcher.RunRecovery(ctx, cfg.Dispatch.RecoveryInterval, cfg.Dispatch.RecoveryGrace, cfg.Dispatch.RecoveryBatch)
	go reg.RunSweeper(ctx, cfg.Registry.SweepInterval)
	go runMaintenance(ctx, cfg.Retention, events, tracker, logger)

	h := handlers.NewHandler(events, triageSvc, affinity, reg, tracker, dispatcher, limiter, bus, logger)
	auth := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.APIKeyHash)
	router := server.NewRouter(h, auth, promReg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("switchboard listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	cancel()
	dispatcher.Wait()
	if err := bus.Drain(); err != nil {
		logger.Warn("failed to drain nats connection", "error", err)
	}

	logger.Info("stopped")
	return nil
}

// runMaintenance keeps monthly partitions ahead of the clock and drops the
// ones past retention for both partitioned tables.
func runMaintenance(ctx context.Context, retention config.RetentionConfig,
	events *eventstore.Service, tracker *connectors.Tracker, logger *logging.Logger) {
	ticker := time.NewTicker(retention.MaintenanceInterval)
	defer ticker.Stop()

	run := func() {
		now := time.Now().UTC()
		if err := events.EnsurePartitions(ctx, now); err != nil {
			logger.ErrorContext(ctx, "event partition maintenance failed", "error", err)
		}
		if dropped, err := events.DropExpiredPartitions(ctx, retention.Events, now); err != nil {
			logger.ErrorContext(ctx, "event partition pruning failed", "error", err)
		} else if dropped > 0 {
			logger.InfoContext(ctx, "dropped expired event partitions", "count", dropped)
		}
		if err := tracker.EnsurePartitions(ctx, now); err != nil {
			logger.ErrorContext(ctx, "heartbeat partition maintenance failed", "error", err)
		}
		if dropped, err := tracker.DropExpiredPartitions(ctx, retention.Heartbeats, now); err != nil {
			logger.ErrorContext(ctx, "heartbeat partition pruning failed", "error", err)
		} else if dropped > 0 {
			logger.InfoContext(ctx, "dropped expired heartbeat partitions", "count", dropped)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
