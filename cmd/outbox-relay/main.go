// Package main provides the outbox relay service entry point. It publishes
// events written in the order unit of work to Redpanda.
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

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/api/handlers"
	"github.com/vetrx/fulfillment/internal/config"
	"github.com/vetrx/fulfillment/internal/infrastructure/postgres"
	"github.com/vetrx/fulfillment/internal/infrastructure/redpanda"
	"github.com/vetrx/fulfillment/internal/observability/metrics"
	"github.com/vetrx/fulfillment/internal/observability/tracing"
)

const (
	serviceName     = "outbox-relay"
	statsInterval   = 15 * time.Second
	cleanupInterval = time.Hour
	// processed entries are kept for replay investigations
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger(serviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = cfg.ServiceVersion
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:      cfg.DatabaseURL,
		MaxConns: 4,
		MinConns: 1,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.BatchSize = cfg.RelayBatchSize
	relayCfg.PollInterval = cfg.RelayPollInterval
	relayCfg.MaxRetries = cfg.RelayMaxRetries
	relay := postgres.NewRelay(pool, producer, relayCfg, logger)

	m := metrics.New(nil)
	health := handlers.NewHealthHandler(serviceName, cfg.ServiceVersion, nil)
	health.AddCheck("postgres", pool.Ping)
	health.AddCheck("redpanda", func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
	})

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	relay.Start()
	logger.Info("outbox relay started",
		zap.Int("batch_size", relayCfg.BatchSize),
		zap.Duration("poll_interval", relayCfg.PollInterval))

	maintenanceCtx, stopMaintenance := context.WithCancel(ctx)
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		maintain(maintenanceCtx, relay, m, producer, logger)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopMaintenance()
	<-maintenanceDone
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// maintain publishes the backlog gauge and prunes processed entries
func maintain(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, producer *redpanda.Producer, logger *zap.Logger) {
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.SetOutboxPending(stats.Pending)
			ps := producer.Stats()
			fields := []zap.Field{
				zap.Int64("pending", stats.Pending),
				zap.Int64("failed", stats.Failed),
				zap.Int64("dead_lettered", stats.DeadLettered),
				zap.Int64("sent", ps.Sent),
				zap.Int64("send_failures", ps.Failed),
			}
			if stats.OldestPending != nil {
				fields = append(fields, zap.Duration("oldest_pending_age", time.Since(*stats.OldestPending)))
			}
			logger.Debug("outbox stats", fields...)
		case <-cleanupTicker.C:
			n, err := relay.CleanupProcessed(ctx, processedRetention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleaned up", zap.Int64("deleted", n))
			}
		}
	}
}
