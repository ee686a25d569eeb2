// Package main provides the registration reconciler entry point. It consumes
// subscription registration failures and retries them against the payment
// processor.
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
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/internal/infrastructure/gateway"
	"github.com/vetrx/fulfillment/internal/infrastructure/postgres"
	"github.com/vetrx/fulfillment/internal/infrastructure/redpanda"
	"github.com/vetrx/fulfillment/internal/observability/metrics"
	"github.com/vetrx/fulfillment/internal/observability/tracing"
	"github.com/vetrx/fulfillment/internal/reconciler"
	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
	"github.com/vetrx/fulfillment/pkg/idempotency"
	"github.com/vetrx/fulfillment/pkg/workerpool"
)

const serviceName = "registration-reconciler"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" || cfg.PaymentHost == "" {
		fmt.Fprintln(os.Stderr, "invalid config: DATABASE_URL and PAYMENT_HOST are required")
		os.Exit(1)
	}
	logger, err := cfg.NewLogger(serviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("reconciler failed", zap.Error(err))
	}
	logger.Info("reconciler stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

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
		MaxConns: int32(cfg.ReconcilerWorkers) + 2,
		MinConns: 1,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := metrics.New(nil)
	breakers := circuitbreaker.NewRegistry()

	gcfg := gateway.DefaultConfig(cfg.PaymentHost)
	gcfg.Timeout = cfg.PaymentTimeout
	gatewayClient, err := gateway.New(gcfg, nil, logger)
	if err != nil {
		return fmt.Errorf("create payment gateway client: %w", err)
	}
	breakers.Register(gatewayClient.Breaker())

	pcfg := payment.DefaultConfig()
	pcfg.Timeout = cfg.PaymentTimeout
	coordinator := payment.NewCoordinator(pcfg, payment.Deps{
		Orders:        postgres.NewOrderRepository(pool),
		Subscriptions: postgres.NewSubscriptionRepository(pool),
		Directory:     postgres.NewDirectoryRepository(pool),
		Gateway:       gatewayClient,
		Tx:            postgres.NewTxManager(pool),
		Outbox:        postgres.NewOutboxWriter(pool),
		Metrics:       m,
	}, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	wcfg := workerpool.DefaultConfig()
	wcfg.Workers = cfg.ReconcilerWorkers
	rec, err := reconciler.New(wcfg, coordinator, inbox, m, logger)
	if err != nil {
		return err
	}
	rec.Start()

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.ReconcilerGroup
	ccfg.Topics = []string{order.TopicSubscriptionRegistration}
	consumer, err := redpanda.NewConsumer(ccfg, rec.HandleBatch, logger)
	if err != nil {
		rec.Stop()
		return fmt.Errorf("create consumer: %w", err)
	}
	consumer.Start()

	health := handlers.NewHealthHandler(serviceName, cfg.ServiceVersion, breakers)
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

	logger.Info("registration reconciler started",
		zap.String("group", ccfg.GroupID),
		zap.Int("workers", wcfg.Workers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	rec.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
