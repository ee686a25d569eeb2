// Package main provides the fulfillment API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/api/handlers"
	"github.com/vetrx/fulfillment/internal/api/middleware"
	"github.com/vetrx/fulfillment/internal/config"
	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/internal/domain/pricing"
	"github.com/vetrx/fulfillment/internal/domain/routing"
	"github.com/vetrx/fulfillment/internal/infrastructure/gateway"
	"github.com/vetrx/fulfillment/internal/infrastructure/memory"
	"github.com/vetrx/fulfillment/internal/infrastructure/notifier"
	"github.com/vetrx/fulfillment/internal/infrastructure/postgres"
	rdb "github.com/vetrx/fulfillment/internal/infrastructure/redis"
	"github.com/vetrx/fulfillment/internal/observability/metrics"
	"github.com/vetrx/fulfillment/internal/observability/tracing"
	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
)

const serviceName = "fulfillment-api"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger(serviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
	logger.Info("server stopped")
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

	m := metrics.New(nil)
	breakers := circuitbreaker.NewRegistry()

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	orders := postgres.NewOrderRepository(pool)
	subscriptions := postgres.NewSubscriptionRepository(pool)
	catalogRepo := postgres.NewCatalogRepository(pool)
	directoryRepo := postgres.NewDirectoryRepository(pool)
	tx := postgres.NewTxManager(pool)
	outbox := postgres.NewOutboxWriter(pool)

	sequencer, closeSequencer, err := newSequencer(ctx, cfg, pool, orders, logger)
	if err != nil {
		return err
	}
	defer closeSequencer()

	gcfg := gateway.DefaultConfig(cfg.PaymentHost)
	gcfg.Timeout = cfg.PaymentTimeout
	gatewayClient, err := gateway.New(gcfg, nil, logger)
	if err != nil {
		return fmt.Errorf("create payment gateway client: %w", err)
	}
	breakers.Register(gatewayClient.Breaker())

	ncfg := notifier.DefaultConfig(cfg.NotificationHost)
	ncfg.Timeout = cfg.NotificationTimeout
	ncfg.Templates = cfg.Templates()
	if cfg.NotificationFromEmail != "" {
		ncfg.FromEmail = cfg.NotificationFromEmail
	}
	if cfg.NotificationFromName != "" {
		ncfg.FromName = cfg.NotificationFromName
	}
	notifierClient, err := notifier.New(ncfg, nil, logger)
	if err != nil {
		return fmt.Errorf("create notification client: %w", err)
	}
	breakers.Register(notifierClient.Breaker())

	orderSvc := order.NewService(order.Deps{
		Orders:        orders,
		Subscriptions: subscriptions,
		Plans:         subscriptions,
		Catalog:       catalogRepo,
		Directory:     directoryRepo,
		Pricer:        pricing.NewCalculator(catalog.NewResolver(catalogRepo, logger), logger),
		Router:        routing.NewRouter(),
		Sequencer:     sequencer,
		Tx:            tx,
		Outbox:        outbox,
		Notifier:      notifierClient,
		Metrics:       m,
	}, logger)

	pcfg := payment.DefaultConfig()
	pcfg.Timeout = cfg.PaymentTimeout
	coordinator := payment.NewCoordinator(pcfg, payment.Deps{
		Orders:        orders,
		Subscriptions: subscriptions,
		Directory:     directoryRepo,
		Gateway:       gatewayClient,
		Tx:            tx,
		Outbox:        outbox,
		Metrics:       m,
	}, logger)

	apiKeys, err := cfg.ParseAPIKeys()
	if err != nil {
		return err
	}

	health := handlers.NewHealthHandler(serviceName, cfg.ServiceVersion, breakers)
	health.AddCheck("postgres", pool.Ping)
	orderHandler := handlers.NewOrderHandler(orderSvc, coordinator, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Metrics(m))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(apiKeys) > 0 {
			r.Use(middleware.APIKeyAuth(apiKeys))
		} else {
			logger.Warn("API_KEYS is empty, API authentication disabled")
		}
		orderHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.PaymentTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopBreakerGauge := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			m.RecordBreakers(breakers)
			select {
			case <-stopBreakerGauge:
				return
			case <-ticker.C:
			}
		}
	}()
	defer close(stopBreakerGauge)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting fulfillment API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newSequencer picks the order number backend. Redis and memory counters are
// resumed from the highest stored order number.
func newSequencer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, orders *postgres.OrderRepository, logger *zap.Logger) (order.Sequencer, func(), error) {
	switch cfg.SequencerBackend {
	case config.SequencerRedis:
		client, err := rdb.Connect(ctx, rdb.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, nil, err
		}
		last, err := orders.MaxOrderNumber(ctx)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		seq := rdb.NewSequencer(client, rdb.DefaultKey)
		if err := seq.Resume(ctx, last); err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("using redis order number sequencer", zap.String("addr", cfg.RedisAddr), zap.Int64("last", last))
		return seq, func() { client.Close() }, nil

	case config.SequencerMemory:
		last, err := orders.MaxOrderNumber(ctx)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-process order number sequencer, run a single replica only", zap.Int64("last", last))
		return memory.NewSequencer(last), func() {}, nil

	default:
		return postgres.NewSequencer(pool), func() {}, nil
	}
}
