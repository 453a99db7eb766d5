// cmd/lendingd/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libralend/internal/config"
	"libralend/internal/eventstore"
	"libralend/internal/inventory"
	"libralend/internal/lending"
	"libralend/internal/notify"
	"libralend/internal/observability"
	"libralend/internal/store/memory"
	"libralend/internal/store/postgres"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("lendingd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout).With(
		slog.String("service", "lendingd"),
		slog.String("env", cfg.Env),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  "lendingd",
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplerRatio: 1,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	meters, err := observability.InitMetering()
	if err != nil {
		return fmt.Errorf("init metering: %w", err)
	}
	defer meters.Shutdown(context.Background())

	requests, items, events, closeStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	dispatcher := notify.NewDispatcher(sink, cfg.NotifyQueueSize, logger, notify.WithMeterProvider(meters))
	go dispatcher.Start(ctx)

	ledger := inventory.NewLedger(items, logger)
	svc := lending.NewService(requests, ledger,
		lending.WithEventStore(events),
		lending.WithNotifier(dispatcher),
		lending.WithLogger(logger),
		lending.WithConfig(lending.Config{LoanPeriod: cfg.LoanPeriod}),
		lending.WithFineRate(cfg.FineRatePerDay),
	)

	if cfg.ReconcileInterval > 0 {
		go lending.NewReconciler(requests, ledger, logger).Start(ctx, cfg.ReconcileInterval)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", observability.MetricsHandler())
	lending.NewHandler(svc, cfg.RequestRatePerMinute, logger).Routes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting lending service", slog.String("addr", srv.Addr), slog.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", slog.String("error", err.Error()))
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lending.Store, inventory.Store, lending.EventStore, func(), error) {
	if cfg.StoreDriver == "memory" {
		st := memory.New()
		return st, st, eventstore.NewMemoryStore(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, nil, err
	}
	logger.Info("connected to postgres")

	st := postgres.New(db)
	return st, st, eventstore.NewEventStore(db), closeDB(db, logger), nil
}

func closeDB(db *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", slog.String("error", err.Error()))
		}
	}
}

func openSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Sink, func(), error) {
	if cfg.NotifySink != "redis" {
		return notify.NewLogSink(logger), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("publishing notifications to redis")
	return notify.NewRedisSink(rdb), func() { rdb.Close() }, nil
}
