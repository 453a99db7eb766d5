// cmd/lenddrill/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libralend/internal/chaos"
	"libralend/internal/clients"
	"libralend/internal/config"
	"libralend/internal/eventstore"
	"libralend/internal/inventory"
	"libralend/internal/lending"
	"libralend/internal/observability"
	"libralend/internal/store/memory"
	"libralend/internal/store/postgres"
)

func main() {
	ok, err := run()
	if err != nil {
		slog.Error("lenddrill failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

func run() (bool, error) {
	cfg, err := config.Load()
	if err != nil {
		return false, err
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stderr).With(slog.String("service", "lenddrill"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  "lenddrill",
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplerRatio: 1,
	})
	if err != nil {
		return false, fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	var (
		target     chaos.Target
		reconciler *lending.Reconciler
	)
	if cfg.DrillTargetURL != "" {
		logger.Info("drilling remote lendingd", slog.String("target", cfg.DrillTargetURL))
		target = clients.NewLendingClient(cfg.DrillTargetURL, nil)
	} else {
		svc, rec, closeStore, err := inProcess(ctx, cfg, logger)
		if err != nil {
			return false, err
		}
		defer closeStore()
		target, reconciler = svc, rec
		logger.Info("drilling in-process service", slog.String("store", cfg.StoreDriver))
	}

	engine := chaos.NewEngine(logger)
	results := engine.RunAll(ctx, chaos.Experiments(target, cfg.DrillConcurrency), time.Second)
	ok := chaos.Report(os.Stdout, results)

	if reconciler != nil {
		drift, err := reconciler.Check(ctx)
		if err != nil {
			return false, fmt.Errorf("reconcile after drill: %w", err)
		}
		fmt.Fprintf(os.Stdout, "inventory drift after drill: %d item(s)\n", len(drift))
		ok = ok && len(drift) == 0
	}
	return ok, nil
}

func inProcess(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lending.Service, *lending.Reconciler, func(), error) {
	var (
		requests lending.Store
		items    inventory.Store
		events   lending.EventStore
		closeFn  = func() {}
	)
	if cfg.StoreDriver == "postgres" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		st := postgres.New(db)
		requests, items, events = st, st, eventstore.NewEventStore(db)
		closeFn = func() { db.Close() }
	} else {
		st := memory.New()
		requests, items, events = st, st, eventstore.NewMemoryStore()
	}

	ledger := inventory.NewLedger(items, logger)
	svc := lending.NewService(requests, ledger,
		lending.WithEventStore(events),
		lending.WithLogger(logger),
		lending.WithConfig(lending.Config{LoanPeriod: cfg.LoanPeriod}),
		lending.WithFineRate(cfg.FineRatePerDay),
	)
	return svc, lending.NewReconciler(requests, ledger, logger), closeFn, nil
}
