// Command meteringd runs the entitlement and usage metering service:
// the billing webhook ingest, the quota API, and a background retention
// loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/config"
	"github.com/resumly/metering/httpapi"
	"github.com/resumly/metering/observability"
	"github.com/resumly/metering/store"
	"github.com/resumly/metering/store/memory"
	mongostore "github.com/resumly/metering/store/mongo"
	"github.com/resumly/metering/store/postgres"
	"github.com/resumly/metering/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("meteringd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng := metering.New(st,
		metering.WithLogger(logger),
		metering.WithHook(observability.New(reg)),
		metering.WithUsageConfig(cfg.UsageBatchSize, cfg.UsageFlushInterval),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	go retentionLoop(ctx, eng, cfg, logger)

	h := httpapi.New(eng,
		httpapi.WithLogger(logger),
		httpapi.WithRegistry(reg),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// Stop drains the usage buffer and closes the store.
	if err := eng.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}

	logger.Info("meteringd stopped")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.DatabaseURL)
	case config.DriverPostgres:
		return postgres.Open(cfg.DatabaseURL)
	case config.DriverMongo:
		return mongostore.Open(cfg.MongoURL, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// retentionLoop prunes old webhook ledger rows and usage records once a
// day. Pruning is off the hot path and best effort: a failed pass only
// logs and waits for the next tick.
func retentionLoop(ctx context.Context, eng *metering.Engine, cfg *config.Config, logger *slog.Logger) {
	if cfg.EventRetention <= 0 && cfg.UsageRetention <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		if cfg.EventRetention > 0 {
			n, err := eng.PurgeEvents(ctx, now.Add(-cfg.EventRetention))
			if err != nil {
				logger.Error("event retention pass failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned webhook ledger", "removed", n)
			}
		}
		if cfg.UsageRetention > 0 {
			n, err := eng.PurgeUsage(ctx, now.Add(-cfg.UsageRetention))
			if err != nil {
				logger.Error("usage retention pass failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned usage log", "removed", n)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
