package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nhle/reply-optimizer/internal/ai"
	"github.com/nhle/reply-optimizer/internal/credential"
	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/observability"
	"github.com/nhle/reply-optimizer/internal/session"
	"github.com/nhle/reply-optimizer/internal/sessionlog"
	"github.com/nhle/reply-optimizer/internal/store"
)

func newRunCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every enabled session and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger) error {
	st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	creds, err := credential.Open(cfg.Credentials)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openLedger(ctx, cfg.Ledger, st)
	if err != nil {
		return err
	}
	defer closeBackend()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	sink, err := observability.NewPrometheusSink(registry)
	if err != nil {
		return err
	}
	metrics := observability.Safe(sink, logger)

	defaultKey, err := creds.Resolve(cfg.AI.APIKeyRef)
	if err != nil && !errors.Is(err, credential.ErrNotFound) {
		return err
	}

	manager, err := session.NewManager(session.Options{
		Manager:    cfg.Manager,
		Worker:     cfg.Worker,
		Transports: mailbox.NewFactory(logger),
		Generators: func(ctx context.Context, sc model.SessionConfig) (ai.Generator, error) {
			return ai.New(ctx, ai.OptionsFor(cfg.AI, sc, defaultKey))
		},
		Ledger:  backend,
		Threads: st,
		Logs:    sessionlog.NewStreams(cfg.Logging.Dir, cfg.Logging.TailLines, parseLevel(cfg.Logging.Level)),
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	reconciler := session.NewReconciler(manager, store.NewConfigProvider(st, creds), logger)

	server := observability.NewServer(cfg.Observability.MetricsAddr, sink.Handler(), func() any {
		return manager.List()
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	if _, err := reconciler.Sync(ctx); err != nil {
		logger.Error("initial session sync failed", "error", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Manager.SyncInterval), func() {
		if _, err := reconciler.Sync(ctx); err != nil {
			logger.Error("session sync failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling session sync: %w", err)
	}
	scheduler.Start()
	logger.Info("replyd running", "sessions", len(manager.List()), "metrics_addr", cfg.Observability.MetricsAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	<-scheduler.Stop().Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Manager.StopGrace)
	defer cancel()
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.Error("draining sessions", "error", err)
	}
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("stopping metrics server", "error", err)
	}
	return nil
}

func openStore(cfg model.DatabaseConfig) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	return store.NewSQLiteStore(cfg.Path)
}

// openLedger returns the configured processed-ledger backend and a function
// releasing it.
func openLedger(ctx context.Context, cfg model.LedgerConfig, st *store.SQLiteStore) (ledger.Backend, func(), error) {
	switch cfg.Backend {
	case "redis":
		backend, err := ledger.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case "memory":
		return ledger.Nop{}, func() {}, nil
	default:
		return st.Ledger(), func() {}, nil
	}
}
