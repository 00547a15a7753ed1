package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/config"
	"github.com/ent0n29/taskd/internal/events"
	"github.com/ent0n29/taskd/internal/execution"
	"github.com/ent0n29/taskd/internal/httpapi"
	"github.com/ent0n29/taskd/internal/observability"
	"github.com/ent0n29/taskd/internal/orchestrator"
	"github.com/ent0n29/taskd/internal/queue"
	"github.com/ent0n29/taskd/internal/tasks"
)

// BuildResult holds everything Build wired together; Run drives it.
type BuildResult struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     tasks.Store
	StoreMode string
	Settings  *queue.FileSettingsStore
	Metrics   *observability.Metrics
	Daemon    *orchestrator.Daemon
	API       *httpapi.Server

	// Cleanup releases the store. Call it after the daemon has shut down.
	Cleanup func() error
}

// Build wires every component from cfg. Nothing is started yet; see Run.
// A nil reg registers metrics on the default prometheus registry.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	store, mode, err := tasks.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}

	adapter, err := execution.NewAdapter(execution.AdapterConfig{
		Mode:        cfg.AgentAdapterMode,
		HTTPURL:     cfg.AgentHTTPURL,
		HTTPTimeout: cfg.AgentHTTPTimeout,
		Metrics:     metrics,
		Logger:      logger.Named("agent"),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("agent adapter init failed: %w", err)
	}

	settings := queue.NewFileSettingsStore(cfg.SettingsPath)
	daemon := orchestrator.New(ctx, orchestrator.Config{
		ApprovalTimeout:       cfg.ApprovalTimeout,
		ExecutorTTL:           cfg.ExecutorTTL,
		SweepInterval:         cfg.SweepInterval,
		MaxCompletedExecutors: cfg.MaxCompletedExecutors,
		ShutdownTimeout:       cfg.ExecutorShutdownTimeout,
		IdempotencyRetention:  cfg.IdempotencyRetention,
	}, store, execution.NewFactory(adapter, logger.Named("runner")),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithBus(events.NewBus()),
		orchestrator.WithSettingsStore(settings),
	)

	api := httpapi.New(cfg, daemon, store, metrics, mode, logger.Named("http"))
	logger.Info("components built",
		zap.String("task_store", mode),
		zap.String("agent_adapter", cfg.AgentAdapterMode),
		zap.String("settings_path", settings.Path()),
	)

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		StoreMode: mode,
		Settings:  settings,
		Metrics:   metrics,
		Daemon:    daemon,
		API:       api,
		Cleanup:   store.Close,
	}, nil
}

// Run recovers persisted tasks, starts background loops and serves HTTP until
// ctx is done, then shuts everything down in order.
func (b *BuildResult) Run(ctx context.Context) error {
	log := b.Logger
	if err := b.Daemon.Recover(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	b.Daemon.StartSweeper(ctx)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := queue.WatchSettings(watchCtx, b.Settings, b.Daemon.Queue(), log.Named("settings")); err != nil {
			log.Warn("settings watcher stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              b.Config.BindAddr,
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", b.Config.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful http shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := b.Daemon.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	if err := b.Cleanup(); err != nil {
		log.Warn("store close failed", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}
