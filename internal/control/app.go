// Package control wires the application together: storage selection,
// migrations, the queue manager, the loyalty worker and the health server.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"loyaltyd/internal/core/config"
	"loyaltyd/internal/health"
	redisclient "loyaltyd/internal/infra/redis"
	"loyaltyd/internal/infra/storage"
	"loyaltyd/internal/infra/storage/memory"
	"loyaltyd/internal/infra/storage/postgres"
	"loyaltyd/internal/ledger"
	"loyaltyd/internal/queue"
)

// Config holds the application configuration.
type Config struct {
	Port           int
	Redis          redisclient.Config
	Database       postgres.Config
	Queue          queue.Config
	TxRetry        postgres.RetryDefaults
	LoyaltyWorkers int
}

// FromApp projects the loaded file configuration into the control config.
func FromApp(cfg *config.AppConfig) Config {
	return Config{
		Port:           cfg.Server.Port,
		Redis:          cfg.Redis,
		Database:       cfg.Database,
		Queue:          cfg.Queue.Manager(),
		TxRetry:        cfg.Retry.Tx(),
		LoyaltyWorkers: cfg.Workers.Loyalty,
	}
}

// App is the assembled process: one queue manager, one loyalty worker pool
// and the health/metrics server.
type App struct {
	cfg          Config
	manager      *queue.Manager
	worker       *ledger.Worker
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
	group        *errgroup.Group
}

// NewApp creates an App with all dependencies initialized.
func NewApp(cfg Config) (*App, error) {
	var balanceRepo storage.BalanceRepository
	var jobRepo storage.JobRepository
	var redisClient *redisclient.Client

	// 1. Cache and queue backend. Redis when configured, in-process maps
	// otherwise (single-node development mode).
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		balanceRepo = redisclient.NewBalanceRepo(redisClient)
		jobRepo = redisclient.NewJobRepo(redisClient)
		slog.Info("Using Redis storage")
	} else {
		store := memory.NewMemoryStorage()
		balanceRepo = memory.NewBalanceRepo(store)
		jobRepo = memory.NewJobRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Optional durable ledger. Without it the cache is the only store.
	var db *postgres.DB
	var ledgerRepo storage.LedgerRepository
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		ledgerRepo = postgres.NewLedgerRepo(db, cfg.TxRetry)
		slog.Info("Using PostgreSQL ledger")
	} else {
		slog.Info("No database configured, running cache-only")
	}

	// 3. Queue manager and the loyalty worker pool.
	manager := queue.NewManager(jobRepo, cfg.Queue)
	worker := ledger.NewWorker(balanceRepo, ledgerRepo, manager, nil)

	concurrency := cfg.LoyaltyWorkers
	if concurrency < 1 {
		concurrency = 4
	}
	if err := worker.Register(concurrency); err != nil {
		return nil, fmt.Errorf("failed to register loyalty worker: %w", err)
	}

	// 4. Health monitor and server.
	var dbPing health.PingFunc
	if db != nil {
		dbPing = db.PingContext
	}
	monitor := health.NewMonitor(balanceRepo.Ping, dbPing, jobRepo)
	healthServer := health.NewServer(monitor, cfg.Port)

	return &App{
		cfg:          cfg,
		manager:      manager,
		worker:       worker,
		healthServer: healthServer,
		db:           db,
		redisClient:  redisClient,
		log:          slog.Default(),
	}, nil
}

// Manager exposes the queue manager for producers (admin tooling, tests).
func (a *App) Manager() *queue.Manager {
	return a.manager
}

// Start starts the queue manager and the health server. Non-blocking; the
// background goroutines run until Stop.
func (a *App) Start(ctx context.Context) error {
	a.group = new(errgroup.Group)
	a.group.Go(func() error {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
			return err
		}
		return nil
	})

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}

	a.log.Info("Application started", "port", a.cfg.Port)
	return nil
}

// Stop drains the queue manager within ctx's deadline, then shuts down the
// health server and closes connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping application...")

	drainErr := a.manager.Shutdown(ctx)

	if err := a.healthServer.Stop(ctx); err != nil {
		a.log.Warn("Failed to stop health server", "error", err)
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			a.log.Warn("Health server exited with error", "error", err)
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}

	return drainErr
}
