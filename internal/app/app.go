// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/cardvault/internal/batch"
	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/conflict"
	"github.com/tildaslashalef/cardvault/internal/database"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/pool"
	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/remote"
	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/sync"
	"github.com/tildaslashalef/cardvault/internal/synclock"
)

// App represents the application instance with its dependencies
type App struct {
	Config       *config.Config
	DB           *database.DB
	Store        store.Repository
	Queue        queue.Repository
	Batch        *batch.Manager
	Conflicts    *conflict.Engine
	ConflictRepo conflict.Repository
	Sync         *sync.Service
	Pool         *pool.Manager
	Locks        *synclock.Coordinator
	Remote       *remote.Client
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	logger := loggy.GetGlobalLogger()

	db, err := database.Open(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	app, err := initServices(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires all application services in dependency order
func initServices(cfg *config.Config, db *database.DB, logger *loggy.Logger) (*App, error) {
	ctx := context.Background()
	clk := clock.New()
	conn := db.Conn()

	storeRepo := store.NewSQLRepository(conn, logger)
	queueRepo := queue.NewSQLRepository(conn, clk, logger)
	conflictRepo := conflict.NewSQLRepository(conn, logger)
	syncRepo := sync.NewSQLRepository(conn, clk, logger)

	remoteClient := remote.NewClient(&cfg.Remote, logger)

	poolMgr := pool.NewManager(cfg.Pool, remoteClient, clk, logger)
	locks := synclock.NewCoordinator(clk, logger)

	cache := batch.NewCache(cfg.Batch.CacheTTL, clk)
	batchMgr := batch.NewManager(cfg.Batch, storeRepo, queueRepo, cache, clk, logger)

	engine := conflict.NewEngine(cfg.Conflict, conflictRepo, storeRepo, queueRepo, clk, logger)

	syncService := sync.NewService(
		cfg.Sync,
		syncRepo,
		storeRepo,
		queueRepo,
		conflictRepo,
		engine,
		poolMgr,
		locks,
		clk,
		logger,
	)

	// A token stored via 'sync account link' takes precedence over the
	// environment configuration
	if token, err := syncService.Token(ctx); err == nil && token != "" {
		remoteClient.SetToken(token)
	}

	if cfg.Remote.Enabled {
		if err := poolMgr.Initialize(ctx); err != nil {
			// The pool still grows lazily on demand, so a cold start
			// with the server unreachable is not fatal
			loggy.Warn("Failed to warm connection pool", "error", err)
		}
	}

	return &App{
		Config:       cfg,
		DB:           db,
		Store:        storeRepo,
		Queue:        queueRepo,
		Batch:        batchMgr,
		Conflicts:    engine,
		ConflictRepo: conflictRepo,
		Sync:         syncService,
		Pool:         poolMgr,
		Locks:        locks,
		Remote:       remoteClient,
	}, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	app.Sync.Stop()
	app.Pool.Destroy()

	if err := app.DB.Close(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
		return err
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
