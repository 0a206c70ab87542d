// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/tildaslashalef/caresync/internal/api"
	"github.com/tildaslashalef/caresync/internal/cache"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/database"
	"github.com/tildaslashalef/caresync/internal/gateway"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/netmon"
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
	"github.com/urfave/cli/v2"
)

// App represents the application instance with its dependencies
type App struct {
	Config   *config.Config
	Logger   *loggy.Logger
	DB       *database.DB
	Settings *config.SettingsService
	Monitor  *netmon.Monitor
	Client   *syncsvc.Client
	Resolver *conflict.Resolver
	Bus      *syncsvc.Bus
	Sync     *syncsvc.Service
	Gateway  *gateway.Gateway
	Pending  queue.PendingRepository

	started bool
}

// Options controls how New finds its configuration
type Options struct {
	ConfigDir  string
	ConfigFile string
}

// New initializes a new application instance with all its dependencies
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadFromEnv(opts.ConfigDir, opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
		"server", cfg.Server.URL,
	)

	a, err := NewWithConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Application initialized successfully")
	return a, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) (*loggy.Logger, error) {
	logger, err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// NewWithConfig opens the store and builds every service from cfg
func NewWithConfig(ctx context.Context, cfg *config.Config, logger *loggy.Logger) (*App, error) {
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a, err := initServices(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// initServices initializes all application services
func initServices(ctx context.Context, cfg *config.Config, db *database.DB, logger *loggy.Logger) (*App, error) {
	settings := config.NewSettingsService(config.NewSQLSettingsRepository(db.SQL(), logger), cfg, logger)
	if err := settings.Load(ctx); err != nil {
		// Continue anyway, using configured values
		logger.Warn("Failed to load stored settings", "error", err)
	}

	overrides := conflict.Overrides(nil)
	if cfg.Sync.StrategyFile != "" {
		loaded, err := conflict.LoadOverrides(cfg.Sync.StrategyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load conflict strategies: %w", err)
		}
		overrides = loaded
	}

	client := syncsvc.NewClient(cfg.Server.URL, settings.Token, cfg.Server.Timeout, logger)
	resolver := conflict.NewResolver(client, overrides, logger)
	monitor := netmon.New(netmon.Options{
		HealthURL:     cfg.HealthURL(),
		InitialOnline: cfg.Network.InitialOnline,
		VerifyTimeout: cfg.Network.VerifyTimeout,
	}, logger)
	bus := syncsvc.NewBus(logger)

	queueRepo := queue.NewSQLRepository(db.SQL(), logger)
	pending := queue.NewSQLPendingRepository(db.SQL(), logger)

	syncService := syncsvc.NewService(
		queueRepo,
		syncsvc.NewSQLRepository(db.SQL(), logger),
		client,
		resolver,
		monitor,
		bus,
		syncsvc.Options{
			MaxRetries:        cfg.Sync.MaxRetries,
			CleanupDelay:      cfg.Sync.CleanupDelay,
			RequestsPerMinute: cfg.Sync.RequestsPerMinute,
			SyncOnReconnect:   cfg.Sync.SyncOnReconnect,
		},
		logger,
	)

	gw := gateway.New(
		client,
		cache.NewSQLRepository(db.SQL(), logger),
		syncService,
		pending,
		monitor,
		gateway.OptionsFromConfig(cfg.Gateway, cfg.Sync.MaxRetries),
		logger,
	)

	return &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Settings: settings,
		Monitor:  monitor,
		Client:   client,
		Resolver: resolver,
		Bus:      bus,
		Sync:     syncService,
		Gateway:  gw,
		Pending:  pending,
	}, nil
}

// Start recovers and tidies the store, connects the monitor to the
// processor and starts background checks. One-shot commands do not call it.
func (a *App) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true

	if n, err := a.Sync.RecoverInterrupted(ctx); err != nil {
		a.Logger.Warn("Failed to recover interrupted operations", "error", err)
	} else if n > 0 {
		a.Logger.Info("Returned interrupted operations to the retry pool", "count", n)
	}
	if _, err := a.Sync.CleanupCompletedOperations(ctx); err != nil {
		a.Logger.Warn("Failed to clean up completed operations", "error", err)
	}
	if n, err := a.Gateway.PurgeExpiredCache(ctx); err != nil {
		a.Logger.Warn("Failed to purge expired cache entries", "error", err)
	} else if n > 0 {
		a.Logger.Debug("Purged expired cache entries", "count", n)
	}

	a.Monitor.OnOnline("sync", func() {
		a.Sync.HandleConnectivity(true)
		if _, err := a.Gateway.FlushPendingRequests(ctx); err != nil {
			a.Logger.Warn("Failed to flush pending requests", "error", err)
		}
	})
	a.Monitor.OnOffline("sync", func() {
		a.Sync.HandleConnectivity(false)
	})

	a.Monitor.StartPeriodicChecks(a.Config.Network.CheckInterval)
	a.Sync.StartScheduler(a.Config.Sync.ScheduleInterval)
}

// APIServer builds the local status API over this app
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.Config.API, a.Sync, a.Monitor, a.Sync, a.Logger)
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	a.Logger.Info("Shutting down application")

	a.Monitor.Close()
	a.Sync.Close()
	a.Bus.Close()

	if err := a.DB.Close(); err != nil {
		a.Logger.Error("Error closing database connection", "error", err)
	}
	return a.Logger.Close()
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
