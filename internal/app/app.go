// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ballotwatch/acta-harvester/internal/clock/system"
	"github.com/ballotwatch/acta-harvester/internal/config"
	"github.com/ballotwatch/acta-harvester/internal/harvest"
	"github.com/ballotwatch/acta-harvester/internal/logging"
	"github.com/ballotwatch/acta-harvester/internal/metrics"
	"github.com/ballotwatch/acta-harvester/internal/ratelimit"
	"github.com/ballotwatch/acta-harvester/internal/storage/memory"
	"github.com/ballotwatch/acta-harvester/internal/storage/postgres"
)

// App holds the shared services every command needs. It is initialized once
// at startup and torn down by Close.
type App struct {
	Cfg    config.Config
	Logger *zap.Logger
	Store  harvest.Store
	Clock  harvest.Clock
}

// New builds the service container from configuration. It fails fast if any
// critical service cannot be initialized.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	metrics.Init()
	clock := system.New()

	var store harvest.Store
	switch cfg.DB.Driver {
	case "postgres":
		logger.Info("connecting to postgres")
		pg, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:         cfg.DB.DSN,
			MaxConns:    cfg.DB.MaxConns,
			MinConns:    cfg.DB.MinConns,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
		store = pg
	case "memory":
		logger.Info("using in-memory store, state will not survive restarts")
		store = memory.NewJobStore(cfg.Retry.MaxAttempts, clock)
	default:
		return nil, fmt.Errorf("unknown db driver: %s", cfg.DB.Driver)
	}

	return &App{
		Cfg:    cfg,
		Logger: logger,
		Store:  store,
		Clock:  clock,
	}, nil
}

// NewLimiter builds the shared rate limiter from the app's configuration.
func (a *App) NewLimiter() (*ratelimit.Limiter, error) {
	limiter, err := ratelimit.New(ratelimit.Config{
		PerMinute: a.Cfg.Rate.PerMinute,
		PerHour:   a.Cfg.Rate.PerHour,
		PerDay:    a.Cfg.Rate.PerDay,
		BaseDelay: time.Duration(a.Cfg.Rate.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(a.Cfg.Rate.MaxDelayMs) * time.Millisecond,
		ErrorCap:  a.Cfg.Rate.ErrorCap,
	}, a.Clock)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}
	return limiter, nil
}

// Close tears down the container. Safe to call once after the command
// finishes.
func (a *App) Close() {
	a.Logger.Info("shutting down services")
	a.Store.Close()
	// Best effort; stderr sync can fail on some platforms.
	_ = a.Logger.Sync()
}
