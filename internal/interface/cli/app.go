package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/admissions-lab/reminder-ab/config"
	"github.com/admissions-lab/reminder-ab/internal/application/command"
	"github.com/admissions-lab/reminder-ab/internal/application/query"
	"github.com/admissions-lab/reminder-ab/internal/domain/assignment"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/messaging"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/metrics"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/memory"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/postgres"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/redis"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/sqlite"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/service"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ══════════════════════════════════════════════════════════════════════════════

// App holds everything a command needs. It is built once per invocation
// from the loaded configuration.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	Slog   *slog.Logger
	Clock  timeutil.Clock

	// Store is the resilient store every handler talks to.
	Store    *service.ResilientStore
	Locker   experiment.RunLocker
	Bus      *messaging.InMemoryEventBus
	Metrics  *metrics.Metrics
	Planner  *stats.Planner
	Assigner *assignment.Assigner

	// Cache is nil when Redis is disabled or unreachable.
	Cache *redis.Cache

	// Postgres is set for the postgres backend only.
	Postgres *postgres.Connection

	closers []func() error
}

// NewApp opens the configured backend and wires the application. A non-nil
// store replaces the configured backend.
func NewApp(ctx context.Context, cfg *config.Config, store experiment.Store, clock timeutil.Clock, logOut io.Writer) (*App, error) {
	if clock == nil {
		clock = timeutil.UTCNow
	}
	if logOut == nil {
		logOut = os.Stderr
	}

	app := &App{
		Config:   cfg,
		Log:      setupLogger(cfg, logOut),
		Slog:     setupSlog(cfg, logOut),
		Clock:    clock,
		Metrics:  metrics.New(),
		Planner:  stats.NewPlanner(),
		Assigner: assignment.New(),
	}
	log := app.Log.With(logger.Component("cli"))

	if store == nil {
		var err error
		store, err = app.openStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	app.closers = append(app.closers, store.Close)

	app.Locker = memory.NewLocker()
	if !cfg.Redis.Disabled {
		cache, err := redis.NewCache(ctx, redisConfig(cfg.Redis))
		if err != nil {
			log.Warn("redis unavailable, run locks and rate cache stay in process", logger.Err(err))
		} else {
			app.Cache = cache
			app.closers = append(app.closers, cache.Close)
			app.Locker = redis.NewRunLock(cache, cfg.Redis.LockTTL, app.Log)
			store = redis.NewRateCachedStore(store, cache, cfg.Redis.RateCacheTTL, clock, app.Log)
		}
	}

	app.Store = service.NewResilientStore(store, resilienceConfig(cfg.Resilience), app.Metrics, app.Log)

	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = app.Slog
	busConfig.Observer = app.Metrics
	app.Bus = messaging.NewInMemoryEventBus(busConfig)
	app.closers = append(app.closers, app.Bus.Close)
	if err := app.Metrics.Subscribe(app.Bus); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("subscribe metrics: %w", err)
	}

	log.Debug("application wired",
		logger.Backend(string(cfg.Store.Backend)),
		logger.Bool("redis", app.Cache != nil),
	)
	return app, nil
}

// openStore opens the backend named by the configuration. Postgres schemas
// are migrated on open.
func (a *App) openStore(ctx context.Context) (experiment.Store, error) {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(a.Clock), nil

	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		}, a.Clock)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil

	case config.BackendPostgres:
		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database))
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if applied > 0 {
			a.Log.Info("database migrated", logger.Int("applied", applied))
		}
		a.Postgres = conn
		return postgres.NewStore(conn, a.Clock), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) deps() command.Deps {
	return command.Deps{
		Runs:      a.Store,
		Store:     a.Store,
		Locker:    a.Locker,
		Publisher: a.Bus,
		Logger:    a.Log,
		Clock:     a.Clock,
	}
}

func (a *App) accrualStatus() *query.AccrualStatusHandler {
	return query.NewAccrualStatusHandler(a.Store, a.Store)
}

// ─────────────────────────────────────────────────────────────────────────────
// Config mapping
// ─────────────────────────────────────────────────────────────────────────────

func setupLogger(cfg *config.Config, out io.Writer) *logger.Logger {
	format := logger.FormatJSON
	if cfg.Observability.LogFormat == string(logger.FormatText) {
		format = logger.FormatText
	}
	return logger.New(logger.Options{
		Output: out,
		Level:  logger.ParseLevel(cfg.Observability.LogLevel),
		Format: format,
	}).With(
		logger.String("app", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
}

// setupSlog builds the slog logger used by the bus and the scheduler.
func setupSlog(cfg *config.Config, out io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Observability.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler).With("app", cfg.App.Name)
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	rc.Password = c.Password
	rc.DB = c.DB
	if c.Host != "" {
		rc.Host = c.Host
	}
	if c.Port > 0 {
		rc.Port = c.Port
	}
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		rc.MinIdleConns = c.MinIdleConns
	}
	if c.DialTimeout > 0 {
		rc.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		rc.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		rc.WriteTimeout = c.WriteTimeout
	}
	if c.KeyPrefix != "" {
		rc.KeyPrefix = c.KeyPrefix
	}
	return rc
}

func postgresConfig(c config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = c.URL
	if c.MaxOpenConns > 0 {
		pc.MaxConns = int32(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		pc.MinConns = int32(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		pc.MaxConnIdleTime = c.ConnMaxIdleTime
	}
	pc.QueryTimeout = c.QueryTimeout
	return pc
}

func resilienceConfig(c config.ResilienceConfig) service.ResilienceConfig {
	rc := service.DefaultResilienceConfig()
	if c.MaxRetries > 0 {
		rc.MaxAttempts = c.MaxRetries
	}
	if c.RetryBaseDelay > 0 {
		rc.RetryBaseDelay = c.RetryBaseDelay
	}
	if c.RetryMaxDelay > 0 {
		rc.RetryMaxDelay = c.RetryMaxDelay
	}
	if c.CircuitBreakerThreshold > 0 {
		rc.BreakerThreshold = c.CircuitBreakerThreshold
	}
	if c.CircuitBreakerTimeout > 0 {
		rc.BreakerTimeout = c.CircuitBreakerTimeout
	}
	if c.CircuitBreakerHalfOpenMax > 0 {
		rc.HalfOpenMax = c.CircuitBreakerHalfOpenMax
	}
	return rc
}
