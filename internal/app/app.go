package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loom/internal/config"
	"loom/internal/database"
	"loom/internal/jobstore"
	"loom/internal/jobstore/pgstore"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/orchestrator"
	"loom/internal/pipeline"
	"loom/internal/preflight"
	"loom/internal/stage"
	"loom/internal/status"
	"loom/internal/worker"
	"loom/internal/workqueue"
	"loom/internal/workqueue/redisqueue"
)

// App holds the assembled pipeline components for one process.
type App struct {
	Config       *config.Config
	Store        jobstore.Store
	Queue        workqueue.Queue
	Catalog      *stage.Catalog
	Orchestrator *orchestrator.Orchestrator
	Reader       *status.Reader
	Metrics      *metrics.Metrics

	logger  *slog.Logger
	db      *database.DB
	pingers map[string]func(context.Context) error
}

// Option customizes Open.
type Option func(*openOptions)

type openOptions struct {
	handlers     map[string]stage.Handler
	metrics      *metrics.Metrics
	describeOnly bool
}

// WithHandlers replaces the configured stage handlers.
func WithHandlers(handlers map[string]stage.Handler) Option {
	return func(o *openOptions) { o.handlers = handlers }
}

// WithoutHandlers builds a catalog with no stage handlers. Submission and
// status reads work; a worker built from such an App cannot run stages.
func WithoutHandlers() Option {
	return func(o *openOptions) { o.describeOnly = true }
}

// WithMetrics records pipeline activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *openOptions) { o.metrics = m }
}

// Open connects the configured store and queue backends and builds the
// stage catalog. Callers must Close the returned App.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var options openOptions
	for _, opt := range opts {
		opt(&options)
	}

	a := &App{
		Config:  cfg,
		Metrics: options.metrics,
		logger:  logger,
		pingers: make(map[string]func(context.Context) error),
	}
	if err := a.openBackends(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	handlers := options.handlers
	if handlers == nil && !options.describeOnly {
		set, err := pipeline.FromConfig(ctx, cfg, logging.NewComponentLogger(logger, "pipeline"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		handlers = set.Handlers()
	}
	catalog, err := stage.FromConfig(cfg.Pipeline, handlers)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("stage catalog: %w", err)
	}
	a.Catalog = catalog
	a.Orchestrator = orchestrator.New(cfg, a.Store, a.Queue, catalog, logger, orchestrator.WithMetrics(a.Metrics))
	a.Reader = status.NewReader(a.Store, a.Queue, catalog)
	return a, nil
}

func (a *App) openBackends(ctx context.Context) error {
	cfg := a.Config
	needSQLite := cfg.Store.Backend == "sqlite" || cfg.Queue.Backend == "sqlite"
	if needSQLite {
		db, err := database.Open(cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.db = db
		a.pingers["SQLite"] = db.PingContext
	} else if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case "postgres":
		store, err := pgstore.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		a.Store = store
		a.pingers["Postgres"] = store.Ping
	default:
		a.Store = jobstore.NewSQLite(a.db)
	}

	switch cfg.Queue.Backend {
	case "redis":
		queue, err := redisqueue.Open(ctx, redisqueue.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
			Prefix:   cfg.Queue.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("open work queue: %w", err)
		}
		a.Queue = queue
		a.pingers["Redis"] = queue.Ping
	default:
		a.Queue = workqueue.NewSQLite(a.db)
	}
	return nil
}

// NewWorker builds a worker over the app's store, queue and catalog.
func (a *App) NewWorker(opts ...worker.Option) *worker.Worker {
	opts = append([]worker.Option{worker.WithMetrics(a.Metrics)}, opts...)
	return worker.New(a.Config, a.Store, a.Queue, a.Catalog, a.logger, opts...)
}

// Checks reports local preflight results plus backend connectivity.
func (a *App) Checks(ctx context.Context, opts preflight.Options) []preflight.Result {
	results := preflight.RunAll(ctx, a.Config, opts)
	for _, name := range []string{"SQLite", "Postgres", "Redis"} {
		if ping, ok := a.pingers[name]; ok {
			results = append(results, preflight.CheckPing(ctx, name, ping))
		}
	}
	return results
}

// Close releases every backend. SQLite store and queue share one handle,
// closed last.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
