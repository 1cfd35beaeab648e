// Package app assembles the synchronization stack from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aman-CERP/bivy/internal/config"
	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/index"
	"github.com/Aman-CERP/bivy/internal/lifecycle"
	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/registry"
	"github.com/Aman-CERP/bivy/internal/store"
)

// App holds the wired components of one bivy process.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Catalog  *store.Catalog
	Registry *registry.Registry
	Engine   *index.Engine
	Queue    dispatch.Queue
	Trigger  *lifecycle.Trigger
	Handler  *lifecycle.JobHandler

	resolvers lifecycle.ResolverMux
	walkers   map[string]lifecycle.Walker
	plugin    *lifecycle.Plugin
	ownsDB    bool
}

// Options overrides parts of the wiring, mostly for tests and embedding.
type Options struct {
	// DB replaces the database opened from cfg.Database.
	DB *gorm.DB
	// Queue replaces the queue opened from cfg.Dispatch.
	Queue dispatch.Queue
}

// New opens the database, indexes and queue described by cfg and registers
// every configured model.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	logger = logging.OrDiscard(logger)
	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        opts.DB,
		Catalog:   store.NewCatalog(),
		Registry:  registry.New(),
		resolvers: lifecycle.ResolverMux{},
		walkers:   map[string]lifecycle.Walker{},
	}

	if a.DB == nil {
		db, err := OpenDatabase(cfg.Database, cfg.Server.LogLevel)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.ownsDB = true
	}

	if err := a.openIndexes(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.registerModels(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Engine = index.NewEngine(index.EngineConfig{
		Registry:       a.Registry,
		Logger:         logger,
		BrowsePageSize: cfg.Sync.BrowsePageSize,
	})

	a.Queue = opts.Queue
	if a.Queue == nil {
		q, err := OpenQueue(cfg.Dispatch, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Queue = q
	}

	a.Trigger = lifecycle.NewTrigger(lifecycle.TriggerConfig{
		Registry:    a.Registry,
		Queue:       a.Queue,
		Engine:      a.Engine,
		DestroyMode: lifecycle.DestroyMode(cfg.Lifecycle.DestroyMode),
		Logger:      logger,
	})
	a.Handler = lifecycle.NewJobHandler(a.Engine, a.resolvers)
	a.plugin = lifecycle.NewPlugin(a.Trigger, logger)

	logger.Info("app_ready",
		slog.Int("indexes", len(a.Catalog.Names())),
		slog.Int("models", len(a.Registry.Descriptors())),
		slog.String("queue", a.Queue.Name()),
		slog.String("destroy_mode", string(a.Trigger.Mode())))
	return a, nil
}

// OpenDatabase opens the record store with GORM.
func OpenDatabase(cfg config.DatabaseConfig, logLevel string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, berrors.ConfigError(fmt.Sprintf("unknown database driver %q", cfg.Driver), nil)
	}

	level := gormlogger.Silent
	if strings.EqualFold(logLevel, "debug") {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeDatabaseOpen, "failed to open record store", err).
			WithDetail("driver", cfg.Driver)
	}
	return db, nil
}

// OpenQueue opens the configured job queue.
func OpenQueue(cfg config.DispatchConfig, logger *slog.Logger) (dispatch.Queue, error) {
	opts := dispatch.Options{
		Workers: cfg.Workers,
		Buffer:  cfg.Buffer,
		Retry: berrors.RetryConfig{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   2,
			Jitter:       true,
		},
		RateLimit:         cfg.RateLimit,
		PollInterval:      cfg.PollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Logger:            logger,
	}
	switch cfg.Queue {
	case "memory":
		return dispatch.NewMemoryQueue(opts), nil
	case "sqlite", "":
		return dispatch.NewSQLiteQueue(cfg.Path, opts)
	default:
		return nil, berrors.ConfigError(fmt.Sprintf("unknown queue %q", cfg.Queue), nil)
	}
}

func (a *App) openIndexes() error {
	for _, ic := range a.Config.Indexes {
		idx, err := store.Open(ic.Name, ic.Backend, ic.Path, a.Logger)
		if err != nil {
			return err
		}
		breaker := berrors.NewCircuitBreaker(ic.Name,
			berrors.WithMaxFailures(a.Config.Breaker.MaxFailures),
			berrors.WithResetTimeout(a.Config.Breaker.ResetTimeout))
		if err := a.Catalog.Add(store.NewGuard(idx, breaker)); err != nil {
			_ = closeIndex(idx)
			return err
		}
	}
	return nil
}

func (a *App) registerModels() error {
	for _, mc := range a.Config.Models {
		d := a.Registry.Register(mc.Type)
		for _, bc := range mc.Bindings {
			idx, err := a.Catalog.Get(bc.Index)
			if err != nil {
				return berrors.ConfigError(fmt.Sprintf("model %s", mc.Type), err)
			}
			a.Registry.AddBinding(d, idx, bindingOptions(bc)...)
		}
		r := lifecycle.NewTableResolver(a.DB, mc.Type, mc.Table, mc.PrimaryKey)
		a.resolvers[mc.Type] = r
		a.walkers[mc.Type] = r
	}
	return nil
}

func bindingOptions(bc config.BindingConfig) []registry.BindingOption {
	var opts []registry.BindingOption
	if bc.Condition != nil {
		opts = append(opts, registry.WithCondition(registry.FieldEquals{
			Field: bc.Condition.Field,
			Value: bc.Condition.Equals,
		}))
	}
	switch {
	case bc.Chunk != nil:
		opts = append(opts, registry.WithSerializer(registry.Chunked{
			Field: bc.Chunk.Field,
			Size:  bc.Chunk.Size,
		}))
	case len(bc.Fields) > 0:
		opts = append(opts, registry.WithSerializer(registry.Fields(bc.Fields...)))
	}
	return opts
}

// RegisterModel registers a GORM model type in code, binding it to the
// named indexes with opts applied to every binding. The model's struct name
// is its type name.
func (a *App) RegisterModel(model any, indexes []string, opts ...registry.BindingOption) error {
	r, err := lifecycle.NewModelResolver(a.DB, model)
	if err != nil {
		return err
	}
	d := a.Registry.Register(r.TypeName())
	for _, name := range indexes {
		idx, err := a.Catalog.Get(name)
		if err != nil {
			return berrors.ConfigError(fmt.Sprintf("model %s", r.TypeName()), err)
		}
		a.Registry.AddBinding(d, idx, opts...)
	}
	a.resolvers[r.TypeName()] = r
	a.walkers[r.TypeName()] = r
	return nil
}

// Plugin returns the GORM plugin that reports commits to the trigger.
// Install it with db.Use.
func (a *App) Plugin() *lifecycle.Plugin { return a.plugin }

// Resolver returns the record resolver for jobs and manual syncs.
func (a *App) Resolver() lifecycle.Resolver { return a.resolvers }

// Reindex walks every row of typeName. With inline set, each record is
// synchronized directly; otherwise a save job is enqueued per record.
// It returns the number of records visited.
func (a *App) Reindex(ctx context.Context, typeName string, batch int, inline bool) (int, error) {
	w, ok := a.walkers[typeName]
	if !ok {
		return 0, berrors.ModelNotRegistered(typeName)
	}

	var n int
	var failures []error
	err := w.Each(ctx, batch, func(r registry.Record) error {
		n++
		if inline {
			if err := a.Engine.SyncSave(ctx, r); err != nil {
				failures = append(failures, err)
			}
			return nil
		}
		_, err := a.Queue.Enqueue(ctx, dispatch.NewJob(dispatch.KindSave, registry.RefOf(r)))
		return err
	})
	if err != nil {
		return n, err
	}

	a.Logger.Info("reindex_done",
		slog.String("model", typeName),
		slog.Int("records", n),
		slog.Bool("inline", inline),
		slog.Int("failures", len(failures)))
	return n, errors.Join(failures...)
}

// Close releases the queue, the indexes and a database New opened.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close())
	}
	if a.DB != nil && a.ownsDB {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func closeIndex(idx store.Index) error {
	if c, ok := idx.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
