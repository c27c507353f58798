// Package app wires the store, broker sources and services shared by the
// server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fidus/capital-engine/internal/allocation"
	"github.com/fidus/capital-engine/internal/broker"
	"github.com/fidus/capital-engine/internal/capital"
	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/config"
	"github.com/fidus/capital-engine/internal/operator"
	"github.com/fidus/capital-engine/internal/reconcile"
	"github.com/fidus/capital-engine/internal/registry"
	"github.com/fidus/capital-engine/internal/store"
)

// Publisher receives ledger and operator events.
type Publisher interface {
	allocation.Publisher
	operator.Publisher
}

// App holds the wired services. Close releases the connections it opened.
type App struct {
	Store      store.Store
	Source     broker.Source
	Registry   *registry.Registry
	Classifier *classify.Classifier
	Tagger     *capital.Tagger
	Engine     *reconcile.Engine
	Ledger     *allocation.Ledger
	Operator   *operator.Service

	cleanup []func()
}

// New builds the application from cfg. pub may be nil.
func New(ctx context.Context, cfg *config.Config, pub Publisher) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var (
		rdb    *redis.Client
		locker allocation.Locker
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store = pg
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb = redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.Store = store.NewCachedStore(pg, rdb, cfg.CacheTTL)
			locker = allocation.NewRedisLocker(rdb, cfg.LockTTL)
			slog.Info("Redis cache and allocation lock enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	if cfg.BrokerDir != "" {
		a.Source = broker.NewFileSource(cfg.BrokerDir)
		slog.Info("reading broker data", "dir", cfg.BrokerDir)
	} else {
		slog.Warn("BROKER_DATA_DIR not set, broker source is empty")
		a.Source = broker.NewMemorySource()
	}

	if cfg.RegistryFile != "" {
		reg, err := registry.LoadFile(cfg.RegistryFile)
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		a.Registry = reg
	} else {
		slog.Warn("REGISTRY_FILE not set, no segregated accounts are registered")
		a.Registry = registry.Empty()
	}

	classifier, err := classify.New(classify.DefaultRules(), a.Registry.Accounts())
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	a.Classifier = classifier
	a.Tagger = capital.NewTagger(a.Registry)

	a.Engine = reconcile.NewEngine(a.Store, a.Source, a.Classifier, a.Tagger, reconcile.Config{
		Workers:    cfg.Workers,
		Freshness:  cfg.SnapshotFreshness,
		Incubation: cfg.Incubation,
	}).WithDeals(broker.NewCachedDealSource(a.Source, cfg.DealCacheTTL))

	a.Ledger = allocation.NewLedger(a.Store, locker, pub)
	a.Operator = operator.NewService(a.Store, a.Source, a.Classifier, a.Tagger, pub)

	slog.Info("capital engine wired",
		"rules", a.Classifier.Version(),
		"registered_accounts", len(a.Registry.Accounts()),
		"workers", cfg.Workers,
	)
	ok = true
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
