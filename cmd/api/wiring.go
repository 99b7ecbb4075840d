package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/framecredit/backend/internal/boltstore"
	"github.com/framecredit/backend/internal/config"
	"github.com/framecredit/backend/internal/generation"
	"github.com/framecredit/backend/internal/handlers"
	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/providers"
	"github.com/framecredit/backend/internal/redisledger"
)

// backends holds whichever stores the configured drivers selected.
type backends struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	bolt *boltstore.Store

	ledger ledger.Store
	tasks  generation.TaskStore
	health map[string]handlers.Pinger
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{health: map[string]handlers.Pinger{}}

	if cfg.NeedsPostgres() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create database pool: %w", err)
		}
		b.pool = pool
		if err := pool.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
		}
		b.health["postgres"] = pool
		log.Info("connected to PostgreSQL")
	}
	if cfg.LedgerDriver == config.DriverRedis {
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("cannot reach Redis at %s: %w", cfg.Redis.Addr, err)
		}
		rdb := b.rdb
		b.health["redis"] = handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Info("connected to Redis", "addr", cfg.Redis.Addr)
	}
	if cfg.NeedsBolt() {
		st, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open bolt database %s: %w", cfg.BoltPath, err)
		}
		b.bolt = st
		log.Info("opened BoltDB", "path", cfg.BoltPath)
	}

	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		repo := ledger.NewRepository(b.pool)
		if err := repo.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate ledger schema: %w", err)
		}
		b.ledger = repo
	case config.DriverRedis:
		b.ledger = redisledger.NewStore(b.rdb, "")
	case config.DriverBolt:
		b.ledger = b.bolt.Ledger()
	default:
		log.Warn("using in-memory ledger; balances are lost on restart")
		b.ledger = ledger.NewMemoryStore()
	}

	switch cfg.TasksDriver {
	case config.DriverPostgres:
		repo := generation.NewRepository(b.pool)
		if err := repo.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate task schema: %w", err)
		}
		b.tasks = repo
	case config.DriverBolt:
		b.tasks = b.bolt.Tasks()
	default:
		log.Warn("using in-memory task store; in-flight tasks are lost on restart")
		b.tasks = generation.NewMemoryTaskStore()
	}
	return b, nil
}

func (b *backends) Close() {
	if b.bolt != nil {
		b.bolt.Close()
	}
	if b.rdb != nil {
		b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	schemas, err := providers.DefaultSchemas()
	if err != nil {
		return nil, fmt.Errorf("load provider schemas: %w", err)
	}
	reg := providers.NewRegistry()
	if cfg.Veo.Enabled() {
		veo := providers.NewVeo(providers.VeoConfig{
			ClientConfig: clientConfig(cfg.Veo),
			Model:        cfg.Veo.Model,
		}, schemas)
		if err := reg.Register(veo, cfg.Veo.Credits); err != nil {
			return nil, err
		}
	}
	if cfg.Runway.Enabled() {
		runway := providers.NewRunway(providers.RunwayConfig{
			ClientConfig: clientConfig(cfg.Runway),
			Quality:      cfg.Runway.Model,
		}, schemas)
		if err := reg.Register(runway, cfg.Runway.Credits); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func clientConfig(p config.ProviderConfig) providers.ClientConfig {
	return providers.ClientConfig{
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		RequestsPerSecond: p.RequestsPerSecond,
		Burst:             1,
	}
}
