package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// openedStore is a case store with its optional migration hook and closer.
type openedStore struct {
	store   workflow.CaseStore
	migrate func(context.Context) error
	close   func()
}

// openStore creates the case store selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (openedStore, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory, "":
		logger.Info("using in-memory case store")
		return openedStore{store: workflow.NewMemoryCaseStore(), close: func() {}}, nil

	case config.StoreDriverSQLite:
		s, err := workflow.OpenSQLiteCaseStore(ctx, cfg.SQLitePath)
		if err != nil {
			return openedStore{}, fmt.Errorf("case store: %w", err)
		}
		logger.Info("using sqlite case store", zap.String("path", cfg.SQLitePath))
		return openedStore{
			store:   s,
			migrate: s.Migrate,
			close:   func() { _ = s.Close() },
		}, nil

	case config.StoreDriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return openedStore{}, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return openedStore{}, fmt.Errorf("case store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return openedStore{}, fmt.Errorf("case store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return openedStore{}, fmt.Errorf("case store: ping: %w", err)
		}

		s := workflow.NewPgCaseStore(pool)
		logger.Info("using postgres case store")
		return openedStore{store: s, migrate: s.Migrate, close: pool.Close}, nil

	default:
		return openedStore{}, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// openIdempotency creates the replay store selected by cfg.Driver. A nil
// store disables idempotent replay.
func openIdempotency(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (workflow.IdempotencyStore, func(), error) {
	switch cfg.Driver {
	case config.IdempotencyDriverNone, "":
		logger.Info("idempotent replay disabled")
		return nil, func() {}, nil

	case config.IdempotencyDriverMemory:
		return workflow.NewMemoryIdempotencyStore(), func() {}, nil

	case config.IdempotencyDriverRedis:
		url := os.Getenv(cfg.RedisURLEnv)
		if url == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.RedisURLEnv)
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: parse URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", opts.Addr))
		return workflow.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}
