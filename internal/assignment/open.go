package assignment

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
)

// Open builds the Store selected by cfg.Driver. The returned closer
// releases its connections and may be nil.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory assignment store")
		return NewMemoryStore(cfg.TTL), nil, nil

	case "redis":
		client, err := OpenRedis(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("assignment store: %w", err)
		}
		logger.Info("using redis assignment store", zap.Int("db", cfg.DB))
		return NewRedisStore(client, cfg.TTL), func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("assignment store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("assignment store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("assignment store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("assignment store: ping: %w", err)
		}
		store := NewPgStore(pool, cfg.TTL)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("assignment store: %w", err)
		}
		logger.Info("using postgres assignment store")
		return store, pool.Close, nil

	case "sqlite":
		store, err := OpenSQLiteStore(cfg.Path, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("assignment store: %w", err)
		}
		logger.Info("using sqlite assignment store", zap.String("path", cfg.Path))
		return store, func() { store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported assignment store driver: %q", cfg.Driver)
	}
}

// OpenRedis connects to the Redis server named by cfg.AddrEnv.
func OpenRedis(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
