// Package app opens the configured backends shared by the taskgraphd daemon
// and the examples.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/task"
	"github.com/dshills/taskgraph-go/config"
	"github.com/dshills/taskgraph-go/graph/store"
	"github.com/dshills/taskgraph-go/internal/redisutil"
)

// NeedsRedis reports whether any configured backend uses Redis.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Tasks.Driver == "redis" || cfg.Bus.Transport == "redis"
}

// OpenRedis connects to Redis when the configuration needs it and returns
// nil otherwise.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !NeedsRedis(cfg) {
		return nil, nil
	}
	return redisutil.NewClient(ctx, cfg.Redis)
}

// OpenCheckpointStore opens the checkpoint store selected by cfg.
func OpenCheckpointStore(cfg config.CheckpointConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mysql":
		s, err := store.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
}

// OpenTaskStore opens the task store selected by cfg. client must be
// non-nil for the redis driver.
func OpenTaskStore(cfg config.TaskConfig, client *redis.Client, prefix string) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemStore(), nil
	case "sqlite":
		s, err := task.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis task store: no redis client")
		}
		return task.NewRedisStore(client, prefix), nil
	default:
		return nil, fmt.Errorf("unknown task driver %q", cfg.Driver)
	}
}

// NewTransport builds the bus transport selected by cfg.
func NewTransport(cfg config.BusConfig, client *redis.Client, prefix string, logger *zap.Logger) (bus.Transport, error) {
	switch cfg.Transport {
	case "", "memory":
		return bus.NewMemoryTransport(cfg.MaxQueue), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis transport: no redis client")
		}
		return bus.NewRedisTransport(client, cfg.RedisTransport(prefix), logger), nil
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Transport)
	}
}
