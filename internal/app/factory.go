package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/media-orchestrator/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/media-orchestrator/internal/config"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// NewStore builds the JobStore selected by QUEUE_STORAGE. The Redis
// flavor pings the server and seeds the worker counter before it is
// handed out.
func NewStore(ctx context.Context, cfg config.Config) (domain.JobStore, error) {
	switch cfg.QueueStorage {
	case config.StorageMemory:
		return memstore.New(cfg.MaxRemoteWorkers, cfg.JobTTL()), nil
	case config.StorageRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.NewStore: parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("op=app.NewStore: redis ping: %w", err)
		}
		store := redisstore.New(rdb, cfg.MaxRemoteWorkers, cfg.JobTTL())
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("op=app.NewStore: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("op=app.NewStore: unknown QUEUE_STORAGE %q", cfg.QueueStorage)
	}
}
