package cache

import (
	"context"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// RedisStore persists exact-layer cache entries in Redis so responses
// survive process restarts. Entries are stored as JSON with the same
// quality-derived TTL the memory layer uses.
type RedisStore struct {
	client *core.RedisClient
	logger core.Logger
}

// NewRedisStore creates a persistent store on the cache Redis DB.
func NewRedisStore(redisURL string, logger core.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBCache,
		Namespace: "cache",
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, logger: logger}, nil
}

// Load fetches the serialized entry for a key. Returns nil, nil on miss.
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	return s.client.Get(ctx, key)
}

// Save writes the serialized entry with the given TTL.
func (s *RedisStore) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, data, ttl)
}

// Delete removes the entry for a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, key)
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
