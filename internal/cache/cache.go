// Package cache is a read-through response cache for the public plugin API,
// backed by Redis. Entries expire on a TTL as a backstop; the update job
// invalidates a plugin's entries eagerly whenever a merge rewrites it.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/napari-hub/hub-backend/internal/config"
)

// Cache keys used by the API layer.
const (
	KeyIndex = "plugins:index"
)

// PluginKey returns the cache key for one plugin's detail document.
func PluginKey(name string) string {
	return "plugin:" + name
}

// Cache stores serialized API responses. A miss is (nil, false); cache
// failures degrade to misses so Redis being down only costs latency.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, keys ...string)
	Close() error
}

// NewFromConfig returns a Redis cache, or a null cache when no Redis address
// is configured.
func NewFromConfig(cfg *config.RedisConfig) Cache {
	if cfg.Address == "" {
		return &NullCache{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "cache"),
	}
}

// RedisCache stores entries in Redis with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) {
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NullCache misses on every read and drops every write. Used when caching is
// not configured and in tests.
type NullCache struct{}

func (NullCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (NullCache) Set(context.Context, string, []byte)        {}
func (NullCache) Delete(context.Context, ...string)          {}
func (NullCache) Close() error                               { return nil }
