package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache backs the Cache interface with Redis so validated prices can be
// shared across replicas. Failures degrade to cache misses; the caller never
// sees a Redis error.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedisCache creates a RedisCache. The prefix namespaces keys so several
// deployments can share one Redis instance.
func NewRedisCache(client *redis.Client, logger *zap.Logger, prefix string) *RedisCache {
	return &RedisCache{client: client, logger: logger, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Warn("redis del failed", zap.String("key", key), zap.Error(err))
	}
}
