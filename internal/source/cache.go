package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "loadout:skill:"

// Cached decorates a Source with a Redis read-through cache. Cache faults
// degrade to the inner source; they never fail a fetch.
type Cached struct {
	inner  Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached connects to Redis and wraps inner. A non-positive ttl defaults
// to five minutes.
func NewCached(inner Source, redisURL string, ttl time.Duration, logger *zap.Logger) (*Cached, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{inner: inner, rdb: rdb, ttl: ttl, logger: logger}, nil
}

func cacheKey(name, version string) string {
	if version == "" {
		version = "latest"
	}
	return cacheKeyPrefix + name + "@" + version
}

// Fetch serves from Redis when possible, falling back to the inner source
// and populating the cache on a miss.
func (c *Cached) Fetch(ctx context.Context, name, version string) (*Content, error) {
	key := cacheKey(name, version)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var content Content
		if json.Unmarshal(data, &content) == nil {
			return &content, nil
		}
		// Corrupt entry: drop it and refetch.
		c.rdb.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("skill cache read failed", zap.String("key", key), zap.Error(err))
	}

	content, err := c.inner.Fetch(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(content); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("skill cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return content, nil
}

// List passes through to the inner source.
func (c *Cached) List(ctx context.Context) ([]string, error) {
	return c.inner.List(ctx)
}

// Save writes through to the inner source and invalidates cached copies.
// Fails when the inner source is not writable.
func (c *Cached) Save(ctx context.Context, content *Content) error {
	w, ok := c.inner.(Writer)
	if !ok {
		return fmt.Errorf("source does not support writes")
	}
	if err := w.Save(ctx, content); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, content.Name); err != nil {
		c.logger.Warn("skill cache invalidation failed",
			zap.String("skill", content.Name), zap.Error(err))
	}
	return nil
}

// Invalidate drops every cached version of a skill, including the latest
// alias.
func (c *Cached) Invalidate(ctx context.Context, name string) error {
	iter := c.rdb.Scan(ctx, 0, cacheKeyPrefix+name+"@*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Close shuts down the Redis connection.
func (c *Cached) Close() error {
	return c.rdb.Close()
}
