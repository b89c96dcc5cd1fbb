// Package cache is an optional Redis-backed response cache for research
// provider calls. Identical queries within the TTL are answered from cache,
// which both cuts latency and avoids paying the provider twice for the same
// question. A nil client disables caching entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/metrics"
)

// Cache wraps a Redis client with JSON serialization and a fixed TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache. A nil client yields a disabled cache whose Get always
// misses and whose Set is a no-op; TTL defaults to 15 minutes.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Enabled reports whether a backing client is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Key builds a namespaced cache key from an operation name and its inputs.
func Key(op string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("foresight:%s:%s", op, hex.EncodeToString(h.Sum(nil))[:32])
}

// Get loads a cached value into dest. Returns false on miss, on a disabled
// cache, and on any Redis error: the cache never fails a provider call.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	if !c.Enabled() {
		return false
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		}
		metrics.CacheMisses.Inc()
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		c.logger.Warn("dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		metrics.CacheMisses.Inc()
		return false
	}
	metrics.CacheHits.Inc()
	return true
}

// Set stores a value under key for the cache TTL. Errors are logged, never
// returned.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) {
	if !c.Enabled() {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache set: marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}
