package cache

import (
	"time"

	"github.com/okian/slotrank/pkg/logger"
)

// TreapOption applies a configuration option to the TreapCache.
type TreapOption func(*TreapCache)

// WithSnapshotInterval sets how often the snapshot is republished.
func WithSnapshotInterval(interval time.Duration) TreapOption {
	return func(c *TreapCache) {
		if interval > 0 {
			c.snapshotInterval = interval
		}
	}
}

// WithTopCacheSize sets how many leading entries each snapshot keeps.
func WithTopCacheSize(n int) TreapOption {
	return func(c *TreapCache) {
		if n > 0 {
			c.topCacheSize = n
		}
	}
}

// RedisOption applies a configuration option to the RedisCache.
type RedisOption func(*RedisCache)

// WithKey sets the sorted-set key. Companion keys are derived from it.
func WithKey(key string) RedisOption {
	return func(c *RedisCache) {
		if key != "" {
			c.key = key
		}
	}
}

// WithOwnedClient makes Close also close the Redis client.
func WithOwnedClient() RedisOption {
	return func(c *RedisCache) {
		c.ownsClient = true
	}
}

// WithRedisLogger sets the cache logger.
func WithRedisLogger(l logger.Logger) RedisOption {
	return func(c *RedisCache) {
		if l != nil {
			c.log = l
		}
	}
}
