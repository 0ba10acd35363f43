package cache

import (
	"context"
	"time"
)

// Cache is the cache-aside store for derived views: per-actor interaction
// flags and aggregate detail payloads. *RedisCache implements it; MockCache
// backs unit tests that need error injection.
type Cache interface {
	// Get returns the cached value. found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Ensure *RedisCache implements Cache at compile time.
var _ Cache = (*RedisCache)(nil)
