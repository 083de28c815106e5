package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Cache is a cache-aside wrapper around a Store. Store failures are logged and
// fall through to the loader; the cache never fails a read on its own.
//
// Entries are invalidated by epoch: a writer bumps the epoch of a namespace
// and readers include the current epoch in their keys, so stale entries are
// simply never read again and expire on their own.
type Cache struct {
	store  Store
	logger *zap.Logger
}

// NewCache creates a Cache over store.
func NewCache(store Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger.Named("cache")}
}

func epochKey(namespace string) string {
	return "epoch:" + namespace
}

// Epoch returns the current epoch of namespace (0 if never bumped).
func (c *Cache) Epoch(ctx context.Context, namespace string) int64 {
	v, err := c.store.Get(ctx, epochKey(namespace))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("Failed to read cache epoch", zap.String("namespace", namespace), zap.Error(err))
		}
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Bump invalidates every entry keyed under the namespace's current epoch.
func (c *Cache) Bump(ctx context.Context, namespace string) {
	if _, err := c.store.Incr(ctx, epochKey(namespace)); err != nil {
		c.logger.Warn("Failed to bump cache epoch", zap.String("namespace", namespace), zap.Error(err))
	}
}

// Key builds an epoch-scoped cache key.
func (c *Cache) Key(ctx context.Context, namespace, suffix string) string {
	return namespace + ":" + strconv.FormatInt(c.Epoch(ctx, namespace), 10) + ":" + suffix
}

// GetOrLoad returns the cached value under key or, on a miss, the result of
// load, which is then cached for ttl. Loader errors are never cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if raw, err := c.store.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, nil
		}
		c.logger.Warn("Discarding undecodable cache entry", zap.String("key", key))
	} else if !errors.Is(err, ErrMiss) {
		c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if err := c.store.Set(ctx, key, string(data), ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
