// Package kvstore is the key-value store with TTL semantics used for caches
// and short-lived state (stats cache epochs, OAuth consent state, access
// tokens). Redis backs it in deployments; the in-memory store serves local
// development and tests.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("kvstore: key not found")

// Store is a string key-value store with per-key TTL.
// A zero TTL means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel returns the value and removes the key atomically.
	GetDel(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	// Incr increments an integer counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
}
