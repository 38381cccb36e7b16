package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is absent from the KV store
var ErrKeyNotFound = errors.New("key not found")

// ErrCASConflict is returned when a compare-and-swap loses to a concurrent
// writer; callers re-read and retry.
var ErrCASConflict = errors.New("compare-and-swap conflict")

// KVStore backs the session manager and rate limiter. The in-memory
// implementation is correct for a single active instance; the redis
// implementation externalizes the same operations for multi-instance
// deployments without touching call sites.
type KVStore interface {
	// Get returns the stored value, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes a value with a TTL; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value only if the current value equals
	// expected. A nil expected asserts the key does not exist yet.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error

	// Delete removes a key; missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns keys matching a prefix (used by sweeps).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Expire adjusts the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
