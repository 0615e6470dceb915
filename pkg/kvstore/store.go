// Package kvstore provides the shared key/value store behind rate-limit
// counters, active-task markers, per-chat queues, and cancellation flags.
// All mutations are per-key atomic.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the typed interface over the shared KV store. Implementations:
// Postgres-backed for production, in-memory for tests.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetEx sets key to value with a TTL. Zero TTL means no expiry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets key only if absent; reports whether the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key by 1 and returns the new
	// value. A fresh key starts at 1 and gets the given TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// RPush appends value to the list at key.
	RPush(ctx context.Context, key, value string) error

	// Drain atomically returns the whole list at key in push order and
	// deletes it. An absent list yields an empty slice.
	Drain(ctx context.Context, key string) ([]string, error)
}
