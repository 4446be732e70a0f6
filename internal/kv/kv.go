package kv

import (
	"context"
	"time"
)

// UpdateFunc transforms the current value of a key. found reports whether a
// live value existed. Returning keep=false deletes the key; returning an
// error aborts the update and leaves the key untouched.
type UpdateFunc func(old []byte, found bool) (next []byte, keep bool, err error)

// Store is the TTL key-value abstraction behind one-time codes, rate-limit
// counters and pending sessions. An in-memory implementation and a
// distributed cache must be interchangeable without touching call sites.
type Store interface {
	// Get returns the live value for key. Expired values read as absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key immediately. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Update applies fn atomically with respect to concurrent callers using
	// the same key. This is the compare-and-swap primitive behind
	// attempt counting, window increments and session consumption.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}
