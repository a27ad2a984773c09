// Package kv abstracts the shared key-value store backing the result cache
// and the rate limiter. The contract is intentionally tiny — get, set with
// TTL, and an atomic increment-with-TTL — so it ports to any store with an
// atomic counter.
package kv

import (
	"context"
	"time"
)

// Store is the shared key-value contract. Implementations must be safe for
// concurrent use by many request workers.
type Store interface {
	// Get returns the value for key and whether it was present. A missing
	// or expired key is (val="", ok=false, err=nil).
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL writes key=value with the given expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrWithTTL atomically increments the counter at key and ensures the
	// key carries the given TTL. Returns the post-increment value. The
	// increment and expiry are applied in a single round trip.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
