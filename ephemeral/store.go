// Package ephemeral provides the short-lived coordination store used for
// rate-limit counters, minute dedup markers, liveness mirrors, response
// caches and single-use nonces. Losing this store only degrades behaviour
// (limits reset, caches refill); nothing durable lives here.
package ephemeral

import (
	"context"
	"time"
)

// Store is the narrow port every component talks to. Implementations must
// treat TTLs as mandatory: a key written with a TTL disappears after it.
type Store interface {
	// Incr increments the counter at key, starting at 1 and arming ttl on
	// the first increment of the key's lifetime.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX claims key once; it returns false when the key already exists.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report connectivity; readiness
// probes type-assert for it.
type Pinger interface {
	Ping(ctx context.Context) error
}
