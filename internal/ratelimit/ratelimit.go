// Package ratelimit throttles job submissions and status requests.
//
// MemoryLimiter is a per-process token bucket. RedisLimiter counts in fixed
// windows on Redis so that every Job Manager sharing the store enforces one
// budget per key.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. Keys are built by the
	// caller, e.g. "submit:<user>" or "status:<ip>". An error means the
	// limiter itself failed and callers let the request through.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background goroutines and connections.
	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
