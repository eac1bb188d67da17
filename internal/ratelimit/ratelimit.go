// Package ratelimit throttles gateway callers by principal.
//
// MemoryLimiter is an in-process token bucket. The gateway runs as a single
// instance, so per-process buckets are exact; the Limiter interface is the
// contract for anything else.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "operator:op-ana").
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open rather than blocking operators from acting on a window.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup timers, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
