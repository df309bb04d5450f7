// Package ratelimit provides the HTTP backpressure for the arbiter.
//
// The adapter runs without an internal request queue, so the per-client
// token bucket here is the only thing standing between a misbehaving
// caller and the jury engine. The Limiter interface is the contract;
// deployments that front multiple arbiters can substitute a shared
// implementation.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque; the HTTP middleware uses the client IP. Returning an error
	// signals a limiter malfunction; callers treat errors as fail-open
	// rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
