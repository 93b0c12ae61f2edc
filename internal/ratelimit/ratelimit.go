// Package ratelimit throttles submissions per client.
//
// The Limiter interface is the contract; MemoryLimiter is a per-process
// token bucket, sufficient because one orchestrator owns the fleet.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this call.
	Remaining int
	// RetryAfter is how long until one token is available. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use. Errors are treated as
// fail-open by callers.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoopLimiter) Close() error { return nil }
