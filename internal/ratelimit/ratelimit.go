// Package ratelimit enforces shared request budgets per integration/platform
// on top of an atomic increment-with-TTL cache primitive. Counters live in a
// cache shared by every worker so the budget holds across processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Error signals that a request budget is exhausted. Callers requeue the same
// unit of work after RetryAfter instead of treating the error as fatal.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// NewError builds a rate-limit signal with the given backoff. Non-positive
// backoffs are clamped to one second so callers always wait.
func NewError(retryAfter time.Duration) *Error {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &Error{RetryAfter: retryAfter}
}

// Cache is the shared counter primitive. Increment must be atomic
// (increment-or-create, not read-modify-write): when no live window exists
// for key it opens one with the given TTL and returns 1.
type Cache interface {
	// Increment bumps the counter under key, creating a fresh window with
	// ttl when none is live, and returns the new count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Counter reports the live count under key and the time remaining in
	// its window. An expired or missing window reports (0, 0).
	Counter(ctx context.Context, key string) (int64, time.Duration, error)
}

// Limiter budgets maxRequests per window for one counter key.
type Limiter struct {
	cache  Cache
	max    int64
	window time.Duration
	key    string
}

// NewLimiter builds a limiter over the shared cache.
func NewLimiter(cache Cache, maxRequests int, window time.Duration, key string) *Limiter {
	return &Limiter{cache: cache, max: int64(maxRequests), window: window, key: key}
}

// Check fails fast with *Error when the current window is exhausted. It does
// not consume budget.
func (l *Limiter) Check(ctx context.Context) error {
	count, remaining, err := l.cache.Counter(ctx, l.key)
	if err != nil {
		return fmt.Errorf("rate limit check %s: %w", l.key, err)
	}
	if count >= l.max {
		return NewError(remaining)
	}
	return nil
}

// Increment consumes one unit of budget, opening a new window if the
// previous one expired.
func (l *Limiter) Increment(ctx context.Context) error {
	if _, err := l.cache.Increment(ctx, l.key, l.window); err != nil {
		return fmt.Errorf("rate limit increment %s: %w", l.key, err)
	}
	return nil
}
