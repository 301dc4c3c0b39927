package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterAllowsUnderBudget(t *testing.T) {
	cache := NewMemoryCache()
	limiter := NewLimiter(cache, 3, time.Minute, "api")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Check(ctx); err != nil {
			t.Fatalf("check %d under budget failed: %v", i, err)
		}
		if err := limiter.Increment(ctx); err != nil {
			t.Fatalf("increment %d failed: %v", i, err)
		}
	}
}

func TestLimiterFailsFastAtBudget(t *testing.T) {
	cache := NewMemoryCache()
	limiter := NewLimiter(cache, 2, time.Minute, "api")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := limiter.Increment(ctx); err != nil {
			t.Fatalf("increment %d failed: %v", i, err)
		}
	}

	err := limiter.Check(ctx)
	if err == nil {
		t.Fatalf("expected rate limit error at budget")
	}
	var limited *Error
	if !errors.As(err, &limited) {
		t.Fatalf("expected *ratelimit.Error, got %T: %v", err, err)
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > time.Minute {
		t.Fatalf("retry-after %v outside the window", limited.RetryAfter)
	}
}

func TestLimiterWindowResets(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	cache.SetClock(func() time.Time { return now })

	limiter := NewLimiter(cache, 1, time.Minute, "api")
	ctx := context.Background()

	if err := limiter.Increment(ctx); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := limiter.Check(ctx); err == nil {
		t.Fatalf("expected limiter to be exhausted")
	}

	now = now.Add(61 * time.Second)
	if err := limiter.Check(ctx); err != nil {
		t.Fatalf("check after window expiry failed: %v", err)
	}
}

func TestNewErrorClampsRetryAfter(t *testing.T) {
	if got := NewError(0).RetryAfter; got != time.Second {
		t.Fatalf("expected zero retry-after to clamp to 1s, got %v", got)
	}
	if got := NewError(-5 * time.Second).RetryAfter; got != time.Second {
		t.Fatalf("expected negative retry-after to clamp to 1s, got %v", got)
	}
	if got := NewError(30 * time.Second).RetryAfter; got != 30*time.Second {
		t.Fatalf("expected retry-after to pass through, got %v", got)
	}
}

func TestMemoryCacheKV(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	cache.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, found, _ := cache.Get(ctx, "missing"); found {
		t.Fatalf("unexpected hit for missing key")
	}

	if err := cache.Set(ctx, "k", "v", time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, found, _ := cache.Get(ctx, "k")
	if !found || value != "v" {
		t.Fatalf("expected hit with value v, got %q found=%v", value, found)
	}

	now = now.Add(2 * time.Hour)
	if _, found, _ := cache.Get(ctx, "k"); found {
		t.Fatalf("expected expired key to miss")
	}

	// Zero TTL entries never expire.
	if err := cache.Set(ctx, "pinned", "p", 0); err != nil {
		t.Fatalf("set pinned failed: %v", err)
	}
	now = now.Add(1000 * time.Hour)
	if _, found, _ := cache.Get(ctx, "pinned"); !found {
		t.Fatalf("expected zero-ttl key to survive")
	}
}
