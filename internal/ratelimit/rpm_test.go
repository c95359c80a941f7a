package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keypool-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if d := limiter.Allow(ctx); !d.Allowed || d.Degraded {
			t.Fatalf("expected allowed at iteration %d, got %+v", i, d)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	c := &clock{now: time.Unix(1_700_000_000, 0)}

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit, ratelimit.WithClock(c.Now))
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if d := limiter.Allow(ctx); !d.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
		c.Advance(time.Second)
	}

	// The (limit+1)th request must be blocked until the first one leaves the window.
	d := limiter.Allow(ctx)
	if d.Allowed {
		t.Fatal("expected rejection after limit exceeded")
	}
	if d.RetryAfter != 57*time.Second {
		t.Errorf("expected 57s retry after, got %v", d.RetryAfter)
	}
}

func TestRPMLimiter_WindowSlides(t *testing.T) {
	rdb, _ := newTestRedis(t)
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	limiter := ratelimit.NewRPMLimiter(rdb, 1, ratelimit.WithClock(c.Now))
	ctx := context.Background()

	if !limiter.Allow(ctx).Allowed {
		t.Fatal("first request should pass")
	}
	if limiter.Allow(ctx).Allowed {
		t.Fatal("second request should be rejected")
	}
	c.Advance(time.Minute + time.Millisecond)
	if !limiter.Allow(ctx).Allowed {
		t.Fatal("request after the window should pass")
	}
}

func TestRPMLimiter_CustomKey(t *testing.T) {
	rdb, mr := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 5, ratelimit.WithKey("custom:rpm"))

	limiter.Allow(context.Background())
	if !mr.Exists("custom:rpm") {
		t.Error("expected custom key to be used")
	}
	if mr.Exists(ratelimit.DefaultKey) {
		t.Error("default key must not be used")
	}
}

func TestRPMLimiter_NonPositiveLimitBlocks(t *testing.T) {
	rdb, _ := newTestRedis(t)
	if ratelimit.NewRPMLimiter(rdb, 0).Allow(context.Background()).Allowed {
		t.Error("limit 0 must block")
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, mr := newTestRedis(t)
	// Close Redis before making any calls; the limiter must allow requests.
	mr.Close()

	d := ratelimit.NewRPMLimiter(rdb, 5).Allow(context.Background())
	if !d.Allowed || !d.Degraded {
		t.Errorf("expected degraded admission, got %+v", d)
	}
}
