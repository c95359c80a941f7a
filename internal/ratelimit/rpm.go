// Package ratelimit guards the gateway's inbound side with a global
// requests-per-minute budget, shared across replicas through a Redis sliding
// window. It is independent of the per-key quotas enforced by the backend.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits one request if the window has room.
// KEYS[1] = sorted set key
// ARGV[1] = now, unix milliseconds
// ARGV[2] = window, milliseconds
// ARGV[3] = limit
// ARGV[4] = unique member for this request
// Returns {allowed (0|1), oldest score in the window or 0}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			return {0, oldest[2] or '0'}
		end

		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, window)
		return {1, '0'}
`)

const (
	// DefaultKey is the sorted set holding admitted request timestamps.
	DefaultKey = "keypool:ratelimit:rpm"

	defaultWindow  = time.Minute
	defaultTimeout = 200 * time.Millisecond
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the oldest admitted request leaves the
	// window. Zero when allowed or unknown.
	RetryAfter time.Duration
	// Degraded is set when Redis could not be reached and the request was
	// let through.
	Degraded bool
}

// RPMLimiter checks a global requests-per-minute limit.
type RPMLimiter struct {
	rdb     *redis.Client
	limit   int
	key     string
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
	member  func() string
}

type Option func(*RPMLimiter)

func WithKey(key string) Option {
	return func(r *RPMLimiter) {
		if key != "" {
			r.key = key
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *RPMLimiter) { r.log = l }
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *RPMLimiter) { r.now = now }
}

// NewRPMLimiter creates a limiter admitting limit requests per minute.
// limit must be > 0; values <= 0 block every request.
func NewRPMLimiter(rdb *redis.Client, limit int, opts ...Option) *RPMLimiter {
	r := &RPMLimiter{
		rdb:     rdb,
		limit:   limit,
		key:     DefaultKey,
		window:  defaultWindow,
		timeout: defaultTimeout,
		now:     time.Now,
		log:     slog.Default(),
		member:  newMember,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Limit returns the configured budget.
func (r *RPMLimiter) Limit() int { return r.limit }

// Allow reports whether the current request fits the budget. Redis errors
// never reject a request.
func (r *RPMLimiter) Allow(ctx context.Context) Decision {
	if r.limit <= 0 {
		return Decision{RetryAfter: r.window}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now().UnixMilli()
	window := r.window.Milliseconds()
	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key},
		now, window, r.limit, r.member(),
	).Slice()
	if err != nil || len(res) != 2 {
		r.log.WarnContext(ctx, "ratelimit_degraded", slog.Any("error", err))
		return Decision{Allowed: true, Degraded: true}
	}

	if allowed, _ := res[0].(int64); allowed == 1 {
		return Decision{Allowed: true}
	}

	d := Decision{}
	if oldest := parseScore(res[1]); oldest > 0 {
		if left := oldest + window - now; left > 0 {
			d.RetryAfter = time.Duration(left) * time.Millisecond
		}
	}
	return d
}

func parseScore(v any) int64 {
	switch s := v.(type) {
	case string:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return int64(f)
	case int64:
		return s
	default:
		return 0
	}
}

func newMember() string { return uuid.NewString() }
