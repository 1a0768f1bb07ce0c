// Package ratelimit provides Redis-backed request limiting: a sliding
// window counter for per-key request rates, an exponential backoff gate
// for abuse-prone endpoints, and a free-model quota tied to organization
// credit balances.
//
// Every limiter fails open: when Redis is unreachable the request is
// allowed and the cause is logged, so a degraded limiter store never
// turns into a gateway outage.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result reports a limiter decision.
type Result struct {
	Allowed bool
	// Limit is the configured ceiling for the window.
	Limit int64
	// Remaining is how many requests are left in the current window.
	Remaining int64
	// RetryAfterSeconds is how long the caller should wait before
	// retrying. Zero when Allowed.
	RetryAfterSeconds float64
}

// slidingWindowScript trims expired members, counts the window, and
// either records the new request or computes when the oldest member
// ages out. Runs atomically so concurrent requests cannot both claim
// the last slot. Times are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
	redis.call('ZADD', key, now, tostring(now))
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// SlidingWindow limits each key to a request count within a rolling
// time window, backed by a Redis sorted set of request timestamps.
type SlidingWindow struct {
	rdb *redis.Client
}

func NewSlidingWindow(rdb *redis.Client) *SlidingWindow {
	return &SlidingWindow{rdb: rdb}
}

// Allow records a request against key if the window has capacity.
// On a store error the request is allowed and the error logged.
func (s *SlidingWindow) Allow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	now := time.Now().UnixMilli()
	vals, err := slidingWindowScript.Run(ctx, s.rdb, []string{key},
		now, window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter unavailable, allowing request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return Result{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if len(vals) != 3 {
		return Result{Allowed: true, Limit: limit, Remaining: limit},
			fmt.Errorf("ratelimit: script returned %d values, want 3", len(vals))
	}
	res := Result{
		Allowed:   vals[0] == 1,
		Limit:     limit,
		Remaining: vals[1],
	}
	if !res.Allowed {
		res.RetryAfterSeconds = float64(vals[2]) / 1000
		if res.RetryAfterSeconds < 0 {
			res.RetryAfterSeconds = 0
		}
	}
	return res, nil
}
