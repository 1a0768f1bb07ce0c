package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignupPrefix namespaces the backoff state for key-creation requests.
const SignupPrefix = "signup_rate_limit"

// Backoff gates repeated attempts with an exponentially growing delay.
// State lives in two Redis keys per identifier: the timestamp of the
// last attempt and a counter of consecutive attempts. Both expire after
// the maximum delay so stale offenders are forgotten.
type Backoff struct {
	rdb *redis.Client
	// Base is the delay after the first attempt.
	Base time.Duration
	// Max caps the delay however many attempts accumulate.
	Max time.Duration
}

// NewSignupBackoff returns the gate used for key-creation endpoints:
// 1s after the first attempt, doubling to a 5 minute ceiling.
func NewSignupBackoff(rdb *redis.Client) *Backoff {
	return &Backoff{rdb: rdb, Base: time.Second, Max: 5 * time.Minute}
}

func (b *Backoff) lastKey(prefix, id string) string     { return prefix + ":" + id }
func (b *Backoff) attemptsKey(prefix, id string) string { return prefix + "_attempts:" + id }

// Check decides whether id may attempt now. Allowed attempts are
// recorded, which grows the delay for the next one; denied attempts
// leave the stored state untouched. Store errors allow the attempt.
func (b *Backoff) Check(ctx context.Context, prefix, id string) (Result, error) {
	lastKey := b.lastKey(prefix, id)
	attemptsKey := b.attemptsKey(prefix, id)

	pipe := b.rdb.Pipeline()
	lastCmd := pipe.Get(ctx, lastKey)
	attemptsCmd := pipe.Get(ctx, attemptsKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "backoff state unavailable, allowing attempt",
			slog.String("key", lastKey),
			slog.String("error", err.Error()))
		return Result{Allowed: true}, nil
	}

	now := time.Now().UnixMilli()
	last, _ := strconv.ParseInt(lastCmd.Val(), 10, 64)
	attempts, _ := strconv.ParseInt(attemptsCmd.Val(), 10, 64)

	if attempts > 0 {
		delay := b.delayFor(attempts)
		if wait := last + delay.Milliseconds() - now; wait > 0 {
			return Result{RetryAfterSeconds: float64(wait) / 1000}, nil
		}
	}

	ttl := b.Max + time.Second
	pipe = b.rdb.Pipeline()
	pipe.Set(ctx, lastKey, now, ttl)
	pipe.Incr(ctx, attemptsKey)
	pipe.Expire(ctx, attemptsKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "backoff state not recorded",
			slog.String("key", lastKey),
			slog.String("error", err.Error()))
	}
	return Result{Allowed: true}, nil
}

// Reset clears the stored state for id, typically after a successful
// action that should not be penalized further.
func (b *Backoff) Reset(ctx context.Context, prefix, id string) error {
	return b.rdb.Del(ctx, b.lastKey(prefix, id), b.attemptsKey(prefix, id)).Err()
}

// delayFor returns Base doubled per prior attempt, capped at Max.
func (b *Backoff) delayFor(attempts int64) time.Duration {
	delay := b.Base
	for i := int64(1); i < attempts; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
