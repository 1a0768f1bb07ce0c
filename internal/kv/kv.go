// Package kv owns the Redis connection shared by the rate limiters and the
// log queue, plus the queue itself.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient dials Redis. Callers own Close.
func NewClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
}

// Ping verifies connectivity within the given budget.
func Ping(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
