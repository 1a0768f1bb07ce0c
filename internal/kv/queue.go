package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	gateway "github.com/durinhq/durin/internal"
)

// DefaultQueueKey is the Redis list the gateway pushes log records onto.
const DefaultQueueKey = "durin:log_queue"

// LogQueue is a FIFO of LogRecords over a Redis list: handlers RPUSH, the
// usage worker LPOPs in batches. Records are JSON-encoded.
type LogQueue struct {
	rdb *redis.Client
	key string
}

// NewLogQueue returns a queue over the given list key; empty key uses the
// default.
func NewLogQueue(rdb *redis.Client, key string) *LogQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &LogQueue{rdb: rdb, key: key}
}

// Push appends one record to the queue.
func (q *LogQueue) Push(ctx context.Context, rec *gateway.LogRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kv: marshal log record: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("kv: push log record: %w", err)
	}
	return nil
}

// PopBatch removes up to n records from the head of the queue. Entries that
// fail to decode are dropped with a warning; they would otherwise wedge the
// queue forever.
func (q *LogQueue) PopBatch(ctx context.Context, n int) ([]gateway.LogRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := q.rdb.LPopCount(ctx, q.key, n).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("kv: pop log records: %w", err)
	}
	out := make([]gateway.LogRecord, 0, len(items))
	for _, raw := range items {
		var rec gateway.LogRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "dropping malformed log queue entry",
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the queue depth.
func (q *LogQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}
