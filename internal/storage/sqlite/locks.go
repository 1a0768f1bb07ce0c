package sqlite

import (
	"context"
	"os"
	"strconv"
	"time"
)

// lockHolder identifies this process in the locks table for debugging.
var lockHolder = func() string {
	host, _ := os.Hostname()
	return host + ":" + strconv.Itoa(os.Getpid())
}()

// AcquireLock takes the named advisory lock if it is free or its current
// holder went stale (held longer than ttl). Returns false when another live
// holder has it.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO locks (name, holder, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
		 WHERE locks.acquired_at < ?`,
		name, lockHolder, timeToStr(now), timeToStr(now.Add(-ttl)),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock frees the named lock.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name)
	return err
}
