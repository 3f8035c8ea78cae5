package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// LockManager provides distributed locks using PostgreSQL advisory locks.
// The reconciler uses it to keep a single cycle running cluster-wide even
// when several ipamcore instances share the same sync interval.
type LockManager struct {
	db *sql.DB
}

func NewLockManager(db *sql.DB) *LockManager { return &LockManager{db: db} }

// hashKey converts a string key to a uint32 for advisory locks
func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// Acquire obtains an exclusive advisory lock. Blocks until acquired.
func (l *LockManager) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	k := hashKey(key)
	if _, err := l.db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", int64(k)); err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return func(c context.Context) error {
		if _, err := l.db.ExecContext(c, "SELECT pg_advisory_unlock($1)", int64(k)); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// TryAcquire tries to obtain lock without blocking.
func (l *LockManager) TryAcquire(ctx context.Context, key string) (bool, func(context.Context) error, error) {
	k := hashKey(key)
	var ok bool
	if err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", int64(k)).Scan(&ok); err != nil {
		return false, nil, fmt.Errorf("failed to try lock %s: %w", key, err)
	}
	if !ok {
		return false, nil, nil
	}
	return true, func(c context.Context) error {
		if _, err := l.db.ExecContext(c, "SELECT pg_advisory_unlock($1)", int64(k)); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}
