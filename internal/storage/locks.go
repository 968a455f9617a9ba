package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CycleLock is a held session advisory lock. It pins the pool connection it
// was acquired on, since Postgres ties the lock to that session; Release
// returns the connection to the pool.
type CycleLock struct {
	conn   *pgxpool.Conn
	lockID int64
}

// TryAcquireAdvisoryLock attempts a non-blocking session advisory lock.
// A nil lock with nil error means another instance holds it; the caller
// skips its cycle rather than waiting.
func (db *DB) TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (*CycleLock, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()

		return nil, fmt.Errorf("try acquire advisory lock: %w", err)
	}

	if !acquired {
		conn.Release()

		return nil, nil
	}

	return &CycleLock{conn: conn, lockID: lockID}, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *CycleLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}

	defer l.conn.Release()

	// Best-effort: if the session died the lock is already gone.
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
}
