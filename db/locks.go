package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/logger"
)

// TryPruneLock takes the session-level advisory lock that serializes journal
// pruning across instances. The lock lives on one pooled connection, which
// is held until the returned release function is called. ok is false when
// another session holds the lock.
func (db *Database) TryPruneLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for prune lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", consts.JournalPruneLockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// The caller's context may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var unlocked bool
		if err := conn.QueryRow(unlockCtx, "SELECT pg_advisory_unlock($1)", consts.JournalPruneLockID).Scan(&unlocked); err != nil {
			logger.Warn("Failed to release prune lock", "error", err)
		} else if !unlocked {
			logger.Warn("Prune lock was not held at release")
		}
		conn.Release()
	}
	return release, true, nil
}
