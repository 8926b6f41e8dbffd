package dbdriver // import "github.com/whisthq/whist/backend/placement-service/dbdriver"

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/whisthq/whist/backend/placement-service/utils"
)

// Advisory lock keys for the background loops. Each loop takes its key with
// pg_try_advisory_lock so that only one deployment replica runs it at a time.
const (
	// CapacityLockKey guards the capacity controller tick.
	CapacityLockKey int64 = 0x77687374_0001
	// LivenessLockKey guards the liveness supervisor tick.
	LivenessLockKey int64 = 0x77687374_0002
	// UpgradeLockKey guards the upgrade orchestrator.
	UpgradeLockKey int64 = 0x77687374_0003
)

// AdvisoryLock is a session-level Postgres advisory lock. The lock lives as
// long as the dedicated connection that acquired it, so holders must call
// Release (or let the process exit) to give it up.
type AdvisoryLock struct {
	key  int64
	conn *pgxpool.Conn
}

// TryAcquireLock attempts to take the advisory lock for `key` without
// blocking. It returns (nil, nil) if another session already holds the lock.
// The connection backing the lock is pinned out of the pool until Release.
func TryAcquireLock(ctx context.Context, key int64) (*AdvisoryLock, error) {
	conn, err := Pool().Acquire(ctx)
	if err != nil {
		return nil, utils.MakeError("couldn't acquire connection for advisory lock %d: %s", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, utils.MakeError("couldn't take advisory lock %d: %s", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}

	return &AdvisoryLock{key: key, conn: conn}, nil
}

// Release gives up the advisory lock and returns its connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Release()
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		return utils.MakeError("couldn't release advisory lock %d: %s", l.key, err)
	}
	return nil
}
