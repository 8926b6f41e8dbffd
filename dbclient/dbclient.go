/*
Package dbclient abstracts all interactions with the database for the
placement, capacity, liveness and upgrade components. It defines an
interface so any consumers of this package can perform query, update and
delete operations without having to touch pgx directly, which also makes
every scaling decision mockable in tests.
*/

package dbclient

import (
	"context"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// WhistDBClient is an interface that abstracts all interactions with the
// database. It includes query, insert, update and delete methods for the
// `whist.instances`, `whist.images` and `whist.mandelboxes` tables, plus the
// placement transaction itself, which has to live at this layer because its
// locking discipline spans two tables.
type WhistDBClient interface {
	QueryInstance(context.Context, types.InstanceID) (Instance, error)
	InsertInstances(context.Context, []Instance) (int, error)
	ActivateInstance(context.Context, types.InstanceID, string, string) error
	UpdateHeartbeat(context.Context, types.InstanceID, int32) (Instance, error)
	UpdateInstanceStatus(context.Context, types.InstanceID, string) error
	QueryInstancesByStatus(context.Context, string) ([]Instance, error)
	QueryInstancesByStatusOnRegion(context.Context, string, string) ([]Instance, error)
	CountPlaceableInstances(context.Context, string, types.ImageID) (int, error)
	QueryIdleInstances(context.Context, string, types.ImageID) ([]Instance, error)
	LockUnresponsiveInstances(context.Context, time.Duration, time.Duration) ([]Instance, error)
	TerminateInstances(context.Context, []types.InstanceID) (int, error)
	PlaceMandelbox(context.Context, Mandelbox, string, types.ImageID) (Instance, error)

	QueryUserMandelbox(context.Context, types.UserID) (Mandelbox, error)
	DeleteInstanceMandelboxes(context.Context, types.InstanceID) (int, error)

	QueryActiveImage(context.Context, string) (Image, error)
	VersionAllowed(context.Context, string, types.ClientSHA) (bool, error)
	QueryEnabledImages(context.Context) ([]Image, error)
	InsertImages(context.Context, []Image) (int, error)
	PromoteImages(context.Context, types.ClientSHA) (int, error)
	RetireImages(context.Context, types.ClientSHA) (int, error)
	EnabledRegions(context.Context) ([]string, error)
}

// queryable is the subset of *pgxpool.Pool the client needs. Keeping it
// narrow lets tests substitute a transaction or a recording fake.
type queryable interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DBClient implements `WhistDBClient` on top of the shared pgx pool. It is
// the client used outside of tests.
type DBClient struct {
	pool queryable
}

// NewDBClient returns a database client backed by the given pool, normally
// dbdriver.Pool().
func NewDBClient(pool queryable) *DBClient {
	return &DBClient{pool: pool}
}

// withLockedTx runs f inside a transaction with the configured row
// `lock_timeout` applied, committing on success and rolling back on any
// error. Lock waits that exceed the timeout surface as ErrLockTimeout.
func (c *DBClient) withLockedTx(ctx context.Context, f func(pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return utils.MakeError("couldn't begin transaction: %s", err)
	}
	defer tx.Rollback(ctx)

	// SET LOCAL does not accept bind parameters.
	timeoutMs := config.GetPlacementLockTimeout().Milliseconds()
	if _, err := tx.Exec(ctx, utils.Sprintf("SET LOCAL lock_timeout = '%vms'", timeoutMs)); err != nil {
		return utils.MakeError("couldn't set lock_timeout: %s", err)
	}

	if err := f(tx); err != nil {
		if isLockTimeout(err) {
			return ErrLockTimeout
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return utils.MakeError("couldn't commit transaction: %s", err)
	}
	return nil
}
