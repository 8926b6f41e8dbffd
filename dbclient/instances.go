package dbclient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// instanceColumns is the select list shared by every instance query. The
// nullable columns collapse to the empty string, which the rest of the
// service treats as "not yet set".
const instanceColumns = `id, provider, region, image_id, client_sha, instance_type,
	COALESCE(ip_addr, ''), COALESCE(auth_token, ''),
	capacity_total, remaining_capacity, status, last_updated, created_at`

func scanInstance(row pgx.Row) (Instance, error) {
	var instance Instance
	err := row.Scan(&instance.ID, &instance.Provider, &instance.Region, &instance.ImageID,
		&instance.ClientSHA, &instance.Type, &instance.IPAddr, &instance.AuthToken,
		&instance.CapacityTotal, &instance.RemainingCapacity, &instance.Status,
		&instance.LastUpdated, &instance.CreatedAt)
	return instance, err
}

func scanInstances(rows pgx.Rows) ([]Instance, error) {
	defer rows.Close()
	var instances []Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, utils.MakeError("couldn't scan instance row: %s", err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// QueryInstance returns the instance with the given id, or ErrNotFound.
func (c *DBClient) QueryInstance(ctx context.Context, id types.InstanceID) (Instance, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM whist.instances WHERE id = $1`, string(id))
	instance, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, ErrNotFound
	} else if err != nil {
		return Instance{}, utils.MakeError("couldn't query instance %s: %s", id, err)
	}
	return instance, nil
}

// InsertInstances adds the given instances to the registry. Capacity
// Controller calls this with freshly launched instances in `PRE_CONNECTION`,
// with null ip and auth token so the register handshake can tell first
// contact apart from a replay.
func (c *DBClient) InsertInstances(ctx context.Context, instances []Instance) (int, error) {
	inserted := 0
	for _, instance := range instances {
		tag, err := c.pool.Exec(ctx, `INSERT INTO whist.instances
			(id, provider, region, image_id, client_sha, instance_type, ip_addr, auth_token,
			 capacity_total, remaining_capacity, status)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)`,
			string(instance.ID), instance.Provider, instance.Region, string(instance.ImageID),
			string(instance.ClientSHA), instance.Type, instance.IPAddr, instance.AuthToken,
			instance.CapacityTotal, instance.RemainingCapacity, instance.Status)
		if err != nil {
			return inserted, utils.MakeError("couldn't insert instance %s: %s", instance.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ActivateInstance performs the one-shot register transition: the row must
// still be in `PRE_CONNECTION` with no auth token, otherwise the update
// matches nothing and ErrBadInstanceState is returned. The conditional
// update makes the handshake idempotent in the failure direction only; a
// token is never issued twice.
func (c *DBClient) ActivateInstance(ctx context.Context, id types.InstanceID, ip string, authToken string) error {
	tag, err := c.pool.Exec(ctx, `UPDATE whist.instances
		SET ip_addr = $2, auth_token = $3, status = $4, last_updated = now()
		WHERE id = $1 AND status = $5 AND auth_token IS NULL`,
		string(id), ip, authToken, InstanceStatusActive, InstanceStatusPreConnection)
	if err != nil {
		return utils.MakeError("couldn't activate instance %s: %s", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadInstanceState
	}
	return nil
}

// UpdateHeartbeat records a heartbeat: it refreshes `last_updated`, writes
// the worker-reported remaining capacity (clamped to the valid range), and
// reconciles the mandelbox table against it by deleting the oldest surplus
// rows. The worker's report is authoritative for session ends, so the
// reconciliation is what keeps `remaining_capacity` equal to capacity_total
// minus live mandelboxes. Returns the updated row.
func (c *DBClient) UpdateHeartbeat(ctx context.Context, id types.InstanceID, reported int32) (Instance, error) {
	var updated Instance
	err := c.withLockedTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+instanceColumns+`
			FROM whist.instances WHERE id = $1 FOR UPDATE`, string(id))
		instance, err := scanInstance(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return utils.MakeError("couldn't lock instance %s for heartbeat: %s", id, err)
		}

		remaining := utils.Max(int32(0), utils.Min(reported, instance.CapacityTotal))
		if _, err := tx.Exec(ctx, `UPDATE whist.instances
			SET remaining_capacity = $2, last_updated = now() WHERE id = $1`,
			string(id), remaining); err != nil {
			return utils.MakeError("couldn't update heartbeat for instance %s: %s", id, err)
		}

		var live int32
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM whist.mandelboxes
			WHERE instance_id = $1`, string(id)).Scan(&live); err != nil {
			return utils.MakeError("couldn't count mandelboxes on instance %s: %s", id, err)
		}
		surplus := live - (instance.CapacityTotal - remaining)
		if surplus > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM whist.mandelboxes WHERE id IN
				(SELECT id FROM whist.mandelboxes WHERE instance_id = $1
				 ORDER BY created_at ASC LIMIT $2)`, string(id), surplus); err != nil {
				return utils.MakeError("couldn't reconcile mandelboxes on instance %s: %s", id, err)
			}
		}

		instance.RemainingCapacity = remaining
		instance.LastUpdated = time.Now()
		updated = instance
		return nil
	})
	return updated, err
}

// UpdateInstanceStatus moves the instance to the given status under a row
// lock. Returns ErrNotFound if the row does not exist.
func (c *DBClient) UpdateInstanceStatus(ctx context.Context, id types.InstanceID, status string) error {
	return c.withLockedTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE whist.instances
			SET status = $2, last_updated = now() WHERE id = $1`, string(id), status)
		if err != nil {
			return utils.MakeError("couldn't update status of instance %s: %s", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// QueryInstancesByStatus returns all instances in the given status.
func (c *DBClient) QueryInstancesByStatus(ctx context.Context, status string) ([]Instance, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+instanceColumns+`
		FROM whist.instances WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, utils.MakeError("couldn't query instances with status %s: %s", status, err)
	}
	return scanInstances(rows)
}

// QueryInstancesByStatusOnRegion returns all instances in the given status
// on the given region.
func (c *DBClient) QueryInstancesByStatusOnRegion(ctx context.Context, status string, region string) ([]Instance, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+instanceColumns+`
		FROM whist.instances WHERE status = $1 AND region = $2 ORDER BY created_at ASC`, status, region)
	if err != nil {
		return nil, utils.MakeError("couldn't query %s instances on %s: %s", status, region, err)
	}
	return scanInstances(rows)
}

// CountPlaceableInstances counts the instances that are, or will shortly
// become, usable for placements on (region, image): everything still warming
// up in `PRE_CONNECTION` plus every `ACTIVE` instance with a free slot.
func (c *DBClient) CountPlaceableInstances(ctx context.Context, region string, imageID types.ImageID) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx, `SELECT count(*) FROM whist.instances
		WHERE region = $1 AND image_id = $2
		AND (status = $3 OR (status = $4 AND remaining_capacity > 0))`,
		region, string(imageID), InstanceStatusPreConnection, InstanceStatusActive).Scan(&count)
	if err != nil {
		return 0, utils.MakeError("couldn't count placeable instances on %s/%s: %s", region, imageID, err)
	}
	return count, nil
}

// QueryIdleInstances returns the `ACTIVE` instances on (region, image) that
// host no sessions at all, oldest first. Only these are safe to drain.
func (c *DBClient) QueryIdleInstances(ctx context.Context, region string, imageID types.ImageID) ([]Instance, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+instanceColumns+`
		FROM whist.instances
		WHERE region = $1 AND image_id = $2 AND status = $3
		AND remaining_capacity = capacity_total
		ORDER BY created_at ASC`, region, string(imageID), InstanceStatusActive)
	if err != nil {
		return nil, utils.MakeError("couldn't query idle instances on %s/%s: %s", region, imageID, err)
	}
	return scanInstances(rows)
}

// LockUnresponsiveInstances flips to `HOST_SERVICE_UNRESPONSIVE` every
// `ACTIVE` instance that has been silent for longer than heartbeatTimeout,
// and every `PRE_CONNECTION` instance that never registered within
// preConnTimeout. Returns the rows it flipped.
func (c *DBClient) LockUnresponsiveInstances(ctx context.Context, heartbeatTimeout time.Duration, preConnTimeout time.Duration) ([]Instance, error) {
	var flipped []Instance
	err := c.withLockedTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `UPDATE whist.instances
			SET status = $1, last_updated = now()
			WHERE (status = $2 AND last_updated < now() - make_interval(secs => $4))
			   OR (status = $3 AND created_at < now() - make_interval(secs => $5))
			RETURNING `+instanceColumns,
			InstanceStatusUnresponsive, InstanceStatusActive, InstanceStatusPreConnection,
			heartbeatTimeout.Seconds(), preConnTimeout.Seconds())
		if err != nil {
			return utils.MakeError("couldn't lock unresponsive instances: %s", err)
		}
		flipped, err = scanInstances(rows)
		return err
	})
	return flipped, err
}

// TerminateInstances marks the given instances `TERMINATED` and deletes
// their mandelbox rows, whose sessions are presumed lost. Deleting the rows
// is what lets a crashed worker's users place again.
func (c *DBClient) TerminateInstances(ctx context.Context, ids []types.InstanceID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	rawIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		rawIDs = append(rawIDs, string(id))
	}

	terminated := 0
	err := c.withLockedTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM whist.mandelboxes
			WHERE instance_id = ANY($1)`, rawIDs); err != nil {
			return utils.MakeError("couldn't delete mandelboxes of terminated instances: %s", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE whist.instances
			SET status = $2, last_updated = now()
			WHERE id = ANY($1) AND status != $2`, rawIDs, InstanceStatusTerminated)
		if err != nil {
			return utils.MakeError("couldn't terminate instances: %s", err)
		}
		terminated = int(tag.RowsAffected())
		return nil
	})
	return terminated, err
}

// PlaceMandelbox runs the placement transaction. Lock order is fixed: the
// user-uniqueness check takes its lock first, then the candidate instance,
// so concurrent placements cannot deadlock across the two tables. The
// candidate is the lockable `ACTIVE` instance with free capacity that packs
// tightest (lowest remaining capacity, then oldest). The mandelbox in the
// argument must carry its id and user id; the instance reference, slot
// reservation and row insert all commit atomically.
//
// Errors: ErrUserAlreadyActive, ErrNoInstanceAvailable, ErrLockTimeout.
func (c *DBClient) PlaceMandelbox(ctx context.Context, mandelbox Mandelbox, region string, imageID types.ImageID) (Instance, error) {
	var placed Instance
	err := c.withLockedTx(ctx, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM whist.mandelboxes
			WHERE user_id = $1 FOR UPDATE`, string(mandelbox.UserID)).Scan(&existing)
		if err == nil {
			return ErrUserAlreadyActive
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return utils.MakeError("couldn't check for existing mandelbox of user %s: %s", mandelbox.UserID, err)
		}

		row := tx.QueryRow(ctx, `SELECT `+instanceColumns+`
			FROM whist.instances
			WHERE region = $1 AND image_id = $2 AND status = $3 AND remaining_capacity > 0
			ORDER BY remaining_capacity ASC, created_at ASC
			LIMIT 1 FOR UPDATE`, region, string(imageID), InstanceStatusActive)
		instance, err := scanInstance(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoInstanceAvailable
		} else if err != nil {
			return utils.MakeError("couldn't lock instance for placement: %s", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE whist.instances
			SET remaining_capacity = remaining_capacity - 1 WHERE id = $1`,
			string(instance.ID)); err != nil {
			return utils.MakeError("couldn't reserve slot on instance %s: %s", instance.ID, err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO whist.mandelboxes
			(id, user_id, instance_id, session_id)
			VALUES ($1, $2, $3, $4)`,
			mandelbox.ID.String(), string(mandelbox.UserID), string(instance.ID),
			mandelbox.SessionID); err != nil {
			// Backstop for a user racing themselves between the check and
			// the insert.
			if isUniqueViolation(err) {
				return ErrUserAlreadyActive
			}
			return utils.MakeError("couldn't insert mandelbox %s: %s", mandelbox.ID, err)
		}

		instance.RemainingCapacity--
		placed = instance
		return nil
	})
	return placed, err
}
