package dbclient

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// QueryUserMandelbox returns the live mandelbox of the given user, or
// ErrNotFound. At most one row can exist per user.
func (c *DBClient) QueryUserMandelbox(ctx context.Context, userID types.UserID) (Mandelbox, error) {
	var mandelbox Mandelbox
	var rawID string
	err := c.pool.QueryRow(ctx, `SELECT id, user_id, instance_id, session_id, created_at
		FROM whist.mandelboxes WHERE user_id = $1`, string(userID)).
		Scan(&rawID, &mandelbox.UserID, &mandelbox.InstanceID, &mandelbox.SessionID, &mandelbox.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mandelbox{}, ErrNotFound
	} else if err != nil {
		return Mandelbox{}, utils.MakeError("couldn't query mandelbox of user %s: %s", userID, err)
	}

	parsed, err := uuid.Parse(rawID)
	if err != nil {
		return Mandelbox{}, utils.MakeError("mandelbox of user %s has malformed id %s: %s", userID, rawID, err)
	}
	mandelbox.ID = types.MandelboxID(parsed)
	return mandelbox, nil
}

// DeleteInstanceMandelboxes removes every mandelbox row pointing at the
// given instance and returns how many were deleted.
func (c *DBClient) DeleteInstanceMandelboxes(ctx context.Context, instanceID types.InstanceID) (int, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM whist.mandelboxes
		WHERE instance_id = $1`, string(instanceID))
	if err != nil {
		return 0, utils.MakeError("couldn't delete mandelboxes of instance %s: %s", instanceID, err)
	}
	return int(tag.RowsAffected()), nil
}
