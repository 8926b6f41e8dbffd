package intake

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// ProcessHeartbeat authenticates and records a worker heartbeat. The
// reported remaining capacity is authoritative (clamped to the valid range);
// the database client reconciles the mandelbox table against it. A draining
// instance whose last session has ended gets its cloud instance stopped and
// its row terminated here, since nobody else will hear from it again.
func (i *Intake) ProcessHeartbeat(ctx context.Context, instanceID types.InstanceID, authToken string, reported int32) error {
	instance, err := i.DBClient.QueryInstance(ctx, instanceID)
	if errors.Is(err, dbclient.ErrNotFound) {
		// An unknown instance presents no token worth comparing; reject it
		// the same way as a bad token.
		return ErrUnauthorized
	} else if err != nil {
		return utils.MakeError("couldn't look up instance %s for heartbeat: %s", instanceID, err)
	}

	if instance.AuthToken == "" ||
		subtle.ConstantTimeCompare([]byte(instance.AuthToken), []byte(authToken)) != 1 {
		return ErrUnauthorized
	}

	updated, err := i.DBClient.UpdateHeartbeat(ctx, instanceID, reported)
	if err != nil {
		return utils.MakeError("couldn't record heartbeat for instance %s: %s", instanceID, err)
	}

	if updated.Status == dbclient.InstanceStatusDraining &&
		updated.RemainingCapacity == updated.CapacityTotal {
		i.finishDrain(ctx, updated)
	}
	return nil
}

// finishDrain stops a drained instance on the cloud provider and marks it
// terminated. Failures are logged but do not fail the heartbeat; the
// liveness supervisor picks up anything left behind.
func (i *Intake) finishDrain(ctx context.Context, instance dbclient.Instance) {
	logger.Infof("Instance %s finished draining, stopping it.", instance.ID)

	host, err := i.Hosts.GetHost(instance.Region)
	if err != nil {
		logger.Errorf("couldn't get host handler for %s to stop drained instance %s: %s", instance.Region, instance.ID, err)
		return
	}
	if err := host.SpinDownInstances(ctx, []types.InstanceID{instance.ID}); err != nil {
		logger.Errorf("couldn't stop drained instance %s: %s", instance.ID, err)
		return
	}
	if _, err := i.DBClient.TerminateInstances(ctx, []types.InstanceID{instance.ID}); err != nil {
		logger.Errorf("couldn't mark drained instance %s terminated: %s", instance.ID, err)
	}
}
