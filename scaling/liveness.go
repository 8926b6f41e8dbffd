package scaling

import (
	"context"
	"time"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// VerifyLiveness runs one liveness supervisor pass. Silent `ACTIVE`
// instances and `PRE_CONNECTION` instances that never registered get flagged
// `HOST_SERVICE_UNRESPONSIVE`; instances that have been unresponsive for
// longer than the grace period get their cloud instances stopped, their
// mandelboxes deleted, and their rows marked `TERMINATED`. Deleting the
// mandelbox rows is what lets users of a crashed worker place again.
func (s *Scaler) VerifyLiveness(scalingCtx context.Context) error {
	heartbeatTimeout := config.GetHeartbeatTimeout()

	// An instance that is still booting has no heartbeats yet; only flag it
	// once the boot wait and a full heartbeat interval have gone by.
	preConnTimeout := maxWaitTimeReady + heartbeatTimeout

	flipped, err := s.DBClient.LockUnresponsiveInstances(scalingCtx, heartbeatTimeout, preConnTimeout)
	if err != nil {
		return utils.MakeError("failed to flag unresponsive instances: %s", err)
	}
	for _, instance := range flipped {
		logger.Warningf("Instance %s on %s went silent, flagged unresponsive.", instance.ID, instance.Region)
	}

	return s.reclaimUnresponsive(scalingCtx, 2*heartbeatTimeout)
}

// reclaimUnresponsive terminates instances that have sat in
// `HOST_SERVICE_UNRESPONSIVE` for longer than grace. The cloud stop happens
// before the database update so a stop failure leaves the row untouched for
// the next pass.
func (s *Scaler) reclaimUnresponsive(scalingCtx context.Context, grace time.Duration) error {
	unresponsive, err := s.DBClient.QueryInstancesByStatus(scalingCtx, dbclient.InstanceStatusUnresponsive)
	if err != nil {
		return utils.MakeError("failed to query unresponsive instances: %s", err)
	}

	// The grace clock starts when the row was flagged.
	byRegion := map[string][]types.InstanceID{}
	now := time.Now()
	for _, instance := range unresponsive {
		if now.Sub(instance.LastUpdated) > grace {
			byRegion[instance.Region] = append(byRegion[instance.Region], instance.ID)
		}
	}

	for region, ids := range byRegion {
		host, err := s.GetHost(region)
		if err != nil {
			logger.Errorf("failed to get host handler for %s: %s", region, err)
			continue
		}
		if err := host.SpinDownInstances(scalingCtx, ids); err != nil {
			logger.Errorf("failed to stop unresponsive instances %v on %s, will retry next pass: %s", ids, region, err)
			continue
		}

		terminated, err := s.DBClient.TerminateInstances(scalingCtx, ids)
		if err != nil {
			logger.Errorf("failed to mark instances %v terminated: %s", ids, err)
			continue
		}
		logger.Infof("Reclaimed %d unresponsive instances on %s.", terminated, region)
	}
	return nil
}
