package scaling

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/hosts"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// VerifyCapacity runs one capacity controller pass: for every enabled
// (region, image) pair it compares the number of placeable instances against
// the desired buffer and scales up or down accordingly. Pairs are handled in
// parallel; a failure on one region does not stop the others.
func (s *Scaler) VerifyCapacity(scalingCtx context.Context) error {
	images, err := s.DBClient.QueryEnabledImages(scalingCtx)
	if err != nil {
		return utils.MakeError("failed to query enabled images: %s", err)
	}

	group, groupCtx := errgroup.WithContext(scalingCtx)
	for _, image := range images {
		image := image
		group.Go(func() error {
			return s.verifyRegionCapacity(groupCtx, image)
		})
	}
	return group.Wait()
}

func (s *Scaler) verifyRegionCapacity(scalingCtx context.Context, image dbclient.Image) error {
	placeable, err := s.DBClient.CountPlaceableInstances(scalingCtx, image.Region, image.ImageID)
	if err != nil {
		return utils.MakeError("failed to count placeable instances on %s/%s: %s", image.Region, image.ImageID, err)
	}

	buffer := config.GetInstanceBuffer(image.Region)
	switch {
	case placeable < buffer:
		return s.ScaleUpIfNecessary(scalingCtx, image, buffer-placeable)
	case placeable > buffer:
		return s.ScaleDownIfNecessary(scalingCtx, image, placeable-buffer)
	default:
		return nil
	}
}

// ScaleUpIfNecessary launches `need` instances of the given image and
// registers them in `PRE_CONNECTION`. The launch is not waited on here; a
// verification goroutine watches the boot and reclaims instances that never
// come up.
func (s *Scaler) ScaleUpIfNecessary(scalingCtx context.Context, image dbclient.Image, need int) error {
	logger.Infof("Scaling up %d instances of image %s on %s.", need, image.ImageID, image.Region)

	host, err := s.GetHost(image.Region)
	if err != nil {
		return utils.MakeError("failed to get host handler for %s: %s", image.Region, err)
	}

	created, err := host.SpinUpInstances(scalingCtx, int32(need), image.ImageID)
	if err != nil && len(created) == 0 {
		return utils.MakeError("failed to start instances on %s: %s", image.Region, err)
	}
	if err != nil {
		// A partial launch still registers what came up.
		logger.Warningf("Launch on %s was partial: %s", image.Region, err)
	}

	for i := range created {
		capacity, ok := instanceCapacity[created[i].Type]
		if !ok {
			logger.Errorf("Instance type %s has no known mandelbox capacity, assuming 1.", created[i].Type)
			capacity = 1
		}
		created[i].ClientSHA = image.ClientSHA
		created[i].CapacityTotal = int32(capacity)
		created[i].RemainingCapacity = int32(capacity)
	}

	if _, err := s.DBClient.InsertInstances(scalingCtx, created); err != nil {
		return utils.MakeError("failed to register launched instances on %s: %s", image.Region, err)
	}

	go s.verifyLaunch(host, created)
	return nil
}

// verifyLaunch waits for the launched instances to run on the provider and
// reclaims the ones that never do. Workers report their own IP when they
// register, so all we need from the provider here is the running state.
func (s *Scaler) verifyLaunch(host hosts.HostHandler, created []dbclient.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), maxWaitTimeReady)
	defer cancel()

	ids := make([]types.InstanceID, 0, len(created))
	for _, instance := range created {
		ids = append(ids, instance.ID)
	}

	if err := host.WaitUntilRunning(ctx, ids); err != nil {
		logger.Errorf("Launched instances %v never reached running, reclaiming: %s", ids, err)
		if err := host.SpinDownInstances(context.Background(), ids); err != nil {
			logger.Errorf("failed to stop unbootable instances %v: %s", ids, err)
		}
		if _, err := s.DBClient.TerminateInstances(context.Background(), ids); err != nil {
			logger.Errorf("failed to mark unbootable instances %v terminated: %s", ids, err)
		}
		return
	}

	ips, err := host.GetInstanceIPs(ctx, ids)
	if err != nil {
		logger.Warningf("Could not describe launched instances %v: %s", ids, err)
		return
	}
	logger.Infof("Instances %v are running with addresses %v.", ids, ips)
}

// ScaleDownIfNecessary drains up to `surplus` entirely idle instances of the
// given image. Instances hosting live mandelboxes are never touched; if a
// drain request fails the instance is flagged unresponsive so the liveness
// supervisor finishes the job.
func (s *Scaler) ScaleDownIfNecessary(scalingCtx context.Context, image dbclient.Image, surplus int) error {
	idle, err := s.DBClient.QueryIdleInstances(scalingCtx, image.Region, image.ImageID)
	if err != nil {
		return utils.MakeError("failed to query idle instances on %s/%s: %s", image.Region, image.ImageID, err)
	}

	doomed := idle[:utils.Min(surplus, len(idle))]
	if len(doomed) == 0 {
		return nil
	}
	logger.Infof("Scaling down %d idle instances of image %s on %s.", len(doomed), image.ImageID, image.Region)

	for _, instance := range doomed {
		if err := s.drainInstance(scalingCtx, instance); err != nil {
			logger.Errorf("%s", err)
		}
	}
	return nil
}

// drainInstance marks the instance `DRAINING` and sends the drain RPC. A
// failed RPC flips the instance to `HOST_SERVICE_UNRESPONSIVE` instead of
// restoring it, because we can no longer tell what state the worker is in.
func (s *Scaler) drainInstance(scalingCtx context.Context, instance dbclient.Instance) error {
	if err := s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbclient.InstanceStatusDraining); err != nil {
		return utils.MakeError("failed to mark instance %s draining: %s", instance.ID, err)
	}

	if err := s.Drainer.DrainAndShutdown(scalingCtx, instance.IPAddr, instance.AuthToken); err != nil {
		if statusErr := s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbclient.InstanceStatusUnresponsive); statusErr != nil {
			logger.Errorf("failed to flag undrainable instance %s: %s", instance.ID, statusErr)
		}
		return utils.MakeError("failed to drain instance %s: %s", instance.ID, err)
	}
	return nil
}
