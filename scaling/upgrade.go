package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"golang.org/x/sync/errgroup"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/httputils"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// Upgrade lifecycle states.
const (
	UpgradeProposed    = "PROPOSED"
	UpgradeWarming     = "WARMING"
	UpgradePromoted    = "PROMOTED"
	UpgradeDrainingOld = "DRAINING_OLD"
	UpgradeComplete    = "COMPLETE"
	UpgradeFailed      = "FAILED"
)

// Upgrade tracks one rolling upgrade from proposal to completion. The
// registry is in memory only: an upgrade that loses its orchestrator is
// re-triggered by the next deploy, and the catalog rows it already wrote
// keep their meaning.
type Upgrade struct {
	ID             string                   `json:"upgrade_id"`
	CommitHash     types.ClientSHA          `json:"client_version"`
	RegionImageMap map[string]types.ImageID `json:"region_to_image_id"`
	Status         string                   `json:"status"`
	Error          string                   `json:"error,omitempty"`
	StartedAt      time.Time                `json:"started_at"`

	mu sync.Mutex
}

func (u *Upgrade) setStatus(status string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Status = status
}

func (u *Upgrade) fail(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Status = UpgradeFailed
	u.Error = err.Error()
}

// Snapshot returns a copy safe to marshal.
func (u *Upgrade) Snapshot() Upgrade {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Upgrade{
		ID:             u.ID,
		CommitHash:     u.CommitHash,
		RegionImageMap: u.RegionImageMap,
		Status:         u.Status,
		Error:          u.Error,
		StartedAt:      u.StartedAt,
	}
}

// GetUpgrade returns a snapshot of the upgrade with the given id.
func (s *Scaler) GetUpgrade(id string) (Upgrade, bool) {
	s.upgradesLock.RLock()
	defer s.upgradesLock.RUnlock()
	upgrade, ok := s.upgrades[id]
	if !ok {
		return Upgrade{}, false
	}
	return upgrade.Snapshot(), true
}

// RunUpgrade orchestrates a rolling upgrade to a new client version:
// insert the new catalog rows, warm the buffer on the new images, promote
// them atomically, drain superseded capacity, and retire the old version
// after the grace period. The upgrade id is returned to the caller as soon
// as the catalog rows are in; everything after runs on this goroutine.
func (s *Scaler) RunUpgrade(scalingCtx context.Context, event ScalingEvent) error {
	req := event.Data.(*httputils.UpgradeRequest)

	if req.CommitHash == "" {
		err := utils.MakeError("upgrade request names no client version")
		req.ReturnResult(nil, err)
		return err
	}
	if len(req.RegionImageMap) == 0 {
		err := utils.MakeError("upgrade to %s names no regions", req.CommitHash)
		req.ReturnResult(nil, err)
		return err
	}

	upgrade := &Upgrade{
		ID:             shortuuid.New(),
		CommitHash:     req.CommitHash,
		RegionImageMap: req.RegionImageMap,
		Status:         UpgradeProposed,
		StartedAt:      time.Now(),
	}

	images := make([]dbclient.Image, 0, len(req.RegionImageMap))
	oldVersions := map[types.ClientSHA]bool{}
	for region, imageID := range req.RegionImageMap {
		images = append(images, dbclient.Image{
			Region:    region,
			ClientSHA: req.CommitHash,
			ImageID:   imageID,
			Provider:  "AWS",
		})
		if previous, err := s.DBClient.QueryActiveImage(scalingCtx, region); err == nil {
			oldVersions[previous.ClientSHA] = true
		}
	}

	// The new rows are allowed but not enabled or active: old clients still
	// succeed, new clients get COMMIT_HASH_MISMATCH until promotion.
	if _, err := s.DBClient.InsertImages(scalingCtx, images); err != nil {
		err = utils.MakeError("failed to insert catalog rows for upgrade to %s: %s", req.CommitHash, err)
		req.ReturnResult(nil, err)
		return err
	}

	s.upgradesLock.Lock()
	s.upgrades[upgrade.ID] = upgrade
	s.upgradesLock.Unlock()
	req.ReturnResult(httputils.UpgradeRequestResult{UpgradeID: upgrade.ID}, nil)

	logger.Infof("Started upgrade %s to version %s across %d regions.", upgrade.ID, req.CommitHash, len(images))

	upgrade.setStatus(UpgradeWarming)
	if err := s.warmNewImages(scalingCtx, images); err != nil {
		upgrade.fail(err)
		return utils.MakeError("upgrade %s aborted without promotion: %s", upgrade.ID, err)
	}

	if _, err := s.DBClient.PromoteImages(scalingCtx, req.CommitHash); err != nil {
		upgrade.fail(err)
		return utils.MakeError("upgrade %s failed to promote version %s: %s", upgrade.ID, req.CommitHash, err)
	}
	upgrade.setStatus(UpgradePromoted)
	logger.Infof("Upgrade %s promoted version %s, placements now select the new images.", upgrade.ID, req.CommitHash)

	upgrade.setStatus(UpgradeDrainingOld)
	s.drainSupersededInstances(scalingCtx, req.RegionImageMap)

	if grace := config.GetRetireGrace(); grace > 0 {
		select {
		case <-time.After(grace):
		case <-scalingCtx.Done():
			upgrade.setStatus(UpgradeComplete)
			return nil
		}
	}
	for version := range oldVersions {
		if version == req.CommitHash {
			continue
		}
		if _, err := s.DBClient.RetireImages(scalingCtx, version); err != nil {
			logger.Errorf("upgrade %s failed to retire version %s: %s", upgrade.ID, version, err)
		}
	}

	upgrade.setStatus(UpgradeComplete)
	logger.Infof("Upgrade %s to version %s is complete.", upgrade.ID, req.CommitHash)
	return nil
}

// warmNewImages pre-warms the buffer on each new (region, image) pair and
// polls until every region has at least one ACTIVE instance on its new
// image, bounded by the warm-up timeout.
func (s *Scaler) warmNewImages(scalingCtx context.Context, images []dbclient.Image) error {
	warmCtx, cancel := context.WithTimeout(scalingCtx, config.GetUpgradeWarmupTimeout())
	defer cancel()

	group, groupCtx := errgroup.WithContext(warmCtx)
	for _, image := range images {
		image := image
		group.Go(func() error {
			buffer := config.GetInstanceBuffer(image.Region)
			if err := s.ScaleUpIfNecessary(groupCtx, image, buffer); err != nil {
				return err
			}

			for {
				active, err := s.DBClient.QueryInstancesByStatusOnRegion(groupCtx, dbclient.InstanceStatusActive, image.Region)
				if err != nil {
					return err
				}
				for _, instance := range active {
					if instance.ImageID == image.ImageID {
						return nil
					}
				}

				select {
				case <-groupCtx.Done():
					return utils.MakeError("timed out waiting for an active instance of image %s on %s", image.ImageID, image.Region)
				case <-time.After(warmupPollInterval):
				}
			}
		})
	}
	return group.Wait()
}

// drainSupersededInstances drains every ACTIVE instance that is not on the
// promoted image of its region. In-flight sessions run to completion;
// placements no longer consider these instances because they left ACTIVE.
func (s *Scaler) drainSupersededInstances(scalingCtx context.Context, promoted map[string]types.ImageID) {
	for region, imageID := range promoted {
		active, err := s.DBClient.QueryInstancesByStatusOnRegion(scalingCtx, dbclient.InstanceStatusActive, region)
		if err != nil {
			logger.Errorf("failed to query active instances on %s for drain: %s", region, err)
			continue
		}
		for _, instance := range active {
			if instance.ImageID == imageID {
				continue
			}
			if err := s.drainInstance(scalingCtx, instance); err != nil {
				logger.Errorf("%s", err)
			}
		}
	}
}
