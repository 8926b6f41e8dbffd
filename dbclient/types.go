package dbclient

import (
	"time"

	"github.com/whisthq/whist/backend/placement-service/types"
)

// Instance status values as stored in the `status` column of
// `whist.instances`. Only `ACTIVE` instances are eligible for placements.
const (
	InstanceStatusPreConnection = "PRE_CONNECTION"
	InstanceStatusActive        = "ACTIVE"
	InstanceStatusDraining      = "DRAINING"
	InstanceStatusUnresponsive  = "HOST_SERVICE_UNRESPONSIVE"
	InstanceStatusTerminated    = "TERMINATED"
)

// Instance mirrors a row of the `whist.instances` table.
type Instance struct {
	ID                types.InstanceID
	Provider          string
	Region            string
	ImageID           types.ImageID
	ClientSHA         types.ClientSHA
	Type              string
	IPAddr            string
	AuthToken         string
	CapacityTotal     int32
	RemainingCapacity int32
	Status            string
	LastUpdated       time.Time
	CreatedAt         time.Time
}

// Mandelbox mirrors a row of the `whist.mandelboxes` table. A row exists for
// each live user session and is deleted when the session ends or when the
// owning instance is reclaimed.
type Mandelbox struct {
	ID         types.MandelboxID
	UserID     types.UserID
	InstanceID types.InstanceID
	SessionID  string
	CreatedAt  time.Time
}

// Image mirrors a row of the `whist.images` table. The three flags encode
// the rolling-upgrade lifecycle: `allowed` rows still accept clients on that
// version, `enabled` rows may back new instances, and the unique
// `enabled && active` row per region is the one placements select.
type Image struct {
	Region    string
	ClientSHA types.ClientSHA
	ImageID   types.ImageID
	Provider  string
	Enabled   bool
	Allowed   bool
	Active    bool
	UpdatedAt time.Time
}
