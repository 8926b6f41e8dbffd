/*
Package hosts defines the handler interface for cloud providers. A handler
covers one region and knows how to launch, wait on, describe, and stop
instances there. The scaling components only ever talk to this interface,
so tests can substitute an in-memory fake and a future provider only needs
a new implementation.
*/
package hosts

import (
	"context"
	"errors"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/types"
)

// ErrCloudUnavailable wraps transport-level provider failures. Callers retry
// with bounded backoff or wait for the next tick.
var ErrCloudUnavailable = errors.New("cloud provider unavailable")

// HostHandler abstracts a cloud provider on a single region.
type HostHandler interface {
	// Initialize sets up the provider clients for the given region.
	Initialize(region string) error

	// SpinUpInstances launches numInstances instances with the given image
	// without waiting for them to boot. The returned instances carry the
	// cloud-assigned ids and are in `PRE_CONNECTION`.
	SpinUpInstances(ctx context.Context, numInstances int32, imageID types.ImageID) ([]dbclient.Instance, error)

	// SpinDownInstances requests termination of the given instances without
	// waiting for it to complete.
	SpinDownInstances(ctx context.Context, instanceIDs []types.InstanceID) error

	// WaitUntilRunning blocks until the given instances are running on the
	// provider, bounded by the context deadline.
	WaitUntilRunning(ctx context.Context, instanceIDs []types.InstanceID) error

	// GetInstanceIPs fetches the public IP addresses of the given instances,
	// keyed by instance id.
	GetInstanceIPs(ctx context.Context, instanceIDs []types.InstanceID) (map[types.InstanceID]string, error)

	// Region returns the region this handler was initialized on.
	Region() string
}
