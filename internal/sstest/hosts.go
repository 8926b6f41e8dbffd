package sstest

import (
	"context"
	"sync"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// FakeHost implements hosts.HostHandler in memory, recording every call.
type FakeHost struct {
	mu     sync.Mutex
	region string

	// Launched collects the ids handed out by SpinUpInstances.
	Launched []types.InstanceID
	// Stopped collects the ids passed to SpinDownInstances.
	Stopped []types.InstanceID
	// IPs maps instance id to the address GetInstanceIPs reports. Instances
	// launched by the fake get an address automatically.
	IPs map[types.InstanceID]string

	// SpinUpErr, SpinDownErr and WaitErr force the corresponding method to
	// fail.
	SpinUpErr   error
	SpinDownErr error
	WaitErr     error

	counter int
}

// NewFakeHost returns a fake handler already initialized on region.
func NewFakeHost(region string) *FakeHost {
	return &FakeHost{
		region: region,
		IPs:    map[types.InstanceID]string{},
	}
}

func (f *FakeHost) Initialize(region string) error {
	f.region = region
	return nil
}

func (f *FakeHost) Region() string {
	return f.region
}

func (f *FakeHost) SpinUpInstances(_ context.Context, numInstances int32, imageID types.ImageID) ([]dbclient.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpinUpErr != nil {
		return nil, f.SpinUpErr
	}
	var created []dbclient.Instance
	for i := int32(0); i < numInstances; i++ {
		f.counter++
		id := types.InstanceID(utils.Sprintf("i-fake%04d", f.counter))
		f.Launched = append(f.Launched, id)
		f.IPs[id] = utils.Sprintf("10.0.0.%d", f.counter)
		created = append(created, dbclient.Instance{
			ID:       id,
			Provider: "AWS",
			Region:   f.region,
			ImageID:  imageID,
			Type:     "g4dn.2xlarge",
			Status:   dbclient.InstanceStatusPreConnection,
		})
	}
	return created, nil
}

func (f *FakeHost) SpinDownInstances(_ context.Context, instanceIDs []types.InstanceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpinDownErr != nil {
		return f.SpinDownErr
	}
	f.Stopped = append(f.Stopped, instanceIDs...)
	return nil
}

func (f *FakeHost) WaitUntilRunning(ctx context.Context, instanceIDs []types.InstanceID) error {
	if f.WaitErr != nil {
		return f.WaitErr
	}
	return ctx.Err()
}

func (f *FakeHost) GetInstanceIPs(_ context.Context, instanceIDs []types.InstanceID) (map[types.InstanceID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ips := make(map[types.InstanceID]string, len(instanceIDs))
	for _, id := range instanceIDs {
		if ip, ok := f.IPs[id]; ok {
			ips[id] = ip
		}
	}
	return ips, nil
}

// StoppedIDs returns a copy of the ids passed to SpinDownInstances.
func (f *FakeHost) StoppedIDs() []types.InstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.InstanceID, len(f.Stopped))
	copy(out, f.Stopped)
	return out
}

// FakeDrainer implements hosts.Drainer, recording the addresses it drained.
type FakeDrainer struct {
	mu      sync.Mutex
	Drained []string
	Err     error
}

func (f *FakeDrainer) DrainAndShutdown(_ context.Context, ip string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Drained = append(f.Drained, ip)
	return nil
}

// DrainedIPs returns a copy of the drained addresses.
func (f *FakeDrainer) DrainedIPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Drained))
	copy(out, f.Drained)
	return out
}
