// Package sstest provides in-memory test doubles for the database client
// and the cloud host handler. They implement the real interfaces with plain
// maps under a mutex, close enough to the SQL semantics for the scaling and
// intake logic to be exercised without a database.
package sstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// MockDBClient implements dbclient.WhistDBClient in memory.
type MockDBClient struct {
	mu          sync.Mutex
	Instances   map[types.InstanceID]*dbclient.Instance
	Mandelboxes []*dbclient.Mandelbox
	Images      []*dbclient.Image

	// Err, when set, is returned by every method. It simulates a database
	// outage.
	Err error
}

// NewMockDBClient returns an empty mock database.
func NewMockDBClient() *MockDBClient {
	return &MockDBClient{
		Instances: map[types.InstanceID]*dbclient.Instance{},
	}
}

// AddInstance seeds the mock with an instance row.
func (m *MockDBClient) AddInstance(instance dbclient.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now()
	}
	if instance.LastUpdated.IsZero() {
		instance.LastUpdated = time.Now()
	}
	m.Instances[instance.ID] = &instance
}

// AddImage seeds the mock with a catalog row.
func (m *MockDBClient) AddImage(image dbclient.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images = append(m.Images, &image)
}

func (m *MockDBClient) QueryInstance(_ context.Context, id types.InstanceID) (dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return dbclient.Instance{}, m.Err
	}
	instance, ok := m.Instances[id]
	if !ok {
		return dbclient.Instance{}, dbclient.ErrNotFound
	}
	return *instance, nil
}

func (m *MockDBClient) InsertInstances(_ context.Context, instances []dbclient.Instance) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	for i := range instances {
		instance := instances[i]
		if instance.CreatedAt.IsZero() {
			instance.CreatedAt = time.Now()
		}
		m.Instances[instance.ID] = &instance
	}
	return len(instances), nil
}

func (m *MockDBClient) ActivateInstance(_ context.Context, id types.InstanceID, ip string, authToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	instance, ok := m.Instances[id]
	if !ok || instance.Status != dbclient.InstanceStatusPreConnection || instance.AuthToken != "" {
		return dbclient.ErrBadInstanceState
	}
	instance.IPAddr = ip
	instance.AuthToken = authToken
	instance.Status = dbclient.InstanceStatusActive
	instance.LastUpdated = time.Now()
	return nil
}

func (m *MockDBClient) UpdateHeartbeat(_ context.Context, id types.InstanceID, reported int32) (dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return dbclient.Instance{}, m.Err
	}
	instance, ok := m.Instances[id]
	if !ok {
		return dbclient.Instance{}, dbclient.ErrNotFound
	}
	remaining := utils.Max(int32(0), utils.Min(reported, instance.CapacityTotal))
	instance.RemainingCapacity = remaining
	instance.LastUpdated = time.Now()

	var live []*dbclient.Mandelbox
	for _, mandelbox := range m.Mandelboxes {
		if mandelbox.InstanceID == id {
			live = append(live, mandelbox)
		}
	}
	surplus := len(live) - int(instance.CapacityTotal-remaining)
	if surplus > 0 {
		sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
		doomed := map[types.MandelboxID]bool{}
		for _, mandelbox := range live[:surplus] {
			doomed[mandelbox.ID] = true
		}
		kept := m.Mandelboxes[:0]
		for _, mandelbox := range m.Mandelboxes {
			if !doomed[mandelbox.ID] {
				kept = append(kept, mandelbox)
			}
		}
		m.Mandelboxes = kept
	}
	return *instance, nil
}

func (m *MockDBClient) UpdateInstanceStatus(_ context.Context, id types.InstanceID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	instance, ok := m.Instances[id]
	if !ok {
		return dbclient.ErrNotFound
	}
	instance.Status = status
	instance.LastUpdated = time.Now()
	return nil
}

func (m *MockDBClient) QueryInstancesByStatus(_ context.Context, status string) ([]dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var result []dbclient.Instance
	for _, instance := range m.Instances {
		if instance.Status == status {
			result = append(result, *instance)
		}
	}
	sortByCreation(result)
	return result, nil
}

func (m *MockDBClient) QueryInstancesByStatusOnRegion(_ context.Context, status string, region string) ([]dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var result []dbclient.Instance
	for _, instance := range m.Instances {
		if instance.Status == status && instance.Region == region {
			result = append(result, *instance)
		}
	}
	sortByCreation(result)
	return result, nil
}

func (m *MockDBClient) CountPlaceableInstances(_ context.Context, region string, imageID types.ImageID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	count := 0
	for _, instance := range m.Instances {
		if instance.Region != region || instance.ImageID != imageID {
			continue
		}
		if instance.Status == dbclient.InstanceStatusPreConnection ||
			(instance.Status == dbclient.InstanceStatusActive && instance.RemainingCapacity > 0) {
			count++
		}
	}
	return count, nil
}

func (m *MockDBClient) QueryIdleInstances(_ context.Context, region string, imageID types.ImageID) ([]dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var result []dbclient.Instance
	for _, instance := range m.Instances {
		if instance.Region == region && instance.ImageID == imageID &&
			instance.Status == dbclient.InstanceStatusActive &&
			instance.RemainingCapacity == instance.CapacityTotal {
			result = append(result, *instance)
		}
	}
	sortByCreation(result)
	return result, nil
}

func (m *MockDBClient) LockUnresponsiveInstances(_ context.Context, heartbeatTimeout time.Duration, preConnTimeout time.Duration) ([]dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	now := time.Now()
	var flipped []dbclient.Instance
	for _, instance := range m.Instances {
		silent := instance.Status == dbclient.InstanceStatusActive &&
			now.Sub(instance.LastUpdated) > heartbeatTimeout
		stale := instance.Status == dbclient.InstanceStatusPreConnection &&
			now.Sub(instance.CreatedAt) > preConnTimeout
		if silent || stale {
			instance.Status = dbclient.InstanceStatusUnresponsive
			instance.LastUpdated = now
			flipped = append(flipped, *instance)
		}
	}
	sortByCreation(flipped)
	return flipped, nil
}

func (m *MockDBClient) TerminateInstances(_ context.Context, ids []types.InstanceID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	doomed := map[types.InstanceID]bool{}
	for _, id := range ids {
		doomed[id] = true
	}
	kept := m.Mandelboxes[:0]
	for _, mandelbox := range m.Mandelboxes {
		if !doomed[mandelbox.InstanceID] {
			kept = append(kept, mandelbox)
		}
	}
	m.Mandelboxes = kept

	terminated := 0
	for _, id := range ids {
		instance, ok := m.Instances[id]
		if ok && instance.Status != dbclient.InstanceStatusTerminated {
			instance.Status = dbclient.InstanceStatusTerminated
			instance.LastUpdated = time.Now()
			terminated++
		}
	}
	return terminated, nil
}

func (m *MockDBClient) PlaceMandelbox(_ context.Context, mandelbox dbclient.Mandelbox, region string, imageID types.ImageID) (dbclient.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return dbclient.Instance{}, m.Err
	}
	for _, existing := range m.Mandelboxes {
		if existing.UserID == mandelbox.UserID {
			return dbclient.Instance{}, dbclient.ErrUserAlreadyActive
		}
	}

	var candidate *dbclient.Instance
	for _, instance := range m.Instances {
		if instance.Region != region || instance.ImageID != imageID ||
			instance.Status != dbclient.InstanceStatusActive || instance.RemainingCapacity == 0 {
			continue
		}
		if candidate == nil ||
			instance.RemainingCapacity < candidate.RemainingCapacity ||
			(instance.RemainingCapacity == candidate.RemainingCapacity && instance.CreatedAt.Before(candidate.CreatedAt)) {
			candidate = instance
		}
	}
	if candidate == nil {
		return dbclient.Instance{}, dbclient.ErrNoInstanceAvailable
	}

	candidate.RemainingCapacity--
	mandelbox.InstanceID = candidate.ID
	if mandelbox.CreatedAt.IsZero() {
		mandelbox.CreatedAt = time.Now()
	}
	m.Mandelboxes = append(m.Mandelboxes, &mandelbox)
	return *candidate, nil
}

func (m *MockDBClient) QueryUserMandelbox(_ context.Context, userID types.UserID) (dbclient.Mandelbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return dbclient.Mandelbox{}, m.Err
	}
	for _, mandelbox := range m.Mandelboxes {
		if mandelbox.UserID == userID {
			return *mandelbox, nil
		}
	}
	return dbclient.Mandelbox{}, dbclient.ErrNotFound
}

func (m *MockDBClient) DeleteInstanceMandelboxes(_ context.Context, instanceID types.InstanceID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	deleted := 0
	kept := m.Mandelboxes[:0]
	for _, mandelbox := range m.Mandelboxes {
		if mandelbox.InstanceID == instanceID {
			deleted++
			continue
		}
		kept = append(kept, mandelbox)
	}
	m.Mandelboxes = kept
	return deleted, nil
}

func (m *MockDBClient) QueryActiveImage(_ context.Context, region string) (dbclient.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return dbclient.Image{}, m.Err
	}
	for _, image := range m.Images {
		if image.Region == region && image.Enabled && image.Active {
			return *image, nil
		}
	}
	return dbclient.Image{}, dbclient.ErrNotFound
}

func (m *MockDBClient) VersionAllowed(_ context.Context, region string, clientSHA types.ClientSHA) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	for _, image := range m.Images {
		if image.Region == region && image.ClientSHA == clientSHA && image.Allowed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockDBClient) QueryEnabledImages(_ context.Context) ([]dbclient.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var result []dbclient.Image
	for _, image := range m.Images {
		if image.Enabled {
			result = append(result, *image)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Region < result[j].Region })
	return result, nil
}

func (m *MockDBClient) InsertImages(_ context.Context, images []dbclient.Image) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	for i := range images {
		image := images[i]
		image.Enabled = false
		image.Active = false
		image.Allowed = true
		m.Images = append(m.Images, &image)
	}
	return len(images), nil
}

func (m *MockDBClient) PromoteImages(_ context.Context, clientSHA types.ClientSHA) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	regions := map[string]bool{}
	for _, image := range m.Images {
		if image.ClientSHA == clientSHA {
			regions[image.Region] = true
		}
	}
	for _, image := range m.Images {
		if regions[image.Region] && image.ClientSHA != clientSHA {
			image.Enabled = false
			image.Active = false
		}
	}
	promoted := 0
	for _, image := range m.Images {
		if image.ClientSHA == clientSHA {
			image.Enabled = true
			image.Active = true
			image.Allowed = true
			promoted++
		}
	}
	if promoted == 0 {
		return 0, dbclient.ErrNotFound
	}
	return promoted, nil
}

func (m *MockDBClient) RetireImages(_ context.Context, clientSHA types.ClientSHA) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	retired := 0
	for _, image := range m.Images {
		if image.ClientSHA == clientSHA && !image.Active {
			image.Allowed = false
			retired++
		}
	}
	return retired, nil
}

func (m *MockDBClient) EnabledRegions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var regions []string
	for _, image := range m.Images {
		if image.Enabled && image.Active {
			regions = append(regions, image.Region)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

func sortByCreation(instances []dbclient.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}
