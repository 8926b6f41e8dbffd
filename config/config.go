// Package config provides functions for reading the placement service's
// configuration when it starts and for reading those values while it is
// running. Values come from the environment with sensible defaults;
// config.Initialize() should be called as close as possible to the top of the
// main function.
package config

import (
	"sync"
	"time"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// placementLockTimeout is how long a placement transaction is allowed to
	// wait for an instance row lock before giving up.
	placementLockTimeout time.Duration

	// capacityTick is the interval between runs of the capacity controller.
	capacityTick time.Duration

	// livenessTick is the interval between runs of the liveness supervisor.
	livenessTick time.Duration

	// heartbeatTimeout is how long an ACTIVE instance may stay silent before
	// the liveness supervisor flags it as unresponsive.
	heartbeatTimeout time.Duration

	// instanceBuffer is the minimum number of warm, placeable instances we
	// keep per (region, image) pair.
	instanceBuffer int

	// regionBuffers maps region names to buffer overrides.
	regionBuffers map[string]int

	// upgradeWarmupTimeout bounds how long an upgrade waits for the first
	// instance on a new image to become ACTIVE before aborting.
	upgradeWarmupTimeout time.Duration

	// cloudRetryMax is the maximum number of attempts for cloud provider
	// calls, including the first.
	cloudRetryMax int

	// mandelboxLimitPerUser is the maximum number of active mandelboxes a
	// user can have.
	mandelboxLimitPerUser int

	// retireGrace is how long after draining old capacity an upgrade waits
	// before denying clients on the superseded version.
	retireGrace time.Duration

	// shutdownDrainPeriod bounds how long in-flight requests may run after a
	// termination signal before the process exits.
	shutdownDrainPeriod time.Duration

	// minFrontendVersion is the oldest client app version that may still
	// request placements. Empty disables the check.
	minFrontendVersion string
}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// GetPlacementLockTimeout returns the row lock timeout used by placement
// transactions.
func GetPlacementLockTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.placementLockTimeout
}

// GetCapacityTick returns the capacity controller's tick interval.
func GetCapacityTick() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.capacityTick
}

// GetLivenessTick returns the liveness supervisor's tick interval.
func GetLivenessTick() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.livenessTick
}

// GetHeartbeatTimeout returns how long an instance may stay silent before
// being flagged as unresponsive.
func GetHeartbeatTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.heartbeatTimeout
}

// GetInstanceBuffer returns the number of warm instances to keep per
// (region, image) pair in the given region.
func GetInstanceBuffer(region string) int {
	rw.RLock()
	defer rw.RUnlock()

	if n, ok := config.regionBuffers[region]; ok {
		return n
	}
	return config.instanceBuffer
}

// GetUpgradeWarmupTimeout returns the bound on upgrade warm-up.
func GetUpgradeWarmupTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.upgradeWarmupTimeout
}

// GetCloudRetryMax returns the maximum number of attempts for cloud calls.
func GetCloudRetryMax() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.cloudRetryMax
}

// GetMandelboxLimitPerUser returns the limit of mandelboxes a user can
// request.
func GetMandelboxLimitPerUser() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.mandelboxLimitPerUser
}

// GetRetireGrace returns the delay between draining superseded capacity and
// retiring the superseded client version.
func GetRetireGrace() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.retireGrace
}

// GetShutdownDrainPeriod returns how long in-flight requests may run after a
// termination signal.
func GetShutdownDrainPeriod() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.shutdownDrainPeriod
}

// GetMinFrontendVersion returns the oldest client app version that may still
// request placements, or the empty string if the check is disabled.
func GetMinFrontendVersion() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.minFrontendVersion
}
