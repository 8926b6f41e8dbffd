package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// Defaults for every recognized option. These are used whenever the
// corresponding environment variable is unset or unparsable.
const (
	defaultPlacementLockTimeoutS = 10
	defaultCapacityTickS         = 30
	defaultLivenessTickS         = 10
	defaultHeartbeatTimeoutS     = 60
	defaultInstanceBuffer        = 1
	defaultUpgradeWarmupTimeoutS = 600
	defaultCloudRetryMax         = 5
	defaultMandelboxLimitPerUser = 1
	defaultRetireGraceS          = 0
	defaultShutdownDrainS        = 30
)

// regionBufferPrefix is the prefix for per-region buffer overrides, e.g.
// INSTANCE_BUFFER_US_EAST_1=2.
const regionBufferPrefix = "INSTANCE_BUFFER_"

// Initialize populates the configuration singleton from the environment.
func Initialize() {
	rw.Lock()
	defer rw.Unlock()

	config = serviceConfig{
		placementLockTimeout:  secondsFromEnv("PLACEMENT_LOCK_TIMEOUT_S", defaultPlacementLockTimeoutS),
		capacityTick:          secondsFromEnv("CAPACITY_TICK_S", defaultCapacityTickS),
		livenessTick:          secondsFromEnv("LIVENESS_TICK_S", defaultLivenessTickS),
		heartbeatTimeout:      secondsFromEnv("HEARTBEAT_TIMEOUT_S", defaultHeartbeatTimeoutS),
		instanceBuffer:        intFromEnv("BUFFER_PER_REGION_IMAGE", defaultInstanceBuffer),
		regionBuffers:         regionBuffersFromEnv(),
		upgradeWarmupTimeout:  secondsFromEnv("UPGRADE_WARMUP_TIMEOUT_S", defaultUpgradeWarmupTimeoutS),
		cloudRetryMax:         intFromEnv("CLOUD_RETRY_MAX", defaultCloudRetryMax),
		mandelboxLimitPerUser: intFromEnv("MANDELBOX_LIMIT_PER_USER", defaultMandelboxLimitPerUser),
		retireGrace:           secondsFromEnv("RETIRE_GRACE_S", defaultRetireGraceS),
		shutdownDrainPeriod:   secondsFromEnv("SHUTDOWN_DRAIN_S", defaultShutdownDrainS),
		minFrontendVersion:    os.Getenv("MIN_FRONTEND_VERSION"),
	}
}

// intFromEnv parses an integer environment variable, falling back to the
// given default. A malformed value is logged and ignored.
func intFromEnv(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		logger.Warningf("Ignoring malformed value %q for %s, using default %d.", raw, key, def)
		return def
	}
	return n
}

// secondsFromEnv parses an integer number of seconds from the environment.
func secondsFromEnv(key string, def int) time.Duration {
	return time.Duration(intFromEnv(key, def)) * time.Second
}

// regionBuffersFromEnv collects per-region buffer overrides. Region names in
// variable names use underscores in place of dashes, uppercased.
func regionBuffersFromEnv() map[string]int {
	buffers := map[string]int{}
	for _, kv := range os.Environ() {
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], regionBufferPrefix) {
			continue
		}

		n, err := strconv.Atoi(pair[1])
		if err != nil || n < 0 {
			logger.Warningf("Ignoring malformed value %q for %s.", pair[1], pair[0])
			continue
		}

		region := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(pair[0], regionBufferPrefix), "_", "-"))
		buffers[region] = n
	}
	return buffers
}
