package scaling

import (
	"time"

	"github.com/whisthq/whist/backend/placement-service/utils"
)

const (
	// CLIENT_COMMIT_HASH_DEV_OVERRIDE skips the commit hash check when
	// running locally.
	CLIENT_COMMIT_HASH_DEV_OVERRIDE = "local_dev"

	// These are all the possible reasons we would fail to find an instance
	// for a user and return a 503 error

	// Instance was found but the client app is out of date
	COMMIT_HASH_MISMATCH = "COMMIT_HASH_MISMATCH"

	// No instance was found e.g. a capacity issue
	NO_INSTANCE_AVAILABLE = "NO_INSTANCE_AVAILABLE"

	// The requested region has not been enabled
	REGION_NOT_ENABLED = "REGION_NOT_ENABLED"

	// User is already connected to a mandelbox, possibly on another device
	USER_ALREADY_ACTIVE = "USER_ALREADY_ACTIVE"

	// The candidate instance's row lock could not be acquired in time
	COULD_NOT_LOCK_INSTANCE = "COULD_NOT_LOCK_INSTANCE"

	// UNDEFINED is the kind reported for unexpected internal failures,
	// including infrastructure faults that abort the assign action.
	UNDEFINED = "UNDEFINED"
)

// VCPUsPerMandelbox indicates the number of vCPUs allocated per mandelbox.
const VCPUsPerMandelbox = 4

// maxMandelboxesPerGPU is the limit of concurrent sessions a single GPU can
// encode for.
const maxMandelboxesPerGPU = 3

var instanceTypeToGPUNum = map[string]int{
	"g4dn.xlarge":   1,
	"g4dn.2xlarge":  1,
	"g4dn.4xlarge":  1,
	"g4dn.8xlarge":  1,
	"g4dn.16xlarge": 1,
	"g4dn.12xlarge": 4,
}

var instanceTypeToVCPUNum = map[string]int{
	"g4dn.xlarge":   4,
	"g4dn.2xlarge":  8,
	"g4dn.4xlarge":  16,
	"g4dn.8xlarge":  32,
	"g4dn.16xlarge": 64,
	"g4dn.12xlarge": 48,
}

// instanceCapacity is a mapping of the mandelbox capacity each type of
// instance has.
var instanceCapacity = generateInstanceCapacityMap(instanceTypeToGPUNum, instanceTypeToVCPUNum)

var (
	// maxWaitTimeReady is the max time we should wait for instances to be
	// ready on the cloud provider.
	maxWaitTimeReady = 5 * time.Minute
	// warmupPollInterval is how often the upgrade orchestrator polls for the
	// first ACTIVE instance on a new image.
	warmupPollInterval = 10 * time.Second
)

// generateInstanceCapacityMap uses the global instanceTypeToGPUNum and
// instanceTypeToVCPUNum maps to generate the maximum mandelbox capacity for
// each instance type in the intersection of their keys.
func generateInstanceCapacityMap(instanceToGPUMap, instanceToVCPUMap map[string]int) map[string]int {
	capacityMap := map[string]int{}
	for instanceType, gpuNum := range instanceToGPUMap {
		vcpuNum, ok := instanceToVCPUMap[instanceType]
		if !ok {
			continue
		}
		capacityMap[instanceType] = utils.Min(gpuNum*maxMandelboxesPerGPU, vcpuNum/VCPUsPerMandelbox)
	}
	return capacityMap
}
