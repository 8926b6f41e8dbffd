package metadata // import "github.com/whisthq/whist/backend/placement-service/metadata"

import (
	"os"
	"strings"
)

// An AppEnvironment represents either localdev (i.e. an engineer's development
// machine), dev, staging, or prod.
type AppEnvironment string

// Constants for the various AppEnvironments. DO NOT CHANGE THESE without
// understanding how any consumers of GetAppEnvironment() and
// GetAppEnvironmentLowercase() are using them!
const (
	EnvLocalDev AppEnvironment = "localdev"
	EnvDev      AppEnvironment = "dev"
	EnvStaging  AppEnvironment = "staging"
	EnvProd     AppEnvironment = "prod"
)

// GetAppEnvironment returns the AppEnvironment of the current instance. It is
// a variable so tests can override it.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	// This nested function syntax is used to memoize the result of the first call
	// to GetAppEnvironment() and cache the result for all future calls.

	var isCached = false
	var cache AppEnvironment

	return func() AppEnvironment {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() AppEnvironment {
	env := strings.ToLower(os.Getenv("APP_ENV"))
	switch env {
	case "development", "dev":
		return EnvDev
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	default:
		return EnvLocalDev
	}
})

// GetAppEnvironmentLowercase returns the app environment string, but just
// guaranteed to be lowercase.
func GetAppEnvironmentLowercase() string {
	return strings.ToLower(string(GetAppEnvironment()))
}

// IsLocalEnv returns true if the service is running on a local environment,
// i.e. not deployed against real cloud infrastructure.
func IsLocalEnv() bool {
	return GetAppEnvironment() == EnvLocalDev
}

// IsRunningInCI returns true if the service is running in continuous
// integration.
func IsRunningInCI() bool {
	strCI := strings.ToLower(os.Getenv("CI"))
	switch strCI {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}

// gitCommit is filled in by the linker at build time.
var gitCommit string

// GetGitCommit returns the git commit hash of this build.
func GetGitCommit() string {
	if gitCommit == "" {
		return "local_dev_build"
	}
	return gitCommit
}
