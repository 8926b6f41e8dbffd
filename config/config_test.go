package config

import (
	"testing"
	"time"
)

func TestInitializeDefaults(t *testing.T) {
	Initialize()

	var tests = []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"placement lock timeout", GetPlacementLockTimeout(), 10 * time.Second},
		{"capacity tick", GetCapacityTick(), 30 * time.Second},
		{"liveness tick", GetLivenessTick(), 10 * time.Second},
		{"heartbeat timeout", GetHeartbeatTimeout(), 60 * time.Second},
		{"upgrade warmup timeout", GetUpgradeWarmupTimeout(), 600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if got := GetCloudRetryMax(); got != 5 {
		t.Errorf("GetCloudRetryMax() = %d, want 5", got)
	}
	if got := GetInstanceBuffer("us-east-1"); got != 1 {
		t.Errorf("GetInstanceBuffer(us-east-1) = %d, want 1", got)
	}
	if got := GetMandelboxLimitPerUser(); got != 1 {
		t.Errorf("GetMandelboxLimitPerUser() = %d, want 1", got)
	}
}

func TestRegionBufferOverride(t *testing.T) {
	t.Setenv("INSTANCE_BUFFER_US_WEST_1", "3")
	Initialize()

	if got := GetInstanceBuffer("us-west-1"); got != 3 {
		t.Errorf("GetInstanceBuffer(us-west-1) = %d, want 3", got)
	}
	if got := GetInstanceBuffer("us-east-1"); got != 1 {
		t.Errorf("GetInstanceBuffer(us-east-1) = %d, want 1", got)
	}
}

func TestMalformedValueFallsBack(t *testing.T) {
	t.Setenv("CAPACITY_TICK_S", "not-a-number")
	Initialize()

	if got := GetCapacityTick(); got != 30*time.Second {
		t.Errorf("GetCapacityTick() = %v, want 30s", got)
	}
}
