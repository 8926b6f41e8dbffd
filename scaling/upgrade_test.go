package scaling

import (
	"context"
	"testing"
	"time"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/httputils"
	"github.com/whisthq/whist/backend/placement-service/types"
)

// runUpgrade dispatches an upgrade request, returning the immediate result
// (with the upgrade id) and a channel that yields RunUpgrade's final error.
func runUpgrade(t *testing.T, s *Scaler, req *httputils.UpgradeRequest) (httputils.RequestResult, <-chan error) {
	t.Helper()
	req.CreateResultChan()

	done := make(chan error, 1)
	go func() {
		done <- s.RunUpgrade(context.Background(), ScalingEvent{ID: "test-upgrade", Type: EventUpgrade, Data: req})
	}()

	select {
	case res := <-req.ResultChan:
		return res, done
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upgrade id")
		return httputils.RequestResult{}, done
	}
}

func TestUpgradeHappyPath(t *testing.T) {
	s, db, _, drainer := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-old", "ami-old")
	db.AddInstance(dbclient.Instance{
		ID: "i-old", Region: "us-east-1", ImageID: "ami-old", IPAddr: "10.0.0.1",
		AuthToken: "token-old", Status: dbclient.InstanceStatusActive,
		CapacityTotal: 2, RemainingCapacity: 2,
	})
	// A worker on the new image is already active, so the warm-up poll
	// succeeds on its first pass.
	db.AddInstance(dbclient.Instance{
		ID: "i-new", Region: "us-east-1", ImageID: "ami-new", IPAddr: "10.0.0.2",
		AuthToken: "token-new", Status: dbclient.InstanceStatusActive,
		CapacityTotal: 2, RemainingCapacity: 2,
	})

	res, done := runUpgrade(t, s, &httputils.UpgradeRequest{
		CommitHash:     "sha-new",
		RegionImageMap: map[string]types.ImageID{"us-east-1": "ami-new"},
	})
	if res.Err != nil {
		t.Fatalf("upgrade request failed: %s", res.Err)
	}
	upgradeID := res.Result.(httputils.UpgradeRequestResult).UpgradeID
	if upgradeID == "" {
		t.Fatal("expected a non-empty upgrade id")
	}

	if err := <-done; err != nil {
		t.Fatalf("RunUpgrade failed: %s", err)
	}

	upgrade, ok := s.GetUpgrade(upgradeID)
	if !ok {
		t.Fatal("upgrade is missing from the registry")
	}
	if upgrade.Status != UpgradeComplete {
		t.Errorf("got upgrade status %s, want %s", upgrade.Status, UpgradeComplete)
	}

	// Placements now select the new image.
	active, err := db.QueryActiveImage(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("QueryActiveImage failed: %s", err)
	}
	if active.ClientSHA != "sha-new" || active.ImageID != "ami-new" {
		t.Errorf("active image is %s/%s, want sha-new/ami-new", active.ClientSHA, active.ImageID)
	}

	// The superseded version no longer admits clients.
	allowed, _ := db.VersionAllowed(context.Background(), "us-east-1", "sha-old")
	if allowed {
		t.Error("expected the old version to be retired")
	}

	// The superseded instance drains; the new one keeps serving.
	drained := drainer.DrainedIPs()
	if len(drained) != 1 || drained[0] != "10.0.0.1" {
		t.Errorf("drained %v, want only the old instance 10.0.0.1", drained)
	}
	old, _ := db.QueryInstance(context.Background(), "i-old")
	if old.Status != dbclient.InstanceStatusDraining {
		t.Errorf("old instance status is %s, want %s", old.Status, dbclient.InstanceStatusDraining)
	}
}

func TestUpgradeAbortsOnWarmupTimeout(t *testing.T) {
	t.Cleanup(config.Initialize)
	t.Setenv("UPGRADE_WARMUP_TIMEOUT_S", "0")
	config.Initialize()

	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-old", "ami-old")

	res, done := runUpgrade(t, s, &httputils.UpgradeRequest{
		CommitHash:     "sha-new",
		RegionImageMap: map[string]types.ImageID{"us-east-1": "ami-new"},
	})
	if res.Err != nil {
		t.Fatalf("upgrade request failed: %s", res.Err)
	}
	upgradeID := res.Result.(httputils.UpgradeRequestResult).UpgradeID

	if err := <-done; err == nil {
		t.Fatal("expected RunUpgrade to fail on warm-up timeout")
	}

	upgrade, _ := s.GetUpgrade(upgradeID)
	if upgrade.Status != UpgradeFailed {
		t.Errorf("got upgrade status %s, want %s", upgrade.Status, UpgradeFailed)
	}

	// No promotion happened: the old image is still the active one.
	active, err := db.QueryActiveImage(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("QueryActiveImage failed: %s", err)
	}
	if active.ClientSHA != "sha-old" {
		t.Errorf("active image is %s, want the unpromoted sha-old", active.ClientSHA)
	}
}

func TestUpgradeRejectsEmptyRegionMap(t *testing.T) {
	s, _, _, _ := newTestScaler()

	res, done := runUpgrade(t, s, &httputils.UpgradeRequest{CommitHash: "sha-new"})
	if res.Err == nil {
		t.Fatal("expected an error for an upgrade with no regions")
	}
	if err := <-done; err == nil {
		t.Fatal("expected RunUpgrade to return an error")
	}
}

func TestUpgradeRejectsEmptyVersion(t *testing.T) {
	s, db, _, _ := newTestScaler()

	res, done := runUpgrade(t, s, &httputils.UpgradeRequest{
		RegionImageMap: map[string]types.ImageID{"us-east-1": "ami-new"},
	})
	if res.Err == nil {
		t.Fatal("expected an error for an upgrade with no client version")
	}
	if err := <-done; err == nil {
		t.Fatal("expected RunUpgrade to return an error")
	}

	// Nothing was written to the catalog.
	if len(db.Images) != 0 {
		t.Errorf("catalog has %d rows, want none", len(db.Images))
	}
}

func TestGetUpgradeUnknownID(t *testing.T) {
	s, _, _, _ := newTestScaler()
	if _, ok := s.GetUpgrade("nope"); ok {
		t.Error("expected lookup of an unknown upgrade id to fail")
	}
}
