package scaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/types"
)

func TestVerifyLivenessFlagsSilentInstances(t *testing.T) {
	s, db, _, _ := newTestScaler()
	db.AddInstance(dbclient.Instance{
		ID: "i-silent", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
		LastUpdated: time.Now().Add(-5 * time.Minute),
	})
	db.AddInstance(dbclient.Instance{
		ID: "i-chatty", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
		LastUpdated: time.Now(),
	})

	if err := s.VerifyLiveness(context.Background()); err != nil {
		t.Fatalf("VerifyLiveness failed: %s", err)
	}

	silent, _ := db.QueryInstance(context.Background(), "i-silent")
	if silent.Status != dbclient.InstanceStatusUnresponsive {
		t.Errorf("silent instance status is %s, want %s", silent.Status, dbclient.InstanceStatusUnresponsive)
	}
	chatty, _ := db.QueryInstance(context.Background(), "i-chatty")
	if chatty.Status != dbclient.InstanceStatusActive {
		t.Errorf("chatty instance status is %s, want untouched", chatty.Status)
	}
}

func TestVerifyLivenessFlagsStaleBoots(t *testing.T) {
	s, db, _, _ := newTestScaler()
	db.AddInstance(dbclient.Instance{
		ID: "i-neverbooted", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusPreConnection, CapacityTotal: 2, RemainingCapacity: 2,
		CreatedAt: time.Now().Add(-30 * time.Minute),
	})
	db.AddInstance(dbclient.Instance{
		ID: "i-booting", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusPreConnection, CapacityTotal: 2, RemainingCapacity: 2,
		CreatedAt: time.Now(),
	})

	if err := s.VerifyLiveness(context.Background()); err != nil {
		t.Fatalf("VerifyLiveness failed: %s", err)
	}

	stale, _ := db.QueryInstance(context.Background(), "i-neverbooted")
	if stale.Status != dbclient.InstanceStatusUnresponsive {
		t.Errorf("stale boot status is %s, want %s", stale.Status, dbclient.InstanceStatusUnresponsive)
	}
	booting, _ := db.QueryInstance(context.Background(), "i-booting")
	if booting.Status != dbclient.InstanceStatusPreConnection {
		t.Errorf("fresh boot status is %s, want untouched", booting.Status)
	}
}

func TestVerifyLivenessReclaimsAfterGrace(t *testing.T) {
	s, db, host, _ := newTestScaler()
	db.AddInstance(dbclient.Instance{
		ID: "i-gone", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusUnresponsive, CapacityTotal: 2, RemainingCapacity: 1,
		LastUpdated: time.Now().Add(-10 * time.Minute),
	})
	// Flagged recently: still within grace.
	db.AddInstance(dbclient.Instance{
		ID: "i-maybe", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusUnresponsive, CapacityTotal: 2, RemainingCapacity: 2,
		LastUpdated: time.Now(),
	})
	// The crashed worker was hosting a session.
	db.Mandelboxes = append(db.Mandelboxes, &dbclient.Mandelbox{
		ID:         types.MandelboxID(uuid.New()),
		UserID:     "user-1",
		InstanceID: "i-gone",
		CreatedAt:  time.Now().Add(-1 * time.Hour),
	})

	if err := s.VerifyLiveness(context.Background()); err != nil {
		t.Fatalf("VerifyLiveness failed: %s", err)
	}

	stopped := host.StoppedIDs()
	if len(stopped) != 1 || stopped[0] != types.InstanceID("i-gone") {
		t.Fatalf("stopped %v, want [i-gone]", stopped)
	}

	gone, _ := db.QueryInstance(context.Background(), "i-gone")
	if gone.Status != dbclient.InstanceStatusTerminated {
		t.Errorf("reclaimed instance status is %s, want %s", gone.Status, dbclient.InstanceStatusTerminated)
	}
	maybe, _ := db.QueryInstance(context.Background(), "i-maybe")
	if maybe.Status != dbclient.InstanceStatusUnresponsive {
		t.Errorf("in-grace instance status is %s, want untouched", maybe.Status)
	}

	// The dangling session is gone, so the user can place again.
	if _, err := db.QueryUserMandelbox(context.Background(), "user-1"); !errors.Is(err, dbclient.ErrNotFound) {
		t.Errorf("expected user-1's mandelbox to be deleted, got %v", err)
	}
}
