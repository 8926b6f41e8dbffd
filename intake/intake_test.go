package intake

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/hosts"
	"github.com/whisthq/whist/backend/placement-service/internal/sstest"
	"github.com/whisthq/whist/backend/placement-service/types"
)

type fakeProvider struct {
	host *sstest.FakeHost
}

func (p fakeProvider) GetHost(region string) (hosts.HostHandler, error) {
	return p.host, nil
}

func newTestIntake() (*Intake, *sstest.MockDBClient, *sstest.FakeHost) {
	db := sstest.NewMockDBClient()
	host := sstest.NewFakeHost("us-east-1")
	return New(db, fakeProvider{host: host}), db, host
}

func TestRegisterInstance(t *testing.T) {
	intake, db, _ := newTestIntake()
	db.AddInstance(dbclient.Instance{
		ID:                "i-test0001",
		Region:            "us-east-1",
		Status:            dbclient.InstanceStatusPreConnection,
		CapacityTotal:     2,
		RemainingCapacity: 2,
	})

	token, err := intake.RegisterInstance(context.Background(), "i-test0001", "35.1.2.3")
	if err != nil {
		t.Fatalf("RegisterInstance failed: %s", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(token) {
		t.Errorf("got token %q, want 32 hex characters", token)
	}

	instance, err := db.QueryInstance(context.Background(), "i-test0001")
	if err != nil {
		t.Fatalf("QueryInstance failed: %s", err)
	}
	if instance.Status != dbclient.InstanceStatusActive {
		t.Errorf("got status %s, want %s", instance.Status, dbclient.InstanceStatusActive)
	}
	if instance.IPAddr != "35.1.2.3" {
		t.Errorf("got ip %q, want %q", instance.IPAddr, "35.1.2.3")
	}
	if instance.AuthToken != token {
		t.Error("stored auth token differs from the returned one")
	}

	// The token is issued exactly once.
	if _, err := intake.RegisterInstance(context.Background(), "i-test0001", "35.1.2.3"); !errors.Is(err, dbclient.ErrBadInstanceState) {
		t.Errorf("second register returned %v, want ErrBadInstanceState", err)
	}
}

func TestRegisterUnknownInstance(t *testing.T) {
	intake, _, _ := newTestIntake()
	if _, err := intake.RegisterInstance(context.Background(), "i-missing", "35.1.2.3"); !errors.Is(err, dbclient.ErrBadInstanceState) {
		t.Errorf("got %v, want ErrBadInstanceState", err)
	}
}

func TestHeartbeatAuth(t *testing.T) {
	intake, db, _ := newTestIntake()
	db.AddInstance(dbclient.Instance{
		ID:                "i-test0001",
		Region:            "us-east-1",
		Status:            dbclient.InstanceStatusActive,
		AuthToken:         "deadbeef",
		CapacityTotal:     2,
		RemainingCapacity: 2,
	})

	if err := intake.ProcessHeartbeat(context.Background(), "i-test0001", "deadbeef", 1); err != nil {
		t.Errorf("heartbeat with correct token failed: %s", err)
	}
	if err := intake.ProcessHeartbeat(context.Background(), "i-test0001", "wrong", 1); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("heartbeat with wrong token returned %v, want ErrUnauthorized", err)
	}
	if err := intake.ProcessHeartbeat(context.Background(), "i-missing", "deadbeef", 1); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("heartbeat for unknown instance returned %v, want ErrUnauthorized", err)
	}
}

func TestHeartbeatClampsReportedCapacity(t *testing.T) {
	intake, db, _ := newTestIntake()
	db.AddInstance(dbclient.Instance{
		ID:                "i-test0001",
		Region:            "us-east-1",
		Status:            dbclient.InstanceStatusActive,
		AuthToken:         "deadbeef",
		CapacityTotal:     2,
		RemainingCapacity: 0,
	})

	if err := intake.ProcessHeartbeat(context.Background(), "i-test0001", "deadbeef", 99); err != nil {
		t.Fatalf("heartbeat failed: %s", err)
	}
	instance, _ := db.QueryInstance(context.Background(), "i-test0001")
	if instance.RemainingCapacity != 2 {
		t.Errorf("got remaining capacity %d, want clamped to 2", instance.RemainingCapacity)
	}

	if err := intake.ProcessHeartbeat(context.Background(), "i-test0001", "deadbeef", -5); err != nil {
		t.Fatalf("heartbeat failed: %s", err)
	}
	instance, _ = db.QueryInstance(context.Background(), "i-test0001")
	if instance.RemainingCapacity != 0 {
		t.Errorf("got remaining capacity %d, want clamped to 0", instance.RemainingCapacity)
	}
}

func TestHeartbeatFinishesDrain(t *testing.T) {
	intake, db, host := newTestIntake()
	db.AddInstance(dbclient.Instance{
		ID:                "i-drained",
		Region:            "us-east-1",
		Status:            dbclient.InstanceStatusDraining,
		AuthToken:         "deadbeef",
		CapacityTotal:     2,
		RemainingCapacity: 1,
	})

	// Last session still running: nothing happens yet.
	if err := intake.ProcessHeartbeat(context.Background(), "i-drained", "deadbeef", 1); err != nil {
		t.Fatalf("heartbeat failed: %s", err)
	}
	if len(host.StoppedIDs()) != 0 {
		t.Fatal("instance was stopped while still hosting a session")
	}

	// The worker reports full capacity: the drain is finished.
	if err := intake.ProcessHeartbeat(context.Background(), "i-drained", "deadbeef", 2); err != nil {
		t.Fatalf("heartbeat failed: %s", err)
	}

	stopped := host.StoppedIDs()
	if len(stopped) != 1 || stopped[0] != types.InstanceID("i-drained") {
		t.Errorf("got stopped instances %v, want [i-drained]", stopped)
	}
	instance, _ := db.QueryInstance(context.Background(), "i-drained")
	if instance.Status != dbclient.InstanceStatusTerminated {
		t.Errorf("got status %s, want %s", instance.Status, dbclient.InstanceStatusTerminated)
	}
}
