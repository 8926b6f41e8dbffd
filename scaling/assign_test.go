package scaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/httputils"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// runAssign dispatches an assign request and returns the result the HTTP
// handler would have seen.
func runAssign(t *testing.T, s *Scaler, req *httputils.MandelboxAssignRequest) httputils.MandelboxAssignRequestResult {
	t.Helper()
	req.CreateResultChan()

	go func() {
		_ = s.MandelboxAssign(context.Background(), ScalingEvent{ID: "test-event", Type: EventMandelboxAssign, Data: req})
	}()

	select {
	case res := <-req.ResultChan:
		return res.Result.(httputils.MandelboxAssignRequestResult)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for assign result")
		return httputils.MandelboxAssignRequestResult{}
	}
}

func TestMandelboxAssignSuccess(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID:                "i-test0001",
		Region:            "us-east-1",
		ImageID:           "ami-current",
		ClientSHA:         "sha-current",
		IPAddr:            "35.1.2.3",
		AuthToken:         "deadbeef",
		Status:            dbclient.InstanceStatusActive,
		CapacityTotal:     2,
		RemainingCapacity: 2,
	})

	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region:     "us-east-1",
		CommitHash: "sha-current",
		UserID:     "user-1",
	})

	if res.Error != "" {
		t.Fatalf("got error kind %q, want success", res.Error)
	}
	if res.IP != "35.1.2.3" {
		t.Errorf("got ip %q, want %q", res.IP, "35.1.2.3")
	}
	if res.AuthToken != "deadbeef" {
		t.Errorf("got auth token %q, want the instance's", res.AuthToken)
	}
	if res.CommitHash != "sha-current" {
		t.Errorf("got commit hash %q, want %q", res.CommitHash, "sha-current")
	}

	instance, _ := db.QueryInstance(context.Background(), "i-test0001")
	if instance.RemainingCapacity != 1 {
		t.Errorf("got remaining capacity %d, want 1", instance.RemainingCapacity)
	}
	mandelbox, err := db.QueryUserMandelbox(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("expected a mandelbox row for user-1: %s", err)
	}
	if mandelbox.InstanceID != types.InstanceID("i-test0001") {
		t.Errorf("mandelbox points at %s, want i-test0001", mandelbox.InstanceID)
	}
	if mandelbox.ID != res.MandelboxID {
		t.Error("returned mandelbox id differs from the stored row")
	}
}

func TestMandelboxAssignPacksTightest(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID: "i-roomy", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 3, RemainingCapacity: 3,
	})
	db.AddInstance(dbclient.Instance{
		ID: "i-hot", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 3, RemainingCapacity: 1,
	})

	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region:     "us-east-1",
		CommitHash: "sha-current",
		UserID:     "user-1",
	})
	if res.Error != "" {
		t.Fatalf("got error kind %q, want success", res.Error)
	}

	mandelbox, _ := db.QueryUserMandelbox(context.Background(), "user-1")
	if mandelbox.InstanceID != types.InstanceID("i-hot") {
		t.Errorf("placed on %s, want the almost-full instance i-hot", mandelbox.InstanceID)
	}
}

func TestMandelboxAssignErrorKinds(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID: "i-test0001", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
	})

	// A user with a live session can't get a second one.
	first := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if first.Error != "" {
		t.Fatalf("seed assign failed with %q", first.Error)
	}
	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if res.Error != USER_ALREADY_ACTIVE {
		t.Errorf("got error kind %q, want %q", res.Error, USER_ALREADY_ACTIVE)
	}

	// A commit hash with no allowed catalog row is turned away.
	res = runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-ancient", UserID: "user-2",
	})
	if res.Error != COMMIT_HASH_MISMATCH {
		t.Errorf("got error kind %q, want %q", res.Error, COMMIT_HASH_MISMATCH)
	}

	// A region whose catalog admits the version but has no active image is
	// not enabled.
	db.AddImage(dbclient.Image{
		Region: "mars-north-1", ClientSHA: "sha-current", ImageID: "ami-mars",
		Provider: "AWS", Allowed: true,
	})
	res = runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "mars-north-1", CommitHash: "sha-current", UserID: "user-2",
	})
	if res.Error != REGION_NOT_ENABLED {
		t.Errorf("got error kind %q, want %q", res.Error, REGION_NOT_ENABLED)
	}
}

func TestMandelboxAssignActiveUserPrecedence(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID: "i-test0001", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
	})
	// The version is allowed on eu-central-1 but no image is active there.
	db.AddImage(dbclient.Image{
		Region: "eu-central-1", ClientSHA: "sha-current", ImageID: "ami-current",
		Provider: "AWS", Allowed: true,
	})

	first := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if first.Error != "" {
		t.Fatalf("seed assign failed with %q", first.Error)
	}

	// An already-active user hears about their session before the region's
	// missing image.
	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "eu-central-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if res.Error != USER_ALREADY_ACTIVE {
		t.Errorf("got error kind %q, want %q", res.Error, USER_ALREADY_ACTIVE)
	}
}

func TestMandelboxAssignUserLimitZero(t *testing.T) {
	t.Cleanup(config.Initialize)
	t.Setenv("MANDELBOX_LIMIT_PER_USER", "0")
	config.Initialize()

	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID: "i-test0001", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
	})

	// A limit of zero is the operator's kill switch for new placements.
	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if res.Error != USER_ALREADY_ACTIVE {
		t.Errorf("got error kind %q, want %q", res.Error, USER_ALREADY_ACTIVE)
	}
}

func TestMandelboxAssignInfrastructureFault(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	// A database outage has no placement error kind of its own.
	db.Err = errors.New("connection refused")

	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if res.Error != UNDEFINED {
		t.Errorf("got error kind %q, want %q", res.Error, UNDEFINED)
	}
}

func TestMandelboxAssignNoInstanceAvailableWakesCapacity(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	// The only instance is full.
	db.AddInstance(dbclient.Instance{
		ID: "i-full", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 0,
	})

	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1",
	})
	if res.Error != NO_INSTANCE_AVAILABLE {
		t.Fatalf("got error kind %q, want %q", res.Error, NO_INSTANCE_AVAILABLE)
	}

	select {
	case event := <-s.Events:
		if event.Type != EventVerifyCapacity {
			t.Errorf("got queued event %s, want %s", event.Type, EventVerifyCapacity)
		}
	case <-time.After(time.Second):
		t.Error("expected a capacity verify event to be queued")
	}
}

func TestMandelboxAssignConcurrentPlacements(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID: "i-test0001", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
	})

	// Five users race for two slots; exactly two placements may win.
	const callers = 5
	results := make(chan httputils.MandelboxAssignRequestResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &httputils.MandelboxAssignRequest{
				Region:     "us-east-1",
				CommitHash: "sha-current",
				UserID:     types.UserID(utils.Sprintf("user-%d", i)),
			}
			req.CreateResultChan()
			go func() {
				_ = s.MandelboxAssign(context.Background(), ScalingEvent{ID: "race-event", Type: EventMandelboxAssign, Data: req})
			}()
			res := <-req.ResultChan
			results <- res.Result.(httputils.MandelboxAssignRequestResult)
		}()
	}
	wg.Wait()
	close(results)

	var placed, unavailable int
	for res := range results {
		switch res.Error {
		case "":
			placed++
		case NO_INSTANCE_AVAILABLE, COULD_NOT_LOCK_INSTANCE:
			unavailable++
		default:
			t.Errorf("got unexpected error kind %q", res.Error)
		}
	}
	if placed != 2 {
		t.Errorf("%d placements succeeded, want exactly 2", placed)
	}
	if unavailable != callers-2 {
		t.Errorf("%d placements turned away, want %d", unavailable, callers-2)
	}

	instance, _ := db.QueryInstance(context.Background(), "i-test0001")
	if instance.RemainingCapacity != 0 {
		t.Errorf("got remaining capacity %d, want 0", instance.RemainingCapacity)
	}
}

func TestMandelboxAssignDuplicateUserRace(t *testing.T) {
	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")
	db.AddInstance(dbclient.Instance{
		ID: "i-test0001", Region: "us-east-1", ImageID: "ami-current",
		Status: dbclient.InstanceStatusActive, CapacityTotal: 2, RemainingCapacity: 2,
	})

	results := make(chan httputils.MandelboxAssignRequestResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &httputils.MandelboxAssignRequest{
				Region:     "us-east-1",
				CommitHash: "sha-current",
				UserID:     "user-1",
			}
			req.CreateResultChan()
			go func() {
				_ = s.MandelboxAssign(context.Background(), ScalingEvent{ID: "race-event", Type: EventMandelboxAssign, Data: req})
			}()
			res := <-req.ResultChan
			results <- res.Result.(httputils.MandelboxAssignRequestResult)
		}()
	}
	wg.Wait()
	close(results)

	var placed, duplicate int
	for res := range results {
		switch res.Error {
		case "":
			placed++
		case USER_ALREADY_ACTIVE:
			duplicate++
		default:
			t.Errorf("got unexpected error kind %q", res.Error)
		}
	}
	if placed != 1 || duplicate != 1 {
		t.Errorf("got %d placements and %d duplicate rejections, want 1 and 1", placed, duplicate)
	}

	instance, _ := db.QueryInstance(context.Background(), "i-test0001")
	if instance.RemainingCapacity != 1 {
		t.Errorf("got remaining capacity %d, want 1", instance.RemainingCapacity)
	}
}

func TestMandelboxAssignOutdatedClientApp(t *testing.T) {
	// Registered before t.Setenv so the re-initialize runs after the env var
	// is restored.
	t.Cleanup(config.Initialize)
	t.Setenv("MIN_FRONTEND_VERSION", "2.10.0")
	config.Initialize()

	s, db, _, _ := newTestScaler()
	seedActiveImage(db, "us-east-1", "sha-current", "ami-current")

	res := runAssign(t, s, &httputils.MandelboxAssignRequest{
		Region: "us-east-1", CommitHash: "sha-current", UserID: "user-1", Version: "2.9.1",
	})
	if res.Error != COMMIT_HASH_MISMATCH {
		t.Errorf("got error kind %q, want %q for an outdated client", res.Error, COMMIT_HASH_MISMATCH)
	}
}
