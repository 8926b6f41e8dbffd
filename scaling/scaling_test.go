package scaling

import (
	"os"
	"testing"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/internal/sstest"
	"github.com/whisthq/whist/backend/placement-service/types"
)

func TestMain(m *testing.M) {
	config.Initialize()
	os.Exit(m.Run())
}

// newTestScaler returns a scaler wired to in-memory fakes on us-east-1.
func newTestScaler() (*Scaler, *sstest.MockDBClient, *sstest.FakeHost, *sstest.FakeDrainer) {
	db := sstest.NewMockDBClient()
	host := sstest.NewFakeHost("us-east-1")
	drainer := &sstest.FakeDrainer{}

	s := NewScaler(db, drainer)
	s.SetHost("us-east-1", host)
	return s, db, host, drainer
}

// seedActiveImage registers an enabled and active catalog row.
func seedActiveImage(db *sstest.MockDBClient, region string, sha string, imageID string) {
	db.AddImage(dbclient.Image{
		Region:    region,
		ClientSHA: types.ClientSHA(sha),
		ImageID:   types.ImageID(imageID),
		Provider:  "AWS",
		Enabled:   true,
		Allowed:   true,
		Active:    true,
	})
}
