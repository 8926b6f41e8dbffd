// Package types contains some useful types shared across the placement
// service. We define this package separately so that we can safely pass these
// types around to other packages without creating import cycles.
package types // import "github.com/whisthq/whist/backend/placement-service/types"

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch instance and image
// IDs, for instance.

type (
	// A MandelboxID is a random UUID created for each mandelbox when it is
	// assigned to a user.
	MandelboxID uuid.UUID

	// UserID is the id assigned to a user by the authentication provider (Auth0).
	UserID string

	// InstanceID represents the unique ID assigned by the cloud provider to the
	// instance.
	InstanceID string

	// ImageID is the unique ID associated with the machine image used to start
	// the instance.
	ImageID string

	// ClientSHA is the commit hash of the client version an image (and the
	// instances booted from it) is compatible with.
	ClientSHA string
)

// String returns the canonical UUID string representation of a MandelboxID.
func (m MandelboxID) String() string {
	return uuid.UUID(m).String()
}

// MarshalJSON marshals a MandelboxID as its UUID string.
func (m MandelboxID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(m).String())
}

// UnmarshalJSON parses a MandelboxID from a UUID string, accepting quoted and
// unquoted forms.
func (m *MandelboxID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	id, err := uuid.Parse(s)
	if err != nil {
		return utils.MakeError("failed to parse mandelbox ID %s: %s", s, err)
	}

	*m = MandelboxID(id)
	return nil
}
