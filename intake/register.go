package intake

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// RegisterInstance performs the first-contact handshake with a booted
// worker: it generates the shared auth token, records the worker's IP, and
// moves the row to `ACTIVE`. The token is handed out exactly once; a second
// register call for the same instance fails with
// dbclient.ErrBadInstanceState because the conditional update no longer
// matches.
func (i *Intake) RegisterInstance(ctx context.Context, instanceID types.InstanceID, ip string) (string, error) {
	token, err := generateAuthToken()
	if err != nil {
		return "", utils.MakeError("couldn't generate auth token for instance %s: %s", instanceID, err)
	}

	if err := i.DBClient.ActivateInstance(ctx, instanceID, ip, token); err != nil {
		return "", err
	}

	logger.Infof("Instance %s registered with address %s and is now active.", instanceID, ip)
	return token, nil
}

// generateAuthToken returns 16 random bytes, hex-encoded.
func generateAuthToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
