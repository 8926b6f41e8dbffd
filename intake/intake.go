/*
Package intake implements the worker-facing handshake: the one-shot
registration that issues an instance its auth token, and the periodic
heartbeats that keep it alive in the registry.
*/
package intake

import (
	"errors"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/hosts"
)

// ErrUnauthorized is returned when a heartbeat presents a wrong auth token.
// The HTTP layer maps it to 401.
var ErrUnauthorized = errors.New("instance auth token mismatch")

// HostProvider hands out the host handler for a region. *scaling.Scaler
// satisfies it.
type HostProvider interface {
	GetHost(region string) (hosts.HostHandler, error)
}

// Intake processes instance registrations and heartbeats.
type Intake struct {
	DBClient dbclient.WhistDBClient
	Hosts    HostProvider
}

// New returns an Intake backed by the given database client and host
// provider.
func New(db dbclient.WhistDBClient, hosts HostProvider) *Intake {
	return &Intake{DBClient: db, Hosts: hosts}
}
