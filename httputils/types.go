package httputils

import (
	mandelboxtypes "github.com/whisthq/whist/backend/placement-service/types"
)

// Request types

// MandelboxAssignRequest defines the `/mandelbox/assign` endpoint.
type MandelboxAssignRequest struct {
	Region     string                `json:"region"`             // The region the user wants a mandelbox on
	CommitHash string                `json:"client_commit_hash"` // The commit hash the client app is running
	Version    string                `json:"version"`            // The client app version, if the client reports one
	SessionID  int64                 `json:"session_id"`
	UserID     mandelboxtypes.UserID `json:"user_id"` // Overridden by the access token's subject when auth is on
	ResultChan chan RequestResult    `json:"-"`       // Channel to pass the request result between goroutines
}

// MandelboxAssignRequestResult defines the data returned by the
// `/mandelbox/assign` endpoint. On failure only Error is set.
type MandelboxAssignRequestResult struct {
	IP          string                     `json:"ip,omitempty"`
	AuthToken   string                     `json:"auth_token,omitempty"`
	CommitHash  mandelboxtypes.ClientSHA   `json:"client_commit_hash,omitempty"`
	MandelboxID mandelboxtypes.MandelboxID `json:"mandelbox_id"`
	Error       string                     `json:"error,omitempty"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *MandelboxAssignRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *MandelboxAssignRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// RegisterInstanceRequest defines the `/instance/register` endpoint, called
// by a freshly booted worker to obtain its auth token.
type RegisterInstanceRequest struct {
	InstanceID mandelboxtypes.InstanceID `json:"instance_id"`
	IP         string                    `json:"ip"`
	ResultChan chan RequestResult        `json:"-"`
}

// RegisterInstanceRequestResult defines the data returned by the
// `/instance/register` endpoint.
type RegisterInstanceRequestResult struct {
	AuthToken string `json:"auth_token"`
}

func (s *RegisterInstanceRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

func (s *RegisterInstanceRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// InstanceHeartbeatRequest defines the `/instance/heartbeat` endpoint. A
// successful heartbeat returns 204 with no body.
type InstanceHeartbeatRequest struct {
	InstanceID        mandelboxtypes.InstanceID `json:"instance_id"`
	AuthToken         string                    `json:"auth_token"`
	RemainingCapacity int32                     `json:"capacity_remaining"`
	ResultChan        chan RequestResult        `json:"-"`
}

func (s *InstanceHeartbeatRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

func (s *InstanceHeartbeatRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// UpgradeRequest defines the `/upgrade` endpoint, which starts a rolling
// upgrade to a new client version.
type UpgradeRequest struct {
	CommitHash     mandelboxtypes.ClientSHA          `json:"client_version"`
	RegionImageMap map[string]mandelboxtypes.ImageID `json:"region_to_image_id"`
	ResultChan     chan RequestResult                `json:"-"`
}

// UpgradeRequestResult defines the data returned by the `/upgrade` endpoint.
type UpgradeRequestResult struct {
	UpgradeID string `json:"upgrade_id"`
}

func (s *UpgradeRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

func (s *UpgradeRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}
