package main

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/whisthq/whist/backend/placement-service/auth"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/httputils"
	"github.com/whisthq/whist/backend/placement-service/intake"
	"github.com/whisthq/whist/backend/placement-service/metadata"
	"github.com/whisthq/whist/backend/placement-service/scaling"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// inMaintenanceMode is flipped when the service receives a termination
// signal. While set, the server turns away new requests with a 503 so that
// in-flight work can drain before the process exits.
var inMaintenanceMode int32

func setMaintenanceMode(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&inMaintenanceMode, v)
}

// holdsUpgradeLock is set when this replica acquired the upgrade advisory
// lock at startup and therefore runs the upgrade orchestrator.
var holdsUpgradeLock int32

func setUpgradeOrchestrator(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&holdsUpgradeLock, v)
}

// authenticateRequest parses and verifies the bearer token on the request. It
// writes a 401 and returns an error if the token is missing or invalid. In a
// local environment authentication is skipped and nil claims are returned.
func authenticateRequest(w http.ResponseWriter, r *http.Request) (*auth.WhistClaims, error) {
	if metadata.IsLocalEnv() {
		return nil, nil
	}

	accessToken, err := httputils.GetAccessToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, err
	}

	claims, err := auth.ParseToken(accessToken)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, utils.MakeError("received an unpermissioned request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if err := auth.Verify(claims); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, utils.MakeError("received an unpermissioned request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	return claims, nil
}

// MandelboxAssignHandler authenticates an assign request and hands it to the
// event loop, then waits on the result channel for the placement outcome.
func MandelboxAssignHandler(w http.ResponseWriter, r *http.Request, events chan<- scaling.ScalingEvent) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		logger.Errorf("error verifying request type: %s", err)
		return
	}

	claims, err := authenticateRequest(w, r)
	if err != nil {
		logger.Warningf("failed to authenticate assign request: %s", err)
		return
	}

	var reqdata httputils.MandelboxAssignRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse assign request: %s", err)
		return
	}

	// The token's subject is authoritative for the user's identity; the
	// body's user_id is only honored in local development, where there is no
	// token to read it from.
	if claims != nil {
		reqdata.UserID = claims.UserID()
	}
	if reqdata.UserID == "" {
		http.Error(w, "Missing user_id", http.StatusBadRequest)
		return
	}

	events <- scaling.ScalingEvent{
		ID:     uuid.NewString(),
		Type:   scaling.EventMandelboxAssign,
		Data:   &reqdata,
		Region: reqdata.Region,
	}
	res := <-reqdata.ResultChan

	res.Send(w)
}

// RegisterInstanceHandler exchanges a freshly booted worker's identity for
// its auth token. A worker is trusted because it can only register an
// instance ID this service launched itself, and only once.
func RegisterInstanceHandler(w http.ResponseWriter, r *http.Request, in *intake.Intake) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		logger.Errorf("error verifying request type: %s", err)
		return
	}

	var reqdata httputils.RegisterInstanceRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse register request: %s", err)
		return
	}

	authToken, err := in.RegisterInstance(r.Context(), reqdata.InstanceID, reqdata.IP)
	switch {
	case errors.Is(err, dbclient.ErrBadInstanceState):
		logger.Warningf("rejected registration for instance %s: %s", reqdata.InstanceID, err)
		http.Error(w, "Instance is not awaiting registration", http.StatusBadRequest)
		return
	case err != nil:
		logger.Errorf("failed to register instance %s: %s", reqdata.InstanceID, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	res := httputils.RequestResult{Result: httputils.RegisterInstanceRequestResult{AuthToken: authToken}}
	res.Send(w)
}

// InstanceHeartbeatHandler records a worker heartbeat. Success returns a 204
// with no body.
func InstanceHeartbeatHandler(w http.ResponseWriter, r *http.Request, in *intake.Intake) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		logger.Errorf("error verifying request type: %s", err)
		return
	}

	var reqdata httputils.InstanceHeartbeatRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse heartbeat request: %s", err)
		return
	}

	err := in.ProcessHeartbeat(r.Context(), reqdata.InstanceID, reqdata.AuthToken, reqdata.RemainingCapacity)
	switch {
	case errors.Is(err, intake.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case err != nil:
		logger.Errorf("failed to process heartbeat from instance %s: %s", reqdata.InstanceID, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpgradeHandler starts a rolling upgrade. Only tokens carrying the admin
// scope may call it.
func UpgradeHandler(w http.ResponseWriter, r *http.Request, events chan<- scaling.ScalingEvent) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		logger.Errorf("error verifying request type: %s", err)
		return
	}

	claims, err := authenticateRequest(w, r)
	if err != nil {
		logger.Warningf("failed to authenticate upgrade request: %s", err)
		return
	}
	if claims != nil && !claims.VerifyScope(auth.AdminScope) {
		logger.Warningf("user %s requested an upgrade without the %s scope", claims.UserID(), auth.AdminScope)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if atomic.LoadInt32(&holdsUpgradeLock) != 1 {
		http.Error(w, "Upgrade orchestrator is running on another replica", http.StatusServiceUnavailable)
		return
	}

	var reqdata httputils.UpgradeRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse upgrade request: %s", err)
		return
	}
	if reqdata.CommitHash == "" {
		http.Error(w, "Missing client_version", http.StatusBadRequest)
		return
	}

	events <- scaling.ScalingEvent{
		ID:   uuid.NewString(),
		Type: scaling.EventUpgrade,
		Data: &reqdata,
	}
	res := <-reqdata.ResultChan

	res.Send(w)
}

// UpgradeStatusHandler reports the state of a running or finished upgrade by
// its ID, e.g. GET /upgrade/aBc123.
func UpgradeStatusHandler(w http.ResponseWriter, r *http.Request, scaler *scaling.Scaler) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		logger.Errorf("error verifying request type: %s", err)
		return
	}

	if _, err := authenticateRequest(w, r); err != nil {
		logger.Warningf("failed to authenticate upgrade status request: %s", err)
		return
	}

	upgradeID := strings.TrimPrefix(r.URL.Path, "/upgrade/")
	upgrade, ok := scaler.GetUpgrade(upgradeID)
	if !ok {
		http.Error(w, "Unknown upgrade ID", http.StatusNotFound)
		return
	}

	res := httputils.RequestResult{Result: &upgrade}
	res.Send(w)
}

// RegionsHandler returns the regions that currently have an active image and
// can therefore serve placements.
func RegionsHandler(w http.ResponseWriter, r *http.Request, db dbclient.WhistDBClient) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		logger.Errorf("error verifying request type: %s", err)
		return
	}

	regions, err := db.EnabledRegions(r.Context())
	if err != nil {
		logger.Errorf("failed to query enabled regions: %s", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	res := httputils.RequestResult{Result: struct {
		Regions []string `json:"regions"`
	}{regions}}
	res.Send(w)
}

// throttleMiddleware will limit requests on the endpoint using the provided
// rate limiter. It uses a token bucket algorithm, so that every interval of
// time the "bucket" will refill and continue to serve tokens up to a maximum
// defined by the burst capacity. In case the limit is exceeded, return a
// http 429 error (too many requests).
func throttleMiddleware(limiter *rate.Limiter, f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(rw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		f(rw, r)
	}
}

// maintenanceMiddleware turns requests away with a 503 while the service is
// draining for shutdown.
func maintenanceMiddleware(f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(rw http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&inMaintenanceMode) == 1 {
			http.Error(rw, "Service is draining for shutdown", http.StatusServiceUnavailable)
			return
		}
		f(rw, r)
	}
}

// StartHTTPServer assembles the request multiplexer and starts serving in a
// goroutine. The returned server is shut down by main during drain.
func StartHTTPServer(events chan scaling.ScalingEvent, in *intake.Intake, scaler *scaling.Scaler, db dbclient.WhistDBClient) *http.Server {
	logger.Infof("Starting HTTP server...")

	eventHandler := func(f func(http.ResponseWriter, *http.Request, chan<- scaling.ScalingEvent)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			f(w, r, events)
		}
	}
	intakeHandler := func(f func(http.ResponseWriter, *http.Request, *intake.Intake)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			f(w, r, in)
		}
	}

	// Start a new rate limiter. This will limit requests on an endpoint to
	// every `interval` with a burst of up to `burst` requests. This will help
	// mitigate Denial of Service attacks, or a client app spamming too many
	// requests.
	interval := 1 * time.Second
	burst := 10
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/mandelbox/assign", maintenanceMiddleware(throttleMiddleware(limiter, eventHandler(MandelboxAssignHandler))))
	mux.HandleFunc("/instance/register", maintenanceMiddleware(intakeHandler(RegisterInstanceHandler)))
	mux.HandleFunc("/instance/heartbeat", maintenanceMiddleware(intakeHandler(InstanceHeartbeatHandler)))
	mux.HandleFunc("/upgrade", maintenanceMiddleware(eventHandler(UpgradeHandler)))
	mux.HandleFunc("/upgrade/", maintenanceMiddleware(func(w http.ResponseWriter, r *http.Request) {
		UpgradeStatusHandler(w, r, scaler)
	}))
	mux.HandleFunc("/regions", maintenanceMiddleware(func(w http.ResponseWriter, r *http.Request) {
		RegionsHandler(w, r, db)
	}))

	// Add timeouts to help mitigate potential rogue clients or DDOS attacks.
	srv := &http.Server{
		Addr:         "0.0.0.0:8082",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server closed unexpectedly: %s", err)
		}
	}()

	return srv
}
