/*
Package scaling contains the control plane's decision logic: the placement
action, the capacity controller, the liveness supervisor and the upgrade
orchestrator. All of them share a Scaler, which receives a stream of events
and makes calls to the database client and the host handlers.
*/
package scaling

import (
	"context"
	"sync"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/hosts"
	aws "github.com/whisthq/whist/backend/placement-service/hosts/aws"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// Event types the Scaler knows how to process.
const (
	// EventMandelboxAssign carries a *httputils.MandelboxAssignRequest.
	EventMandelboxAssign = "SERVER_MANDELBOX_ASSIGN_EVENT"
	// EventUpgrade carries a *httputils.UpgradeRequest.
	EventUpgrade = "SERVER_UPGRADE_EVENT"
	// EventVerifyCapacity triggers one capacity controller pass.
	EventVerifyCapacity = "SCHEDULED_CAPACITY_VERIFY_EVENT"
	// EventVerifyLiveness triggers one liveness supervisor pass.
	EventVerifyLiveness = "SCHEDULED_LIVENESS_VERIFY_EVENT"
)

// ScalingEvent is an event that contains all the relevant information to
// make scaling decisions.
type ScalingEvent struct {
	ID     string
	Type   string      // The type of event (assign, upgrade, scheduled, etc.)
	Data   interface{} // Data relevant to the event
	Region string      // Region where the scaling will be performed, when applicable
}

// Scaler processes scaling events. It holds the database client, one host
// handler per region, and the in-memory upgrade registry.
type Scaler struct {
	DBClient dbclient.WhistDBClient
	Drainer  hosts.Drainer

	// Events receives work from the HTTP server and the schedulers.
	Events chan ScalingEvent

	hostsLock sync.Mutex
	hosts     map[string]hosts.HostHandler

	upgradesLock sync.RWMutex
	upgrades     map[string]*Upgrade
}

// NewScaler returns a Scaler ready to process events.
func NewScaler(db dbclient.WhistDBClient, drainer hosts.Drainer) *Scaler {
	return &Scaler{
		DBClient: db,
		Drainer:  drainer,
		Events:   make(chan ScalingEvent, 100),
		hosts:    map[string]hosts.HostHandler{},
		upgrades: map[string]*Upgrade{},
	}
}

// SetHost registers a host handler for a region. Tests use it to install
// fakes; otherwise handlers are created on demand.
func (s *Scaler) SetHost(region string, host hosts.HostHandler) {
	s.hostsLock.Lock()
	defer s.hostsLock.Unlock()
	s.hosts[region] = host
}

// GetHost returns the host handler for a region, creating one if the region
// has not been touched yet. For now all regions are on AWS.
func (s *Scaler) GetHost(region string) (hosts.HostHandler, error) {
	s.hostsLock.Lock()
	defer s.hostsLock.Unlock()

	if host, ok := s.hosts[region]; ok {
		return host, nil
	}

	handler := &aws.AWSHost{}
	if err := handler.Initialize(region); err != nil {
		return nil, err
	}
	s.hosts[region] = handler
	return handler, nil
}

// ProcessEvents is the main event loop. Each event is handled on its own
// goroutine so a slow cloud call never blocks placements.
func (s *Scaler) ProcessEvents(globalCtx context.Context, goroutineTracker *sync.WaitGroup) {
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		for {
			select {
			case event := <-s.Events:
				s.dispatch(globalCtx, goroutineTracker, event)
			case <-globalCtx.Done():
				logger.Info("Global context has been cancelled. Exiting from the scaling event loop...")
				return
			}
		}
	}()
}

func (s *Scaler) dispatch(globalCtx context.Context, goroutineTracker *sync.WaitGroup, event ScalingEvent) {
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		scalingCtx, scalingCancel := context.WithCancel(globalCtx)
		defer scalingCancel()

		var err error
		switch event.Type {
		case EventMandelboxAssign:
			err = s.MandelboxAssign(scalingCtx, event)
		case EventUpgrade:
			err = s.RunUpgrade(scalingCtx, event)
		case EventVerifyCapacity:
			err = s.VerifyCapacity(scalingCtx)
		case EventVerifyLiveness:
			err = s.VerifyLiveness(scalingCtx)
		default:
			logger.Errorf("Received an event of unknown type %s", event.Type)
			return
		}
		if err != nil {
			logger.Errorf("error processing %s event %s: %s", event.Type, event.ID, err)
		}
	}()
}

// WakeCapacity enqueues a capacity controller pass without blocking. It is
// called when a placement fails for lack of instances, so a buffer refill
// happens before the next scheduled tick.
func (s *Scaler) WakeCapacity(reason string) {
	select {
	case s.Events <- ScalingEvent{ID: reason, Type: EventVerifyCapacity}:
	default:
		// A verify pass is already queued.
	}
}
