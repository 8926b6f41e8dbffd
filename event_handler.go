package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/whisthq/whist/backend/placement-service/auth"
	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/dbdriver"
	"github.com/whisthq/whist/backend/placement-service/hosts"
	"github.com/whisthq/whist/backend/placement-service/intake"
	"github.com/whisthq/whist/backend/placement-service/metadata"
	"github.com/whisthq/whist/backend/placement-service/scaling"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

func main() {
	// Flush the log shippers on the way out, whatever the exit path.
	defer logger.Close()

	config.Initialize()

	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := &sync.WaitGroup{}

	if !metadata.IsLocalEnv() {
		if err := auth.Initialize(); err != nil {
			// Requests that need a verified token will be turned away with a
			// 401 until the JWKS becomes reachable.
			logger.Errorf("failed to start JWKS client: %s", err)
		}
	}

	if err := dbdriver.Initialize(globalCtx); err != nil {
		logger.Panicf("failed to connect to the database: %s", err)
	}
	defer dbdriver.Close()

	db := dbclient.NewDBClient(dbdriver.Pool())
	drainer := hosts.NewHTTPDrainer(config.GetCloudRetryMax())

	scaler := scaling.NewScaler(db, drainer)
	scaler.ProcessEvents(globalCtx, goroutineTracker)

	in := intake.New(db, scaler)

	StartScheduledEvents(globalCtx, goroutineTracker, scaler)

	srv := StartHTTPServer(scaler.Events, in, scaler, db)

	// Register a signal handler for Ctrl-C so that we drain cleanly if Ctrl-C
	// is pressed, and for SIGTERM, which is how the platform asks us to stop.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker
	// goroutine, or for us to receive an interrupt.
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}

	// Stop accepting new work, then give in-flight requests a bounded amount
	// of time to finish before tearing the event loop down.
	setMaintenanceMode(true)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.GetShutdownDrainPeriod())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("HTTP server did not shut down cleanly: %s", err)
	}

	globalCancel()
	goroutineTracker.Wait()

	logger.Infof("Placement service exited cleanly")
}

// StartScheduledEvents starts the periodic capacity and liveness passes.
// Each pass is guarded by a database advisory lock so that exactly one
// replica runs it; a replica that does not hold a lock simply does not
// schedule that tick, and picks the lock up on the next deploy if the holder
// goes away.
func StartScheduledEvents(globalCtx context.Context, goroutineTracker *sync.WaitGroup, scaler *scaling.Scaler) {
	s := gocron.NewScheduler(time.UTC)

	capacityLock, err := dbdriver.TryAcquireLock(globalCtx, dbdriver.CapacityLockKey)
	if err != nil {
		logger.Errorf("failed to acquire capacity scheduler lock: %s", err)
	}
	if capacityLock != nil {
		// Fill the instance buffers right away instead of waiting out the
		// first tick.
		scaler.WakeCapacity("startup")

		_, err := s.Every(config.GetCapacityTick()).Do(func() {
			scaler.Events <- scaling.ScalingEvent{
				ID:   "scheduled-capacity-verify",
				Type: scaling.EventVerifyCapacity,
			}
		})
		if err != nil {
			logger.Errorf("failed to schedule capacity verification: %s", err)
		}
	} else {
		logger.Infof("Another replica holds the capacity scheduler lock, skipping capacity ticks")
	}

	upgradeLock, err := dbdriver.TryAcquireLock(globalCtx, dbdriver.UpgradeLockKey)
	if err != nil {
		logger.Errorf("failed to acquire upgrade orchestrator lock: %s", err)
	}
	if upgradeLock != nil {
		setUpgradeOrchestrator(true)
	} else {
		logger.Infof("Another replica holds the upgrade orchestrator lock, turning away upgrade requests")
	}

	livenessLock, err := dbdriver.TryAcquireLock(globalCtx, dbdriver.LivenessLockKey)
	if err != nil {
		logger.Errorf("failed to acquire liveness scheduler lock: %s", err)
	}
	if livenessLock != nil {
		_, err := s.Every(config.GetLivenessTick()).Do(func() {
			scaler.Events <- scaling.ScalingEvent{
				ID:   "scheduled-liveness-verify",
				Type: scaling.EventVerifyLiveness,
			}
		})
		if err != nil {
			logger.Errorf("failed to schedule liveness verification: %s", err)
		}
	} else {
		logger.Infof("Another replica holds the liveness scheduler lock, skipping liveness ticks")
	}

	s.StartAsync()

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		<-globalCtx.Done()
		s.Stop()

		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if capacityLock != nil {
			if err := capacityLock.Release(releaseCtx); err != nil {
				logger.Warningf("failed to release capacity scheduler lock: %s", err)
			}
		}
		if livenessLock != nil {
			if err := livenessLock.Release(releaseCtx); err != nil {
				logger.Warningf("failed to release liveness scheduler lock: %s", err)
			}
		}
		if upgradeLock != nil {
			if err := upgradeLock.Release(releaseCtx); err != nil {
				logger.Warningf("failed to release upgrade orchestrator lock: %s", err)
			}
		}
	}()
}
