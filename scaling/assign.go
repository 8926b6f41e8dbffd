package scaling

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	hashicorp "github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/placement-service/config"
	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/httputils"
	"github.com/whisthq/whist/backend/placement-service/metadata"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// MandelboxAssign is the action responsible for assigning an instance to a
// user. The catalog checks run first, then the placement transaction does
// the user-uniqueness check, locks the candidate instance, reserves the slot
// and inserts the mandelbox row atomically.
func (s *Scaler) MandelboxAssign(scalingCtx context.Context, event ScalingEvent) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.String("type", event.Type),
	}
	logger.Infow("Starting mandelbox assign action.", contextFields)
	defer logger.Infow("Finished mandelbox assign action.", contextFields)

	// We want to verify if we still have the desired buffer after assigning
	// a mandelbox.
	defer func() {
		s.WakeCapacity(event.ID)
	}()

	req := event.Data.(*httputils.MandelboxAssignRequest)

	// This is necessary so that the request is always closed when
	// encountering an error in the scaling action. Infrastructure faults have
	// no entry of their own in the placement taxonomy and surface as
	// UNDEFINED.
	var serviceUnavailable = true
	defer func() {
		if serviceUnavailable {
			req.ReturnResult(httputils.MandelboxAssignRequestResult{
				Error: UNDEFINED,
			}, utils.MakeError("failed to process the assign request"))
		}
	}()

	// An out-of-date client app can't talk to current workers, so turn it
	// away before touching the database.
	if outdated, err := clientAppOutdated(req.Version); err != nil {
		logger.Warningf("Could not compare client app version %q: %s", req.Version, err)
	} else if outdated {
		serviceUnavailable = false
		err := utils.MakeError("user %s is on outdated client app version %s", req.UserID, req.Version)
		req.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: COMMIT_HASH_MISMATCH,
		}, err)
		return err
	}

	allowed, err := s.versionAllowed(scalingCtx, req.Region, types.ClientSHA(req.CommitHash))
	if err != nil {
		return utils.MakeError("failed to check commit hash %s on %s: %s", req.CommitHash, req.Region, err)
	}
	if !allowed {
		serviceUnavailable = false
		err := utils.MakeError("user %s requested commit hash %s which is not allowed on %s", req.UserID, req.CommitHash, req.Region)
		req.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: COMMIT_HASH_MISMATCH,
		}, err)
		return err
	}

	// The registry's uniqueness index is the real guard against duplicate
	// sessions; this pre-check exists so an already-active user hears
	// USER_ALREADY_ACTIVE regardless of what else is wrong with the request,
	// and so the configured per-user limit can turn placements off entirely.
	live := 0
	if _, err := s.DBClient.QueryUserMandelbox(scalingCtx, req.UserID); err == nil {
		live = 1
	} else if !errors.Is(err, dbclient.ErrNotFound) {
		return utils.MakeError("failed to look up mandelboxes of user %s: %s", req.UserID, err)
	}
	if live >= config.GetMandelboxLimitPerUser() {
		serviceUnavailable = false
		err := utils.MakeError("user %s is already at the limit of %d mandelboxes", req.UserID, config.GetMandelboxLimitPerUser())
		req.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: USER_ALREADY_ACTIVE,
		}, err)
		return err
	}

	image, err := s.DBClient.QueryActiveImage(scalingCtx, req.Region)
	if errors.Is(err, dbclient.ErrNotFound) {
		serviceUnavailable = false
		err := utils.MakeError("user %s requested region %s which has no active image", req.UserID, req.Region)
		req.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: REGION_NOT_ENABLED,
		}, err)
		return err
	} else if err != nil {
		return utils.MakeError("failed to get active image for region %s: %s", req.Region, err)
	}

	mandelboxID := types.MandelboxID(uuid.New())
	mandelbox := dbclient.Mandelbox{
		ID:        mandelboxID,
		UserID:    req.UserID,
		SessionID: strconv.FormatInt(req.SessionID, 10),
	}

	instance, err := s.DBClient.PlaceMandelbox(scalingCtx, mandelbox, req.Region, image.ImageID)
	if err != nil {
		serviceUnavailable = false
		kind := UNDEFINED
		switch {
		case errors.Is(err, dbclient.ErrUserAlreadyActive):
			kind = USER_ALREADY_ACTIVE
		case errors.Is(err, dbclient.ErrNoInstanceAvailable):
			kind = NO_INSTANCE_AVAILABLE
		case errors.Is(err, dbclient.ErrLockTimeout):
			kind = COULD_NOT_LOCK_INSTANCE
		}

		err := utils.MakeError("failed to place mandelbox for user %s on %s: %s", req.UserID, req.Region, err)
		req.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: kind,
		}, err)
		return err
	}

	logger.Infow(utils.Sprintf("Assigned mandelbox %s on instance %s to user %s", mandelboxID, instance.ID, req.UserID),
		append(contextFields,
			zap.String("mandelbox_id", mandelboxID.String()),
			zap.String("instance_id", string(instance.ID)),
			zap.String("region", req.Region)))

	serviceUnavailable = false
	req.ReturnResult(httputils.MandelboxAssignRequestResult{
		IP:          instance.IPAddr,
		AuthToken:   instance.AuthToken,
		CommitHash:  instance.ClientSHA,
		MandelboxID: mandelboxID,
	}, nil)
	return nil
}

// versionAllowed reports whether clients on the given commit hash may still
// be placed on the region. Local environments can bypass the check with the
// dev override hash.
func (s *Scaler) versionAllowed(ctx context.Context, region string, commitHash types.ClientSHA) (bool, error) {
	if metadata.IsLocalEnv() && commitHash == CLIENT_COMMIT_HASH_DEV_OVERRIDE {
		return true, nil
	}
	return s.DBClient.VersionAllowed(ctx, region, commitHash)
}

// clientAppOutdated compares the client app version against the configured
// minimum. An empty minimum or an empty reported version disables the check.
func clientAppOutdated(reported string) (bool, error) {
	minimum := config.GetMinFrontendVersion()
	if minimum == "" || reported == "" {
		return false, nil
	}

	minVersion, err := hashicorp.NewVersion(minimum)
	if err != nil {
		return false, utils.MakeError("malformed minimum frontend version %q: %s", minimum, err)
	}
	gotVersion, err := hashicorp.NewVersion(reported)
	if err != nil {
		return false, utils.MakeError("malformed client app version %q: %s", reported, err)
	}

	return gotVersion.LessThan(minVersion), nil
}
