package workflows

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/stores"
)

// Delete step names.
const (
	StepClaimDelete  = "claim-delete"
	StepDeleteCloud  = "delete-cloud-object"
	StepDeleteAuthz  = "delete-authz"
	StepFinishDelete = "finish-delete"
)

var (
	deleteTargetKey  = engine.NewKey[resource.Resource]("delete_target")
	cloudStartedKey  = engine.NewKey[bool]("cloud_delete_started")
	cloudDeletedKey  = engine.NewKey[bool]("cloud_deleted")
	deleteFailureKey = engine.NewKey[resource.ErrorReport]("delete_failure")
	deleteOpKey      = engine.NewKey[string]("delete_operation")
)

// deleteWorkflow deletes a resource: claim READY → DELETING, delete the
// cloud object and the authorization record, then remove the row.
//
// How a failure is undone depends on how far the cloud delete got. Before
// it started the resource goes back to READY; after the object is gone it
// becomes BROKEN. A cloud delete that failed midway leaves the resource
// locked in DELETING with the error recorded, and the flight ends FATAL.
func (d *Deps) deleteWorkflow(inputs *engine.FlightMap) (*engine.Workflow, error) {
	if !inputs.Has(KeyWorkspaceID.Name()) || !inputs.Has(KeyResourceID.Name()) {
		return nil, engine.NewPermanentError("delete flight requires a workspace and resource id", nil).
			WithCode(engine.ErrCodeValidation)
	}

	return engine.NewWorkflow(TypeDelete).
		AddStep(StepClaimDelete, &claimDeleteStep{deps: d}, d.StepRetry).
		AddStep(StepDeleteCloud, &deleteCloudStep{deps: d}, d.DeleteRetry).
		AddStep(StepDeleteAuthz, &deleteAuthzStep{deps: d}, d.StepRetry).
		AddStep(StepFinishDelete, &finishDeleteStep{deps: d}, d.StepRetry), nil
}

func deleteTarget(fc *engine.FlightContext) (uuid.UUID, uuid.UUID, error) {
	ws, err := engine.Get(fc.Inputs, KeyWorkspaceID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := engine.Get(fc.Inputs, KeyResourceID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return ws, id, nil
}

// recordFailure keeps the failure of a later step for the compensation of
// the claim, which attaches it to the resource.
func (d *Deps) recordFailure(fc *engine.FlightContext, err error) {
	if err == nil {
		return
	}
	if putErr := engine.Put(fc.Working, deleteFailureKey, *d.Lifecycle.NewErrorReport(fc.FlightID, err)); putErr != nil {
		fc.Logger.Error().Err(putErr).Msg("Failed to record delete failure")
	}
}

type claimDeleteStep struct {
	deps *Deps
}

func (s *claimDeleteStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	ws, id, err := deleteTarget(fc)
	if err != nil {
		return engine.Fatal(err)
	}

	r, err := s.deps.Lifecycle.Store().Get(ctx, ws, id)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return engine.Fatal(engine.NewPermanentError("resource not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id.String()))
	case err != nil:
		return engine.Retry(engine.NewTransientError("failed to read resource", err).WithResource(id.String()))
	}

	if err := s.deps.Lifecycle.StartDelete(ctx, ws, id, fc.FlightID); err != nil {
		return engine.ResultFromError(err)
	}
	if err := engine.Put(fc.Working, deleteTargetKey, *r); err != nil {
		return engine.Fatal(err)
	}
	return engine.Success()
}

func (s *claimDeleteStep) Compensate(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	ws, id, err := deleteTarget(fc)
	if err != nil {
		return engine.Fatal(err)
	}

	started, _, err := engine.Lookup(fc.Working, cloudStartedKey)
	if err != nil {
		return engine.Fatal(err)
	}
	deleted, _, err := engine.Lookup(fc.Working, cloudDeletedKey)
	if err != nil {
		return engine.Fatal(err)
	}
	report, ok, err := engine.Lookup(fc.Working, deleteFailureKey)
	if err != nil {
		return engine.Fatal(err)
	}
	if !ok {
		report = *s.deps.Lifecycle.NewErrorReport(fc.FlightID, errors.New("delete failed"))
	}

	switch {
	case started && !deleted:
		if err := s.deps.Lifecycle.MarkStuck(ctx, ws, id, fc.FlightID, &report); err != nil {
			return engine.ResultFromError(err)
		}
		return engine.Fatal(engine.NewDismalError("cloud object may be partially deleted, resource left locked", nil).
			WithCode(engine.ErrCodeManualIntervention).
			WithResource(id.String()).
			WithDetail("cause", report.Message))
	case deleted:
		return engine.ResultFromError(s.deps.Lifecycle.AbortDelete(ctx, ws, id, fc.FlightID, true, &report))
	default:
		return engine.ResultFromError(s.deps.Lifecycle.AbortDelete(ctx, ws, id, fc.FlightID, false, &report))
	}
}

type deleteCloudStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *deleteCloudStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Working, deleteTargetKey)
	if err != nil {
		return engine.Fatal(err)
	}
	if r.Stewardship == resource.StewardshipReferenced {
		return engine.Success()
	}
	if deleted, _, _ := engine.Lookup(fc.Working, cloudDeletedKey); deleted {
		return engine.Success()
	}

	if err := engine.Put(fc.Working, cloudStartedKey, true); err != nil {
		return engine.Fatal(err)
	}
	if err := s.deps.deleteCloudObject(ctx, &r, false, deleteOpKey, fc.Working); err != nil {
		err = stepError(err, StepDeleteCloud, r.ResourceID)
		s.deps.recordFailure(fc, err)
		fc.Logger.Warn().Err(err).Int("attempt", fc.Attempt).Str("resource_id", r.ResourceID.String()).
			Msg("Cloud object deletion failed")
		return engine.ResultFromError(err)
	}
	if err := engine.Put(fc.Working, cloudDeletedKey, true); err != nil {
		return engine.Fatal(err)
	}

	fc.Logger.Info().Str("resource_id", r.ResourceID.String()).Str("kind", string(r.Kind)).Msg("Cloud object deleted")
	return engine.Success()
}

type deleteAuthzStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *deleteAuthzStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Working, deleteTargetKey)
	if err != nil {
		return engine.Fatal(err)
	}
	if r.Stewardship == resource.StewardshipReferenced {
		return engine.Success()
	}

	err = s.deps.Clients.Authz.DeleteResource(ctx, r.WorkspaceID, r.ResourceID)
	if err == nil || cloud.IsNotFound(err) {
		return engine.Success()
	}
	err = cloud.Classify("delete authorization record", err)
	s.deps.recordFailure(fc, err)
	return engine.ResultFromError(err)
}

type finishDeleteStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *finishDeleteStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	ws, id, err := deleteTarget(fc)
	if err != nil {
		return engine.Fatal(err)
	}

	if err := s.deps.Lifecycle.FinishDelete(ctx, ws, id, fc.FlightID); err != nil {
		s.deps.recordFailure(fc, err)
		return engine.ResultFromError(err)
	}
	return engine.Success()
}
