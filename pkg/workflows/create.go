package workflows

import (
	"context"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

// Create step names.
const (
	StepStartCreate  = "start-create"
	StepCreateAuthz  = "create-authz"
	StepCreateCloud  = "create-cloud-object"
	StepFinishCreate = "finish-create"
)

var (
	createOpKey     = engine.NewKey[string]("create_operation")
	undoCreateOpKey = engine.NewKey[string]("undo_create_operation")
)

// createWorkflow creates a controlled resource: the row in CREATING, the
// authorization record, the cloud object, then READY. A failure at any step
// removes the row again; there is no CREATING → BROKEN.
func (d *Deps) createWorkflow(inputs *engine.FlightMap) (*engine.Workflow, error) {
	if !inputs.Has(KeyResource.Name()) {
		return nil, engine.NewPermanentError("create flight requires a resource", nil).
			WithCode(engine.ErrCodeValidation)
	}

	return engine.NewWorkflow(TypeCreate).
		AddStep(StepStartCreate, &startCreateStep{deps: d}, d.StepRetry).
		AddStep(StepCreateAuthz, &createAuthzStep{deps: d}, d.StepRetry).
		AddStep(StepCreateCloud, &createCloudStep{deps: d}, d.StepRetry).
		AddStep(StepFinishCreate, &finishCreateStep{deps: d}, d.StepRetry), nil
}

type startCreateStep struct {
	deps *Deps
}

func (s *startCreateStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}
	if r.Stewardship != resource.StewardshipControlled {
		return engine.Fatal(engine.NewPermanentError("only controlled resources are created by a flight", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(r.ResourceID.String()))
	}
	if err := r.Validate(); err != nil {
		return engine.Fatal(engine.NewPermanentError("invalid resource", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(r.ResourceID.String()))
	}

	return engine.ResultFromError(s.deps.Lifecycle.StartCreate(ctx, &r, fc.FlightID))
}

func (s *startCreateStep) Compensate(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}
	return engine.ResultFromError(s.deps.Lifecycle.AbortCreate(ctx, r.WorkspaceID, r.ResourceID, fc.FlightID))
}

type createAuthzStep struct {
	deps *Deps
}

func (s *createAuthzStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}

	err = s.deps.Clients.Authz.CreateResource(ctx, r.WorkspaceID, r.ResourceID)
	if cloud.IsAlreadyExists(err) {
		return engine.Success()
	}
	return engine.ResultFromError(cloud.Classify("create authorization record", err))
}

func (s *createAuthzStep) Compensate(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}

	err = s.deps.Clients.Authz.DeleteResource(ctx, r.WorkspaceID, r.ResourceID)
	if cloud.IsNotFound(err) {
		return engine.Success()
	}
	return engine.ResultFromError(cloud.Classify("delete authorization record", err))
}

type createCloudStep struct {
	deps *Deps
}

func (s *createCloudStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}

	err = s.deps.createCloudObject(ctx, &r, createOpKey, fc.Working)
	if err != nil {
		fc.Logger.Warn().Err(err).Str("resource_id", r.ResourceID.String()).Msg("Cloud object creation failed")
		return engine.ResultFromError(stepError(err, StepCreateCloud, r.ResourceID))
	}

	fc.Logger.Info().
		Str("resource_id", r.ResourceID.String()).
		Str("kind", string(r.Kind)).
		Msg("Cloud object created")
	return engine.Success()
}

// Compensate deletes the object only if it carries this resource's label,
// so a collision with a foreign object never deletes that object.
func (s *createCloudStep) Compensate(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}
	return engine.ResultFromError(s.deps.deleteCloudObject(ctx, &r, true, undoCreateOpKey, fc.Working))
}

type finishCreateStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *finishCreateStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := engine.Get(fc.Inputs, KeyResource)
	if err != nil {
		return engine.Fatal(err)
	}
	return engine.ResultFromError(s.deps.Lifecycle.FinishCreate(ctx, r.WorkspaceID, r.ResourceID, fc.FlightID))
}
