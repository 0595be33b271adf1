// Package service is the entry point for resource operations. It validates
// requests, runs the create, delete and clone workflows through the engine,
// and reports each flight as an OperationResult.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/workflows"
)

// ResourceService runs resource operations as flights.
type ResourceService struct {
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	validate  *validator.Validate
	logger    zerolog.Logger
}

// New creates a service. The engine must have the workflows of package
// workflows registered.
func New(eng *engine.Engine, mgr *lifecycle.Manager, logger zerolog.Logger) *ResourceService {
	return &ResourceService{
		engine:    eng,
		lifecycle: mgr,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

func (s *ResourceService) check(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		return engine.NewPermanentError("invalid request", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// CreateControlled creates a controlled resource and its cloud object.
func (s *ResourceService) CreateControlled(ctx context.Context, req CreateRequest) (*OperationResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	r := &resource.Resource{
		WorkspaceID:         req.WorkspaceID,
		ResourceID:          req.ResourceID,
		Name:                req.Name,
		Description:         req.Description,
		Stewardship:         resource.StewardshipControlled,
		Kind:                req.Attributes.Kind(),
		CloningInstructions: req.CloningInstructions,
		Attributes:          req.Attributes,
	}
	if r.ResourceID == uuid.Nil {
		r.ResourceID = uuid.New()
	}
	if r.CloningInstructions == "" {
		r.CloningInstructions = resource.CopyNothing
	}
	if err := r.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid resource", err).WithCode(engine.ErrCodeValidation)
	}

	inputs, err := workflows.CreateInputs(r)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, CreateFlightID(r.ResourceID), workflows.TypeCreate, inputs)
}

// RegisterReferenced records a reference to an existing cloud object. It
// runs no flight: nothing in the cloud changes.
func (s *ResourceService) RegisterReferenced(ctx context.Context, req RegisterRequest) (*resource.Resource, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	r := &resource.Resource{
		WorkspaceID:         req.WorkspaceID,
		ResourceID:          req.ResourceID,
		Name:                req.Name,
		Description:         req.Description,
		Stewardship:         resource.StewardshipReferenced,
		Kind:                req.Attributes.Kind(),
		CloningInstructions: req.CloningInstructions,
		Attributes:          req.Attributes,
	}
	if r.ResourceID == uuid.Nil {
		r.ResourceID = uuid.New()
	}
	if r.CloningInstructions == "" {
		r.CloningInstructions = resource.CopyReference
	}
	if err := r.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid resource", err).WithCode(engine.ErrCodeValidation)
	}

	if err := s.lifecycle.RegisterReference(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete deletes a resource and waits for the flight to finish.
func (s *ResourceService) Delete(ctx context.Context, req DeleteRequest) (*OperationResult, error) {
	id, inputs, err := s.prepareDelete(req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, id, workflows.TypeDelete, inputs)
}

// StartDelete starts a delete flight in the background and returns its id.
func (s *ResourceService) StartDelete(ctx context.Context, req DeleteRequest) (string, error) {
	id, inputs, err := s.prepareDelete(req)
	if err != nil {
		return "", err
	}
	return id, s.start(ctx, id, workflows.TypeDelete, inputs)
}

func (s *ResourceService) prepareDelete(req DeleteRequest) (string, *engine.FlightMap, error) {
	if err := s.check(req); err != nil {
		return "", nil, err
	}
	inputs, err := workflows.DeleteInputs(req.WorkspaceID, req.ResourceID)
	if err != nil {
		return "", nil, err
	}
	id := req.JobID
	if id == "" {
		id = "delete-" + req.ResourceID.String() + "-" + uuid.NewString()[:8]
	}
	return id, inputs, nil
}

// Clone clones a resource and waits for the flight to finish.
func (s *ResourceService) Clone(ctx context.Context, req CloneRequest) (*OperationResult, error) {
	id, inputs, err := s.prepareClone(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, id, workflows.TypeClone, inputs)
}

// StartClone starts a clone flight in the background and returns its id.
func (s *ResourceService) StartClone(ctx context.Context, req CloneRequest) (string, error) {
	id, inputs, err := s.prepareClone(ctx, req)
	if err != nil {
		return "", err
	}
	return id, s.start(ctx, id, workflows.TypeClone, inputs)
}

func (s *ResourceService) prepareClone(ctx context.Context, req CloneRequest) (string, *engine.FlightMap, error) {
	if err := s.check(req); err != nil {
		return "", nil, err
	}

	src, err := s.Get(ctx, req.SourceWorkspaceID, req.SourceResourceID)
	if err != nil {
		return "", nil, err
	}

	destID := req.DestinationResourceID
	if destID == uuid.Nil {
		destID = uuid.New()
	}
	inputs, err := workflows.CloneInputs(&workflows.CloneRequest{
		SourceWorkspaceID:      req.SourceWorkspaceID,
		SourceResourceID:       req.SourceResourceID,
		Kind:                   src.Kind,
		DestinationWorkspaceID: req.DestinationWorkspaceID,
		DestinationResourceID:  destID,
		Name:                   req.Name,
		Description:            req.Description,
		Instructions:           req.Instructions,
		BucketName:             req.BucketName,
		DatasetID:              req.DatasetID,
	})
	if err != nil {
		return "", nil, err
	}

	id := req.JobID
	if id == "" {
		id = CloneFlightID(destID)
	}
	return id, inputs, nil
}

// Result reports the current state of a flight.
func (s *ResourceService) Result(ctx context.Context, flightID string) (*OperationResult, error) {
	f, err := s.engine.Get(ctx, flightID)
	if errors.Is(err, engine.ErrFlightNotFound) {
		return nil, engine.NewPermanentError(fmt.Sprintf("flight %s not found", flightID), err).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.result(ctx, f)
}

// Wait blocks until a flight started with StartClone or StartDelete finishes.
func (s *ResourceService) Wait(ctx context.Context, flightID string) (*OperationResult, error) {
	f, err := s.engine.Wait(ctx, flightID)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, f)
}

// Get returns a resource.
func (s *ResourceService) Get(ctx context.Context, workspaceID, resourceID uuid.UUID) (*resource.Resource, error) {
	r, err := s.lifecycle.Store().Get(ctx, workspaceID, resourceID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewPermanentError("resource not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(resourceID.String())
	}
	return r, err
}

// List returns the resources of a workspace ordered by name.
func (s *ResourceService) List(ctx context.Context, workspaceID uuid.UUID, opts stores.ListOptions) ([]*resource.Resource, error) {
	return s.lifecycle.Store().ListByWorkspace(ctx, workspaceID, opts)
}

// CreateFlightID is the id of the flight creating resourceID.
func CreateFlightID(resourceID uuid.UUID) string {
	return "create-" + resourceID.String()
}

// CloneFlightID is the id of the flight cloning into destinationID.
func CloneFlightID(destinationID uuid.UUID) string {
	return "clone-" + destinationID.String()
}

func (s *ResourceService) run(ctx context.Context, id, workflowType string, inputs *engine.FlightMap) (*OperationResult, error) {
	s.logger.Debug().Str("flight_id", id).Str("workflow", workflowType).Msg("Running flight")

	f, err := s.engine.Run(ctx, id, workflowType, inputs)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, f)
}

func (s *ResourceService) start(ctx context.Context, id, workflowType string, inputs *engine.FlightMap) error {
	if err := s.engine.Start(ctx, id, workflowType, inputs); err != nil {
		return err
	}
	s.logger.Info().Str("flight_id", id).Str("workflow", workflowType).Msg("Started flight")
	return nil
}

// result maps a flight record to an OperationResult. A create or clone that
// succeeded carries the resource as it is now stored.
func (s *ResourceService) result(ctx context.Context, f *engine.Flight) (*OperationResult, error) {
	res := &OperationResult{
		FlightID:           f.ID,
		WorkflowType:       f.WorkflowType,
		Status:             f.Status,
		ManualIntervention: f.ManualInterventionRequired(),
	}
	if err := f.Err(); err != nil {
		step := ""
		if f.Error != nil {
			step = f.Error.Step
		}
		res.Error = engine.NewFlightError(step, err)
	}
	if f.Status != engine.FlightStatusSuccess {
		return res, nil
	}

	var (
		ws, id uuid.UUID
		err    error
	)
	switch f.WorkflowType {
	case workflows.TypeCreate:
		var r resource.Resource
		if r, err = engine.Get(f.Inputs, workflows.KeyResource); err != nil {
			return nil, err
		}
		ws, id = r.WorkspaceID, r.ResourceID
	case workflows.TypeClone:
		var clone workflows.CloneResult
		if clone, err = engine.Get(f.Working, workflows.KeyCloneResult); err != nil {
			return nil, err
		}
		res.Clone = &clone
		ws, id = clone.DestinationWorkspaceID, clone.DestinationResourceID
	}
	if id == uuid.Nil {
		return res, nil
	}

	r, err := s.lifecycle.Store().Get(ctx, ws, id)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		// Deleted since the flight finished.
	case err != nil:
		return nil, fmt.Errorf("failed to load resource %s: %w", id, err)
	default:
		res.Resource = r
	}
	return res, nil
}
