package service

import (
	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/workflows"
)

// CreateRequest asks for a new controlled resource.
type CreateRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id" validate:"required"`

	// ResourceID is generated when empty. Reusing an id resumes the create
	// flight of that resource instead of starting another one.
	ResourceID uuid.UUID `json:"resource_id,omitempty"`

	Name        string `json:"name" validate:"required,max=1024"`
	Description string `json:"description,omitempty" validate:"max=2048"`

	// CloningInstructions defaults to COPY_NOTHING.
	CloningInstructions resource.CloningInstructions `json:"cloning_instructions,omitempty" validate:"omitempty,oneof=COPY_NOTHING COPY_REFERENCE COPY_DEFINITION COPY_RESOURCE"`

	Attributes resource.Attributes `json:"-" validate:"required"`
}

// RegisterRequest asks for a reference to an existing cloud object.
type RegisterRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id" validate:"required"`
	ResourceID  uuid.UUID `json:"resource_id,omitempty"`

	Name        string `json:"name" validate:"required,max=1024"`
	Description string `json:"description,omitempty" validate:"max=2048"`

	// CloningInstructions defaults to COPY_REFERENCE.
	CloningInstructions resource.CloningInstructions `json:"cloning_instructions,omitempty" validate:"omitempty,oneof=COPY_NOTHING COPY_REFERENCE"`

	Attributes resource.Attributes `json:"-" validate:"required"`
}

// DeleteRequest asks for a resource to be deleted.
type DeleteRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id" validate:"required"`
	ResourceID  uuid.UUID `json:"resource_id" validate:"required"`

	// JobID names the delete flight. A new id is generated when empty.
	JobID string `json:"job_id,omitempty" validate:"omitempty,max=128"`
}

// CloneRequest asks for a resource to be cloned into a workspace.
type CloneRequest struct {
	SourceWorkspaceID      uuid.UUID `json:"source_workspace_id" validate:"required"`
	SourceResourceID       uuid.UUID `json:"source_resource_id" validate:"required"`
	DestinationWorkspaceID uuid.UUID `json:"destination_workspace_id" validate:"required"`

	// DestinationResourceID is generated when empty.
	DestinationResourceID uuid.UUID `json:"destination_resource_id,omitempty"`

	Name        string `json:"name" validate:"max=1024"`
	Description string `json:"description,omitempty" validate:"max=2048"`

	// Instructions defaults to the source's cloning instructions.
	Instructions resource.CloningInstructions `json:"instructions,omitempty" validate:"omitempty,oneof=COPY_NOTHING COPY_REFERENCE COPY_DEFINITION COPY_RESOURCE"`

	BucketName string `json:"bucket_name,omitempty"`
	DatasetID  string `json:"dataset_id,omitempty"`

	// JobID names the clone flight. It defaults to one derived from the
	// destination resource id.
	JobID string `json:"job_id,omitempty" validate:"omitempty,max=128"`
}

// OperationResult reports the state of a create, delete or clone flight.
type OperationResult struct {
	FlightID     string              `json:"flight_id"`
	WorkflowType string              `json:"workflow_type"`
	Status       engine.FlightStatus `json:"status"`

	// Resource is the created resource, or the clone destination.
	Resource *resource.Resource `json:"resource,omitempty"`

	Clone *workflows.CloneResult `json:"clone,omitempty"`

	Error *engine.FlightError `json:"error,omitempty"`

	// ManualIntervention is set when compensation failed and a resource may
	// be left locked.
	ManualIntervention bool `json:"manual_intervention,omitempty"`
}

// Done reports whether the flight has finished.
func (r *OperationResult) Done() bool {
	return r.Status.IsTerminal()
}

// Err returns the flight failure as an error, or nil.
func (r *OperationResult) Err() error {
	if r.Error == nil {
		return nil
	}
	err := r.Error.AsError()
	if r.ManualIntervention {
		err.Class = engine.ErrorClassDismal
	}
	return err
}
