package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

var (
	// ErrNotFound is returned when no resource row matches.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateName is returned when a workspace already has a resource with the name.
	ErrDuplicateName = errors.New("resource name already exists in workspace")

	// ErrResourceExists is returned when a row with the resource id already exists.
	ErrResourceExists = errors.New("resource already exists")

	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("resource state conflict")
)

// ConflictError reports a conditional update that matched no row.
type ConflictError struct {
	WorkspaceID   uuid.UUID
	ResourceID    uuid.UUID
	ExpectedState resource.State
	ExpectedOwner string
	ActualState   resource.State
	ActualOwner   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s: expected state=%s owner=%q, found state=%s owner=%q",
		e.ResourceID, e.ExpectedState, e.ExpectedOwner, e.ActualState, e.ActualOwner)
}

// Unwrap makes every ConflictError match ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ClaimRequest is a conditional state change that takes or keeps the lock.
// It applies only if the row is in ExpectedState and owned by ExpectedOwner
// (empty means unowned).
type ClaimRequest struct {
	WorkspaceID   uuid.UUID
	ResourceID    uuid.UUID
	ExpectedState resource.State
	ExpectedOwner string
	NewState      resource.State
	NewOwner      string
}

// ReleaseRequest is a conditional state change by the lock holder that clears
// the lock. A NewState of StateNotExists removes the row.
type ReleaseRequest struct {
	WorkspaceID   uuid.UUID
	ResourceID    uuid.UUID
	Owner         string
	ExpectedState resource.State
	NewState      resource.State
	Error         *resource.ErrorReport
}

// ListOptions filters and paginates ListByWorkspace.
type ListOptions struct {
	Kind   resource.Kind
	State  resource.State
	Limit  int
	Offset int
}

// ResourceStore persists resource rows. It has no business logic beyond the
// conditional update contract: TryClaim and Release either apply to exactly
// one row matching the expected state and owner, or return a ConflictError
// (ErrNotFound when the row is gone) and leave the row untouched.
type ResourceStore interface {
	// Lifecycle
	InsertCreating(ctx context.Context, r *resource.Resource, owner string) error
	InsertReady(ctx context.Context, r *resource.Resource) error
	TryClaim(ctx context.Context, req ClaimRequest) error
	Release(ctx context.Context, req ReleaseRequest) error
	RecordError(ctx context.Context, workspaceID, resourceID uuid.UUID, owner string, report *resource.ErrorReport) error

	// Reads
	Get(ctx context.Context, workspaceID, resourceID uuid.UUID) (*resource.Resource, error)
	GetByName(ctx context.Context, workspaceID uuid.UUID, name string) (*resource.Resource, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, opts ListOptions) ([]*resource.Resource, error)
}

// Store is a database backend holding both resources and flight checkpoints.
type Store interface {
	ResourceStore
	engine.FlightStore

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(opts ListOptions) int {
	if opts.Limit <= 0 {
		return defaultListLimit
	}
	return opts.Limit
}
