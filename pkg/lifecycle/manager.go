// Package lifecycle applies the resource state machine to the resource store.
//
// The store offers strict conditional updates; the Manager decides which
// update a lifecycle operation needs, treats a re-executed operation whose
// effect is already in place as success, and classifies every failure for
// the workflow engine: a lost claim is a Conflict, store I/O is transient,
// and a release that does not match what its owner believed is a permanent
// internal error.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/stores"
)

// Observer is notified of state conflicts.
type Observer interface {
	StateConflict(transition string)
}

type noopObserver struct{}

func (noopObserver) StateConflict(string) {}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver sets the conflict observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClock overrides the time source used for error reports.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager performs resource lifecycle transitions.
type Manager struct {
	store    stores.ResourceStore
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store stores.ResourceStore, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		observer: noopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying resource store.
func (m *Manager) Store() stores.ResourceStore {
	return m.store
}

// StartCreate inserts r in CREATING, locked by opID. Re-executing it for the
// same operation is a no-op.
func (m *Manager) StartCreate(ctx context.Context, r *resource.Resource, opID string) error {
	t := resource.Transition{From: resource.StateNotExists, To: resource.StateCreating}
	if _, err := resource.Check(t.From, "", t.To, opID); err != nil {
		return m.rejected(t, r.ResourceID, err)
	}

	err := m.store.InsertCreating(ctx, r, opID)
	if err == nil {
		m.logTransition(t, r.WorkspaceID, r.ResourceID, opID)
		return nil
	}

	if errors.Is(err, stores.ErrResourceExists) || errors.Is(err, stores.ErrDuplicateName) {
		existing, getErr := m.existingRow(ctx, r, err)
		if getErr != nil {
			return classify(getErr, t, r.ResourceID)
		}
		if existing.ResourceID == r.ResourceID &&
			existing.State == resource.StateCreating &&
			existing.OwningOperationID == opID {
			*r = *existing
			return nil
		}
		if errors.Is(err, stores.ErrDuplicateName) {
			return engine.NewPermanentError(
				fmt.Sprintf("resource name %q already exists in workspace", r.Name), err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(r.ResourceID.String()).
				WithOperation(t.String())
		}
		m.observer.StateConflict(t.String())
		return engine.NewConflictError("resource id already in use", err).
			WithResource(r.ResourceID.String()).
			WithOperation(t.String()).
			WithDetail("state", string(existing.State)).
			WithDetail("owner", existing.OwningOperationID)
	}

	return classify(err, t, r.ResourceID)
}

// existingRow loads the row that collided with an insert of r.
func (m *Manager) existingRow(ctx context.Context, r *resource.Resource, cause error) (*resource.Resource, error) {
	if errors.Is(cause, stores.ErrResourceExists) {
		existing, err := m.store.Get(ctx, r.WorkspaceID, r.ResourceID)
		if errors.Is(err, stores.ErrNotFound) {
			// Resource ids are global; the row lives in another workspace.
			return nil, engine.NewConflictError("resource id already in use in another workspace", cause).
				WithResource(r.ResourceID.String())
		}
		return existing, err
	}
	return m.store.GetByName(ctx, r.WorkspaceID, r.Name)
}

// FinishCreate moves a resource created by opID from CREATING to READY.
func (m *Manager) FinishCreate(ctx context.Context, workspaceID, resourceID uuid.UUID, opID string) error {
	return m.release(ctx, workspaceID, resourceID, opID, resource.StateCreating, resource.StateReady, nil)
}

// AbortCreate removes a row still being created by opID. A row that is
// already gone counts as aborted.
func (m *Manager) AbortCreate(ctx context.Context, workspaceID, resourceID uuid.UUID, opID string) error {
	return m.release(ctx, workspaceID, resourceID, opID, resource.StateCreating, resource.StateNotExists, nil)
}

// RegisterReference inserts a referenced resource directly in READY.
// Registering the same resource id again is a no-op.
func (m *Manager) RegisterReference(ctx context.Context, r *resource.Resource) error {
	if r.Stewardship != resource.StewardshipReferenced {
		return engine.NewPermanentError("only referenced resources can be registered", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(r.ResourceID.String())
	}

	err := m.store.InsertReady(ctx, r)
	if err == nil {
		m.logger.Info().
			Str("workspace_id", r.WorkspaceID.String()).
			Str("resource_id", r.ResourceID.String()).
			Str("name", r.Name).
			Msg("Registered referenced resource")
		return nil
	}

	t := resource.Transition{From: resource.StateNotExists, To: resource.StateReady}
	if errors.Is(err, stores.ErrResourceExists) || errors.Is(err, stores.ErrDuplicateName) {
		existing, getErr := m.existingRow(ctx, r, err)
		if getErr != nil {
			return classify(getErr, t, r.ResourceID)
		}
		if existing.ResourceID == r.ResourceID && existing.State == resource.StateReady {
			*r = *existing
			return nil
		}
		return engine.NewPermanentError(
			fmt.Sprintf("resource name %q already exists in workspace", r.Name), err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(r.ResourceID.String())
	}
	return classify(err, t, r.ResourceID)
}

// StartDelete claims a READY resource for deletion by opID. Re-executing it
// for the same operation is a no-op; any other state or owner is a Conflict.
func (m *Manager) StartDelete(ctx context.Context, workspaceID, resourceID uuid.UUID, opID string) error {
	t := resource.Transition{From: resource.StateReady, To: resource.StateDeleting}
	decision, err := resource.Check(t.From, "", t.To, opID)
	if err != nil {
		return m.rejected(t, resourceID, err)
	}

	err = m.store.TryClaim(ctx, stores.ClaimRequest{
		WorkspaceID:   workspaceID,
		ResourceID:    resourceID,
		ExpectedState: t.From,
		NewState:      t.To,
		NewOwner:      decision.NewOwner,
	})
	if err == nil {
		m.logTransition(t, workspaceID, resourceID, opID)
		return nil
	}

	var conflict *stores.ConflictError
	if errors.As(err, &conflict) &&
		conflict.ActualState == resource.StateDeleting &&
		conflict.ActualOwner == opID {
		return nil
	}
	if conflict != nil {
		m.observer.StateConflict(t.String())
	}
	return classify(err, t, resourceID)
}

// FinishDelete removes a row deleted by opID. A row that is already gone
// counts as deleted.
func (m *Manager) FinishDelete(ctx context.Context, workspaceID, resourceID uuid.UUID, opID string) error {
	return m.release(ctx, workspaceID, resourceID, opID, resource.StateDeleting, resource.StateNotExists, nil)
}

// AbortDelete releases a resource claimed for deletion by opID, back to READY
// when the cloud object is untouched or to BROKEN when it is gone.
func (m *Manager) AbortDelete(
	ctx context.Context,
	workspaceID, resourceID uuid.UUID,
	opID string,
	broken bool,
	report *resource.ErrorReport,
) error {
	target := resource.StateReady
	if broken {
		target = resource.StateBroken
	}
	return m.release(ctx, workspaceID, resourceID, opID, resource.StateDeleting, target, report)
}

// MarkStuck records report on a resource while opID keeps its lock. It is
// used when compensation cannot safely release the resource.
func (m *Manager) MarkStuck(
	ctx context.Context,
	workspaceID, resourceID uuid.UUID,
	opID string,
	report *resource.ErrorReport,
) error {
	err := m.store.RecordError(ctx, workspaceID, resourceID, opID, report)
	if err != nil {
		return classify(err, resource.Transition{}, resourceID)
	}

	m.logger.Warn().
		Str("workspace_id", workspaceID.String()).
		Str("resource_id", resourceID.String()).
		Str("operation_id", opID).
		Str("error", report.Message).
		Msg("Resource left locked for manual intervention")
	return nil
}

// NewErrorReport builds the error attached to a resource by flight flightID.
func (m *Manager) NewErrorReport(flightID string, err error) *resource.ErrorReport {
	return &resource.ErrorReport{
		Message:   err.Error(),
		Class:     string(engine.ClassOf(err)),
		Code:      engine.CodeOf(err),
		FlightID:  flightID,
		Timestamp: m.now(),
	}
}

// release applies an owner-held transition from → to. If the update misses,
// the row is re-read: when it is already in the target state and unowned (or
// gone for NOT_EXISTS) the release already happened; anything else means the
// caller's belief about the row was wrong.
func (m *Manager) release(
	ctx context.Context,
	workspaceID, resourceID uuid.UUID,
	opID string,
	from, to resource.State,
	report *resource.ErrorReport,
) error {
	t := resource.Transition{From: from, To: to}
	if _, err := resource.Check(from, opID, to, opID); err != nil {
		return m.rejected(t, resourceID, err)
	}

	err := m.store.Release(ctx, stores.ReleaseRequest{
		WorkspaceID:   workspaceID,
		ResourceID:    resourceID,
		Owner:         opID,
		ExpectedState: from,
		NewState:      to,
		Error:         report,
	})
	if err == nil {
		m.logTransition(t, workspaceID, resourceID, opID)
		return nil
	}

	if errors.Is(err, stores.ErrNotFound) {
		if to == resource.StateNotExists {
			return nil
		}
		return releaseMismatch(t, resourceID, opID, err)
	}

	var conflict *stores.ConflictError
	if errors.As(err, &conflict) {
		if conflict.ActualState == to && conflict.ActualOwner == "" {
			return nil
		}
		m.observer.StateConflict(t.String())
		return releaseMismatch(t, resourceID, opID, err)
	}

	return classify(err, t, resourceID)
}

func (m *Manager) rejected(t resource.Transition, resourceID uuid.UUID, err error) error {
	m.observer.StateConflict(t.String())
	return engine.NewConflictError("transition rejected", err).
		WithCode(engine.ErrCodeInvalidTransition).
		WithResource(resourceID.String()).
		WithOperation(t.String())
}

func (m *Manager) logTransition(t resource.Transition, workspaceID, resourceID uuid.UUID, opID string) {
	m.logger.Debug().
		Str("workspace_id", workspaceID.String()).
		Str("resource_id", resourceID.String()).
		Str("operation_id", opID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("Resource state changed")
}

func releaseMismatch(t resource.Transition, resourceID uuid.UUID, opID string, err error) error {
	return engine.NewPermanentError("release does not match the resource as recorded", err).
		WithCode(engine.ErrCodeInternal).
		WithResource(resourceID.String()).
		WithOperation(t.String()).
		WithDetail("operation_id", opID)
}

// classify maps a store error onto the engine's error taxonomy.
func classify(err error, t resource.Transition, resourceID uuid.UUID) error {
	var ee *engine.EngineError
	switch {
	case errors.As(err, &ee):
		return err
	case errors.Is(err, stores.ErrConflict):
		return engine.NewConflictError("resource is not in the expected state", err).
			WithResource(resourceID.String()).
			WithOperation(t.String())
	case errors.Is(err, stores.ErrNotFound):
		return engine.NewPermanentError("resource not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(resourceID.String())
	case errors.Is(err, stores.ErrDuplicateName):
		return engine.NewPermanentError("resource name already exists", err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(resourceID.String())
	default:
		return engine.NewTransientError("resource store unavailable", err).
			WithResource(resourceID.String()).
			WithOperation(t.String())
	}
}
