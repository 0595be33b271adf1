package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

type resourceKey struct {
	workspace uuid.UUID
	resource  uuid.UUID
}

type nameKey struct {
	workspace uuid.UUID
	name      string
}

// MemoryStore is an in-process Store. Rows and flights are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[resourceKey]*resource.Resource
	names   map[nameKey]uuid.UUID
	ids     map[uuid.UUID]uuid.UUID // resource id to workspace id
	flights map[string][]byte
	events  map[string][]*engine.StepEvent
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[resourceKey]*resource.Resource),
		names:   make(map[nameKey]uuid.UUID),
		ids:     make(map[uuid.UUID]uuid.UUID),
		flights: make(map[string][]byte),
		events:  make(map[string][]*engine.StepEvent),
	}
}

// Init is a no-op.
func (m *MemoryStore) Init(context.Context) error { return nil }

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// InsertCreating implements ResourceStore.
func (m *MemoryStore) InsertCreating(ctx context.Context, r *resource.Resource, owner string) error {
	if owner == "" {
		return fmt.Errorf("owner is required to create resource %s", r.ResourceID)
	}
	return m.insert(r, resource.StateCreating, owner)
}

// InsertReady implements ResourceStore.
func (m *MemoryStore) InsertReady(ctx context.Context, r *resource.Resource) error {
	return m.insert(r, resource.StateReady, "")
}

func (m *MemoryStore) insert(r *resource.Resource, state resource.State, owner string) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid resource: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := resourceKey{r.WorkspaceID, r.ResourceID}
	if _, ok := m.ids[r.ResourceID]; ok {
		return fmt.Errorf("%w: %s", ErrResourceExists, r.ResourceID)
	}
	nk := nameKey{r.WorkspaceID, r.Name}
	if _, ok := m.names[nk]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, r.Name)
	}

	now := time.Now().UTC()
	r.State = state
	r.OwningOperationID = owner
	r.LastError = nil
	r.CreatedAt = now
	r.UpdatedAt = now

	m.rows[key] = copyResource(r)
	m.names[nk] = r.ResourceID
	m.ids[r.ResourceID] = r.WorkspaceID
	return nil
}

// TryClaim implements ResourceStore.
func (m *MemoryStore) TryClaim(ctx context.Context, req ClaimRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.match(req.WorkspaceID, req.ResourceID, req.ExpectedState, req.ExpectedOwner)
	if err != nil {
		return err
	}
	row.State = req.NewState
	row.OwningOperationID = req.NewOwner
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// Release implements ResourceStore.
func (m *MemoryStore) Release(ctx context.Context, req ReleaseRequest) error {
	if req.Owner == "" {
		return fmt.Errorf("owner is required to release resource %s", req.ResourceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.match(req.WorkspaceID, req.ResourceID, req.ExpectedState, req.Owner)
	if err != nil {
		return err
	}

	if req.NewState == resource.StateNotExists {
		delete(m.rows, resourceKey{req.WorkspaceID, req.ResourceID})
		delete(m.names, nameKey{req.WorkspaceID, row.Name})
		delete(m.ids, req.ResourceID)
		return nil
	}

	row.State = req.NewState
	row.OwningOperationID = ""
	row.LastError = copyReport(req.Error)
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordError implements ResourceStore.
func (m *MemoryStore) RecordError(
	ctx context.Context,
	workspaceID, resourceID uuid.UUID,
	owner string,
	report *resource.ErrorReport,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[resourceKey{workspaceID, resourceID}]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	if row.OwningOperationID != owner {
		return &ConflictError{
			WorkspaceID:   workspaceID,
			ResourceID:    resourceID,
			ExpectedState: row.State,
			ExpectedOwner: owner,
			ActualState:   row.State,
			ActualOwner:   row.OwningOperationID,
		}
	}
	row.LastError = copyReport(report)
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// match returns the live row if it is in state and held by owner. The
// caller must hold m.mu.
func (m *MemoryStore) match(workspaceID, resourceID uuid.UUID, state resource.State, owner string) (*resource.Resource, error) {
	row, ok := m.rows[resourceKey{workspaceID, resourceID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	if row.State != state || row.OwningOperationID != owner {
		return nil, &ConflictError{
			WorkspaceID:   workspaceID,
			ResourceID:    resourceID,
			ExpectedState: state,
			ExpectedOwner: owner,
			ActualState:   row.State,
			ActualOwner:   row.OwningOperationID,
		}
	}
	return row, nil
}

// Get implements ResourceStore.
func (m *MemoryStore) Get(ctx context.Context, workspaceID, resourceID uuid.UUID) (*resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[resourceKey{workspaceID, resourceID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	return copyResource(row), nil
}

// GetByName implements ResourceStore.
func (m *MemoryStore) GetByName(ctx context.Context, workspaceID uuid.UUID, name string) (*resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.names[nameKey{workspaceID, name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return copyResource(m.rows[resourceKey{workspaceID, id}]), nil
}

// ListByWorkspace implements ResourceStore.
func (m *MemoryStore) ListByWorkspace(
	ctx context.Context,
	workspaceID uuid.UUID,
	opts ListOptions,
) ([]*resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*resource.Resource
	for key, row := range m.rows {
		if key.workspace != workspaceID {
			continue
		}
		if opts.Kind != "" && row.Kind != opts.Kind {
			continue
		}
		if opts.State != "" && row.State != opts.State {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if limit := listLimit(opts); len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*resource.Resource, len(matched))
	for i, row := range matched {
		out[i] = copyResource(row)
	}
	return out, nil
}

// CreateFlight implements engine.FlightStore.
func (m *MemoryStore) CreateFlight(ctx context.Context, f *engine.Flight) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flight: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flights[f.ID]; ok {
		return engine.ErrFlightExists
	}
	m.flights[f.ID] = data
	return nil
}

// SaveFlight implements engine.FlightStore.
func (m *MemoryStore) SaveFlight(ctx context.Context, f *engine.Flight) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flight: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flights[f.ID]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, f.ID)
	}
	m.flights[f.ID] = data
	return nil
}

// GetFlight implements engine.FlightStore.
func (m *MemoryStore) GetFlight(ctx context.Context, id string) (*engine.Flight, error) {
	m.mu.Lock()
	data, ok := m.flights[id]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
	}
	return decodeFlight(data)
}

// ListFlights implements engine.FlightStore.
func (m *MemoryStore) ListFlights(ctx context.Context, filter engine.FlightFilter) ([]*engine.Flight, error) {
	m.mu.Lock()
	all := make([][]byte, 0, len(m.flights))
	for _, data := range m.flights {
		all = append(all, data)
	}
	m.mu.Unlock()

	var out []*engine.Flight
	for _, data := range all {
		f, err := decodeFlight(data)
		if err != nil {
			return nil, err
		}
		if matchesFilter(f, filter) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendEvent implements engine.FlightStore.
func (m *MemoryStore) AppendEvent(ctx context.Context, event *engine.StepEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	ev := *event
	ev.ID = m.nextID
	m.events[event.FlightID] = append(m.events[event.FlightID], &ev)
	return nil
}

// ListEvents implements engine.FlightStore.
func (m *MemoryStore) ListEvents(ctx context.Context, flightID string) ([]*engine.StepEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.events[flightID]
	out := make([]*engine.StepEvent, len(src))
	for i, ev := range src {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func matchesFilter(f *engine.Flight, filter engine.FlightFilter) bool {
	if filter.TopLevelOnly && f.ParentID != "" {
		return false
	}
	if filter.WorkflowType != "" && f.WorkflowType != filter.WorkflowType {
		return false
	}
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, st := range filter.Statuses {
		if f.Status == st {
			return true
		}
	}
	return false
}

func decodeFlight(data []byte) (*engine.Flight, error) {
	var f engine.Flight
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flight: %w", err)
	}
	if f.Inputs == nil {
		f.Inputs = engine.NewFlightMap()
	}
	if f.Working == nil {
		f.Working = engine.NewFlightMap()
	}
	return &f, nil
}

// copyResource clones r. Attribute values are immutable structs, so a
// shallow copy of the interface is enough.
func copyResource(r *resource.Resource) *resource.Resource {
	cp := *r
	cp.LastError = copyReport(r.LastError)
	return &cp
}

func copyReport(report *resource.ErrorReport) *resource.ErrorReport {
	if report == nil {
		return nil
	}
	cp := *report
	return &cp
}
