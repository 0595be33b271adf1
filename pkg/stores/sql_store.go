package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

// uniqueKind identifies which unique constraint an insert violated.
type uniqueKind int

const (
	uniqueNone uniqueKind = iota
	uniqueResourceName
	uniqueResourceID
	uniqueFlightID
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and passed through rebind.
type sqlStore struct {
	db     *sql.DB
	rebind func(query string) string
	unique func(err error) uniqueKind
}

const resourceColumns = `workspace_id, resource_id, name, description, stewardship, kind,
	cloning_instructions, state, owner, last_error, attributes, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) ready() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// InsertCreating inserts a new row in CREATING, locked by owner.
func (s *sqlStore) InsertCreating(ctx context.Context, r *resource.Resource, owner string) error {
	if owner == "" {
		return fmt.Errorf("owner is required to create resource %s", r.ResourceID)
	}
	return s.insert(ctx, r, resource.StateCreating, owner)
}

// InsertReady inserts an unowned row directly in READY.
func (s *sqlStore) InsertReady(ctx context.Context, r *resource.Resource) error {
	return s.insert(ctx, r, resource.StateReady, "")
}

func (s *sqlStore) insert(ctx context.Context, r *resource.Resource, state resource.State, owner string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid resource: %w", err)
	}

	attrs, err := resource.EncodeAttributes(r.Attributes)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		r.WorkspaceID.String(),
		r.ResourceID.String(),
		r.Name,
		r.Description,
		string(r.Stewardship),
		string(r.Kind),
		string(r.CloningInstructions),
		string(state),
		nullString(owner),
		nil,
		string(attrs),
		now,
		now,
	)
	if err != nil {
		switch s.unique(err) {
		case uniqueResourceName:
			return fmt.Errorf("%w: %s", ErrDuplicateName, r.Name)
		case uniqueResourceID:
			return fmt.Errorf("%w: %s", ErrResourceExists, r.ResourceID)
		}
		return fmt.Errorf("failed to insert resource: %w", err)
	}

	r.State = state
	r.OwningOperationID = owner
	r.LastError = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// TryClaim applies req as a single conditional update.
func (s *sqlStore) TryClaim(ctx context.Context, req ClaimRequest) error {
	if err := s.ready(); err != nil {
		return err
	}

	query := `
		UPDATE resources SET state = ?, owner = ?, updated_at = ?
		WHERE workspace_id = ? AND resource_id = ? AND state = ? AND ` + ownerClause(req.ExpectedOwner)

	args := []any{
		string(req.NewState),
		nullString(req.NewOwner),
		time.Now().UTC(),
		req.WorkspaceID.String(),
		req.ResourceID.String(),
		string(req.ExpectedState),
	}
	if req.ExpectedOwner != "" {
		args = append(args, req.ExpectedOwner)
	}

	result, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to claim resource: %w", err)
	}
	return s.checkApplied(ctx, result, req.WorkspaceID, req.ResourceID, req.ExpectedState, req.ExpectedOwner)
}

// Release clears the lock held by req.Owner, moving the row to req.NewState
// or deleting it when the new state is NOT_EXISTS.
func (s *sqlStore) Release(ctx context.Context, req ReleaseRequest) error {
	if err := s.ready(); err != nil {
		return err
	}
	if req.Owner == "" {
		return fmt.Errorf("owner is required to release resource %s", req.ResourceID)
	}

	var (
		result sql.Result
		err    error
	)
	if req.NewState == resource.StateNotExists {
		query := `
			DELETE FROM resources
			WHERE workspace_id = ? AND resource_id = ? AND state = ? AND owner = ?
		`
		result, err = s.exec(ctx, query,
			req.WorkspaceID.String(), req.ResourceID.String(), string(req.ExpectedState), req.Owner)
	} else {
		report, encErr := encodeReport(req.Error)
		if encErr != nil {
			return encErr
		}
		query := `
			UPDATE resources SET state = ?, owner = NULL, last_error = ?, updated_at = ?
			WHERE workspace_id = ? AND resource_id = ? AND state = ? AND owner = ?
		`
		result, err = s.exec(ctx, query,
			string(req.NewState), report, time.Now().UTC(),
			req.WorkspaceID.String(), req.ResourceID.String(), string(req.ExpectedState), req.Owner)
	}
	if err != nil {
		return fmt.Errorf("failed to release resource: %w", err)
	}
	return s.checkApplied(ctx, result, req.WorkspaceID, req.ResourceID, req.ExpectedState, req.Owner)
}

// RecordError attaches report to a row while owner keeps the lock.
func (s *sqlStore) RecordError(
	ctx context.Context,
	workspaceID, resourceID uuid.UUID,
	owner string,
	report *resource.ErrorReport,
) error {
	if err := s.ready(); err != nil {
		return err
	}

	encoded, err := encodeReport(report)
	if err != nil {
		return err
	}
	query := `
		UPDATE resources SET last_error = ?, updated_at = ?
		WHERE workspace_id = ? AND resource_id = ? AND owner = ?
	`
	result, err := s.exec(ctx, query, encoded, time.Now().UTC(),
		workspaceID.String(), resourceID.String(), owner)
	if err != nil {
		return fmt.Errorf("failed to record resource error: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows != 1 {
		current, err := s.Get(ctx, workspaceID, resourceID)
		if err != nil {
			return err
		}
		return &ConflictError{
			WorkspaceID:   workspaceID,
			ResourceID:    resourceID,
			ExpectedState: current.State,
			ExpectedOwner: owner,
			ActualState:   current.State,
			ActualOwner:   current.OwningOperationID,
		}
	}
	return nil
}

// checkApplied turns a conditional update that touched no row into
// ErrNotFound or a ConflictError describing the row as it actually is.
func (s *sqlStore) checkApplied(
	ctx context.Context,
	result sql.Result,
	workspaceID, resourceID uuid.UUID,
	expectedState resource.State,
	expectedOwner string,
) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	current, err := s.Get(ctx, workspaceID, resourceID)
	if err != nil {
		return err
	}
	return &ConflictError{
		WorkspaceID:   workspaceID,
		ResourceID:    resourceID,
		ExpectedState: expectedState,
		ExpectedOwner: expectedOwner,
		ActualState:   current.State,
		ActualOwner:   current.OwningOperationID,
	}
}

// Get retrieves a resource by id.
func (s *sqlStore) Get(ctx context.Context, workspaceID, resourceID uuid.UUID) (*resource.Resource, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = ? AND resource_id = ?`
	r, err := scanResource(s.queryRow(ctx, query, workspaceID.String(), resourceID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// GetByName retrieves a resource by its workspace-unique name.
func (s *sqlStore) GetByName(ctx context.Context, workspaceID uuid.UUID, name string) (*resource.Resource, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = ? AND name = ?`
	r, err := scanResource(s.queryRow(ctx, query, workspaceID.String(), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// ListByWorkspace lists a workspace's resources ordered by name.
func (s *sqlStore) ListByWorkspace(
	ctx context.Context,
	workspaceID uuid.UUID,
	opts ListOptions,
) ([]*resource.Resource, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = ?`
	args := []any{workspaceID.String()}
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(opts.Kind))
	}
	if opts.State != "" {
		query += ` AND state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY name LIMIT ? OFFSET ?`
	args = append(args, listLimit(opts), opts.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*resource.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resources: %w", err)
	}
	return out, nil
}

func scanResource(row rowScanner) (*resource.Resource, error) {
	var (
		r                  resource.Resource
		workspaceID        string
		resourceID         string
		stewardship        string
		kind               string
		instructions       string
		state              string
		owner              sql.NullString
		lastError          sql.NullString
		attributes         string
		createdAt, updated time.Time
	)

	err := row.Scan(
		&workspaceID,
		&resourceID,
		&r.Name,
		&r.Description,
		&stewardship,
		&kind,
		&instructions,
		&state,
		&owner,
		&lastError,
		&attributes,
		&createdAt,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	if r.WorkspaceID, err = uuid.Parse(workspaceID); err != nil {
		return nil, fmt.Errorf("invalid workspace id %q: %w", workspaceID, err)
	}
	if r.ResourceID, err = uuid.Parse(resourceID); err != nil {
		return nil, fmt.Errorf("invalid resource id %q: %w", resourceID, err)
	}
	r.Stewardship = resource.Stewardship(stewardship)
	r.Kind = resource.Kind(kind)
	r.CloningInstructions = resource.CloningInstructions(instructions)
	r.State = resource.State(state)
	r.OwningOperationID = owner.String
	r.CreatedAt = createdAt
	r.UpdatedAt = updated

	if lastError.Valid && lastError.String != "" {
		var report resource.ErrorReport
		if err := json.Unmarshal([]byte(lastError.String), &report); err != nil {
			return nil, fmt.Errorf("invalid last error payload: %w", err)
		}
		r.LastError = &report
	}

	if r.Attributes, err = resource.DecodeAttributes(r.Kind, []byte(attributes)); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateFlight implements engine.FlightStore.
func (s *sqlStore) CreateFlight(ctx context.Context, f *engine.Flight) error {
	if err := s.ready(); err != nil {
		return err
	}

	cols, err := encodeFlight(f)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flights (id, parent_id, workflow_type, status, direction, step_index,
			inputs, working, error, undo_error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		f.ID,
		nullString(f.ParentID),
		f.WorkflowType,
		string(f.Status),
		string(f.Direction),
		f.StepIndex,
		cols.inputs,
		cols.working,
		cols.err,
		cols.undoErr,
		f.CreatedAt,
		f.UpdatedAt,
		f.CompletedAt,
	)
	if err != nil {
		if s.unique(err) == uniqueFlightID {
			return engine.ErrFlightExists
		}
		return fmt.Errorf("failed to create flight: %w", err)
	}
	return nil
}

// SaveFlight implements engine.FlightStore.
func (s *sqlStore) SaveFlight(ctx context.Context, f *engine.Flight) error {
	if err := s.ready(); err != nil {
		return err
	}

	cols, err := encodeFlight(f)
	if err != nil {
		return err
	}

	query := `
		UPDATE flights SET status = ?, direction = ?, step_index = ?, working = ?,
			error = ?, undo_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.exec(ctx, query,
		string(f.Status),
		string(f.Direction),
		f.StepIndex,
		cols.working,
		cols.err,
		cols.undoErr,
		f.UpdatedAt,
		f.CompletedAt,
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save flight: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, f.ID)
	}
	return nil
}

const flightColumns = `id, parent_id, workflow_type, status, direction, step_index,
	inputs, working, error, undo_error, created_at, updated_at, completed_at`

// GetFlight implements engine.FlightStore.
func (s *sqlStore) GetFlight(ctx context.Context, id string) (*engine.Flight, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + flightColumns + ` FROM flights WHERE id = ?`
	f, err := scanFlight(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flight: %w", err)
	}
	return f, nil
}

// ListFlights implements engine.FlightStore.
func (s *sqlStore) ListFlights(ctx context.Context, filter engine.FlightFilter) ([]*engine.Flight, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + flightColumns + ` FROM flights WHERE 1 = 1`
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	if filter.WorkflowType != "" {
		query += ` AND workflow_type = ?`
		args = append(args, filter.WorkflowType)
	}
	if filter.TopLevelOnly {
		query += ` AND parent_id IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	defer rows.Close()

	var out []*engine.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flights: %w", err)
	}
	return out, nil
}

// AppendEvent implements engine.FlightStore.
func (s *sqlStore) AppendEvent(ctx context.Context, event *engine.StepEvent) error {
	if err := s.ready(); err != nil {
		return err
	}

	query := `
		INSERT INTO flight_events (flight_id, step_index, step_name, direction, event_type,
			attempt, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.exec(ctx, query,
		event.FlightID,
		event.StepIndex,
		event.StepName,
		string(event.Direction),
		string(event.Type),
		event.Attempt,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append flight event: %w", err)
	}
	return nil
}

// ListEvents implements engine.FlightStore.
func (s *sqlStore) ListEvents(ctx context.Context, flightID string) ([]*engine.StepEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, flight_id, step_index, step_name, direction, event_type, attempt, message, created_at
		FROM flight_events
		WHERE flight_id = ?
		ORDER BY id
	`
	rows, err := s.query(ctx, query, flightID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flight events: %w", err)
	}
	defer rows.Close()

	var out []*engine.StepEvent
	for rows.Next() {
		var (
			ev        engine.StepEvent
			direction string
			eventType string
		)
		if err := rows.Scan(&ev.ID, &ev.FlightID, &ev.StepIndex, &ev.StepName, &direction,
			&eventType, &ev.Attempt, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan flight event: %w", err)
		}
		ev.Direction = engine.Direction(direction)
		ev.Type = engine.EventType(eventType)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flight events: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type flightColumnsEncoded struct {
	inputs  string
	working string
	err     sql.NullString
	undoErr sql.NullString
}

func encodeFlight(f *engine.Flight) (flightColumnsEncoded, error) {
	var out flightColumnsEncoded

	inputs, err := json.Marshal(f.Inputs)
	if err != nil {
		return out, fmt.Errorf("failed to encode flight inputs: %w", err)
	}
	working, err := json.Marshal(f.Working)
	if err != nil {
		return out, fmt.Errorf("failed to encode flight working map: %w", err)
	}
	out.inputs = string(inputs)
	out.working = string(working)

	if f.Error != nil {
		data, err := json.Marshal(f.Error)
		if err != nil {
			return out, fmt.Errorf("failed to encode flight error: %w", err)
		}
		out.err = sql.NullString{String: string(data), Valid: true}
	}
	if f.UndoError != nil {
		data, err := json.Marshal(f.UndoError)
		if err != nil {
			return out, fmt.Errorf("failed to encode flight undo error: %w", err)
		}
		out.undoErr = sql.NullString{String: string(data), Valid: true}
	}
	return out, nil
}

func scanFlight(row rowScanner) (*engine.Flight, error) {
	var (
		f           engine.Flight
		parentID    sql.NullString
		status      string
		direction   string
		inputs      string
		working     string
		flightErr   sql.NullString
		undoErr     sql.NullString
		completedAt sql.NullTime
	)

	err := row.Scan(
		&f.ID,
		&parentID,
		&f.WorkflowType,
		&status,
		&direction,
		&f.StepIndex,
		&inputs,
		&working,
		&flightErr,
		&undoErr,
		&f.CreatedAt,
		&f.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	f.ParentID = parentID.String
	f.Status = engine.FlightStatus(status)
	f.Direction = engine.Direction(direction)
	if completedAt.Valid {
		t := completedAt.Time
		f.CompletedAt = &t
	}

	f.Inputs = engine.NewFlightMap()
	if err := json.Unmarshal([]byte(inputs), f.Inputs); err != nil {
		return nil, fmt.Errorf("invalid flight inputs: %w", err)
	}
	f.Working = engine.NewFlightMap()
	if err := json.Unmarshal([]byte(working), f.Working); err != nil {
		return nil, fmt.Errorf("invalid flight working map: %w", err)
	}
	if flightErr.Valid {
		f.Error = &engine.FlightError{}
		if err := json.Unmarshal([]byte(flightErr.String), f.Error); err != nil {
			return nil, fmt.Errorf("invalid flight error: %w", err)
		}
	}
	if undoErr.Valid {
		f.UndoError = &engine.FlightError{}
		if err := json.Unmarshal([]byte(undoErr.String), f.UndoError); err != nil {
			return nil, fmt.Errorf("invalid flight undo error: %w", err)
		}
	}
	return &f, nil
}

func encodeReport(report *resource.ErrorReport) (sql.NullString, error) {
	if report == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode error report: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func ownerClause(owner string) string {
	if owner == "" {
		return "owner IS NULL"
	}
	return "owner = ?"
}
