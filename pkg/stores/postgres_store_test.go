package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

// newMockPostgres wraps a sqlmock connection in a PostgresStore.
func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	store := newPostgresStoreWithDB(db)
	t.Cleanup(func() {
		mock.ExpectClose()
		assert.NoError(t, store.Close())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return store, mock
}

func resourceRows(r *resource.Resource, state resource.State, owner string) *sqlmock.Rows {
	now := time.Now().UTC()
	var ownerValue any
	if owner != "" {
		ownerValue = owner
	}
	return sqlmock.NewRows([]string{
		"workspace_id", "resource_id", "name", "description", "stewardship", "kind",
		"cloning_instructions", "state", "owner", "last_error", "attributes", "created_at", "updated_at",
	}).AddRow(
		r.WorkspaceID.String(), r.ResourceID.String(), r.Name, "", string(r.Stewardship), string(r.Kind),
		string(r.CloningInstructions), string(state), ownerValue, nil,
		`{"bucket_name":"bkt-busy","location":"US"}`, now, now,
	)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t,
		"UPDATE resources SET state = $1 WHERE resource_id = $2 AND owner = $3",
		rebindDollar("UPDATE resources SET state = ? WHERE resource_id = ? AND owner = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestPostgresStore_TryClaim(t *testing.T) {
	store, mock := newMockPostgres(t)
	ws, id := uuid.New(), uuid.New()

	mock.ExpectExec(`UPDATE resources SET state = \$1, owner = \$2, updated_at = \$3\s+` +
		`WHERE workspace_id = \$4 AND resource_id = \$5 AND state = \$6 AND owner IS NULL`).
		WithArgs("DELETING", "del-1", sqlmock.AnyArg(), ws.String(), id.String(), "READY").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.TryClaim(context.Background(), ClaimRequest{
		WorkspaceID: ws, ResourceID: id,
		ExpectedState: resource.StateReady,
		NewState:      resource.StateDeleting, NewOwner: "del-1",
	})
	require.NoError(t, err)
}

func TestPostgresStore_TryClaimConflict(t *testing.T) {
	store, mock := newMockPostgres(t)
	r := newBucketRow(uuid.New(), "busy")

	mock.ExpectExec(`UPDATE resources SET state = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM resources WHERE workspace_id = \$1 AND resource_id = \$2`).
		WithArgs(r.WorkspaceID.String(), r.ResourceID.String()).
		WillReturnRows(resourceRows(r, resource.StateDeleting, "del-0"))

	err := store.TryClaim(context.Background(), ClaimRequest{
		WorkspaceID: r.WorkspaceID, ResourceID: r.ResourceID,
		ExpectedState: resource.StateReady,
		NewState:      resource.StateDeleting, NewOwner: "del-1",
	})
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, resource.StateDeleting, conflict.ActualState)
	assert.Equal(t, "del-0", conflict.ActualOwner)
}

func TestPostgresStore_ReleaseDeletesRow(t *testing.T) {
	store, mock := newMockPostgres(t)
	ws, id := uuid.New(), uuid.New()

	mock.ExpectExec(`DELETE FROM resources\s+WHERE workspace_id = \$1 AND resource_id = \$2 AND state = \$3 AND owner = \$4`).
		WithArgs(ws.String(), id.String(), "DELETING", "del-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Release(context.Background(), ReleaseRequest{
		WorkspaceID: ws, ResourceID: id, Owner: "del-1",
		ExpectedState: resource.StateDeleting, NewState: resource.StateNotExists,
	})
	require.NoError(t, err)
}

func TestPostgresStore_InsertDuplicateName(t *testing.T) {
	store, mock := newMockPostgres(t)
	r := newBucketRow(uuid.New(), "dup")

	mock.ExpectExec(`INSERT INTO resources`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "resources_workspace_name_key"})

	err := store.InsertCreating(context.Background(), r, "create-1")
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestPostgresStore_InsertDuplicateIDInOtherWorkspace(t *testing.T) {
	store, mock := newMockPostgres(t)
	r := newBucketRow(uuid.New(), "shared")

	mock.ExpectExec(`INSERT INTO resources`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "resources_pkey"})

	err := store.InsertCreating(context.Background(), r, "create-2")
	assert.ErrorIs(t, err, ErrResourceExists)
}

func TestPostgresStore_CreateFlightExists(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO flights`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "flights_pkey"})

	now := time.Now().UTC()
	err := store.CreateFlight(context.Background(), &engine.Flight{
		ID:           "f-1",
		WorkflowType: "create-resource",
		Status:       engine.FlightStatusRunning,
		Direction:    engine.DirectionDo,
		Inputs:       engine.NewFlightMap(),
		Working:      engine.NewFlightMap(),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	assert.ErrorIs(t, err, engine.ErrFlightExists)
}

func TestPostgresUnique(t *testing.T) {
	assert.Equal(t, uniqueResourceID, postgresUnique(&pq.Error{Code: "23505", Constraint: "resources_pkey"}))
	assert.Equal(t, uniqueNone, postgresUnique(&pq.Error{Code: "23503", Constraint: "resources_pkey"}))
	assert.Equal(t, uniqueNone, postgresUnique(errors.New("boom")))
}

func TestNewPostgresStore_RequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(Config{})
	assert.Error(t, err)
}
