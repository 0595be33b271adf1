package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

func newBucketRow(workspaceID uuid.UUID, name string) *resource.Resource {
	return &resource.Resource{
		WorkspaceID:         workspaceID,
		ResourceID:          uuid.New(),
		Name:                name,
		Stewardship:         resource.StewardshipControlled,
		Kind:                resource.KindBucket,
		CloningInstructions: resource.CopyResource,
		Attributes:          resource.BucketAttributes{BucketName: "bkt-" + name, Location: "US"},
	}
}

func newDatasetRow(workspaceID uuid.UUID, name string) *resource.Resource {
	return &resource.Resource{
		WorkspaceID:         workspaceID,
		ResourceID:          uuid.New(),
		Name:                name,
		Stewardship:         resource.StewardshipReferenced,
		Kind:                resource.KindDataset,
		CloningInstructions: resource.CopyReference,
		Attributes:          resource.DatasetAttributes{ProjectID: "proj-1", DatasetID: "ds_" + name},
	}
}

// testStoreContract runs the conditional update contract against a backend.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "raw")
		require.NoError(t, s.InsertCreating(ctx, r, "flight-1"))
		assert.Equal(t, resource.StateCreating, r.State)

		got, err := s.Get(ctx, ws, r.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, resource.StateCreating, got.State)
		assert.Equal(t, "flight-1", got.OwningOperationID)
		bucket, ok := got.Bucket()
		require.True(t, ok)
		assert.Equal(t, "bkt-raw", bucket.BucketName)

		byName, err := s.GetByName(ctx, ws, "raw")
		require.NoError(t, err)
		assert.Equal(t, r.ResourceID, byName.ResourceID)

		_, err = s.Get(ctx, uuid.New(), r.ResourceID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InsertRequiresOwner", func(t *testing.T) {
		s := newStore(t)
		err := s.InsertCreating(context.Background(), newBucketRow(uuid.New(), "x1"), "")
		assert.Error(t, err)
	})

	t.Run("DuplicateName", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		require.NoError(t, s.InsertReady(ctx, newDatasetRow(ws, "events")))
		err := s.InsertCreating(ctx, newBucketRow(ws, "events"), "flight-2")
		assert.ErrorIs(t, err, ErrDuplicateName)

		// Names are scoped to the workspace.
		require.NoError(t, s.InsertReady(ctx, newDatasetRow(uuid.New(), "events")))
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "one")
		require.NoError(t, s.InsertReady(ctx, r))
		dup := newBucketRow(ws, "two")
		dup.ResourceID = r.ResourceID
		assert.ErrorIs(t, s.InsertReady(ctx, dup), ErrResourceExists)
	})

	t.Run("DuplicateIDAcrossWorkspaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := newBucketRow(uuid.New(), "shared")
		require.NoError(t, s.InsertReady(ctx, r))

		other := newBucketRow(uuid.New(), "shared")
		other.ResourceID = r.ResourceID
		assert.ErrorIs(t, s.InsertCreating(ctx, other, "create-2"), ErrResourceExists)

		_, err := s.Get(ctx, other.WorkspaceID, r.ResourceID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("IDReusableAfterRemoval", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "tmp")
		require.NoError(t, s.InsertCreating(ctx, r, "create-1"))
		require.NoError(t, s.Release(ctx, ReleaseRequest{
			WorkspaceID: ws, ResourceID: r.ResourceID, Owner: "create-1",
			ExpectedState: resource.StateCreating, NewState: resource.StateNotExists,
		}))

		again := newBucketRow(uuid.New(), "tmp")
		again.ResourceID = r.ResourceID
		require.NoError(t, s.InsertReady(ctx, again))
	})

	t.Run("ClaimAndRelease", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "logs")
		require.NoError(t, s.InsertReady(ctx, r))

		require.NoError(t, s.TryClaim(ctx, ClaimRequest{
			WorkspaceID: ws, ResourceID: r.ResourceID,
			ExpectedState: resource.StateReady,
			NewState:      resource.StateDeleting, NewOwner: "del-1",
		}))

		got, err := s.Get(ctx, ws, r.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, resource.StateDeleting, got.State)
		assert.Equal(t, "del-1", got.OwningOperationID)

		report := &resource.ErrorReport{Message: "cloud delete failed", FlightID: "del-1", Timestamp: time.Now().UTC()}
		require.NoError(t, s.Release(ctx, ReleaseRequest{
			WorkspaceID: ws, ResourceID: r.ResourceID, Owner: "del-1",
			ExpectedState: resource.StateDeleting, NewState: resource.StateReady,
			Error: report,
		}))

		got, err = s.Get(ctx, ws, r.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, resource.StateReady, got.State)
		assert.Empty(t, got.OwningOperationID)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "cloud delete failed", got.LastError.Message)
	})

	t.Run("ReleaseToNotExistsRemovesRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "tmp")
		require.NoError(t, s.InsertCreating(ctx, r, "create-1"))
		require.NoError(t, s.Release(ctx, ReleaseRequest{
			WorkspaceID: ws, ResourceID: r.ResourceID, Owner: "create-1",
			ExpectedState: resource.StateCreating, NewState: resource.StateNotExists,
		}))

		_, err := s.Get(ctx, ws, r.ResourceID)
		assert.ErrorIs(t, err, ErrNotFound)

		// The name is free again.
		require.NoError(t, s.InsertReady(ctx, newBucketRow(ws, "tmp")))
	})

	t.Run("ClaimConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "busy")
		require.NoError(t, s.InsertCreating(ctx, r, "create-1"))

		err := s.TryClaim(ctx, ClaimRequest{
			WorkspaceID: ws, ResourceID: r.ResourceID,
			ExpectedState: resource.StateReady,
			NewState:      resource.StateDeleting, NewOwner: "del-1",
		})
		require.ErrorIs(t, err, ErrConflict)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, resource.StateCreating, conflict.ActualState)
		assert.Equal(t, "create-1", conflict.ActualOwner)

		got, err := s.Get(ctx, ws, r.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, resource.StateCreating, got.State, "a failed claim leaves the row untouched")
	})

	t.Run("ReleaseByNonOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "held")
		require.NoError(t, s.InsertCreating(ctx, r, "create-1"))

		err := s.Release(ctx, ReleaseRequest{
			WorkspaceID: ws, ResourceID: r.ResourceID, Owner: "someone-else",
			ExpectedState: resource.StateCreating, NewState: resource.StateReady,
		})
		assert.ErrorIs(t, err, ErrConflict)

		err = s.Release(ctx, ReleaseRequest{
			WorkspaceID: ws, ResourceID: uuid.New(), Owner: "create-1",
			ExpectedState: resource.StateCreating, NewState: resource.StateReady,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RecordError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "stuck")
		require.NoError(t, s.InsertCreating(ctx, r, "create-1"))

		report := &resource.ErrorReport{Message: "compensation failed", FlightID: "create-1"}
		require.NoError(t, s.RecordError(ctx, ws, r.ResourceID, "create-1", report))
		assert.ErrorIs(t, s.RecordError(ctx, ws, r.ResourceID, "other", report), ErrConflict)

		got, err := s.Get(ctx, ws, r.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, resource.StateCreating, got.State)
		assert.Equal(t, "create-1", got.OwningOperationID)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "compensation failed", got.LastError.Message)
	})

	t.Run("ListByWorkspace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		for _, name := range []string{"c", "a", "b"} {
			require.NoError(t, s.InsertReady(ctx, newBucketRow(ws, name+"-bucket")))
		}
		require.NoError(t, s.InsertReady(ctx, newDatasetRow(ws, "d_set")))
		require.NoError(t, s.InsertReady(ctx, newBucketRow(uuid.New(), "elsewhere")))

		all, err := s.ListByWorkspace(ctx, ws, ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "a-bucket", all[0].Name)

		buckets, err := s.ListByWorkspace(ctx, ws, ListOptions{Kind: resource.KindBucket})
		require.NoError(t, err)
		assert.Len(t, buckets, 3)

		page, err := s.ListByWorkspace(ctx, ws, ListOptions{Kind: resource.KindBucket, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "b-bucket", page[0].Name)
		assert.Equal(t, "c-bucket", page[1].Name)
	})

	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ws := uuid.New()

		r := newBucketRow(ws, "contended")
		require.NoError(t, s.InsertReady(ctx, r))

		const claimants = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []string
			conflicts int
		)
		for i := 0; i < claimants; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				err := s.TryClaim(ctx, ClaimRequest{
					WorkspaceID: ws, ResourceID: r.ResourceID,
					ExpectedState: resource.StateReady,
					NewState:      resource.StateDeleting, NewOwner: owner,
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, owner)
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}(fmt.Sprintf("del-%d", i))
		}
		wg.Wait()

		require.Len(t, winners, 1)
		assert.Equal(t, claimants-1, conflicts)

		got, err := s.Get(ctx, ws, r.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.OwningOperationID)
	})

	t.Run("Flights", func(t *testing.T) {
		s := newStore(t)
		testFlightStoreContract(t, s)
	})
}

// testFlightStoreContract checks checkpoint persistence for any FlightStore.
func testFlightStoreContract(t *testing.T, s engine.FlightStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	inputs := engine.NewFlightMap()
	bucketKey := engine.NewKey[string]("bucket")
	require.NoError(t, engine.Put(inputs, bucketKey, "dst-1"))

	parent := &engine.Flight{
		ID:           "flight-parent",
		WorkflowType: "clone-bucket",
		Status:       engine.FlightStatusRunning,
		Direction:    engine.DirectionDo,
		Inputs:       inputs,
		Working:      engine.NewFlightMap(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateFlight(ctx, parent))
	assert.ErrorIs(t, s.CreateFlight(ctx, parent), engine.ErrFlightExists)

	child := &engine.Flight{
		ID:           engine.SubflightID(parent.ID, "create"),
		ParentID:     parent.ID,
		WorkflowType: "create-resource",
		Status:       engine.FlightStatusRunning,
		Direction:    engine.DirectionDo,
		Inputs:       engine.NewFlightMap(),
		Working:      engine.NewFlightMap(),
		CreatedAt:    now.Add(time.Second),
		UpdatedAt:    now.Add(time.Second),
	}
	require.NoError(t, s.CreateFlight(ctx, child))

	countKey := engine.NewKey[int]("rows_copied")
	require.NoError(t, engine.Put(parent.Working, countKey, 42))
	parent.StepIndex = 2
	parent.Status = engine.FlightStatusError
	parent.Error = &engine.FlightError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeValidation, Message: "bad", Step: "validate"}
	done := now.Add(2 * time.Second)
	parent.CompletedAt = &done
	require.NoError(t, s.SaveFlight(ctx, parent))

	got, err := s.GetFlight(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.FlightStatusError, got.Status)
	assert.Equal(t, 2, got.StepIndex)
	require.NotNil(t, got.Error)
	assert.Equal(t, engine.ErrCodeValidation, got.Error.Code)
	require.NotNil(t, got.CompletedAt)

	copied, err := engine.Get(got.Working, countKey)
	require.NoError(t, err)
	assert.Equal(t, 42, copied)
	bucket, err := engine.Get(got.Inputs, bucketKey)
	require.NoError(t, err)
	assert.Equal(t, "dst-1", bucket)

	_, err = s.GetFlight(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrFlightNotFound)
	assert.ErrorIs(t, s.SaveFlight(ctx, &engine.Flight{ID: "missing", Status: engine.FlightStatusRunning, Direction: engine.DirectionDo}), engine.ErrFlightNotFound)

	running, err := s.ListFlights(ctx, engine.FlightFilter{Statuses: []engine.FlightStatus{engine.FlightStatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, child.ID, running[0].ID)

	top, err := s.ListFlights(ctx, engine.FlightFilter{TopLevelOnly: true})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, parent.ID, top[0].ID)

	all, err := s.ListFlights(ctx, engine.FlightFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, child.ID, all[0].ID, "newest first")

	for i, typ := range []engine.EventType{engine.EventTypeStepStarted, engine.EventTypeStepSucceeded} {
		require.NoError(t, s.AppendEvent(ctx, &engine.StepEvent{
			FlightID: parent.ID, StepIndex: 0, StepName: "validate",
			Direction: engine.DirectionDo, Type: typ, Attempt: i + 1, Timestamp: now,
		}))
	}
	events, err := s.ListEvents(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, engine.EventTypeStepStarted, events[0].Type)
	assert.Equal(t, engine.EventTypeStepSucceeded, events[1].Type)
	assert.Less(t, events[0].ID, events[1].ID)
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}
