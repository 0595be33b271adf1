package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/stores"
)

type conflictCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *conflictCounter) StateConflict(transition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = make(map[string]int)
	}
	c.count[transition]++
}

func newManager(t *testing.T) (*Manager, *stores.MemoryStore, *conflictCounter) {
	t.Helper()
	store := stores.NewMemoryStore()
	counter := &conflictCounter{}
	return NewManager(store, zerolog.Nop(), WithObserver(counter)), store, counter
}

func bucket(ws uuid.UUID, name string) *resource.Resource {
	return &resource.Resource{
		WorkspaceID:         ws,
		ResourceID:          uuid.New(),
		Name:                name,
		Stewardship:         resource.StewardshipControlled,
		Kind:                resource.KindBucket,
		CloningInstructions: resource.CopyResource,
		Attributes:          resource.BucketAttributes{BucketName: "bkt-" + name},
	}
}

func TestCreateLifecycle(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "raw")

	require.NoError(t, m.StartCreate(ctx, r, "op-1"))
	require.NoError(t, m.StartCreate(ctx, r, "op-1"), "re-executed start is a no-op")

	require.NoError(t, m.FinishCreate(ctx, r.WorkspaceID, r.ResourceID, "op-1"))
	require.NoError(t, m.FinishCreate(ctx, r.WorkspaceID, r.ResourceID, "op-1"), "re-executed finish is a no-op")

	got, err := store.Get(ctx, r.WorkspaceID, r.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateReady, got.State)
	assert.Empty(t, got.OwningOperationID)
}

func TestStartCreate_NameCollision(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	ws := uuid.New()

	require.NoError(t, m.StartCreate(ctx, bucket(ws, "taken"), "op-1"))

	err := m.StartCreate(ctx, bucket(ws, "taken"), "op-2")
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, engine.ErrCodeAlreadyExists, engine.CodeOf(err))
}

func TestStartCreate_OtherOwner(t *testing.T) {
	m, _, counter := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "raw")

	require.NoError(t, m.StartCreate(ctx, r, "op-1"))
	again := *r
	err := m.StartCreate(ctx, &again, "op-2")
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.False(t, engine.IsRetryable(err))
	assert.Equal(t, 1, counter.count["NOT_EXISTS->CREATING"])
}

func TestStartCreate_IDUsedInOtherWorkspace(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "raw")
	require.NoError(t, m.StartCreate(ctx, r, "op-1"))

	other := bucket(uuid.New(), "raw")
	other.ResourceID = r.ResourceID
	err := m.StartCreate(ctx, other, "op-1")
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.ErrorIs(t, err, stores.ErrResourceExists)
}

func TestAbortCreate(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "tmp")

	require.NoError(t, m.StartCreate(ctx, r, "op-1"))
	require.NoError(t, m.AbortCreate(ctx, r.WorkspaceID, r.ResourceID, "op-1"))
	require.NoError(t, m.AbortCreate(ctx, r.WorkspaceID, r.ResourceID, "op-1"), "row already gone")

	_, err := store.Get(ctx, r.WorkspaceID, r.ResourceID)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestDeleteLifecycle(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "logs")
	require.NoError(t, store.InsertReady(ctx, r))

	require.NoError(t, m.StartDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1"))
	require.NoError(t, m.StartDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1"), "re-executed claim is a no-op")

	err := m.StartDelete(ctx, r.WorkspaceID, r.ResourceID, "del-2")
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.False(t, engine.IsRetryable(err))

	require.NoError(t, m.FinishDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1"))
	require.NoError(t, m.FinishDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1"))

	_, err = store.Get(ctx, r.WorkspaceID, r.ResourceID)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestAbortDelete(t *testing.T) {
	tests := []struct {
		name   string
		broken bool
		want   resource.State
	}{
		{name: "untouched", broken: false, want: resource.StateReady},
		{name: "cloud object gone", broken: true, want: resource.StateBroken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _ := newManager(t)
			ctx := context.Background()
			r := bucket(uuid.New(), "data")
			require.NoError(t, store.InsertReady(ctx, r))
			require.NoError(t, m.StartDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1"))

			report := m.NewErrorReport("del-1", engine.NewPermanentError("delete failed", nil))
			require.NoError(t, m.AbortDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1", tt.broken, report))
			require.NoError(t, m.AbortDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1", tt.broken, report))

			got, err := store.Get(ctx, r.WorkspaceID, r.ResourceID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State)
			require.NotNil(t, got.LastError)
			assert.Equal(t, "del-1", got.LastError.FlightID)
			assert.Equal(t, string(engine.ErrorClassPermanent), got.LastError.Class)
		})
	}
}

func TestReleaseMismatchIsInternalError(t *testing.T) {
	m, store, counter := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "data")
	require.NoError(t, store.InsertReady(ctx, r))

	// The resource is READY and unowned, so finishing a delete that never
	// claimed it is a logic error.
	err := m.FinishDelete(ctx, r.WorkspaceID, r.ResourceID, "del-9")
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, engine.ErrCodeInternal, engine.CodeOf(err))
	assert.Equal(t, 1, counter.count["DELETING->NOT_EXISTS"])

	err = m.AbortDelete(ctx, r.WorkspaceID, uuid.New(), "del-9", false, nil)
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeInternal, engine.CodeOf(err))
}

func TestMarkStuck(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "data")
	require.NoError(t, store.InsertReady(ctx, r))
	require.NoError(t, m.StartDelete(ctx, r.WorkspaceID, r.ResourceID, "del-1"))

	report := m.NewErrorReport("del-1", errors.New("bucket still has objects"))
	require.NoError(t, m.MarkStuck(ctx, r.WorkspaceID, r.ResourceID, "del-1", report))

	got, err := store.Get(ctx, r.WorkspaceID, r.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateDeleting, got.State)
	assert.Equal(t, "del-1", got.OwningOperationID)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "bucket still has objects", got.LastError.Message)
}

func TestRegisterReference(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	r := &resource.Resource{
		WorkspaceID:         uuid.New(),
		ResourceID:          uuid.New(),
		Name:                "shared",
		Stewardship:         resource.StewardshipReferenced,
		Kind:                resource.KindDataset,
		CloningInstructions: resource.CopyReference,
		Attributes:          resource.DatasetAttributes{ProjectID: "p", DatasetID: "shared"},
	}

	require.NoError(t, m.RegisterReference(ctx, r))
	require.NoError(t, m.RegisterReference(ctx, r), "re-registration is a no-op")

	got, err := store.Get(ctx, r.WorkspaceID, r.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateReady, got.State)

	controlled := bucket(r.WorkspaceID, "mine")
	err = m.RegisterReference(ctx, controlled)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestStartDelete_RejectsEmptyOperation(t *testing.T) {
	m, _, _ := newManager(t)
	err := m.StartDelete(context.Background(), uuid.New(), uuid.New(), "")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeInvalidTransition, engine.CodeOf(err))
}

func TestConcurrentDeletesOneWinner(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	r := bucket(uuid.New(), "contended")
	require.NoError(t, store.InsertReady(ctx, r))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, op := range []string{"del-a", "del-b"} {
		wg.Add(1)
		go func(i int, op string) {
			defer wg.Done()
			errs[i] = m.StartDelete(ctx, r.WorkspaceID, r.ResourceID, op)
		}(i, op)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case engine.IsConflict(err):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
}
