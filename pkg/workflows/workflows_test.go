package workflows

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/sandbox"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/poller"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/stores"
)

type harness struct {
	t       *testing.T
	cloud   *sandbox.Cloud
	store   *stores.MemoryStore
	manager *lifecycle.Manager
	engine  *engine.Engine
	seq     int
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testBudgets() Budgets {
	return Budgets{
		Transfer:     poller.Fixed(time.Millisecond, 3),
		TableCopy:    poller.Fixed(time.Millisecond, 3),
		BucketDelete: poller.Fixed(time.Millisecond, 3),
		InstanceOp:   poller.Fixed(time.Millisecond, 3),
	}
}

func newHarness(t *testing.T, configure ...func(*Deps)) *harness {
	t.Helper()

	sb := sandbox.New(sandbox.Config{})
	store := stores.NewMemoryStore()
	manager := lifecycle.NewManager(store, zerolog.Nop())
	clonePolicy, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)

	deps := Deps{
		Lifecycle:   manager,
		Clients:     sb.Clients(),
		Poller:      poller.New(zerolog.Nop(), poller.WithClock(time.Now, noSleep)),
		Policy:      clonePolicy,
		Budgets:     testBudgets(),
		StepRetry:   engine.FixedInterval(0, 3),
		DeleteRetry: engine.FixedInterval(0, 2),
		Logger:      zerolog.Nop(),
	}
	for _, fn := range configure {
		fn(&deps)
	}

	reg := engine.NewRegistry()
	require.NoError(t, Register(reg, deps))
	eng := engine.New(store, reg, engine.Options{Logger: zerolog.Nop()})
	t.Cleanup(func() {
		_ = eng.Shutdown(context.Background())
	})

	return &harness{t: t, cloud: sb, store: store, manager: manager, engine: eng}
}

func (h *harness) run(workflowType string, inputs *engine.FlightMap) *engine.Flight {
	h.t.Helper()
	h.seq++
	f, err := h.engine.Run(context.Background(), fmt.Sprintf("flight-%d", h.seq), workflowType, inputs)
	require.NoError(h.t, err)
	require.True(h.t, f.Status.IsTerminal(), "flight ended %s", f.Status)
	return f
}

func (h *harness) create(r *resource.Resource) *engine.Flight {
	h.t.Helper()
	inputs, err := CreateInputs(r)
	require.NoError(h.t, err)
	return h.run(TypeCreate, inputs)
}

func (h *harness) delete(r *resource.Resource) *engine.Flight {
	h.t.Helper()
	inputs, err := DeleteInputs(r.WorkspaceID, r.ResourceID)
	require.NoError(h.t, err)
	return h.run(TypeDelete, inputs)
}

func (h *harness) clone(req *CloneRequest) *engine.Flight {
	h.t.Helper()
	inputs, err := CloneInputs(req)
	require.NoError(h.t, err)
	return h.run(TypeClone, inputs)
}

// mustCreate runs a create flight that has to succeed.
func (h *harness) mustCreate(r *resource.Resource) {
	h.t.Helper()
	f := h.create(r)
	require.Equal(h.t, engine.FlightStatusSuccess, f.Status, "create failed: %v", f.Err())
}

func (h *harness) get(r *resource.Resource) (*resource.Resource, error) {
	return h.store.Get(context.Background(), r.WorkspaceID, r.ResourceID)
}

func (h *harness) requireGone(r *resource.Resource) {
	h.t.Helper()
	_, err := h.get(r)
	require.True(h.t, errors.Is(err, stores.ErrNotFound), "expected row to be gone, got %v", err)
}

func controlledBucket(ws uuid.UUID, name, bucketName string) *resource.Resource {
	return &resource.Resource{
		WorkspaceID:         ws,
		ResourceID:          uuid.New(),
		Name:                name,
		Stewardship:         resource.StewardshipControlled,
		Kind:                resource.KindBucket,
		CloningInstructions: resource.CopyResource,
		Attributes:          resource.BucketAttributes{BucketName: bucketName, Location: "US"},
	}
}

func controlledDataset(ws uuid.UUID, name, projectID, datasetID string) *resource.Resource {
	return &resource.Resource{
		WorkspaceID:         ws,
		ResourceID:          uuid.New(),
		Name:                name,
		Stewardship:         resource.StewardshipControlled,
		Kind:                resource.KindDataset,
		CloningInstructions: resource.CopyResource,
		Attributes:          resource.DatasetAttributes{ProjectID: projectID, DatasetID: datasetID, Location: "US"},
	}
}

func TestRegister_RequiresDependencies(t *testing.T) {
	err := Register(engine.NewRegistry(), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lifecycle manager")

	sb := sandbox.New(sandbox.Config{})
	clients := sb.Clients()
	clients.IAM = nil
	err = Register(engine.NewRegistry(), Deps{
		Lifecycle: lifecycle.NewManager(stores.NewMemoryStore(), zerolog.Nop()),
		Poller:    poller.New(zerolog.Nop()),
		Clients:   clients,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cloud client")
}

func TestJobNames(t *testing.T) {
	assert.Equal(t, "transferJobs/wsm-clone-abc-1", transferJobName("Clone_ABC.1"))
	assert.Equal(t, "wsm_clone_abc_1_events", copyJobID("clone-abc-1", "events"))
	assert.Equal(t, "a-b", jobSuffix("--a//b--"))
}

func TestStepError_FillsOperationAndResource(t *testing.T) {
	id := uuid.New()

	err := stepError(engine.NewTransientError("boom", nil), "copy", id)
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "copy", ee.Operation)
	assert.Equal(t, id.String(), ee.Resource)

	kept := stepError(engine.NewTransientError("boom", nil).WithOperation("get bucket"), "copy", id)
	require.True(t, errors.As(kept, &ee))
	assert.Equal(t, "get bucket", ee.Operation)

	plain := errors.New("plain")
	assert.Same(t, plain, stepError(plain, "copy", id))
}

func TestIsBucketNotEmpty(t *testing.T) {
	assert.True(t, isBucketNotEmpty(cloud.NewAPIError(409, "not empty")))
	assert.False(t, isBucketNotEmpty(cloud.NewAPIError(500, "boom")))
	assert.False(t, isBucketNotEmpty(cloud.ErrNotFound))
}
