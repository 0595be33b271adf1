package workflows

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/sandbox"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/resource"
)

func TestCreate_Bucket(t *testing.T) {
	h := newHarness(t)
	ws := uuid.New()
	h.cloud.SetProject(ws, "ws-project")
	r := controlledBucket(ws, "raw", "raw-data-bucket")

	f := h.create(r)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)

	got, err := h.get(r)
	require.NoError(t, err)
	assert.Equal(t, resource.StateReady, got.State)
	assert.Empty(t, got.OwningOperationID)

	b, err := h.cloud.GetBucket(context.Background(), "raw-data-bucket")
	require.NoError(t, err)
	assert.Equal(t, "ws-project", b.ProjectID)
	assert.Equal(t, r.ResourceID.String(), b.Labels[cloud.ResourceIDLabel])
	assert.True(t, h.cloud.HasAuthz(r.ResourceID))
}

func TestCreate_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	r := controlledBucket(uuid.New(), "raw", "retry-bucket")
	h.cloud.FailNext(sandbox.OpCreateBucket, cloud.NewAPIError(503, "backend unavailable"))

	f := h.create(r)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)
	assert.Equal(t, 2, h.cloud.Calls(sandbox.OpCreateBucket))

	events, err := h.engine.Events(context.Background(), f.ID)
	require.NoError(t, err)
	var retries int
	for _, ev := range events {
		if ev.Type == engine.EventTypeStepRetry {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

// An attempt that created the bucket but failed before the step finished
// finds its own bucket on the next attempt.
func TestCreate_AdoptsOwnBucket(t *testing.T) {
	h := newHarness(t)
	r := controlledBucket(uuid.New(), "raw", "own-bucket")
	require.NoError(t, h.cloud.CreateBucket(context.Background(), &cloud.Bucket{
		Name:   "own-bucket",
		Labels: map[string]string{cloud.ResourceIDLabel: r.ResourceID.String()},
	}))

	f := h.create(r)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)
	assert.Equal(t, 1, h.cloud.Calls(sandbox.OpCreateBucket), "only the seeding call")
}

func TestCreate_ForeignBucketCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cloud.CreateBucket(ctx, &cloud.Bucket{
		Name:   "taken-bucket",
		Labels: map[string]string{cloud.ResourceIDLabel: "someone-else"},
	}))
	r := controlledBucket(uuid.New(), "raw", "taken-bucket")

	f := h.create(r)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeAlreadyExists, engine.CodeOf(f.Err()))

	h.requireGone(r)
	assert.False(t, h.cloud.HasAuthz(r.ResourceID), "authorization record is compensated")

	b, err := h.cloud.GetBucket(ctx, "taken-bucket")
	require.NoError(t, err, "the foreign bucket is never deleted")
	assert.Equal(t, "someone-else", b.Labels[cloud.ResourceIDLabel])
}

func TestCreate_NameTakenInWorkspace(t *testing.T) {
	h := newHarness(t)
	ws := uuid.New()
	h.mustCreate(controlledBucket(ws, "raw", "first-bucket"))

	dup := controlledBucket(ws, "raw", "second-bucket")
	f := h.create(dup)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeAlreadyExists, engine.CodeOf(f.Err()))

	_, err := h.cloud.GetBucket(context.Background(), "second-bucket")
	assert.True(t, cloud.IsNotFound(err), "no cloud object for the rejected resource")
}

func TestCreate_RejectsReferenced(t *testing.T) {
	h := newHarness(t)
	r := controlledBucket(uuid.New(), "ref", "some-bucket")
	r.Stewardship = resource.StewardshipReferenced

	f := h.create(r)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(f.Err()))
	assert.Equal(t, 0, h.cloud.Calls(sandbox.OpCreateAuthz))
}

func TestCreate_Dataset(t *testing.T) {
	h := newHarness(t)
	r := controlledDataset(uuid.New(), "analysis", "bq-project", "analysis_v1")

	h.mustCreate(r)

	ds, err := h.cloud.GetDataset(context.Background(), "bq-project", "analysis_v1")
	require.NoError(t, err)
	assert.Equal(t, r.ResourceID.String(), ds.Labels[cloud.ResourceIDLabel])
}

func TestCreate_InstanceWaitsForOperation(t *testing.T) {
	h := newHarness(t)
	r := &resource.Resource{
		WorkspaceID:         uuid.New(),
		ResourceID:          uuid.New(),
		Name:                "notebook",
		Stewardship:         resource.StewardshipControlled,
		Kind:                resource.KindInstance,
		CloningInstructions: resource.CopyNothing,
		Attributes: resource.InstanceAttributes{
			ProjectID:  "compute-project",
			Zone:       "us-central1-a",
			InstanceID: "notebook-1",
		},
	}

	h.mustCreate(r)
	assert.GreaterOrEqual(t, h.cloud.Calls(sandbox.OpGetZoneOperation), 1)

	inst, err := h.cloud.GetInstance(context.Background(), "compute-project", "us-central1-a", "notebook-1")
	require.NoError(t, err)
	assert.Equal(t, r.ResourceID.String(), inst.Labels[cloud.ResourceIDLabel])
}

func TestCreate_FailedInstanceOperationIsCompensated(t *testing.T) {
	h := newHarness(t)
	h.cloud.SetJobFailure("quota exceeded")
	r := &resource.Resource{
		WorkspaceID:         uuid.New(),
		ResourceID:          uuid.New(),
		Name:                "notebook",
		Stewardship:         resource.StewardshipControlled,
		Kind:                resource.KindInstance,
		CloningInstructions: resource.CopyNothing,
		Attributes: resource.InstanceAttributes{
			ProjectID:  "compute-project",
			Zone:       "us-central1-a",
			InstanceID: "notebook-1",
		},
	}

	f := h.create(r)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeJobFailed, engine.CodeOf(f.Err()))
	h.requireGone(r)
	assert.False(t, h.cloud.HasAuthz(r.ResourceID))
}
