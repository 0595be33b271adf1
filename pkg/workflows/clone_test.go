package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/sandbox"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/resource"
)

const transferMember = "serviceAccount:transfer@sandbox.iam.example.com"

type cloneFixture struct {
	*harness
	srcWs  uuid.UUID
	destWs uuid.UUID
}

func newCloneFixture(t *testing.T, configure ...func(*Deps)) *cloneFixture {
	h := newHarness(t, configure...)
	f := &cloneFixture{harness: h, srcWs: uuid.New(), destWs: uuid.New()}
	h.cloud.SetProject(f.srcWs, "src-project")
	h.cloud.SetProject(f.destWs, "dst-project")
	return f
}

func (f *cloneFixture) sourceBucket() *resource.Resource {
	f.t.Helper()
	src := controlledBucket(f.srcWs, "src-1", "src-bucket-1")
	f.mustCreate(src)
	require.NoError(f.t, f.cloud.PutObject("src-bucket-1", cloud.Object{Name: "a.txt", Size: 5}))
	return src
}

func (f *cloneFixture) request(src *resource.Resource, instr resource.CloningInstructions) *CloneRequest {
	return &CloneRequest{
		SourceWorkspaceID:      src.WorkspaceID,
		SourceResourceID:       src.ResourceID,
		Kind:                   src.Kind,
		DestinationWorkspaceID: f.destWs,
		DestinationResourceID:  uuid.New(),
		Name:                   "copy",
		Description:            "cloned for analysis",
		Instructions:           instr,
	}
}

func cloneResult(t *testing.T, f *engine.Flight) CloneResult {
	t.Helper()
	result, err := engine.Get(f.Working, KeyCloneResult)
	require.NoError(t, err)
	return result
}

func TestClone_BucketCopyResource(t *testing.T) {
	fx := newCloneFixture(t)
	ctx := context.Background()
	src := fx.sourceBucket()
	req := fx.request(src, resource.CopyResource)

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusSuccess, f.Status, "clone failed: %v", f.Err())

	result := cloneResult(t, f)
	assert.Equal(t, req.DestinationResourceID, result.DestinationResourceID)
	assert.Equal(t, resource.CopyResource, result.Instructions)
	assert.Empty(t, result.Warnings)

	dest, err := fx.store.Get(ctx, fx.destWs, req.DestinationResourceID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateReady, dest.State)
	assert.Equal(t, resource.StewardshipControlled, dest.Stewardship)
	assert.Equal(t, "cloned for analysis", dest.Description)
	attrs, ok := dest.Bucket()
	require.True(t, ok)
	assert.Equal(t, "wsm-clone-"+req.DestinationResourceID.String(), attrs.BucketName)
	assert.Equal(t, "US", attrs.Location)

	b, err := fx.cloud.GetBucket(ctx, attrs.BucketName)
	require.NoError(t, err)
	assert.Equal(t, "dst-project", b.ProjectID)

	objects, err := fx.cloud.ListObjects(ctx, attrs.BucketName)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "a.txt", objects[0].Name)

	assert.Empty(t, fx.cloud.Roles(cloud.BucketObject("src-bucket-1"), transferMember))
	assert.Empty(t, fx.cloud.Roles(cloud.BucketObject(attrs.BucketName), transferMember))

	jobs, err := fx.cloud.ListTransferJobs(ctx, "dst-project")
	require.NoError(t, err)
	assert.Empty(t, jobs, "transfer job is deleted after the copy")
	assert.Equal(t, 1, fx.cloud.Calls(sandbox.OpCreateTransferJob))

	child, err := fx.engine.Get(ctx, engine.SubflightID(f.ID, subflightCreate))
	require.NoError(t, err)
	assert.Equal(t, f.ID, child.ParentID)
	assert.Equal(t, engine.FlightStatusSuccess, child.Status)
}

func TestClone_DefaultsToSourceInstructions(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	req := fx.request(src, "")
	req.BucketName = "chosen-name"

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)
	assert.Equal(t, resource.CopyResource, cloneResult(t, f).Instructions)

	_, err := fx.cloud.GetBucket(context.Background(), "chosen-name")
	assert.NoError(t, err)
}

func TestClone_CopyDefinitionMovesNoData(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	req := fx.request(src, resource.CopyDefinition)

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)

	objects, err := fx.cloud.ListObjects(context.Background(), "wsm-clone-"+req.DestinationResourceID.String())
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Equal(t, 0, fx.cloud.Calls(sandbox.OpGrantRoles))
	assert.Equal(t, 0, fx.cloud.Calls(sandbox.OpCreateTransferJob))
}

func TestClone_CopyReference(t *testing.T) {
	fx := newCloneFixture(t)
	ctx := context.Background()
	src := fx.sourceBucket()
	req := fx.request(src, resource.CopyReference)

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)

	dest, err := fx.store.Get(ctx, fx.destWs, req.DestinationResourceID)
	require.NoError(t, err)
	assert.Equal(t, resource.StewardshipReferenced, dest.Stewardship)
	assert.Equal(t, resource.StateReady, dest.State)
	assert.Equal(t, resource.CopyReference, dest.CloningInstructions)
	attrs, _ := dest.Bucket()
	assert.Equal(t, "src-bucket-1", attrs.BucketName)

	assert.Equal(t, 1, fx.cloud.Calls(sandbox.OpCreateBucket), "only the source bucket exists")
	assert.Equal(t, 0, fx.cloud.Calls(sandbox.OpCreateTransferJob))
}

func TestClone_CopyNothing(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	req := fx.request(src, resource.CopyNothing)

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusSuccess, f.Status)

	result := cloneResult(t, f)
	assert.Equal(t, uuid.Nil, result.DestinationResourceID)
	assert.Equal(t, resource.CopyNothing, result.Instructions)

	_, err := fx.store.Get(context.Background(), fx.destWs, req.DestinationResourceID)
	assert.Error(t, err)
}

func TestClone_DestinationNameTaken(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	fx.mustCreate(controlledBucket(fx.destWs, "copy", "existing-copy-bucket"))
	req := fx.request(src, resource.CopyResource)

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeAlreadyExists, engine.CodeOf(f.Err()))

	assert.Equal(t, 0, fx.cloud.Calls(sandbox.OpCreateTransferJob))
	assert.Equal(t, 0, fx.cloud.Calls(sandbox.OpGrantRoles))
	_, err := fx.store.Get(context.Background(), fx.destWs, req.DestinationResourceID)
	assert.Error(t, err)
}

func TestClone_ForeignDestinationBucket(t *testing.T) {
	fx := newCloneFixture(t)
	ctx := context.Background()
	src := fx.sourceBucket()
	require.NoError(t, fx.cloud.CreateBucket(ctx, &cloud.Bucket{Name: "squatted-bucket"}))
	req := fx.request(src, resource.CopyResource)
	req.BucketName = "squatted-bucket"

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeAlreadyExists, engine.CodeOf(f.Err()))

	_, err := fx.cloud.GetBucket(ctx, "squatted-bucket")
	assert.NoError(t, err)
	assert.Equal(t, 1, fx.cloud.Calls(sandbox.OpCreateAuthz), "no authorization record for the destination")
}

// A transfer that never finishes exhausts its poll budget. The clone fails
// and the destination and role grants are removed again.
func TestClone_TransferTimeoutCompensates(t *testing.T) {
	fx := newCloneFixture(t)
	ctx := context.Background()
	src := fx.sourceBucket()
	fx.cloud.SetJobsNeverComplete(true)
	req := fx.request(src, resource.CopyResource)
	destBucket := "wsm-clone-" + req.DestinationResourceID.String()

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusError, f.Status, "compensation must succeed: %v", f.Err())
	assert.Equal(t, engine.ErrCodePollTimeout, engine.CodeOf(f.Err()))

	_, err := fx.store.Get(ctx, fx.destWs, req.DestinationResourceID)
	assert.Error(t, err, "destination row is deleted")
	_, err = fx.cloud.GetBucket(ctx, destBucket)
	assert.True(t, cloud.IsNotFound(err), "destination bucket is deleted")
	assert.False(t, fx.cloud.HasAuthz(req.DestinationResourceID))
	assert.Empty(t, fx.cloud.Roles(cloud.BucketObject("src-bucket-1"), transferMember))

	undo, err := fx.engine.Get(ctx, engine.SubflightID(f.ID, subflightDelete))
	require.NoError(t, err)
	assert.Equal(t, engine.FlightStatusSuccess, undo.Status)

	got, err := fx.get(src)
	require.NoError(t, err)
	assert.Equal(t, resource.StateReady, got.State, "the source is untouched")
}

func TestClone_FailedTransferCompensates(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	fx.cloud.SetJobFailure("permission denied on source")
	req := fx.request(src, resource.CopyResource)

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeJobFailed, engine.CodeOf(f.Err()))
	assert.Contains(t, f.Err().Error(), "permission denied on source")

	_, err := fx.store.Get(context.Background(), fx.destWs, req.DestinationResourceID)
	assert.Error(t, err)
}

func TestClone_PolicyDenied(t *testing.T) {
	fx := newCloneFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.cloud.CreateBucket(ctx, &cloud.Bucket{Name: "external-bucket"}))
	ref := controlledBucket(fx.srcWs, "external", "external-bucket")
	ref.Stewardship = resource.StewardshipReferenced
	ref.CloningInstructions = resource.CopyReference
	require.NoError(t, fx.manager.RegisterReference(ctx, ref))

	f := fx.clone(fx.request(ref, resource.CopyResource))
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodePolicyDenied, engine.CodeOf(f.Err()))
	assert.Contains(t, f.Err().Error(), "cannot be cloned with COPY_RESOURCE")
	assert.Equal(t, 0, fx.cloud.Calls(sandbox.OpCreateAuthz))
}

type brokenPolicy struct{}

func (brokenPolicy) EvaluateClone(context.Context, policy.CloneInput) (*policy.Decision, error) {
	return nil, errors.New("policy store unavailable")
}

func TestClone_PolicyErrorFailsClosed(t *testing.T) {
	fx := newCloneFixture(t, func(d *Deps) { d.Policy = brokenPolicy{} })
	src := fx.sourceBucket()

	f := fx.clone(fx.request(src, resource.CopyResource))
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeInternal, engine.CodeOf(f.Err()))
}

func TestClone_SourceNotReady(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	require.NoError(t, fx.manager.StartDelete(context.Background(), src.WorkspaceID, src.ResourceID, "busy"))

	f := fx.clone(fx.request(src, resource.CopyResource))
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.True(t, engine.IsConflict(f.Err()))
}

func TestClone_KindMismatch(t *testing.T) {
	fx := newCloneFixture(t)
	src := fx.sourceBucket()
	req := fx.request(src, resource.CopyResource)
	req.Kind = resource.KindDataset

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusError, f.Status)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(f.Err()))
}

func TestClone_DatasetWithStreamingBuffer(t *testing.T) {
	fx := newCloneFixture(t)
	ctx := context.Background()
	src := controlledDataset(fx.srcWs, "raw", "src-project", "raw_events")
	fx.mustCreate(src)
	require.NoError(t, fx.cloud.PutTable(cloud.Table{
		Ref:     cloud.TableRef{ProjectID: "src-project", DatasetID: "raw_events", TableID: "events"},
		NumRows: 100,
	}))
	require.NoError(t, fx.cloud.PutTable(cloud.Table{
		Ref:             cloud.TableRef{ProjectID: "src-project", DatasetID: "raw_events", TableID: "live"},
		NumRows:         40,
		StreamingBuffer: &cloud.StreamingBuffer{EstimatedRows: 7},
	}))
	req := fx.request(src, resource.CopyResource)
	req.DatasetID = "raw_copy"

	f := fx.clone(req)
	require.Equal(t, engine.FlightStatusSuccess, f.Status, "clone failed: %v", f.Err())

	result := cloneResult(t, f)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "live")

	tables, err := fx.cloud.ListTables(ctx, "dst-project", "raw_copy")
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "live"}, tables)

	live, err := fx.cloud.GetTable(ctx, cloud.TableRef{ProjectID: "dst-project", DatasetID: "raw_copy", TableID: "live"})
	require.NoError(t, err)
	assert.Nil(t, live.StreamingBuffer)

	assert.Equal(t, 2, fx.cloud.Calls(sandbox.OpInsertCopyJob))
	job, err := fx.cloud.GetCopyJob(ctx, "src-project", copyJobID(f.ID, "events"))
	require.NoError(t, err)
	assert.True(t, job.State.Done)

	assert.Empty(t, fx.cloud.Roles(cloud.DatasetObject("src-project", "raw_events"), transferMember))
	assert.Empty(t, fx.cloud.Roles(cloud.DatasetObject("dst-project", "raw_copy"), transferMember))
}

func TestCloneRequest_Validate(t *testing.T) {
	valid := CloneRequest{
		SourceWorkspaceID:      uuid.New(),
		SourceResourceID:       uuid.New(),
		DestinationWorkspaceID: uuid.New(),
		DestinationResourceID:  uuid.New(),
		Kind:                   resource.KindBucket,
		Name:                   "copy",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*CloneRequest)
	}{
		{"missing source", func(r *CloneRequest) { r.SourceResourceID = uuid.Nil }},
		{"missing destination", func(r *CloneRequest) { r.DestinationWorkspaceID = uuid.Nil }},
		{"unknown instructions", func(r *CloneRequest) { r.Instructions = "COPY_EVERYTHING" }},
		{"unknown kind", func(r *CloneRequest) { r.Kind = "AZURE_BLOB" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}
