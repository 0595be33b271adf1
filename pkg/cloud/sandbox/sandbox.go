// Package sandbox is an in-memory cloud provider. It implements every client
// in package cloud, completes long-running jobs after a configurable latency,
// and supports failure injection per operation.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/cloud"
)

// Operation names accepted by FailNext and FailAlways.
const (
	OpGetBucket          = "GetBucket"
	OpCreateBucket       = "CreateBucket"
	OpDeleteBucket       = "DeleteBucket"
	OpSetDeleteLifecycle = "SetDeleteLifecycle"
	OpListObjects        = "ListObjects"
	OpServiceAccount     = "ServiceAccount"
	OpCreateTransferJob  = "CreateTransferJob"
	OpGetTransferJob     = "GetTransferJob"
	OpListTransferJobs   = "ListTransferJobs"
	OpDeleteTransferJob  = "DeleteTransferJob"
	OpGetDataset         = "GetDataset"
	OpCreateDataset      = "CreateDataset"
	OpDeleteDataset      = "DeleteDataset"
	OpListTables         = "ListTables"
	OpGetTable           = "GetTable"
	OpInsertCopyJob      = "InsertCopyJob"
	OpGetCopyJob         = "GetCopyJob"
	OpCreateInstance     = "CreateInstance"
	OpGetInstance        = "GetInstance"
	OpDeleteInstance     = "DeleteInstance"
	OpGetZoneOperation   = "GetZoneOperation"
	OpGrantRoles         = "GrantRoles"
	OpRevokeRoles        = "RevokeRoles"
	OpCreateAuthz        = "CreateAuthz"
	OpDeleteAuthz        = "DeleteAuthz"
	OpProjectID          = "ProjectID"
)

// Config configures a Cloud.
type Config struct {
	// JobLatency is how long transfer, copy and compute jobs take.
	JobLatency time.Duration

	// DefaultProject is returned for workspaces without an explicit project.
	DefaultProject string

	// ServiceAccount is the transfer service principal.
	ServiceAccount string

	// Now overrides the clock.
	Now func() time.Time
}

type bucketState struct {
	bucket    cloud.Bucket
	objects   map[string]cloud.Object
	deleteAt  time.Time
	hasDelete bool
}

type transferState struct {
	job       cloud.TransferJob
	completes time.Time
	never     bool
	failWith  string
	applied   bool
}

type datasetState struct {
	dataset cloud.Dataset
	tables  map[string]*cloud.Table
}

type copyState struct {
	job       cloud.CopyJob
	completes time.Time
	never     bool
	failWith  string
	applied   bool
}

type operationState struct {
	op        cloud.Operation
	completes time.Time
	never     bool
	failWith  string
	onDone    func()
	applied   bool
}

// Cloud is an in-memory implementation of every cloud client.
type Cloud struct {
	mu  sync.Mutex
	cfg Config

	buckets    map[string]*bucketState
	transfers  map[string]*transferState
	datasets   map[string]*datasetState
	copyJobs   map[string]*copyState
	instances  map[string]*cloud.Instance
	operations map[string]*operationState
	grants     map[string]map[string]map[string]bool
	authz      map[uuid.UUID]uuid.UUID
	projects   map[uuid.UUID]string

	failNext   map[string][]error
	failAlways map[string]error
	calls      map[string]int

	jobsNeverComplete bool
	jobFailure        string
	opSeq             int
}

var (
	_ cloud.StorageClient   = (*Cloud)(nil)
	_ cloud.TransferClient  = (*Cloud)(nil)
	_ cloud.BigQueryClient  = (*Cloud)(nil)
	_ cloud.ComputeClient   = (*Cloud)(nil)
	_ cloud.IAMClient       = (*Cloud)(nil)
	_ cloud.AuthzClient     = (*Cloud)(nil)
	_ cloud.WorkspaceClient = (*Cloud)(nil)
)

// New creates an empty sandbox.
func New(cfg Config) *Cloud {
	if cfg.DefaultProject == "" {
		cfg.DefaultProject = "sandbox-project"
	}
	if cfg.ServiceAccount == "" {
		cfg.ServiceAccount = "transfer@sandbox.iam.example.com"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cloud{
		cfg:        cfg,
		buckets:    make(map[string]*bucketState),
		transfers:  make(map[string]*transferState),
		datasets:   make(map[string]*datasetState),
		copyJobs:   make(map[string]*copyState),
		instances:  make(map[string]*cloud.Instance),
		operations: make(map[string]*operationState),
		grants:     make(map[string]map[string]map[string]bool),
		authz:      make(map[uuid.UUID]uuid.UUID),
		projects:   make(map[uuid.UUID]string),
		failNext:   make(map[string][]error),
		failAlways: make(map[string]error),
		calls:      make(map[string]int),
	}
}

// Clients returns the sandbox as a cloud.Clients bundle.
func (c *Cloud) Clients() cloud.Clients {
	return cloud.Clients{
		Storage:    c,
		Transfer:   c,
		BigQuery:   c,
		Compute:    c,
		IAM:        c,
		Authz:      c,
		Workspaces: c,
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (c *Cloud) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = append(c.failNext[op], err)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (c *Cloud) FailAlways(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failAlways, op)
		return
	}
	c.failAlways[op] = err
}

// SetJobsNeverComplete makes jobs submitted afterwards run forever.
func (c *Cloud) SetJobsNeverComplete(never bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsNeverComplete = never
}

// SetJobFailure makes jobs submitted afterwards finish with message.
func (c *Cloud) SetJobFailure(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobFailure = message
}

// Calls returns how many times op was invoked.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SetProject maps a workspace to a project.
func (c *Cloud) SetProject(workspaceID uuid.UUID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects[workspaceID] = projectID
}

// PutObject stores an object in an existing bucket.
func (c *Cloud) PutObject(bucket string, obj cloud.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %s: %w", bucket, cloud.ErrNotFound)
	}
	b.objects[obj.Name] = obj
	return nil
}

// PutTable stores a table in an existing dataset.
func (c *Cloud) PutTable(table cloud.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.datasets[datasetKey(table.Ref.ProjectID, table.Ref.DatasetID)]
	if !ok {
		return fmt.Errorf("dataset %s: %w", table.Ref.DatasetID, cloud.ErrNotFound)
	}
	cp := table
	ds.tables[table.Ref.TableID] = &cp
	return nil
}

// Roles returns the roles member holds on object, sorted.
func (c *Cloud) Roles(object, member string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for role := range c.grants[object][member] {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// HasAuthz reports whether an authorization record exists for resourceID.
func (c *Cloud) HasAuthz(resourceID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.authz[resourceID]
	return ok
}

// begin records a call and returns an injected failure, if any. The caller
// must hold c.mu.
func (c *Cloud) begin(ctx context.Context, op string) error {
	c.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if queue := c.failNext[op]; len(queue) > 0 {
		c.failNext[op] = queue[1:]
		return queue[0]
	}
	if err, ok := c.failAlways[op]; ok {
		return err
	}
	return nil
}

func (c *Cloud) jobOutcome() (completes time.Time, never bool, failWith string) {
	return c.cfg.Now().Add(c.cfg.JobLatency), c.jobsNeverComplete, c.jobFailure
}

// GetBucket implements cloud.StorageClient.
func (c *Cloud) GetBucket(ctx context.Context, name string) (*cloud.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetBucket); err != nil {
		return nil, err
	}
	b, ok := c.buckets[name]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", name, cloud.ErrNotFound)
	}
	cp := b.bucket
	cp.Labels = copyLabels(b.bucket.Labels)
	return &cp, nil
}

// CreateBucket implements cloud.StorageClient.
func (c *Cloud) CreateBucket(ctx context.Context, b *cloud.Bucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpCreateBucket); err != nil {
		return err
	}
	if _, ok := c.buckets[b.Name]; ok {
		return fmt.Errorf("bucket %s: %w", b.Name, cloud.ErrAlreadyExists)
	}
	cp := *b
	cp.Labels = copyLabels(b.Labels)
	c.buckets[b.Name] = &bucketState{bucket: cp, objects: make(map[string]cloud.Object)}
	return nil
}

// DeleteBucket implements cloud.StorageClient.
func (c *Cloud) DeleteBucket(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteBucket); err != nil {
		return err
	}
	b, ok := c.buckets[name]
	if !ok {
		return fmt.Errorf("bucket %s: %w", name, cloud.ErrNotFound)
	}
	if b.hasDelete && !c.cfg.Now().Before(b.deleteAt) {
		b.objects = make(map[string]cloud.Object)
	}
	if len(b.objects) > 0 {
		return cloud.NewAPIError(http.StatusConflict, "bucket "+name+" is not empty")
	}
	delete(c.buckets, name)
	return nil
}

// SetDeleteLifecycle implements cloud.StorageClient. Objects are purged
// once the job latency has elapsed.
func (c *Cloud) SetDeleteLifecycle(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpSetDeleteLifecycle); err != nil {
		return err
	}
	b, ok := c.buckets[name]
	if !ok {
		return fmt.Errorf("bucket %s: %w", name, cloud.ErrNotFound)
	}
	if !b.hasDelete {
		b.hasDelete = true
		b.deleteAt = c.cfg.Now().Add(c.cfg.JobLatency)
		b.bucket.DeleteAll = true
	}
	return nil
}

// ListObjects implements cloud.StorageClient.
func (c *Cloud) ListObjects(ctx context.Context, bucket string) ([]cloud.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpListObjects); err != nil {
		return nil, err
	}
	b, ok := c.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", bucket, cloud.ErrNotFound)
	}
	out := make([]cloud.Object, 0, len(b.objects))
	for _, obj := range b.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ServiceAccount implements cloud.TransferClient.
func (c *Cloud) ServiceAccount(ctx context.Context, projectID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpServiceAccount); err != nil {
		return "", err
	}
	return c.cfg.ServiceAccount, nil
}

// CreateTransferJob implements cloud.TransferClient.
func (c *Cloud) CreateTransferJob(ctx context.Context, job *cloud.TransferJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpCreateTransferJob); err != nil {
		return err
	}
	key := jobKey(job.ProjectID, job.Name)
	if _, ok := c.transfers[key]; ok {
		return fmt.Errorf("transfer job %s: %w", job.Name, cloud.ErrAlreadyExists)
	}
	for _, bucket := range []string{job.SourceBucket, job.SinkBucket} {
		if _, ok := c.buckets[bucket]; !ok {
			return fmt.Errorf("bucket %s: %w", bucket, cloud.ErrNotFound)
		}
	}

	st := &transferState{job: *job}
	st.job.CreatedAt = c.cfg.Now()
	st.job.State = cloud.JobState{}
	st.completes, st.never, st.failWith = c.jobOutcome()
	c.transfers[key] = st
	return nil
}

// GetTransferJob implements cloud.TransferClient.
func (c *Cloud) GetTransferJob(ctx context.Context, projectID, name string) (*cloud.TransferJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetTransferJob); err != nil {
		return nil, err
	}
	st, ok := c.transfers[jobKey(projectID, name)]
	if !ok {
		return nil, fmt.Errorf("transfer job %s: %w", name, cloud.ErrNotFound)
	}
	c.advanceTransfer(st)
	cp := st.job
	return &cp, nil
}

// ListTransferJobs implements cloud.TransferClient.
func (c *Cloud) ListTransferJobs(ctx context.Context, projectID string) ([]*cloud.TransferJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpListTransferJobs); err != nil {
		return nil, err
	}
	var out []*cloud.TransferJob
	for _, st := range c.transfers {
		if st.job.ProjectID != projectID {
			continue
		}
		c.advanceTransfer(st)
		cp := st.job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteTransferJob implements cloud.TransferClient.
func (c *Cloud) DeleteTransferJob(ctx context.Context, projectID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteTransferJob); err != nil {
		return err
	}
	key := jobKey(projectID, name)
	if _, ok := c.transfers[key]; !ok {
		return fmt.Errorf("transfer job %s: %w", name, cloud.ErrNotFound)
	}
	delete(c.transfers, key)
	return nil
}

// advanceTransfer completes a due transfer and copies its objects. The
// caller must hold c.mu.
func (c *Cloud) advanceTransfer(st *transferState) {
	if st.applied || st.never || c.cfg.Now().Before(st.completes) {
		return
	}
	st.applied = true
	st.job.State = cloud.JobState{Done: true, ErrorMessage: st.failWith}
	if st.failWith != "" {
		return
	}
	src, srcOK := c.buckets[st.job.SourceBucket]
	dst, dstOK := c.buckets[st.job.SinkBucket]
	if !srcOK || !dstOK {
		st.job.State.ErrorMessage = "source or sink bucket disappeared"
		return
	}
	for name, obj := range src.objects {
		if _, exists := dst.objects[name]; !exists {
			dst.objects[name] = obj
		}
	}
}

// GetDataset implements cloud.BigQueryClient.
func (c *Cloud) GetDataset(ctx context.Context, projectID, datasetID string) (*cloud.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetDataset); err != nil {
		return nil, err
	}
	ds, ok := c.datasets[datasetKey(projectID, datasetID)]
	if !ok {
		return nil, fmt.Errorf("dataset %s.%s: %w", projectID, datasetID, cloud.ErrNotFound)
	}
	cp := ds.dataset
	cp.Labels = copyLabels(ds.dataset.Labels)
	return &cp, nil
}

// CreateDataset implements cloud.BigQueryClient.
func (c *Cloud) CreateDataset(ctx context.Context, d *cloud.Dataset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpCreateDataset); err != nil {
		return err
	}
	key := datasetKey(d.ProjectID, d.DatasetID)
	if _, ok := c.datasets[key]; ok {
		return fmt.Errorf("dataset %s.%s: %w", d.ProjectID, d.DatasetID, cloud.ErrAlreadyExists)
	}
	cp := *d
	cp.Labels = copyLabels(d.Labels)
	c.datasets[key] = &datasetState{dataset: cp, tables: make(map[string]*cloud.Table)}
	return nil
}

// DeleteDataset implements cloud.BigQueryClient.
func (c *Cloud) DeleteDataset(ctx context.Context, projectID, datasetID string, deleteContents bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteDataset); err != nil {
		return err
	}
	key := datasetKey(projectID, datasetID)
	ds, ok := c.datasets[key]
	if !ok {
		return fmt.Errorf("dataset %s.%s: %w", projectID, datasetID, cloud.ErrNotFound)
	}
	if len(ds.tables) > 0 && !deleteContents {
		return cloud.NewAPIError(http.StatusBadRequest, "dataset "+datasetID+" is still in use")
	}
	delete(c.datasets, key)
	return nil
}

// ListTables implements cloud.BigQueryClient.
func (c *Cloud) ListTables(ctx context.Context, projectID, datasetID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpListTables); err != nil {
		return nil, err
	}
	ds, ok := c.datasets[datasetKey(projectID, datasetID)]
	if !ok {
		return nil, fmt.Errorf("dataset %s.%s: %w", projectID, datasetID, cloud.ErrNotFound)
	}
	out := make([]string, 0, len(ds.tables))
	for id := range ds.tables {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// GetTable implements cloud.BigQueryClient.
func (c *Cloud) GetTable(ctx context.Context, ref cloud.TableRef) (*cloud.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetTable); err != nil {
		return nil, err
	}
	ds, ok := c.datasets[datasetKey(ref.ProjectID, ref.DatasetID)]
	if !ok {
		return nil, fmt.Errorf("dataset %s.%s: %w", ref.ProjectID, ref.DatasetID, cloud.ErrNotFound)
	}
	t, ok := ds.tables[ref.TableID]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", ref.TableID, cloud.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// InsertCopyJob implements cloud.BigQueryClient.
func (c *Cloud) InsertCopyJob(ctx context.Context, job *cloud.CopyJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpInsertCopyJob); err != nil {
		return err
	}
	key := jobKey(job.ProjectID, job.JobID)
	if _, ok := c.copyJobs[key]; ok {
		return fmt.Errorf("copy job %s: %w", job.JobID, cloud.ErrAlreadyExists)
	}
	if _, ok := c.datasets[datasetKey(job.Source.ProjectID, job.Source.DatasetID)]; !ok {
		return fmt.Errorf("dataset %s: %w", job.Source.DatasetID, cloud.ErrNotFound)
	}

	st := &copyState{job: *job}
	st.job.State = cloud.JobState{}
	st.completes, st.never, st.failWith = c.jobOutcome()
	c.copyJobs[key] = st
	return nil
}

// GetCopyJob implements cloud.BigQueryClient.
func (c *Cloud) GetCopyJob(ctx context.Context, projectID, jobID string) (*cloud.CopyJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetCopyJob); err != nil {
		return nil, err
	}
	st, ok := c.copyJobs[jobKey(projectID, jobID)]
	if !ok {
		return nil, fmt.Errorf("copy job %s: %w", jobID, cloud.ErrNotFound)
	}
	c.advanceCopy(st)
	cp := st.job
	return &cp, nil
}

// advanceCopy completes a due copy job and writes the destination table.
// The caller must hold c.mu.
func (c *Cloud) advanceCopy(st *copyState) {
	if st.applied || st.never || c.cfg.Now().Before(st.completes) {
		return
	}
	st.applied = true
	st.job.State = cloud.JobState{Done: true, ErrorMessage: st.failWith}
	if st.failWith != "" {
		return
	}

	src, srcOK := c.datasets[datasetKey(st.job.Source.ProjectID, st.job.Source.DatasetID)]
	dst, dstOK := c.datasets[datasetKey(st.job.Destination.ProjectID, st.job.Destination.DatasetID)]
	if !srcOK || !dstOK {
		st.job.State.ErrorMessage = "source or destination dataset not found"
		return
	}
	table, ok := src.tables[st.job.Source.TableID]
	if !ok {
		st.job.State.ErrorMessage = "source table not found"
		return
	}
	if _, exists := dst.tables[st.job.Destination.TableID]; exists && st.job.WriteDisposition != cloud.WriteTruncate {
		st.job.State.ErrorMessage = "destination table already exists"
		return
	}
	// Rows still in the streaming buffer are not copied.
	dst.tables[st.job.Destination.TableID] = &cloud.Table{
		Ref:     st.job.Destination,
		NumRows: table.NumRows,
	}
}

// CreateInstance implements cloud.ComputeClient.
func (c *Cloud) CreateInstance(ctx context.Context, inst *cloud.Instance) (*cloud.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpCreateInstance); err != nil {
		return nil, err
	}
	key := instanceKey(inst.ProjectID, inst.Zone, inst.Name)
	if _, ok := c.instances[key]; ok {
		return nil, fmt.Errorf("instance %s: %w", inst.Name, cloud.ErrAlreadyExists)
	}
	cp := *inst
	cp.Labels = copyLabels(inst.Labels)
	c.instances[key] = &cp
	return c.startOperation(inst.ProjectID, inst.Zone, "insert", inst.Name, nil), nil
}

// GetInstance implements cloud.ComputeClient.
func (c *Cloud) GetInstance(ctx context.Context, projectID, zone, name string) (*cloud.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetInstance); err != nil {
		return nil, err
	}
	inst, ok := c.instances[instanceKey(projectID, zone, name)]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", name, cloud.ErrNotFound)
	}
	cp := *inst
	cp.Labels = copyLabels(inst.Labels)
	return &cp, nil
}

// DeleteInstance implements cloud.ComputeClient. The instance disappears
// when the returned operation completes.
func (c *Cloud) DeleteInstance(ctx context.Context, projectID, zone, name string) (*cloud.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteInstance); err != nil {
		return nil, err
	}
	key := instanceKey(projectID, zone, name)
	if _, ok := c.instances[key]; !ok {
		return nil, fmt.Errorf("instance %s: %w", name, cloud.ErrNotFound)
	}
	return c.startOperation(projectID, zone, "delete", name, func() { delete(c.instances, key) }), nil
}

// GetZoneOperation implements cloud.ComputeClient.
func (c *Cloud) GetZoneOperation(ctx context.Context, projectID, zone, name string) (*cloud.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGetZoneOperation); err != nil {
		return nil, err
	}
	st, ok := c.operations[jobKey(projectID, name)]
	if !ok || st.op.Zone != zone {
		return nil, fmt.Errorf("operation %s: %w", name, cloud.ErrNotFound)
	}
	if !st.applied && !st.never && !c.cfg.Now().Before(st.completes) {
		st.applied = true
		st.op.State = cloud.JobState{Done: true, ErrorMessage: st.failWith}
		if st.failWith == "" && st.onDone != nil {
			st.onDone()
		}
	}
	cp := st.op
	return &cp, nil
}

// startOperation registers a zonal operation. The caller must hold c.mu.
func (c *Cloud) startOperation(projectID, zone, kind, target string, onDone func()) *cloud.Operation {
	c.opSeq++
	st := &operationState{
		op: cloud.Operation{
			ProjectID: projectID,
			Zone:      zone,
			Name:      fmt.Sprintf("operation-%s-%s-%d", kind, target, c.opSeq),
			Target:    target,
		},
		onDone: onDone,
	}
	st.completes, st.never, st.failWith = c.jobOutcome()
	c.operations[jobKey(projectID, st.op.Name)] = st
	cp := st.op
	return &cp
}

// GrantRoles implements cloud.IAMClient.
func (c *Cloud) GrantRoles(ctx context.Context, object, member string, roles []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpGrantRoles); err != nil {
		return err
	}
	if !c.objectExists(object) {
		return fmt.Errorf("iam object %s: %w", object, cloud.ErrNotFound)
	}
	members, ok := c.grants[object]
	if !ok {
		members = make(map[string]map[string]bool)
		c.grants[object] = members
	}
	held, ok := members[member]
	if !ok {
		held = make(map[string]bool)
		members[member] = held
	}
	for _, role := range roles {
		held[role] = true
	}
	return nil
}

// RevokeRoles implements cloud.IAMClient.
func (c *Cloud) RevokeRoles(ctx context.Context, object, member string, roles []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpRevokeRoles); err != nil {
		return err
	}
	held := c.grants[object][member]
	for _, role := range roles {
		delete(held, role)
	}
	if len(held) == 0 {
		delete(c.grants[object], member)
	}
	return nil
}

// objectExists resolves an IAM object name. The caller must hold c.mu.
func (c *Cloud) objectExists(object string) bool {
	if name, ok := strings.CutPrefix(object, "buckets/"); ok {
		_, exists := c.buckets[name]
		return exists
	}
	parts := strings.Split(object, "/")
	if len(parts) == 4 && parts[0] == "projects" && parts[2] == "datasets" {
		_, exists := c.datasets[datasetKey(parts[1], parts[3])]
		return exists
	}
	return false
}

// CreateResource implements cloud.AuthzClient.
func (c *Cloud) CreateResource(ctx context.Context, workspaceID, resourceID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpCreateAuthz); err != nil {
		return err
	}
	if _, ok := c.authz[resourceID]; ok {
		return fmt.Errorf("authz record %s: %w", resourceID, cloud.ErrAlreadyExists)
	}
	c.authz[resourceID] = workspaceID
	return nil
}

// DeleteResource implements cloud.AuthzClient.
func (c *Cloud) DeleteResource(ctx context.Context, workspaceID, resourceID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteAuthz); err != nil {
		return err
	}
	if _, ok := c.authz[resourceID]; !ok {
		return fmt.Errorf("authz record %s: %w", resourceID, cloud.ErrNotFound)
	}
	delete(c.authz, resourceID)
	return nil
}

// ProjectID implements cloud.WorkspaceClient.
func (c *Cloud) ProjectID(ctx context.Context, workspaceID uuid.UUID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpProjectID); err != nil {
		return "", err
	}
	if p, ok := c.projects[workspaceID]; ok {
		return p, nil
	}
	return c.cfg.DefaultProject, nil
}

func datasetKey(projectID, datasetID string) string { return projectID + ":" + datasetID }

func jobKey(projectID, name string) string { return projectID + "/" + name }

func instanceKey(projectID, zone, name string) string {
	return projectID + "/" + zone + "/" + name
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
