// Package cloud defines the cloud provider clients used by WSM workflows.
//
// Clients are small interfaces over the provider APIs a workflow step
// touches. Every client reports missing objects with ErrNotFound, name
// collisions with ErrAlreadyExists, and other API failures with *APIError;
// Classify maps them onto the engine's error classes.
package cloud

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResourceIDLabel is the label carrying the WSM resource id on cloud objects
// created by WSM. A create that finds an existing object with its own id in
// this label is a re-execution, not a collision.
const ResourceIDLabel = "wsm-resource-id"

// JobState is the observable state of a long-running cloud job.
type JobState struct {
	Done bool `json:"done"`

	// ErrorMessage is set when the job finished unsuccessfully.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Failed reports whether the job finished with an error.
func (s JobState) Failed() bool {
	return s.Done && s.ErrorMessage != ""
}

// Bucket is an object storage bucket.
type Bucket struct {
	Name         string            `json:"name"`
	ProjectID    string            `json:"project_id"`
	Location     string            `json:"location,omitempty"`
	StorageClass string            `json:"storage_class,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`

	// DeleteAll is set once a lifecycle rule deleting every object is in place.
	DeleteAll bool `json:"delete_all,omitempty"`
}

// Object is a bucket object.
type Object struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// StorageClient manages buckets.
type StorageClient interface {
	GetBucket(ctx context.Context, name string) (*Bucket, error)
	CreateBucket(ctx context.Context, b *Bucket) error
	// DeleteBucket fails with a 409 APIError while the bucket still holds objects.
	DeleteBucket(ctx context.Context, name string) error
	SetDeleteLifecycle(ctx context.Context, name string) error
	ListObjects(ctx context.Context, bucket string) ([]Object, error)
}

// TransferJob is a one-shot bucket-to-bucket transfer.
type TransferJob struct {
	Name         string    `json:"name"`
	ProjectID    string    `json:"project_id"`
	Description  string    `json:"description,omitempty"`
	SourceBucket string    `json:"source_bucket"`
	SinkBucket   string    `json:"sink_bucket"`
	CreatedAt    time.Time `json:"created_at"`
	State        JobState  `json:"state"`
}

// TransferClient drives the storage transfer service.
type TransferClient interface {
	// ServiceAccount returns the principal the transfer service runs as in projectID.
	ServiceAccount(ctx context.Context, projectID string) (string, error)
	CreateTransferJob(ctx context.Context, job *TransferJob) error
	GetTransferJob(ctx context.Context, projectID, name string) (*TransferJob, error)
	ListTransferJobs(ctx context.Context, projectID string) ([]*TransferJob, error)
	DeleteTransferJob(ctx context.Context, projectID, name string) error
}

// Dataset is an analytic dataset.
type Dataset struct {
	ProjectID string            `json:"project_id"`
	DatasetID string            `json:"dataset_id"`
	Location  string            `json:"location,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// TableRef identifies a table.
type TableRef struct {
	ProjectID string `json:"project_id"`
	DatasetID string `json:"dataset_id"`
	TableID   string `json:"table_id"`
}

// StreamingBuffer describes rows not yet available to copy jobs.
type StreamingBuffer struct {
	EstimatedRows   int64     `json:"estimated_rows"`
	OldestEntryTime time.Time `json:"oldest_entry_time"`
}

// Table is a dataset table.
type Table struct {
	Ref             TableRef         `json:"ref"`
	NumRows         int64            `json:"num_rows"`
	StreamingBuffer *StreamingBuffer `json:"streaming_buffer,omitempty"`
}

// Table copy dispositions.
const (
	CreateIfNeeded = "CREATE_IF_NEEDED"
	WriteTruncate  = "WRITE_TRUNCATE"
)

// CopyJob copies one table.
type CopyJob struct {
	ProjectID         string   `json:"project_id"`
	JobID             string   `json:"job_id"`
	Source            TableRef `json:"source"`
	Destination       TableRef `json:"destination"`
	CreateDisposition string   `json:"create_disposition"`
	WriteDisposition  string   `json:"write_disposition"`
	State             JobState `json:"state"`
}

// BigQueryClient manages datasets, tables and copy jobs.
type BigQueryClient interface {
	GetDataset(ctx context.Context, projectID, datasetID string) (*Dataset, error)
	CreateDataset(ctx context.Context, d *Dataset) error
	DeleteDataset(ctx context.Context, projectID, datasetID string, deleteContents bool) error
	ListTables(ctx context.Context, projectID, datasetID string) ([]string, error)
	GetTable(ctx context.Context, ref TableRef) (*Table, error)
	// InsertCopyJob fails with ErrAlreadyExists if a job with the same id exists.
	InsertCopyJob(ctx context.Context, job *CopyJob) error
	GetCopyJob(ctx context.Context, projectID, jobID string) (*CopyJob, error)
}

// Instance is a compute instance.
type Instance struct {
	ProjectID   string            `json:"project_id"`
	Zone        string            `json:"zone"`
	Name        string            `json:"name"`
	MachineType string            `json:"machine_type,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Operation is a zonal compute operation.
type Operation struct {
	ProjectID string   `json:"project_id"`
	Zone      string   `json:"zone"`
	Name      string   `json:"name"`
	Target    string   `json:"target"`
	State     JobState `json:"state"`
}

// ComputeClient manages instances.
type ComputeClient interface {
	CreateInstance(ctx context.Context, inst *Instance) (*Operation, error)
	GetInstance(ctx context.Context, projectID, zone, name string) (*Instance, error)
	DeleteInstance(ctx context.Context, projectID, zone, name string) (*Operation, error)
	GetZoneOperation(ctx context.Context, projectID, zone, name string) (*Operation, error)
}

// IAMClient grants and revokes roles for a principal on a named object.
// Both calls are idempotent.
type IAMClient interface {
	GrantRoles(ctx context.Context, object, member string, roles []string) error
	RevokeRoles(ctx context.Context, object, member string, roles []string) error
}

// AuthzClient manages authorization records for resources.
type AuthzClient interface {
	// CreateResource fails with ErrAlreadyExists if the record exists.
	CreateResource(ctx context.Context, workspaceID, resourceID uuid.UUID) error
	// DeleteResource fails with ErrNotFound if the record is absent.
	DeleteResource(ctx context.Context, workspaceID, resourceID uuid.UUID) error
}

// WorkspaceClient resolves workspace metadata.
type WorkspaceClient interface {
	ProjectID(ctx context.Context, workspaceID uuid.UUID) (string, error)
}

// Clients bundles the provider clients a workflow needs.
type Clients struct {
	Storage    StorageClient
	Transfer   TransferClient
	BigQuery   BigQueryClient
	Compute    ComputeClient
	IAM        IAMClient
	Authz      AuthzClient
	Workspaces WorkspaceClient
}

// BucketObject names a bucket for IAM calls.
func BucketObject(name string) string {
	return "buckets/" + name
}

// DatasetObject names a dataset for IAM calls.
func DatasetObject(projectID, datasetID string) string {
	return "projects/" + projectID + "/datasets/" + datasetID
}
