package resource

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Attributes is the kind-specific payload of a resource. The set of
// implementations is closed: BucketAttributes, DatasetAttributes and
// InstanceAttributes.
type Attributes interface {
	Kind() Kind
	validate() error
}

// BucketAttributes describe a storage bucket.
type BucketAttributes struct {
	BucketName   string `json:"bucket_name"`
	Location     string `json:"location,omitempty"`
	StorageClass string `json:"storage_class,omitempty"`
}

// Kind implements Attributes.
func (BucketAttributes) Kind() Kind { return KindBucket }

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{1,61}[a-z0-9]$`)

func (a BucketAttributes) validate() error {
	if !bucketNamePattern.MatchString(a.BucketName) {
		return fmt.Errorf("invalid bucket name %q", a.BucketName)
	}
	return nil
}

// DatasetAttributes describe an analytic dataset.
type DatasetAttributes struct {
	ProjectID string `json:"project_id"`
	DatasetID string `json:"dataset_id"`
	Location  string `json:"location,omitempty"`
}

// Kind implements Attributes.
func (DatasetAttributes) Kind() Kind { return KindDataset }

const maxDatasetIDLength = 1024

var datasetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func (a DatasetAttributes) validate() error {
	if a.ProjectID == "" {
		return fmt.Errorf("dataset project id is required")
	}
	if len(a.DatasetID) > maxDatasetIDLength || !datasetIDPattern.MatchString(a.DatasetID) {
		return fmt.Errorf("invalid dataset id %q", a.DatasetID)
	}
	return nil
}

// InstanceAttributes describe a compute instance.
type InstanceAttributes struct {
	ProjectID   string `json:"project_id"`
	Zone        string `json:"zone"`
	InstanceID  string `json:"instance_id"`
	MachineType string `json:"machine_type,omitempty"`
}

// Kind implements Attributes.
func (InstanceAttributes) Kind() Kind { return KindInstance }

func (a InstanceAttributes) validate() error {
	if a.ProjectID == "" || a.Zone == "" || a.InstanceID == "" {
		return fmt.Errorf("instance project, zone and id are required")
	}
	return nil
}

// EncodeAttributes returns the JSON payload stored with a resource row.
func EncodeAttributes(a Attributes) (json.RawMessage, error) {
	if a == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s attributes: %w", a.Kind(), err)
	}
	return data, nil
}

// DecodeAttributes parses a stored payload for the given kind.
func DecodeAttributes(kind Kind, data []byte) (Attributes, error) {
	switch kind {
	case KindBucket:
		var a BucketAttributes
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to decode bucket attributes: %w", err)
		}
		return a, nil
	case KindDataset:
		var a DatasetAttributes
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to decode dataset attributes: %w", err)
		}
		return a, nil
	case KindInstance:
		var a InstanceAttributes
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to decode instance attributes: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
}

// Bucket returns the bucket attributes of r, if it is a bucket.
func (r *Resource) Bucket() (BucketAttributes, bool) {
	a, ok := r.Attributes.(BucketAttributes)
	return a, ok
}

// Dataset returns the dataset attributes of r, if it is a dataset.
func (r *Resource) Dataset() (DatasetAttributes, bool) {
	a, ok := r.Attributes.(DatasetAttributes)
	return a, ok
}

// Instance returns the instance attributes of r, if it is an instance.
func (r *Resource) Instance() (InstanceAttributes, bool) {
	a, ok := r.Attributes.(InstanceAttributes)
	return a, ok
}
