// Package resource defines the workspace resource model and its lifecycle
// state machine.
package resource

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a resource row.
type State string

const (
	// StateNotExists is the implicit state of a resource without a row.
	StateNotExists State = "NOT_EXISTS"
	StateCreating  State = "CREATING"
	StateReady     State = "READY"
	StateDeleting  State = "DELETING"
	StateBroken    State = "BROKEN"
)

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateNotExists, StateCreating, StateReady, StateDeleting, StateBroken:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// Stewardship tells whether WSM manages the cloud object's lifecycle.
type Stewardship string

const (
	// StewardshipControlled resources are created and deleted by WSM.
	StewardshipControlled Stewardship = "CONTROLLED"

	// StewardshipReferenced resources only point at an externally owned object.
	StewardshipReferenced Stewardship = "REFERENCED"
)

// Validate checks if the stewardship is valid.
func (s Stewardship) Validate() error {
	switch s {
	case StewardshipControlled, StewardshipReferenced:
		return nil
	default:
		return fmt.Errorf("invalid stewardship: %s", s)
	}
}

// Kind is the type of cloud object a resource represents.
type Kind string

const (
	KindBucket   Kind = "GCS_BUCKET"
	KindDataset  Kind = "BIG_QUERY_DATASET"
	KindInstance Kind = "GCE_INSTANCE"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindBucket, KindDataset, KindInstance:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// CloningInstructions controls what a clone copies.
type CloningInstructions string

const (
	CopyNothing    CloningInstructions = "COPY_NOTHING"
	CopyReference  CloningInstructions = "COPY_REFERENCE"
	CopyDefinition CloningInstructions = "COPY_DEFINITION"
	CopyResource   CloningInstructions = "COPY_RESOURCE"
)

// Validate checks if the instructions are valid.
func (c CloningInstructions) Validate() error {
	switch c {
	case CopyNothing, CopyReference, CopyDefinition, CopyResource:
		return nil
	default:
		return fmt.Errorf("invalid cloning instructions: %s", c)
	}
}

// MovesData reports whether the instructions copy the cloud object's contents.
func (c CloningInstructions) MovesData() bool {
	return c == CopyResource
}

// CreatesDefinition reports whether the instructions create a new controlled object.
func (c CloningInstructions) CreatesDefinition() bool {
	return c == CopyDefinition || c == CopyResource
}

// Variant is one supported stewardship × kind combination.
type Variant struct {
	Stewardship Stewardship
	Kind        Kind
}

func (v Variant) String() string {
	return string(v.Stewardship) + "/" + string(v.Kind)
}

// Supported variants.
var (
	ControlledBucket   = Variant{StewardshipControlled, KindBucket}
	ControlledDataset  = Variant{StewardshipControlled, KindDataset}
	ControlledInstance = Variant{StewardshipControlled, KindInstance}
	ReferencedBucket   = Variant{StewardshipReferenced, KindBucket}
	ReferencedDataset  = Variant{StewardshipReferenced, KindDataset}
)

// Validate rejects combinations WSM does not support.
func (v Variant) Validate() error {
	switch v {
	case ControlledBucket, ControlledDataset, ControlledInstance, ReferencedBucket, ReferencedDataset:
		return nil
	default:
		return fmt.Errorf("unsupported resource variant: %s", v)
	}
}

// ErrorReport is the structured error attached to a resource by a failed operation.
type ErrorReport struct {
	Message   string    `json:"message"`
	Class     string    `json:"class,omitempty"`
	Code      string    `json:"code,omitempty"`
	FlightID  string    `json:"flight_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Resource is a managed cloud object tracked by WSM.
type Resource struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	ResourceID  uuid.UUID `json:"resource_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`

	Stewardship         Stewardship         `json:"stewardship"`
	Kind                Kind                `json:"kind"`
	CloningInstructions CloningInstructions `json:"cloning_instructions"`

	State State `json:"state"`

	// OwningOperationID is the flight holding the resource lock; empty when unowned.
	OwningOperationID string       `json:"owning_operation_id,omitempty"`
	LastError         *ErrorReport `json:"last_error,omitempty"`

	Attributes Attributes `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variant returns the resource's stewardship × kind combination.
func (r *Resource) Variant() Variant {
	return Variant{Stewardship: r.Stewardship, Kind: r.Kind}
}

// Owned reports whether an operation holds the resource lock.
func (r *Resource) Owned() bool {
	return r.OwningOperationID != ""
}

// Validate checks the resource's identity, variant and attributes.
func (r *Resource) Validate() error {
	if r.WorkspaceID == uuid.Nil {
		return fmt.Errorf("workspace id is required")
	}
	if r.ResourceID == uuid.Nil {
		return fmt.Errorf("resource id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if err := r.Variant().Validate(); err != nil {
		return err
	}
	if err := r.CloningInstructions.Validate(); err != nil {
		return err
	}
	if r.State != "" && r.State != StateNotExists {
		if err := r.State.Validate(); err != nil {
			return err
		}
	}
	if r.Attributes == nil {
		return fmt.Errorf("attributes are required for %s", r.Kind)
	}
	if r.Attributes.Kind() != r.Kind {
		return fmt.Errorf("attributes of kind %s do not match resource kind %s", r.Attributes.Kind(), r.Kind)
	}
	return r.Attributes.validate()
}

// resourceJSON is the wire form of a Resource, with attributes inlined.
type resourceJSON struct {
	alias
	Attributes json.RawMessage `json:"attributes"`
}

type alias Resource

// MarshalJSON implements json.Marshaler.
func (r Resource) MarshalJSON() ([]byte, error) {
	attrs, err := EncodeAttributes(r.Attributes)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resourceJSON{alias: alias(r), Attributes: attrs})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Resource) UnmarshalJSON(data []byte) error {
	var raw resourceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Resource(raw.alias)
	if len(raw.Attributes) == 0 || string(raw.Attributes) == "null" {
		return nil
	}
	attrs, err := DecodeAttributes(r.Kind, raw.Attributes)
	if err != nil {
		return err
	}
	r.Attributes = attrs
	return nil
}
