package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/resource"
)

// Query is the rule every clone admission policy contributes to.
const Query = "data.wsm.clone.deny"

// Policy is a named Rego module defining deny rules in package wsm.clone.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego,omitempty"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with WSM.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// CloneSource describes the resource being cloned.
type CloneSource struct {
	WorkspaceID         uuid.UUID                    `json:"workspace_id"`
	ResourceID          uuid.UUID                    `json:"resource_id"`
	Stewardship         resource.Stewardship         `json:"stewardship"`
	Kind                resource.Kind                `json:"kind"`
	CloningInstructions resource.CloningInstructions `json:"cloning_instructions"`
}

// CloneDestination describes where the clone goes.
type CloneDestination struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
}

// CloneInput is the document clone policies are evaluated against.
type CloneInput struct {
	Source                CloneSource                  `json:"source"`
	RequestedInstructions resource.CloningInstructions `json:"requested_instructions"`
	Destination           CloneDestination             `json:"destination"`
}

// NewCloneInput builds the input for cloning src with instructions into
// destination workspace ws under name.
func NewCloneInput(src *resource.Resource, instructions resource.CloningInstructions, ws uuid.UUID, name string) CloneInput {
	return CloneInput{
		Source: CloneSource{
			WorkspaceID:         src.WorkspaceID,
			ResourceID:          src.ResourceID,
			Stewardship:         src.Stewardship,
			Kind:                src.Kind,
			CloningInstructions: src.CloningInstructions,
		},
		RequestedInstructions: instructions,
		Destination:           CloneDestination{WorkspaceID: ws, Name: name},
	}
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy that denied the clone.
	Policy string `json:"policy"`

	Message string `json:"message"`
}

// Decision is the outcome of a clone admission check.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies lists the names of the enabled policies.
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the violation messages.
func (d *Decision) Messages() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Message)
	}
	return out
}
