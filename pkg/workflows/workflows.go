// Package workflows assembles the resource operations of WSM out of engine
// steps: creating a controlled resource, deleting a resource, and cloning a
// resource into another workspace.
//
// Every step is written to be re-executed. Cloud objects carry the id of the
// resource they belong to in the cloud.ResourceIDLabel label, jobs are named
// after the flight that submits them, and lifecycle transitions treat a
// repeated transition by the same flight as done.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/poller"
	"github.com/openfroyo/wsm/pkg/resource"
)

// Workflow types.
const (
	TypeCreate = "wsm.resource.create"
	TypeDelete = "wsm.resource.delete"
	TypeClone  = "wsm.resource.clone"
)

// Job kinds reported to the poller.
const (
	jobTransfer     = "transfer"
	jobTableCopy    = "table-copy"
	jobBucketDelete = "bucket-delete"
	jobInstanceOp   = "instance-operation"
)

// Input keys.
var (
	// KeyResource is the resource a create flight creates.
	KeyResource = engine.NewKey[resource.Resource]("resource")

	// KeyWorkspaceID and KeyResourceID identify the resource a delete flight deletes.
	KeyWorkspaceID = engine.NewKey[uuid.UUID]("workspace_id")
	KeyResourceID  = engine.NewKey[uuid.UUID]("resource_id")

	// KeyCloneRequest is the request of a clone flight.
	KeyCloneRequest = engine.NewKey[CloneRequest]("clone_request")

	// KeyCloneResult is written to the working map by the last clone step.
	KeyCloneResult = engine.NewKey[CloneResult]("clone_result")
)

// ClonePolicy decides whether a clone may proceed.
type ClonePolicy interface {
	EvaluateClone(ctx context.Context, input policy.CloneInput) (*policy.Decision, error)
}

// Budgets bounds the long-running jobs the workflows wait for.
type Budgets struct {
	Transfer     poller.Policy
	TableCopy    poller.Policy
	BucketDelete poller.Policy
	InstanceOp   poller.Policy
}

// DefaultBudgets returns the production poll budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Transfer:     poller.Fixed(30*time.Second, 0).WithBudget(12 * time.Hour),
		TableCopy:    poller.CappedDoubling(time.Second, time.Minute, 25),
		BucketDelete: poller.CappedDoubling(time.Second, time.Minute, 25),
		InstanceOp:   poller.Fixed(10*time.Second, 24),
	}
}

// Deps are the collaborators shared by every workflow step.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Clients   cloud.Clients
	Poller    *poller.Poller

	// Policy gates clones. Nil admits every clone.
	Policy ClonePolicy

	Budgets Budgets

	// StepRetry is the retry policy of ordinary steps.
	StepRetry engine.RetryPolicy

	// DeleteRetry is the retry policy of the cloud delete step. A bucket that
	// is still being emptied by its lifecycle rule is retried under it.
	DeleteRetry engine.RetryPolicy

	Logger zerolog.Logger
}

func (d *Deps) validate() error {
	switch {
	case d.Lifecycle == nil:
		return errors.New("lifecycle manager is required")
	case d.Poller == nil:
		return errors.New("poller is required")
	case d.Clients.Storage == nil, d.Clients.Transfer == nil, d.Clients.BigQuery == nil,
		d.Clients.Compute == nil, d.Clients.IAM == nil, d.Clients.Authz == nil,
		d.Clients.Workspaces == nil:
		return errors.New("every cloud client is required")
	}
	return nil
}

func (d *Deps) setDefaults() {
	if d.StepRetry == nil {
		d.StepRetry = engine.ExponentialBackoff(time.Second, 30*time.Second, 5)
	}
	if d.DeleteRetry == nil {
		d.DeleteRetry = engine.ExponentialBackoff(10*time.Second, 30*time.Minute, 48)
	}
	if d.Budgets == (Budgets{}) {
		d.Budgets = DefaultBudgets()
	}
}

// Register adds the create, delete and clone workflows to reg.
func Register(reg *engine.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return fmt.Errorf("invalid workflow dependencies: %w", err)
	}
	deps.setDefaults()
	d := &deps

	if err := reg.Register(TypeCreate, d.createWorkflow); err != nil {
		return err
	}
	if err := reg.Register(TypeDelete, d.deleteWorkflow); err != nil {
		return err
	}
	return reg.Register(TypeClone, d.cloneWorkflow)
}

// CreateInputs builds the inputs of a create flight.
func CreateInputs(r *resource.Resource) (*engine.FlightMap, error) {
	inputs := engine.NewFlightMap()
	if err := engine.Put(inputs, KeyResource, *r); err != nil {
		return nil, err
	}
	return inputs, nil
}

// DeleteInputs builds the inputs of a delete flight.
func DeleteInputs(workspaceID, resourceID uuid.UUID) (*engine.FlightMap, error) {
	inputs := engine.NewFlightMap()
	if err := engine.Put(inputs, KeyWorkspaceID, workspaceID); err != nil {
		return nil, err
	}
	if err := engine.Put(inputs, KeyResourceID, resourceID); err != nil {
		return nil, err
	}
	return inputs, nil
}

// CloneInputs builds the inputs of a clone flight.
func CloneInputs(req *CloneRequest) (*engine.FlightMap, error) {
	inputs := engine.NewFlightMap()
	if err := engine.Put(inputs, KeyCloneRequest, *req); err != nil {
		return nil, err
	}
	return inputs, nil
}

// ownedBy reports whether labels mark a cloud object as belonging to resourceID.
func ownedBy(labels map[string]string, resourceID uuid.UUID) bool {
	return labels[cloud.ResourceIDLabel] == resourceID.String()
}

func resourceLabels(resourceID uuid.UUID) map[string]string {
	return map[string]string{cloud.ResourceIDLabel: resourceID.String()}
}

func collision(kind, name string, resourceID uuid.UUID) error {
	return engine.NewPermanentError(fmt.Sprintf("%s %s already exists and belongs to another resource", kind, name), nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(resourceID.String()).
		WithDetail("name", name)
}

func isBucketNotEmpty(err error) bool {
	var apiErr *cloud.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

var unsafeJobChars = regexp.MustCompile(`[^a-z0-9-]+`)

// jobSuffix turns a flight id into a string usable in job names.
func jobSuffix(flightID string) string {
	return strings.Trim(unsafeJobChars.ReplaceAllString(strings.ToLower(flightID), "-"), "-")
}

func transferJobName(flightID string) string {
	return "transferJobs/wsm-" + jobSuffix(flightID)
}

func copyJobID(flightID, table string) string {
	return "wsm_" + strings.ReplaceAll(jobSuffix(flightID), "-", "_") + "_" + table
}

// stepError adds the step and resource to err when it is an engine error.
func stepError(err error, step string, resourceID uuid.UUID) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Operation == "" {
			ee.Operation = step
		}
		if ee.Resource == "" {
			ee.Resource = resourceID.String()
		}
	}
	return err
}
