package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/stores"
)

// Clone step names.
const (
	StepFetchSource         = "fetch-source"
	StepResolveInstructions = "resolve-instructions"
	StepCreateDestination   = "create-destination"
	StepGrantTransferRoles  = "grant-transfer-roles"
	StepCopyBucketData      = "copy-bucket-data"
	StepDeleteTransferJob   = "delete-transfer-job"
	StepListTables          = "list-tables"
	StepSubmitTableCopies   = "submit-table-copies"
	StepAwaitTableCopies    = "await-table-copies"
	StepRevokeTransferRoles = "revoke-transfer-roles"
	StepSetCloneResult      = "set-clone-result"
)

// Sub-flight suffixes of a clone flight.
const (
	subflightCreate = "create-destination"
	subflightDelete = "delete-destination"
)

// Roles granted to the transfer principal while data moves.
var (
	bucketSourceRoles      = []string{"roles/storage.objectViewer", "roles/storage.legacyBucketReader"}
	bucketDestinationRoles = []string{"roles/storage.legacyBucketWriter"}
	datasetSourceRoles     = []string{"roles/bigquery.dataViewer"}
	datasetDestRoles       = []string{"roles/bigquery.dataEditor"}
)

var (
	sourceKey          = engine.NewKey[resource.Resource]("source")
	sourceProjectKey   = engine.NewKey[string]("source_project")
	destProjectKey     = engine.NewKey[string]("destination_project")
	instructionsKey    = engine.NewKey[resource.CloningInstructions]("instructions")
	destinationKey     = engine.NewKey[resource.Resource]("destination")
	transferAccountKey = engine.NewKey[string]("transfer_account")
	warningsKey        = engine.NewKey[[]string]("warnings")
)

// CloneRequest asks for a copy of a resource in another (or the same)
// workspace.
type CloneRequest struct {
	SourceWorkspaceID uuid.UUID     `json:"source_workspace_id"`
	SourceResourceID  uuid.UUID     `json:"source_resource_id"`
	Kind              resource.Kind `json:"kind"`

	DestinationWorkspaceID uuid.UUID `json:"destination_workspace_id"`

	// DestinationResourceID is chosen by the caller so the flight can be
	// retried without creating a second destination.
	DestinationResourceID uuid.UUID `json:"destination_resource_id"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Instructions overrides the source's cloning instructions when set.
	Instructions resource.CloningInstructions `json:"instructions,omitempty"`

	// BucketName and DatasetID name the destination cloud object. A name
	// derived from the destination resource id is used when empty.
	BucketName string `json:"bucket_name,omitempty"`
	DatasetID  string `json:"dataset_id,omitempty"`
}

// Validate checks the request.
func (r *CloneRequest) Validate() error {
	switch {
	case r.SourceWorkspaceID == uuid.Nil || r.SourceResourceID == uuid.Nil:
		return errors.New("source workspace and resource id are required")
	case r.DestinationWorkspaceID == uuid.Nil || r.DestinationResourceID == uuid.Nil:
		return errors.New("destination workspace and resource id are required")
	case r.Instructions != "":
		if err := r.Instructions.Validate(); err != nil {
			return err
		}
	}
	return r.Kind.Validate()
}

// CloneResult is the outcome of a successful clone.
type CloneResult struct {
	SourceWorkspaceID uuid.UUID `json:"source_workspace_id"`
	SourceResourceID  uuid.UUID `json:"source_resource_id"`

	DestinationWorkspaceID uuid.UUID `json:"destination_workspace_id"`

	// DestinationResourceID is uuid.Nil when nothing was created.
	DestinationResourceID uuid.UUID `json:"destination_resource_id"`

	Instructions resource.CloningInstructions `json:"instructions"`
	Warnings     []string                     `json:"warnings,omitempty"`
}

// cloneWorkflow copies a bucket or dataset. The steps that move data skip
// themselves unless the resolved instructions move data, and the
// destination step creates nothing for COPY_NOTHING.
func (d *Deps) cloneWorkflow(inputs *engine.FlightMap) (*engine.Workflow, error) {
	req, err := engine.Get(inputs, KeyCloneRequest)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid clone request", err).WithCode(engine.ErrCodeValidation)
	}

	wf := engine.NewWorkflow(TypeClone).
		AddStep(StepFetchSource, &fetchSourceStep{deps: d}, d.StepRetry).
		AddStep(StepResolveInstructions, &resolveInstructionsStep{deps: d}, d.StepRetry).
		AddStep(StepCreateDestination, &createDestinationStep{deps: d}, d.StepRetry).
		AddStep(StepGrantTransferRoles, &transferRolesStep{deps: d}, d.StepRetry)

	switch req.Kind {
	case resource.KindBucket:
		wf.AddStep(StepCopyBucketData, &copyBucketDataStep{deps: d}, d.StepRetry).
			AddStep(StepDeleteTransferJob, &deleteTransferJobStep{deps: d}, d.StepRetry)
	case resource.KindDataset:
		wf.AddStep(StepListTables, &listTablesStep{deps: d}, d.StepRetry).
			AddStep(StepSubmitTableCopies, &submitTableCopiesStep{deps: d}, d.StepRetry).
			AddStep(StepAwaitTableCopies, &awaitTableCopiesStep{deps: d}, d.StepRetry)
	}

	return wf.
		AddStep(StepRevokeTransferRoles, &revokeTransferRolesStep{deps: d}, d.StepRetry).
		AddStep(StepSetCloneResult, &setCloneResultStep{}, engine.NoRetry()), nil
}

// movesData reports whether the resolved instructions copy data.
func movesData(fc *engine.FlightContext) (bool, error) {
	instr, err := engine.Get(fc.Working, instructionsKey)
	if err != nil {
		return false, err
	}
	return instr.MovesData(), nil
}

type fetchSourceStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *fetchSourceStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	req, err := engine.Get(fc.Inputs, KeyCloneRequest)
	if err != nil {
		return engine.Fatal(err)
	}

	src, err := s.deps.Lifecycle.Store().Get(ctx, req.SourceWorkspaceID, req.SourceResourceID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return engine.Fatal(engine.NewPermanentError("source resource not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(req.SourceResourceID.String()))
	case err != nil:
		return engine.Retry(engine.NewTransientError("failed to read source resource", err).
			WithResource(req.SourceResourceID.String()))
	}

	if src.Kind != req.Kind {
		return engine.Fatal(engine.NewPermanentError(
			fmt.Sprintf("source is a %s, clone requested a %s", src.Kind, req.Kind), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(src.ResourceID.String()))
	}
	if src.State != resource.StateReady {
		return engine.Fatal(engine.NewConflictError(
			fmt.Sprintf("source resource is %s, not READY", src.State), nil).
			WithResource(src.ResourceID.String()))
	}

	srcProject, err := s.deps.Clients.Workspaces.ProjectID(ctx, req.SourceWorkspaceID)
	if err != nil {
		return engine.ResultFromError(cloud.Classify("resolve source project", err))
	}
	destProject, err := s.deps.Clients.Workspaces.ProjectID(ctx, req.DestinationWorkspaceID)
	if err != nil {
		return engine.ResultFromError(cloud.Classify("resolve destination project", err))
	}

	for _, err := range []error{
		engine.Put(fc.Working, sourceKey, *src),
		engine.Put(fc.Working, sourceProjectKey, srcProject),
		engine.Put(fc.Working, destProjectKey, destProject),
	} {
		if err != nil {
			return engine.Fatal(err)
		}
	}
	return engine.Success()
}

type resolveInstructionsStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *resolveInstructionsStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	req, err := engine.Get(fc.Inputs, KeyCloneRequest)
	if err != nil {
		return engine.Fatal(err)
	}
	src, err := engine.Get(fc.Working, sourceKey)
	if err != nil {
		return engine.Fatal(err)
	}
	destProject, err := engine.Get(fc.Working, destProjectKey)
	if err != nil {
		return engine.Fatal(err)
	}

	instr := req.Instructions
	if instr == "" {
		instr = src.CloningInstructions
	}

	if s.deps.Policy != nil {
		decision, err := s.deps.Policy.EvaluateClone(ctx, policy.NewCloneInput(&src, instr, req.DestinationWorkspaceID, req.Name))
		if err != nil {
			return engine.Fatal(engine.NewPermanentError("clone policy evaluation failed", err).
				WithCode(engine.ErrCodeInternal).
				WithResource(src.ResourceID.String()))
		}
		if !decision.Allowed {
			return engine.Fatal(engine.NewPermanentError(
				"clone denied by policy: "+strings.Join(decision.Messages(), "; "), nil).
				WithCode(engine.ErrCodePolicyDenied).
				WithResource(src.ResourceID.String()).
				WithDetail("instructions", string(instr)))
		}
	}

	if err := engine.Put(fc.Working, instructionsKey, instr); err != nil {
		return engine.Fatal(err)
	}

	if instr != resource.CopyNothing {
		dest, err := destinationFor(&req, &src, instr, destProject)
		if err != nil {
			return engine.Fatal(engine.NewPermanentError("invalid clone destination", err).
				WithCode(engine.ErrCodeValidation).
				WithResource(req.DestinationResourceID.String()))
		}
		if err := engine.Put(fc.Working, destinationKey, *dest); err != nil {
			return engine.Fatal(err)
		}
	}

	fc.Logger.Info().
		Str("source_id", src.ResourceID.String()).
		Str("instructions", string(instr)).
		Msg("Resolved cloning instructions")
	return engine.Success()
}

// destinationFor builds the destination resource. A reference points at the
// source object; a copy gets a new object named by the request or derived
// from the destination resource id.
func destinationFor(
	req *CloneRequest,
	src *resource.Resource,
	instr resource.CloningInstructions,
	destProject string,
) (*resource.Resource, error) {
	dest := &resource.Resource{
		WorkspaceID:         req.DestinationWorkspaceID,
		ResourceID:          req.DestinationResourceID,
		Name:                req.Name,
		Description:         req.Description,
		Stewardship:         resource.StewardshipControlled,
		Kind:                src.Kind,
		CloningInstructions: src.CloningInstructions,
	}

	if instr == resource.CopyReference {
		dest.Stewardship = resource.StewardshipReferenced
		dest.CloningInstructions = resource.CopyReference
		dest.Attributes = src.Attributes
		return dest, dest.Validate()
	}

	switch attrs := src.Attributes.(type) {
	case resource.BucketAttributes:
		name := req.BucketName
		if name == "" {
			name = "wsm-clone-" + req.DestinationResourceID.String()
		}
		dest.Attributes = resource.BucketAttributes{
			BucketName:   name,
			Location:     attrs.Location,
			StorageClass: attrs.StorageClass,
		}
	case resource.DatasetAttributes:
		id := req.DatasetID
		if id == "" {
			id = "wsm_clone_" + strings.ReplaceAll(req.DestinationResourceID.String(), "-", "_")
		}
		dest.Attributes = resource.DatasetAttributes{
			ProjectID: destProject,
			DatasetID: id,
			Location:  attrs.Location,
		}
	default:
		return nil, fmt.Errorf("%s resources cannot be copied", src.Kind)
	}
	return dest, dest.Validate()
}

type createDestinationStep struct {
	deps *Deps
}

func (s *createDestinationStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	instr, err := engine.Get(fc.Working, instructionsKey)
	if err != nil {
		return engine.Fatal(err)
	}
	if instr == resource.CopyNothing {
		return engine.Success()
	}
	dest, err := engine.Get(fc.Working, destinationKey)
	if err != nil {
		return engine.Fatal(err)
	}

	if instr == resource.CopyReference {
		return engine.ResultFromError(s.deps.Lifecycle.RegisterReference(ctx, &dest))
	}

	if err := s.checkNames(ctx, &dest); err != nil {
		return engine.ResultFromError(err)
	}

	inputs, err := CreateInputs(&dest)
	if err != nil {
		return engine.Fatal(err)
	}
	child, err := fc.RunSubflight(ctx, subflightCreate, TypeCreate, inputs)
	if err != nil {
		return engine.ResultFromError(err)
	}
	if child.Status != engine.FlightStatusSuccess {
		return engine.Fatal(child.Err())
	}

	fc.Logger.Info().
		Str("destination_id", dest.ResourceID.String()).
		Str("child_flight", child.ID).
		Msg("Destination resource created")
	return engine.Success()
}

// checkNames fails fast when the destination name or cloud object name is
// taken by another resource. The create sub-flight still relies on the
// store's unique name index and the provider's already-exists response.
func (s *createDestinationStep) checkNames(ctx context.Context, dest *resource.Resource) error {
	existing, err := s.deps.Lifecycle.Store().GetByName(ctx, dest.WorkspaceID, dest.Name)
	switch {
	case err == nil && existing.ResourceID != dest.ResourceID:
		return engine.NewPermanentError(fmt.Sprintf("resource name %q already exists in workspace", dest.Name), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(dest.ResourceID.String())
	case err != nil && !errors.Is(err, stores.ErrNotFound):
		return engine.NewTransientError("failed to check destination name", err)
	}

	switch attrs := dest.Attributes.(type) {
	case resource.BucketAttributes:
		b, err := s.deps.Clients.Storage.GetBucket(ctx, attrs.BucketName)
		if err == nil && !ownedBy(b.Labels, dest.ResourceID) {
			return collision("bucket", attrs.BucketName, dest.ResourceID)
		}
		if err != nil && !cloud.IsNotFound(err) {
			return cloud.Classify("get bucket", err)
		}
	case resource.DatasetAttributes:
		ds, err := s.deps.Clients.BigQuery.GetDataset(ctx, attrs.ProjectID, attrs.DatasetID)
		if err == nil && !ownedBy(ds.Labels, dest.ResourceID) {
			return collision("dataset", attrs.ProjectID+"."+attrs.DatasetID, dest.ResourceID)
		}
		if err != nil && !cloud.IsNotFound(err) {
			return cloud.Classify("get dataset", err)
		}
	}
	return nil
}

// Compensate removes the destination. A copy is deleted through a delete
// sub-flight, which also removes any data copied into it; a reference only
// has its row removed.
func (s *createDestinationStep) Compensate(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	instr, err := engine.Get(fc.Working, instructionsKey)
	if err != nil {
		return engine.Fatal(err)
	}
	if instr == resource.CopyNothing {
		return engine.Success()
	}
	dest, err := engine.Get(fc.Working, destinationKey)
	if err != nil {
		return engine.Fatal(err)
	}

	_, err = s.deps.Lifecycle.Store().Get(ctx, dest.WorkspaceID, dest.ResourceID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		// Removing the row is the last thing a delete does.
		return engine.Success()
	case err != nil:
		return engine.Retry(engine.NewTransientError("failed to read destination resource", err))
	}

	if instr == resource.CopyReference {
		if err := s.deps.Lifecycle.StartDelete(ctx, dest.WorkspaceID, dest.ResourceID, fc.FlightID); err != nil {
			if engine.CodeOf(err) == engine.ErrCodeNotFound {
				return engine.Success()
			}
			return engine.ResultFromError(err)
		}
		return engine.ResultFromError(s.deps.Lifecycle.FinishDelete(ctx, dest.WorkspaceID, dest.ResourceID, fc.FlightID))
	}

	inputs, err := DeleteInputs(dest.WorkspaceID, dest.ResourceID)
	if err != nil {
		return engine.Fatal(err)
	}
	child, err := fc.RunSubflight(ctx, subflightDelete, TypeDelete, inputs)
	if err != nil {
		return engine.ResultFromError(err)
	}
	if child.Status != engine.FlightStatusSuccess {
		return engine.Fatal(child.Err())
	}
	return engine.Success()
}

// transferPrincipal returns the IAM member the transfer runs as.
func (d *Deps) transferPrincipal(ctx context.Context, fc *engine.FlightContext) (string, error) {
	if member, ok, err := engine.Lookup(fc.Working, transferAccountKey); err != nil || ok {
		return member, err
	}
	destProject, err := engine.Get(fc.Working, destProjectKey)
	if err != nil {
		return "", err
	}
	account, err := d.Clients.Transfer.ServiceAccount(ctx, destProject)
	if err != nil {
		return "", cloud.Classify("get transfer service account", err)
	}
	member := "serviceAccount:" + account
	if err := engine.Put(fc.Working, transferAccountKey, member); err != nil {
		return "", err
	}
	return member, nil
}

type roleBinding struct {
	object string
	roles  []string
}

// transferBindings lists the role bindings the transfer principal needs.
func transferBindings(fc *engine.FlightContext) ([]roleBinding, error) {
	src, err := engine.Get(fc.Working, sourceKey)
	if err != nil {
		return nil, err
	}
	dest, err := engine.Get(fc.Working, destinationKey)
	if err != nil {
		return nil, err
	}

	switch srcAttrs := src.Attributes.(type) {
	case resource.BucketAttributes:
		destAttrs, _ := dest.Bucket()
		return []roleBinding{
			{object: cloud.BucketObject(srcAttrs.BucketName), roles: bucketSourceRoles},
			{object: cloud.BucketObject(destAttrs.BucketName), roles: bucketDestinationRoles},
		}, nil
	case resource.DatasetAttributes:
		destAttrs, _ := dest.Dataset()
		return []roleBinding{
			{object: cloud.DatasetObject(srcAttrs.ProjectID, srcAttrs.DatasetID), roles: datasetSourceRoles},
			{object: cloud.DatasetObject(destAttrs.ProjectID, destAttrs.DatasetID), roles: datasetDestRoles},
		}, nil
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("no transfer roles for %s", src.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// revokeTransferRoles revokes every transfer binding, attempting all of
// them even when one fails.
func (d *Deps) revokeTransferRoles(ctx context.Context, fc *engine.FlightContext) error {
	member, ok, err := engine.Lookup(fc.Working, transferAccountKey)
	if err != nil || !ok {
		return err
	}
	bindings, err := transferBindings(fc)
	if err != nil {
		return err
	}

	var errs error
	for _, b := range bindings {
		err := d.Clients.IAM.RevokeRoles(ctx, b.object, member, b.roles)
		if err != nil && !cloud.IsNotFound(err) {
			errs = multierr.Append(errs, cloud.Classify("revoke roles on "+b.object, err))
		}
	}
	if errs != nil {
		return revokeError(errs)
	}
	return nil
}

// revokeError keeps a combined revoke failure retryable when every part of
// it is.
func revokeError(errs error) error {
	for _, err := range multierr.Errors(errs) {
		if !engine.IsRetryable(err) {
			return engine.NewPermanentError("failed to revoke transfer roles", errs).
				WithCode(engine.CodeOf(err))
		}
	}
	return engine.NewTransientError("failed to revoke transfer roles", errs)
}

type transferRolesStep struct {
	deps *Deps
}

func (s *transferRolesStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves {
		return engine.Success()
	}

	member, err := s.deps.transferPrincipal(ctx, fc)
	if err != nil {
		return engine.ResultFromError(err)
	}
	bindings, err := transferBindings(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	for _, b := range bindings {
		if err := s.deps.Clients.IAM.GrantRoles(ctx, b.object, member, b.roles); err != nil {
			return engine.ResultFromError(cloud.Classify("grant roles on "+b.object, err))
		}
	}

	fc.Logger.Debug().Str("member", member).Int("bindings", len(bindings)).Msg("Granted transfer roles")
	return engine.Success()
}

func (s *transferRolesStep) Compensate(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves {
		return engine.Success()
	}
	return engine.ResultFromError(s.deps.revokeTransferRoles(ctx, fc))
}

type revokeTransferRolesStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *revokeTransferRolesStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves {
		return engine.Success()
	}
	return engine.ResultFromError(s.deps.revokeTransferRoles(ctx, fc))
}

type setCloneResultStep struct {
	engine.NoCompensation
}

func (s *setCloneResultStep) Execute(_ context.Context, fc *engine.FlightContext) engine.StepResult {
	req, err := engine.Get(fc.Inputs, KeyCloneRequest)
	if err != nil {
		return engine.Fatal(err)
	}
	instr, err := engine.Get(fc.Working, instructionsKey)
	if err != nil {
		return engine.Fatal(err)
	}
	warnings, _, err := engine.Lookup(fc.Working, warningsKey)
	if err != nil {
		return engine.Fatal(err)
	}

	result := CloneResult{
		SourceWorkspaceID:      req.SourceWorkspaceID,
		SourceResourceID:       req.SourceResourceID,
		DestinationWorkspaceID: req.DestinationWorkspaceID,
		Instructions:           instr,
		Warnings:               warnings,
	}
	if instr != resource.CopyNothing {
		result.DestinationResourceID = req.DestinationResourceID
	}

	if err := engine.Put(fc.Working, KeyCloneResult, result); err != nil {
		return engine.Fatal(err)
	}
	return engine.Success()
}
