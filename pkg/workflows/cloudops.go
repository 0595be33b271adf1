package workflows

import (
	"context"
	"fmt"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/poller"
	"github.com/openfroyo/wsm/pkg/resource"
)

// createCloudObject creates the cloud object of a controlled resource. An
// object that already carries the resource's id label was created by an
// earlier attempt; any other existing object is a name collision.
//
// The Get before the create is only a fast path: the provider's
// already-exists response is what actually decides a collision.
func (d *Deps) createCloudObject(ctx context.Context, r *resource.Resource, opKey engine.Key[string], working *engine.FlightMap) error {
	switch attrs := r.Attributes.(type) {
	case resource.BucketAttributes:
		return d.createBucket(ctx, r, attrs)
	case resource.DatasetAttributes:
		return d.createDataset(ctx, r, attrs)
	case resource.InstanceAttributes:
		return d.createInstance(ctx, r, attrs, opKey, working)
	default:
		return engine.NewPermanentError(fmt.Sprintf("cannot create cloud object for %s", r.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (d *Deps) createBucket(ctx context.Context, r *resource.Resource, attrs resource.BucketAttributes) error {
	checkExisting := func() error {
		b, err := d.Clients.Storage.GetBucket(ctx, attrs.BucketName)
		if err != nil {
			return err
		}
		if !ownedBy(b.Labels, r.ResourceID) {
			return collision("bucket", attrs.BucketName, r.ResourceID)
		}
		return nil
	}

	err := checkExisting()
	if err == nil || !cloud.IsNotFound(err) {
		return cloud.Classify("get bucket", err)
	}

	projectID, err := d.Clients.Workspaces.ProjectID(ctx, r.WorkspaceID)
	if err != nil {
		return cloud.Classify("resolve workspace project", err)
	}

	err = d.Clients.Storage.CreateBucket(ctx, &cloud.Bucket{
		Name:         attrs.BucketName,
		ProjectID:    projectID,
		Location:     attrs.Location,
		StorageClass: attrs.StorageClass,
		Labels:       resourceLabels(r.ResourceID),
	})
	if cloud.IsAlreadyExists(err) {
		return cloud.Classify("get bucket", checkExisting())
	}
	return cloud.Classify("create bucket", err)
}

func (d *Deps) createDataset(ctx context.Context, r *resource.Resource, attrs resource.DatasetAttributes) error {
	checkExisting := func() error {
		ds, err := d.Clients.BigQuery.GetDataset(ctx, attrs.ProjectID, attrs.DatasetID)
		if err != nil {
			return err
		}
		if !ownedBy(ds.Labels, r.ResourceID) {
			return collision("dataset", attrs.ProjectID+"."+attrs.DatasetID, r.ResourceID)
		}
		return nil
	}

	err := checkExisting()
	if err == nil || !cloud.IsNotFound(err) {
		return cloud.Classify("get dataset", err)
	}

	err = d.Clients.BigQuery.CreateDataset(ctx, &cloud.Dataset{
		ProjectID: attrs.ProjectID,
		DatasetID: attrs.DatasetID,
		Location:  attrs.Location,
		Labels:    resourceLabels(r.ResourceID),
	})
	if cloud.IsAlreadyExists(err) {
		return cloud.Classify("get dataset", checkExisting())
	}
	return cloud.Classify("create dataset", err)
}

// createInstance starts the instance and waits for its insert operation. The
// operation name is recorded under opKey so a re-executed step polls the
// same operation.
func (d *Deps) createInstance(
	ctx context.Context,
	r *resource.Resource,
	attrs resource.InstanceAttributes,
	opKey engine.Key[string],
	working *engine.FlightMap,
) error {
	opName, recorded, err := engine.Lookup(working, opKey)
	if err != nil {
		return err
	}

	if !recorded {
		inst, err := d.Clients.Compute.GetInstance(ctx, attrs.ProjectID, attrs.Zone, attrs.InstanceID)
		switch {
		case err == nil && !ownedBy(inst.Labels, r.ResourceID):
			return collision("instance", attrs.InstanceID, r.ResourceID)
		case err == nil:
			// Created by an attempt that stopped before recording its operation.
			return nil
		case !cloud.IsNotFound(err):
			return cloud.Classify("get instance", err)
		}

		op, err := d.Clients.Compute.CreateInstance(ctx, &cloud.Instance{
			ProjectID:   attrs.ProjectID,
			Zone:        attrs.Zone,
			Name:        attrs.InstanceID,
			MachineType: attrs.MachineType,
			Labels:      resourceLabels(r.ResourceID),
		})
		if cloud.IsAlreadyExists(err) {
			inst, getErr := d.Clients.Compute.GetInstance(ctx, attrs.ProjectID, attrs.Zone, attrs.InstanceID)
			if getErr != nil {
				return cloud.Classify("get instance", getErr)
			}
			if !ownedBy(inst.Labels, r.ResourceID) {
				return collision("instance", attrs.InstanceID, r.ResourceID)
			}
			return nil
		}
		if err != nil {
			return cloud.Classify("create instance", err)
		}
		opName = op.Name
		if err := engine.Put(working, opKey, opName); err != nil {
			return err
		}
	}

	return d.waitZoneOperation(ctx, attrs.ProjectID, attrs.Zone, opName)
}

func (d *Deps) waitZoneOperation(ctx context.Context, projectID, zone, name string) error {
	return d.Poller.Wait(ctx, jobInstanceOp, name, d.Budgets.InstanceOp, func(ctx context.Context) (poller.Status, error) {
		op, err := d.Clients.Compute.GetZoneOperation(ctx, projectID, zone, name)
		if err != nil {
			return poller.Status{}, err
		}
		return poller.FromJobState(op.State), nil
	})
}

// deleteCloudObject deletes the cloud object of a controlled resource. An
// object that is already gone counts as deleted. When requireLabel is set
// an object without the resource's id label is left alone.
func (d *Deps) deleteCloudObject(
	ctx context.Context,
	r *resource.Resource,
	requireLabel bool,
	opKey engine.Key[string],
	working *engine.FlightMap,
) error {
	switch attrs := r.Attributes.(type) {
	case resource.BucketAttributes:
		if requireLabel {
			b, err := d.Clients.Storage.GetBucket(ctx, attrs.BucketName)
			if cloud.IsNotFound(err) || (err == nil && !ownedBy(b.Labels, r.ResourceID)) {
				return nil
			}
			if err != nil {
				return cloud.Classify("get bucket", err)
			}
		}
		return d.deleteBucket(ctx, attrs.BucketName)

	case resource.DatasetAttributes:
		if requireLabel {
			ds, err := d.Clients.BigQuery.GetDataset(ctx, attrs.ProjectID, attrs.DatasetID)
			if cloud.IsNotFound(err) || (err == nil && !ownedBy(ds.Labels, r.ResourceID)) {
				return nil
			}
			if err != nil {
				return cloud.Classify("get dataset", err)
			}
		}
		err := d.Clients.BigQuery.DeleteDataset(ctx, attrs.ProjectID, attrs.DatasetID, true)
		if cloud.IsNotFound(err) {
			return nil
		}
		return cloud.Classify("delete dataset", err)

	case resource.InstanceAttributes:
		return d.deleteInstance(ctx, r, attrs, requireLabel, opKey, working)

	default:
		return engine.NewPermanentError(fmt.Sprintf("cannot delete cloud object for %s", r.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// deleteBucket deletes a bucket. A bucket that still holds objects gets a
// lifecycle rule deleting every object, and the delete is retried until the
// bucket is empty or the poll budget runs out. Running out of budget is
// transient: the step is retried later under its own retry policy.
func (d *Deps) deleteBucket(ctx context.Context, name string) error {
	err := d.Clients.Storage.DeleteBucket(ctx, name)
	switch {
	case err == nil, cloud.IsNotFound(err):
		return nil
	case !isBucketNotEmpty(err):
		return cloud.Classify("delete bucket", err)
	}

	if err := d.Clients.Storage.SetDeleteLifecycle(ctx, name); err != nil {
		if cloud.IsNotFound(err) {
			return nil
		}
		return cloud.Classify("set bucket delete lifecycle", err)
	}

	err = d.Poller.Wait(ctx, jobBucketDelete, name, d.Budgets.BucketDelete, func(ctx context.Context) (poller.Status, error) {
		err := d.Clients.Storage.DeleteBucket(ctx, name)
		switch {
		case err == nil, cloud.IsNotFound(err):
			return poller.Status{Done: true}, nil
		case isBucketNotEmpty(err):
			return poller.Status{}, nil
		default:
			return poller.Status{}, err
		}
	})
	if poller.IsTimeout(err) {
		return engine.NewTransientError(fmt.Sprintf("bucket %s is still being emptied", name), err).
			WithCode(engine.ErrCodePollTimeout).
			WithOperation("delete bucket")
	}
	return err
}

func (d *Deps) deleteInstance(
	ctx context.Context,
	r *resource.Resource,
	attrs resource.InstanceAttributes,
	requireLabel bool,
	opKey engine.Key[string],
	working *engine.FlightMap,
) error {
	opName, recorded, err := engine.Lookup(working, opKey)
	if err != nil {
		return err
	}

	if !recorded {
		inst, err := d.Clients.Compute.GetInstance(ctx, attrs.ProjectID, attrs.Zone, attrs.InstanceID)
		switch {
		case cloud.IsNotFound(err):
			return nil
		case err != nil:
			return cloud.Classify("get instance", err)
		case requireLabel && !ownedBy(inst.Labels, r.ResourceID):
			return nil
		}

		op, err := d.Clients.Compute.DeleteInstance(ctx, attrs.ProjectID, attrs.Zone, attrs.InstanceID)
		if cloud.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return cloud.Classify("delete instance", err)
		}
		opName = op.Name
		if err := engine.Put(working, opKey, opName); err != nil {
			return err
		}
	}

	return d.waitZoneOperation(ctx, attrs.ProjectID, attrs.Zone, opName)
}
