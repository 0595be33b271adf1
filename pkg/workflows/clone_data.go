package workflows

import (
	"context"
	"fmt"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/poller"
)

var (
	transferJobKey = engine.NewKey[string]("transfer_job")
	tableBatchKey  = engine.NewKey[poller.Batch]("table_batch")
)

type copyBucketDataStep struct {
	engine.NoCompensation
	deps *Deps
}

// Execute submits one transfer job from the source bucket to the destination
// bucket and waits for it. The job is named after the flight so a resumed
// step waits for the job it already submitted.
func (s *copyBucketDataStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves {
		return engine.Success()
	}

	src, err := engine.Get(fc.Working, sourceKey)
	if err != nil {
		return engine.Fatal(err)
	}
	dest, err := engine.Get(fc.Working, destinationKey)
	if err != nil {
		return engine.Fatal(err)
	}
	destProject, err := engine.Get(fc.Working, destProjectKey)
	if err != nil {
		return engine.Fatal(err)
	}
	srcAttrs, _ := src.Bucket()
	destAttrs, _ := dest.Bucket()

	name := transferJobName(fc.FlightID)
	if err := engine.Put(fc.Working, transferJobKey, name); err != nil {
		return engine.Fatal(err)
	}

	transfer := s.deps.Clients.Transfer
	submitted, err := poller.SubmitIfAbsent(ctx,
		func(ctx context.Context) error {
			_, err := transfer.GetTransferJob(ctx, destProject, name)
			return err
		},
		func(ctx context.Context) error {
			return transfer.CreateTransferJob(ctx, &cloud.TransferJob{
				Name:         name,
				ProjectID:    destProject,
				Description:  fmt.Sprintf("wsm clone of %s", src.ResourceID),
				SourceBucket: srcAttrs.BucketName,
				SinkBucket:   destAttrs.BucketName,
			})
		})
	if err != nil {
		return engine.ResultFromError(stepError(err, StepCopyBucketData, dest.ResourceID))
	}
	if submitted {
		fc.Logger.Info().Str("job", name).
			Str("source", srcAttrs.BucketName).Str("sink", destAttrs.BucketName).
			Msg("Submitted transfer job")
	}

	err = s.deps.Poller.Wait(ctx, jobTransfer, name, s.deps.Budgets.Transfer, func(ctx context.Context) (poller.Status, error) {
		job, err := transfer.GetTransferJob(ctx, destProject, name)
		if err != nil {
			return poller.Status{}, err
		}
		return poller.FromJobState(job.State), nil
	})
	return engine.ResultFromError(stepError(err, StepCopyBucketData, dest.ResourceID))
}

type deleteTransferJobStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *deleteTransferJobStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	name, ok, err := engine.Lookup(fc.Working, transferJobKey)
	if err != nil || !ok {
		return engine.ResultFromError(err)
	}
	destProject, err := engine.Get(fc.Working, destProjectKey)
	if err != nil {
		return engine.Fatal(err)
	}

	err = s.deps.Clients.Transfer.DeleteTransferJob(ctx, destProject, name)
	if cloud.IsNotFound(err) {
		return engine.Success()
	}
	return engine.ResultFromError(cloud.Classify("delete transfer job", err))
}

type listTablesStep struct {
	engine.NoCompensation
	deps *Deps
}

// Execute fixes the list of tables to copy. Tables with rows still in a
// streaming buffer are copied without those rows, which is reported as a
// warning on the clone result.
func (s *listTablesStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves || fc.Working.Has(tableBatchKey.Name()) {
		return engine.Success()
	}

	src, err := engine.Get(fc.Working, sourceKey)
	if err != nil {
		return engine.Fatal(err)
	}
	attrs, _ := src.Dataset()

	tables, err := s.deps.Clients.BigQuery.ListTables(ctx, attrs.ProjectID, attrs.DatasetID)
	if err != nil {
		return engine.ResultFromError(cloud.Classify("list tables", err))
	}

	var warnings []string
	for _, table := range tables {
		t, err := s.deps.Clients.BigQuery.GetTable(ctx, cloud.TableRef{
			ProjectID: attrs.ProjectID,
			DatasetID: attrs.DatasetID,
			TableID:   table,
		})
		if err != nil {
			return engine.ResultFromError(cloud.Classify("get table "+table, err))
		}
		if t.StreamingBuffer != nil {
			warnings = append(warnings, fmt.Sprintf(
				"table %s has about %d rows in its streaming buffer that will not be copied",
				table, t.StreamingBuffer.EstimatedRows))
		}
	}

	if len(warnings) > 0 {
		if err := engine.Put(fc.Working, warningsKey, warnings); err != nil {
			return engine.Fatal(err)
		}
	}
	if err := engine.Put(fc.Working, tableBatchKey, poller.NewBatch(tables)); err != nil {
		return engine.Fatal(err)
	}

	fc.Logger.Info().Int("tables", len(tables)).Int("warnings", len(warnings)).Msg("Listed source tables")
	return engine.Success()
}

type submitTableCopiesStep struct {
	engine.NoCompensation
	deps *Deps
}

// Execute submits one copy job per table, one table per invocation. Jobs run
// in the source project.
func (s *submitTableCopiesStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves {
		return engine.Success()
	}

	src, err := engine.Get(fc.Working, sourceKey)
	if err != nil {
		return engine.Fatal(err)
	}
	dest, err := engine.Get(fc.Working, destinationKey)
	if err != nil {
		return engine.Fatal(err)
	}
	srcProject, err := engine.Get(fc.Working, sourceProjectKey)
	if err != nil {
		return engine.Fatal(err)
	}
	srcAttrs, _ := src.Dataset()
	destAttrs, _ := dest.Dataset()

	bq := s.deps.Clients.BigQuery
	return poller.SubmitNext(ctx, fc, tableBatchKey, func(ctx context.Context, table string) (string, error) {
		jobID := copyJobID(fc.FlightID, table)
		_, err := poller.SubmitIfAbsent(ctx,
			func(ctx context.Context) error {
				_, err := bq.GetCopyJob(ctx, srcProject, jobID)
				return err
			},
			func(ctx context.Context) error {
				return bq.InsertCopyJob(ctx, &cloud.CopyJob{
					ProjectID: srcProject,
					JobID:     jobID,
					Source: cloud.TableRef{
						ProjectID: srcAttrs.ProjectID,
						DatasetID: srcAttrs.DatasetID,
						TableID:   table,
					},
					Destination: cloud.TableRef{
						ProjectID: destAttrs.ProjectID,
						DatasetID: destAttrs.DatasetID,
						TableID:   table,
					},
					CreateDisposition: cloud.CreateIfNeeded,
					WriteDisposition:  cloud.WriteTruncate,
				})
			})
		if err != nil {
			return "", stepError(err, StepSubmitTableCopies, dest.ResourceID)
		}
		return jobID, nil
	})
}

type awaitTableCopiesStep struct {
	engine.NoCompensation
	deps *Deps
}

func (s *awaitTableCopiesStep) Execute(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	moves, err := movesData(fc)
	if err != nil {
		return engine.Fatal(err)
	}
	if !moves {
		return engine.Success()
	}
	srcProject, err := engine.Get(fc.Working, sourceProjectKey)
	if err != nil {
		return engine.Fatal(err)
	}

	bq := s.deps.Clients.BigQuery
	return poller.AwaitNext(ctx, fc, tableBatchKey, func(ctx context.Context, table, jobID string) error {
		return s.deps.Poller.Wait(ctx, jobTableCopy, jobID, s.deps.Budgets.TableCopy, func(ctx context.Context) (poller.Status, error) {
			job, err := bq.GetCopyJob(ctx, srcProject, jobID)
			if err != nil {
				return poller.Status{}, err
			}
			return poller.FromJobState(job.State), nil
		})
	})
}
