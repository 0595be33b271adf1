package poller

import (
	"context"

	"github.com/openfroyo/wsm/pkg/engine"
)

// Batch tracks one job per item across step re-entries. It lives in the
// flight's working map so that a resumed step continues with the first item
// that has no job instead of starting over.
type Batch struct {
	// Items is the ordered work list, fixed when the batch is created.
	Items []string `json:"items"`

	// Jobs maps an item to the id of the job submitted for it.
	Jobs map[string]string `json:"jobs"`

	// Completed marks items whose job finished successfully.
	Completed map[string]bool `json:"completed,omitempty"`
}

// NewBatch creates a batch over items.
func NewBatch(items []string) Batch {
	return Batch{
		Items:     append([]string(nil), items...),
		Jobs:      make(map[string]string, len(items)),
		Completed: make(map[string]bool, len(items)),
	}
}

// NextUnsubmitted returns the first item without a job.
func (b *Batch) NextUnsubmitted() (string, bool) {
	for _, item := range b.Items {
		if _, ok := b.Jobs[item]; !ok {
			return item, true
		}
	}
	return "", false
}

// NextIncomplete returns the first submitted item whose job is not known to
// have completed.
func (b *Batch) NextIncomplete() (string, bool) {
	for _, item := range b.Items {
		if _, ok := b.Jobs[item]; ok && !b.Completed[item] {
			return item, true
		}
	}
	return "", false
}

// Record stores the job id submitted for item.
func (b *Batch) Record(item, jobID string) {
	if b.Jobs == nil {
		b.Jobs = make(map[string]string)
	}
	b.Jobs[item] = jobID
}

// Complete marks item as finished.
func (b *Batch) Complete(item string) {
	if b.Completed == nil {
		b.Completed = make(map[string]bool)
	}
	b.Completed[item] = true
}

// SubmitNext submits the job of the next unsubmitted item and records it in
// the working map under key. It returns Rerun while items remain and Success
// once every item has a job, so each submission is checkpointed before the
// next one starts. submit must be idempotent for an item: it is invoked again
// if the flight stopped between submitting and checkpointing.
func SubmitNext(
	ctx context.Context,
	fc *engine.FlightContext,
	key engine.Key[Batch],
	submit func(ctx context.Context, item string) (string, error),
) engine.StepResult {
	batch, err := engine.Get(fc.Working, key)
	if err != nil {
		return engine.Fatal(err)
	}

	item, ok := batch.NextUnsubmitted()
	if !ok {
		return engine.Success()
	}

	jobID, err := submit(ctx, item)
	if err != nil {
		return engine.ResultFromError(err)
	}
	batch.Record(item, jobID)
	if err := engine.Put(fc.Working, key, batch); err != nil {
		return engine.Fatal(err)
	}

	fc.Logger.Debug().Str("item", item).Str("job", jobID).
		Int("submitted", len(batch.Jobs)).Int("total", len(batch.Items)).
		Msg("Submitted batch job")

	if _, more := batch.NextUnsubmitted(); more {
		return engine.Rerun()
	}
	return engine.Success()
}

// AwaitNext waits for the next incomplete job with wait and records its
// completion, returning Rerun until every job is complete.
func AwaitNext(
	ctx context.Context,
	fc *engine.FlightContext,
	key engine.Key[Batch],
	wait func(ctx context.Context, item, jobID string) error,
) engine.StepResult {
	batch, err := engine.Get(fc.Working, key)
	if err != nil {
		return engine.Fatal(err)
	}

	item, ok := batch.NextIncomplete()
	if !ok {
		return engine.Success()
	}

	if err := wait(ctx, item, batch.Jobs[item]); err != nil {
		return engine.ResultFromError(err)
	}
	batch.Complete(item)
	if err := engine.Put(fc.Working, key, batch); err != nil {
		return engine.Fatal(err)
	}

	if _, more := batch.NextIncomplete(); more {
		return engine.Rerun()
	}
	return engine.Success()
}
