package poller

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
)

var testBatchKey = engine.NewKey[Batch]("test_batch")

func batchContext(t *testing.T, items ...string) *engine.FlightContext {
	t.Helper()
	fc := &engine.FlightContext{
		FlightID: "flight-1",
		Working:  engine.NewFlightMap(),
		Logger:   zerolog.Nop(),
	}
	require.NoError(t, engine.Put(fc.Working, testBatchKey, NewBatch(items)))
	return fc
}

func TestSubmitNext_OneItemPerInvocation(t *testing.T) {
	fc := batchContext(t, "a", "b", "c")
	var submitted []string
	submit := func(_ context.Context, item string) (string, error) {
		submitted = append(submitted, item)
		return "job-" + item, nil
	}

	assert.Equal(t, engine.StepRerun, SubmitNext(context.Background(), fc, testBatchKey, submit).Status)
	assert.Equal(t, engine.StepRerun, SubmitNext(context.Background(), fc, testBatchKey, submit).Status)
	assert.Equal(t, engine.StepSuccess, SubmitNext(context.Background(), fc, testBatchKey, submit).Status)
	assert.Equal(t, engine.StepSuccess, SubmitNext(context.Background(), fc, testBatchKey, submit).Status)

	assert.Equal(t, []string{"a", "b", "c"}, submitted)
	batch, err := engine.Get(fc.Working, testBatchKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "job-a", "b": "job-b", "c": "job-c"}, batch.Jobs)
}

func TestSubmitNext_ResumesAfterRecordedItems(t *testing.T) {
	fc := batchContext(t, "a", "b")
	batch, err := engine.Get(fc.Working, testBatchKey)
	require.NoError(t, err)
	batch.Record("a", "job-a")
	require.NoError(t, engine.Put(fc.Working, testBatchKey, batch))

	var submitted []string
	res := SubmitNext(context.Background(), fc, testBatchKey, func(_ context.Context, item string) (string, error) {
		submitted = append(submitted, item)
		return "job-" + item, nil
	})
	assert.Equal(t, engine.StepSuccess, res.Status)
	assert.Equal(t, []string{"b"}, submitted)
}

func TestSubmitNext_ClassifiesFailures(t *testing.T) {
	fc := batchContext(t, "a")

	res := SubmitNext(context.Background(), fc, testBatchKey, func(context.Context, string) (string, error) {
		return "", cloud.Classify("submit", cloud.NewAPIError(http.StatusServiceUnavailable, "busy"))
	})
	assert.Equal(t, engine.StepRetry, res.Status)

	res = SubmitNext(context.Background(), fc, testBatchKey, func(context.Context, string) (string, error) {
		return "", cloud.Classify("submit", cloud.NewAPIError(http.StatusBadRequest, "bad"))
	})
	assert.Equal(t, engine.StepFatal, res.Status)
}

func TestSubmitNext_EmptyBatch(t *testing.T) {
	fc := batchContext(t)
	res := SubmitNext(context.Background(), fc, testBatchKey, func(context.Context, string) (string, error) {
		t.Fatal("submit called for an empty batch")
		return "", nil
	})
	assert.Equal(t, engine.StepSuccess, res.Status)
}

func TestSubmitNext_MissingBatchIsFatal(t *testing.T) {
	fc := &engine.FlightContext{Working: engine.NewFlightMap(), Logger: zerolog.Nop()}
	res := SubmitNext(context.Background(), fc, testBatchKey, nil)
	assert.Equal(t, engine.StepFatal, res.Status)
	assert.Equal(t, engine.ErrCodeInternal, engine.CodeOf(res.Err))
}

func TestAwaitNext(t *testing.T) {
	fc := batchContext(t, "a", "b")
	batch, err := engine.Get(fc.Working, testBatchKey)
	require.NoError(t, err)
	batch.Record("a", "job-a")
	batch.Record("b", "job-b")
	require.NoError(t, engine.Put(fc.Working, testBatchKey, batch))

	var waited []string
	wait := func(_ context.Context, item, jobID string) error {
		waited = append(waited, fmt.Sprintf("%s=%s", item, jobID))
		return nil
	}

	assert.Equal(t, engine.StepRerun, AwaitNext(context.Background(), fc, testBatchKey, wait).Status)
	assert.Equal(t, engine.StepSuccess, AwaitNext(context.Background(), fc, testBatchKey, wait).Status)
	assert.Equal(t, engine.StepSuccess, AwaitNext(context.Background(), fc, testBatchKey, wait).Status)
	assert.Equal(t, []string{"a=job-a", "b=job-b"}, waited)
}

func TestAwaitNext_JobFailureIsFatal(t *testing.T) {
	fc := batchContext(t, "a")
	batch, err := engine.Get(fc.Working, testBatchKey)
	require.NoError(t, err)
	batch.Record("a", "job-a")
	require.NoError(t, engine.Put(fc.Working, testBatchKey, batch))

	res := AwaitNext(context.Background(), fc, testBatchKey, func(context.Context, string, string) error {
		return engine.NewPermanentError("copy failed", nil).WithCode(engine.ErrCodeJobFailed)
	})
	assert.Equal(t, engine.StepFatal, res.Status)

	batch, err = engine.Get(fc.Working, testBatchKey)
	require.NoError(t, err)
	assert.False(t, batch.Completed["a"])
}
