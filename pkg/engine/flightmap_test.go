package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type copyJob struct {
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

func TestFlightMap_TypedKeys(t *testing.T) {
	m := NewFlightMap()
	jobs := NewKey[map[string]string]("jobs")
	job := NewKey[copyJob]("job")

	_, ok, err := Lookup(m, jobs)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Get(m, job)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	require.NoError(t, Put(m, jobs, map[string]string{"t1": "job-1"}))
	require.NoError(t, Put(m, job, copyJob{Name: "transferJobs/wsm-1"}))

	got, err := Get(m, jobs)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got["t1"])
	assert.Equal(t, []string{"job", "jobs"}, m.Keys())

	// Reading a key with a different type than it was written with fails loudly.
	wrong := NewKey[int]("job")
	_, err = Get(m, wrong)
	require.Error(t, err)
}

func TestFlightMap_SurvivesCheckpoint(t *testing.T) {
	m := NewFlightMap()
	job := NewKey[copyJob]("job")
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, Put(m, job, copyJob{Name: "transferJobs/wsm-1", Started: started}))

	data, err := json.Marshal(m)
	require.NoError(t, err)

	restored := NewFlightMap()
	require.NoError(t, json.Unmarshal(data, restored))

	got, err := Get(restored, job)
	require.NoError(t, err)
	assert.Equal(t, "transferJobs/wsm-1", got.Name)
	assert.True(t, started.Equal(got.Started))
}

func TestFlightMap_CloneIsIndependent(t *testing.T) {
	m := NewFlightMap()
	k := NewKey[string]("name")
	require.NoError(t, Put(m, k, "a"))

	c := m.Clone()
	require.NoError(t, Put(c, k, "b"))
	c.Delete("other")

	v, err := Get(m, k)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.True(t, c.Has("name"))
}

func TestExponentialBackoffPolicy_Delay(t *testing.T) {
	p := ExponentialBackoff(time.Second, time.Minute, 25)

	assert.Equal(t, 25, p.MaxAttempts())
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 32*time.Second, p.Delay(6))
	assert.Equal(t, time.Minute, p.Delay(7))
	assert.Equal(t, time.Minute, p.Delay(200))
}

func TestRetryPolicies_Defaults(t *testing.T) {
	assert.Equal(t, 1, NoRetry().MaxAttempts())
	assert.Equal(t, 1, FixedIntervalPolicy{}.MaxAttempts())

	fixed := FixedInterval(10*time.Second, 24)
	assert.Equal(t, 24, fixed.MaxAttempts())
	assert.Equal(t, 10*time.Second, fixed.Delay(5))
}

func TestResultFromError(t *testing.T) {
	assert.Equal(t, StepSuccess, ResultFromError(nil).Status)
	assert.Equal(t, StepRetry, ResultFromError(NewTransientError("io", nil)).Status)
	assert.Equal(t, StepRetry, ResultFromError(NewThrottledError("429", nil)).Status)
	assert.Equal(t, StepFatal, ResultFromError(NewConflictError("owned", nil)).Status)
	assert.Equal(t, StepFatal, ResultFromError(NewPermanentError("bad", nil)).Status)
	assert.Equal(t, StepFatal, ResultFromError(assert.AnError).Status)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func(*FlightMap) (*Workflow, error) {
		return NewWorkflow("x").AddStep("a", &testStep{name: "a", rec: &recorder{}}, nil), nil
	}

	require.NoError(t, r.Register("x", factory))
	require.Error(t, r.Register("x", factory))
	require.Error(t, r.Register("", factory))

	wf, err := r.Build("x", NewFlightMap())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, wf.StepNames())
	assert.Equal(t, 1, wf.Steps()[0].Retry.MaxAttempts())

	_, err = r.Build("y", NewFlightMap())
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, CodeOf(err))
	assert.Equal(t, []string{"x"}, r.Types())
}
