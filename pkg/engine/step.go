package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// StepStatus is the outcome of a single step invocation.
type StepStatus string

const (
	// StepSuccess means the action completed and the flight may move on.
	StepSuccess StepStatus = "success"

	// StepRetry means the action failed transiently and may be retried
	// according to the step's retry policy.
	StepRetry StepStatus = "retry"

	// StepFatal means the action failed and must not be retried.
	// In the forward direction this starts compensation.
	StepFatal StepStatus = "fatal"

	// StepRerun asks the engine to checkpoint the working map and invoke the
	// same action again. Used by steps that make progress one item at a time.
	StepRerun StepStatus = "rerun"
)

// StepResult carries a step outcome and the error behind it, if any.
type StepResult struct {
	Status StepStatus
	Err    error
}

// Success returns a successful result.
func Success() StepResult {
	return StepResult{Status: StepSuccess}
}

// Rerun returns a result asking for the step to be invoked again.
func Rerun() StepResult {
	return StepResult{Status: StepRerun}
}

// Retry returns a retryable failure.
func Retry(err error) StepResult {
	return StepResult{Status: StepRetry, Err: err}
}

// Fatal returns a non-retryable failure.
func Fatal(err error) StepResult {
	return StepResult{Status: StepFatal, Err: err}
}

// ResultFromError classifies err into a step result. A nil error is success,
// retryable and cancellation errors are retries, everything else is fatal.
func ResultFromError(err error) StepResult {
	switch {
	case err == nil:
		return Success()
	case IsRetryable(err), IsCancellation(err):
		return Retry(err)
	default:
		return Fatal(err)
	}
}

// Step is the smallest unit of orchestration. Both actions must be idempotent:
// Execute may run again after a crash and must detect work that is already
// done, and Compensate may run more than once or after a partial attempt.
type Step interface {
	Execute(ctx context.Context, fc *FlightContext) StepResult
	Compensate(ctx context.Context, fc *FlightContext) StepResult
}

// NoCompensation can be embedded by steps whose forward action has nothing to undo.
type NoCompensation struct{}

// Compensate implements Step.
func (NoCompensation) Compensate(context.Context, *FlightContext) StepResult {
	return Success()
}

// FlightContext is handed to every step invocation.
type FlightContext struct {
	FlightID     string
	ParentID     string
	WorkflowType string
	StepName     string
	StepIndex    int
	Attempt      int
	Direction    Direction

	// Inputs holds the immutable parameters the flight was started with.
	Inputs *FlightMap

	// Working holds values passed from one step to the next.
	Working *FlightMap

	Logger zerolog.Logger

	engine *Engine
}

// RunSubflight runs a child flight to completion from inside a step. The child
// id is derived from this flight's id and suffix, so a re-executed step finds
// and resumes the same child instead of starting a second one.
func (fc *FlightContext) RunSubflight(
	ctx context.Context,
	suffix, workflowType string,
	inputs *FlightMap,
) (*Flight, error) {
	if fc.engine == nil {
		return nil, NewPermanentError("flight context is not bound to an engine", nil).
			WithCode(ErrCodeInternal)
	}
	return fc.engine.runFlight(ctx, SubflightID(fc.FlightID, suffix), fc.FlightID, workflowType, inputs)
}

// LookupSubflight loads a child flight previously started with RunSubflight.
// It returns nil when the child was never created.
func (fc *FlightContext) LookupSubflight(ctx context.Context, suffix string) (*Flight, error) {
	if fc.engine == nil {
		return nil, NewPermanentError("flight context is not bound to an engine", nil).
			WithCode(ErrCodeInternal)
	}
	f, err := fc.engine.store.GetFlight(ctx, SubflightID(fc.FlightID, suffix))
	if err != nil {
		if isFlightNotFound(err) {
			return nil, nil
		}
		return nil, NewTransientError("failed to load sub-flight", err)
	}
	return f, nil
}

// SubflightID derives the id of a child flight.
func SubflightID(parentID, suffix string) string {
	return parentID + "." + suffix
}
