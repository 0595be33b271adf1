// Package engine runs saga-style workflows for the workspace resource manager.
//
// # Overview
//
// A logical operation (create, delete, clone) is a Workflow: an ordered list
// of Steps, each with a forward action (Execute), a compensating action
// (Compensate) and its own RetryPolicy. One execution of a workflow is a
// Flight. The Engine runs the steps of a flight strictly in order and
// checkpoints the flight through a FlightStore after every step.
//
// # Outcomes
//
// A step returns one of:
//
//   - StepSuccess: move to the next step
//   - StepRetry: retry per the step's policy; exhaustion escalates to fatal
//   - StepFatal: stop and compensate every step that succeeded, newest first
//   - StepRerun: checkpoint and invoke the same step again
//
// A compensation that fails ends the flight with FlightStatusFatal. Nothing
// retries it afterwards; the flight reports that manual intervention is
// required.
//
// # Working context
//
// Steps exchange data through FlightMap, addressed by typed keys:
//
//	var destName = engine.NewKey[string]("destination_name")
//
//	if err := engine.Put(fc.Working, destName, "bucket-1"); err != nil {
//	    return engine.Fatal(err)
//	}
//	name, err := engine.Get(fc.Working, destName)
//
// # Recovery
//
// Workflows are rebuilt from their persisted type through a Registry of
// factories. Recover resumes interrupted flights from their last checkpoint,
// which may re-run the step that was in progress; steps are written to be
// idempotent for that reason.
package engine
