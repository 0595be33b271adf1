package engine

import (
	"errors"
	"time"
)

// Flight is the persisted record of one workflow execution.
type Flight struct {
	// ID is the unique flight identifier. Callers choose it so that a retried
	// request maps onto the same flight.
	ID string `json:"id"`

	// ParentID is set for sub-flights started from inside a step.
	ParentID string `json:"parent_id,omitempty"`

	// WorkflowType selects the factory used to rebuild the step list.
	WorkflowType string `json:"workflow_type"`

	Status    FlightStatus `json:"status"`
	Direction Direction    `json:"direction"`

	// StepIndex is the next step to execute (DO) or to compensate (UNDO).
	// In the DO direction every step before StepIndex has succeeded.
	StepIndex int `json:"step_index"`

	Inputs  *FlightMap `json:"inputs"`
	Working *FlightMap `json:"working"`

	// Error is the failure that stopped the forward direction.
	Error *FlightError `json:"error,omitempty"`

	// UndoError is the compensation failure of a dismal flight.
	UndoError *FlightError `json:"undo_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ManualInterventionRequired reports whether automated recovery gave up.
func (f *Flight) ManualInterventionRequired() bool {
	return f.Status == FlightStatusFatal
}

// Err returns the error that best describes a failed flight, or nil.
func (f *Flight) Err() error {
	switch {
	case f.Status == FlightStatusFatal && f.UndoError != nil:
		err := NewDismalError("compensation failed, manual intervention required", f.UndoError.AsError())
		if f.Error != nil {
			err.WithDetail("cause", f.Error.Message)
		}
		return err.WithOperation(f.UndoError.Step)
	case f.Error != nil:
		return f.Error.AsError()
	default:
		return nil
	}
}

// FlightError is the persisted form of a step failure.
type FlightError struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`
	Step    string     `json:"step,omitempty"`
}

// NewFlightError captures err as raised by step.
func NewFlightError(step string, err error) *FlightError {
	if err == nil {
		err = errors.New("step failed without an error")
	}
	return &FlightError{
		Class:   ClassOf(err),
		Code:    CodeOf(err),
		Message: err.Error(),
		Step:    step,
	}
}

// AsError rebuilds a classified error from the persisted form.
func (e *FlightError) AsError() *EngineError {
	return &EngineError{
		Class:     e.Class,
		Code:      e.Code,
		Message:   e.Message,
		Operation: e.Step,
	}
}

// StepEvent is one entry of a flight's step log.
type StepEvent struct {
	ID        int64     `json:"id"`
	FlightID  string    `json:"flight_id"`
	StepIndex int       `json:"step_index"`
	StepName  string    `json:"step_name,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Type      EventType `json:"type"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FlightFilter narrows ListFlights.
type FlightFilter struct {
	Statuses     []FlightStatus
	WorkflowType string
	TopLevelOnly bool
	Limit        int
}
