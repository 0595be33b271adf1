package engine

import (
	"encoding/json"
	"fmt"
)

// FlightStatus represents the overall status of a flight.
type FlightStatus string

const (
	// FlightStatusRunning indicates the flight is executing or compensating.
	FlightStatusRunning FlightStatus = "RUNNING"

	// FlightStatusSuccess indicates every step executed successfully.
	FlightStatusSuccess FlightStatus = "SUCCESS"

	// FlightStatusError indicates a step failed and every completed step was compensated.
	FlightStatusError FlightStatus = "ERROR"

	// FlightStatusFatal indicates compensation itself failed (a dismal failure).
	// Manual intervention is required.
	FlightStatusFatal FlightStatus = "FATAL"
)

// IsTerminal returns true if the flight will not make further progress.
func (s FlightStatus) IsTerminal() bool {
	return s == FlightStatusSuccess || s == FlightStatusError || s == FlightStatusFatal
}

// Validate checks if the flight status is valid.
func (s FlightStatus) Validate() error {
	switch s {
	case FlightStatusRunning, FlightStatusSuccess, FlightStatusError, FlightStatusFatal:
		return nil
	default:
		return fmt.Errorf("invalid flight status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s FlightStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *FlightStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = FlightStatus(str)
	return s.Validate()
}

// Direction tells whether a flight is moving forward or compensating.
type Direction string

const (
	// DirectionDo runs Execute on each step in order.
	DirectionDo Direction = "DO"

	// DirectionUndo runs Compensate on completed steps in reverse order.
	DirectionUndo Direction = "UNDO"
)

// EventType represents the type of event in a flight's step log.
type EventType string

const (
	EventTypeFlightStarted      EventType = "flight_started"
	EventTypeFlightCompleted    EventType = "flight_completed"
	EventTypeStepStarted        EventType = "step_started"
	EventTypeStepSucceeded      EventType = "step_succeeded"
	EventTypeStepRetry          EventType = "step_retry"
	EventTypeStepRerun          EventType = "step_rerun"
	EventTypeStepFailed         EventType = "step_failed"
	EventTypeStepCompensated    EventType = "step_compensated"
	EventTypeCompensationFailed EventType = "compensation_failed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeStepFailed, EventTypeCompensationFailed:
		return "error"
	case EventTypeStepRetry:
		return "warning"
	default:
		return "info"
	}
}
