package engine

import (
	"context"
	"errors"
	"time"
)

// ErrFlightNotFound is returned by a FlightStore when no flight has the requested id.
var ErrFlightNotFound = errors.New("flight not found")

// ErrFlightExists is returned by CreateFlight when the id is already taken.
var ErrFlightExists = errors.New("flight already exists")

// FlightStore persists flight checkpoints and step logs.
type FlightStore interface {
	// CreateFlight inserts a new flight. It returns ErrFlightExists if the id is taken.
	CreateFlight(ctx context.Context, f *Flight) error

	// SaveFlight replaces the stored checkpoint of an existing flight.
	SaveFlight(ctx context.Context, f *Flight) error

	// GetFlight loads a flight. It returns ErrFlightNotFound if absent.
	GetFlight(ctx context.Context, id string) (*Flight, error)

	// ListFlights returns flights matching filter, newest first.
	ListFlights(ctx context.Context, filter FlightFilter) ([]*Flight, error)

	// AppendEvent adds an entry to a flight's step log.
	AppendEvent(ctx context.Context, event *StepEvent) error

	// ListEvents returns a flight's step log in insertion order.
	ListEvents(ctx context.Context, flightID string) ([]*StepEvent, error)
}

// Observer receives engine measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	FlightStarted(workflowType string)
	FlightCompleted(workflowType string, status FlightStatus, duration time.Duration)
	StepCompleted(workflowType, step string, direction Direction, status StepStatus, duration time.Duration)
	StepRetried(workflowType, step string)
}

type noopObserver struct{}

func (noopObserver) FlightStarted(string)                                               {}
func (noopObserver) FlightCompleted(string, FlightStatus, time.Duration)                {}
func (noopObserver) StepCompleted(string, string, Direction, StepStatus, time.Duration) {}
func (noopObserver) StepRetried(string, string)                                         {}

func isFlightNotFound(err error) bool {
	return errors.Is(err, ErrFlightNotFound)
}
