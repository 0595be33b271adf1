package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxConcurrentFlights = 10
	defaultWaitInterval         = 250 * time.Millisecond
	tracerName                  = "github.com/openfroyo/wsm/pkg/engine"
)

// Options configures an Engine.
type Options struct {
	// MaxConcurrentFlights bounds the number of top-level flights running at once.
	MaxConcurrentFlights int

	// Logger receives flight and step logs. Use zerolog.Nop() to disable.
	Logger zerolog.Logger

	// Observer receives metrics. Nil disables them.
	Observer Observer

	// WaitInterval is how often Wait re-reads a flight that runs elsewhere.
	WaitInterval time.Duration
}

// Engine runs workflows step by step, checkpointing each flight after every
// step so an interrupted flight can be resumed from its last completed step.
// Steps of one flight run strictly sequentially; different flights run
// concurrently up to MaxConcurrentFlights.
type Engine struct {
	store        FlightStore
	registry     *Registry
	logger       zerolog.Logger
	observer     Observer
	tracer       trace.Tracer
	waitInterval time.Duration

	// slots limits concurrently running top-level flights
	slots chan struct{}

	// mu protects active
	mu sync.Mutex

	// active maps flight ids running in this process to a channel closed on exit
	active map[string]chan struct{}

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an engine backed by store that builds workflows from registry.
func New(store FlightStore, registry *Registry, opts Options) *Engine {
	if opts.MaxConcurrentFlights <= 0 {
		opts.MaxConcurrentFlights = defaultMaxConcurrentFlights
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = defaultWaitInterval
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:        store,
		registry:     registry,
		logger:       opts.Logger.With().Str("component", "engine").Logger(),
		observer:     observer,
		tracer:       otel.Tracer(tracerName),
		waitInterval: opts.WaitInterval,
		slots:        make(chan struct{}, opts.MaxConcurrentFlights),
		active:       make(map[string]chan struct{}),
		baseCtx:      baseCtx,
		cancel:       cancel,
	}
}

// Run runs a flight to a terminal status and returns its final record. If a
// flight with flightID already exists it is resumed (or returned, if terminal)
// and inputs are ignored. A cancelled ctx stops the flight at its last
// checkpoint without failing it; Recover picks it up later.
func (e *Engine) Run(ctx context.Context, flightID, workflowType string, inputs *FlightMap) (*Flight, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.slots }()

	return e.runFlight(ctx, flightID, "", workflowType, inputs)
}

// Start persists a flight and runs it in the background. Use Wait to collect
// the result.
func (e *Engine) Start(ctx context.Context, flightID, workflowType string, inputs *FlightMap) error {
	if _, err := e.loadOrCreate(ctx, flightID, "", workflowType, inputs); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		select {
		case e.slots <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		defer func() { <-e.slots }()

		if _, err := e.runFlight(e.baseCtx, flightID, "", workflowType, nil); err != nil {
			e.logger.Warn().Err(err).Str("flight_id", flightID).Msg("Flight stopped before completion")
		}
	}()

	return nil
}

// Wait blocks until the flight reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, flightID string) (*Flight, error) {
	for {
		if done := e.activeChan(flightID); done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		f, err := e.store.GetFlight(ctx, flightID)
		if err != nil {
			return nil, fmt.Errorf("failed to get flight: %w", err)
		}
		if f.Status.IsTerminal() {
			return f, nil
		}

		if err := Sleep(ctx, e.waitInterval); err != nil {
			return nil, err
		}
	}
}

// Get loads a flight record.
func (e *Engine) Get(ctx context.Context, flightID string) (*Flight, error) {
	return e.store.GetFlight(ctx, flightID)
}

// List returns the flights matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter FlightFilter) ([]*Flight, error) {
	return e.store.ListFlights(ctx, filter)
}

// Events returns the step log of a flight.
func (e *Engine) Events(ctx context.Context, flightID string) ([]*StepEvent, error) {
	return e.store.ListEvents(ctx, flightID)
}

// Recover resumes every non-terminal top-level flight that is not already
// running in this process. Sub-flights are resumed by their parent step.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	flights, err := e.store.ListFlights(ctx, FlightFilter{
		Statuses:     []FlightStatus{FlightStatusRunning},
		TopLevelOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list running flights: %w", err)
	}

	resumed := 0
	for _, f := range flights {
		if e.activeChan(f.ID) != nil {
			continue
		}
		if err := e.Start(ctx, f.ID, f.WorkflowType, nil); err != nil {
			return resumed, fmt.Errorf("failed to resume flight %s: %w", f.ID, err)
		}
		e.logger.Info().Str("flight_id", f.ID).Str("workflow", f.WorkflowType).
			Int("step_index", f.StepIndex).Str("direction", string(f.Direction)).
			Msg("Resuming flight")
		resumed++
	}
	return resumed, nil
}

// Shutdown interrupts background flights and waits for them to stop. Each
// interrupted flight keeps its last checkpoint.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runFlight makes this goroutine the only in-process runner of id, then loads
// or creates the flight and drives it to a terminal status.
func (e *Engine) runFlight(ctx context.Context, id, parentID, workflowType string, inputs *FlightMap) (*Flight, error) {
	for {
		done, acquired := e.acquire(id)
		if acquired {
			break
		}
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer e.releaseActive(id)

	f, err := e.loadOrCreate(ctx, id, parentID, workflowType, inputs)
	if err != nil {
		return nil, err
	}
	if f.Status.IsTerminal() {
		return f, nil
	}

	wf, err := e.registry.Build(f.WorkflowType, f.Inputs)
	if err != nil {
		// A flight that has not run any step can fail cleanly. Otherwise the
		// completed steps cannot be compensated without their definitions.
		if f.Direction == DirectionDo && f.StepIndex == 0 {
			f.Error = NewFlightError("build", err)
			return f, e.finish(ctx, f, FlightStatusError)
		}
		f.UndoError = NewFlightError("build", err)
		return f, e.finish(ctx, f, FlightStatusFatal)
	}

	return f, e.execute(ctx, f, wf)
}

func (e *Engine) loadOrCreate(
	ctx context.Context,
	id, parentID, workflowType string,
	inputs *FlightMap,
) (*Flight, error) {
	if id == "" {
		return nil, NewPermanentError("flight id is required", nil).WithCode(ErrCodeValidation)
	}

	f, err := e.store.GetFlight(ctx, id)
	if err == nil {
		if workflowType != "" && f.WorkflowType != workflowType {
			return nil, NewPermanentError(
				fmt.Sprintf("flight %s already exists with workflow %s", id, f.WorkflowType), nil).
				WithCode(ErrCodeAlreadyExists)
		}
		return f, nil
	}
	if !isFlightNotFound(err) {
		return nil, fmt.Errorf("failed to get flight %s: %w", id, err)
	}

	if inputs == nil {
		inputs = NewFlightMap()
	}
	now := time.Now().UTC()
	f = &Flight{
		ID:           id,
		ParentID:     parentID,
		WorkflowType: workflowType,
		Status:       FlightStatusRunning,
		Direction:    DirectionDo,
		Inputs:       inputs.Clone(),
		Working:      NewFlightMap(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.CreateFlight(ctx, f); err != nil {
		if errors.Is(err, ErrFlightExists) {
			return e.store.GetFlight(ctx, id)
		}
		return nil, fmt.Errorf("failed to create flight %s: %w", id, err)
	}

	e.appendEvent(ctx, f, -1, "", EventTypeFlightStarted, 0, "flight created")
	return f, nil
}

// execute drives a flight forward and, after a fatal step, backward through
// the steps that completed.
func (e *Engine) execute(ctx context.Context, f *Flight, wf *Workflow) error {
	ctx, span := e.tracer.Start(ctx, "flight.run", trace.WithAttributes(
		attribute.String("wsm.flight.id", f.ID),
		attribute.String("wsm.flight.workflow", f.WorkflowType),
	))
	defer span.End()

	e.observer.FlightStarted(f.WorkflowType)
	logger := e.logger.With().Str("flight_id", f.ID).Str("workflow", f.WorkflowType).Logger()
	steps := wf.Steps()

	for !f.Status.IsTerminal() {
		switch f.Direction {
		case DirectionDo:
			if f.StepIndex >= len(steps) {
				if err := e.finish(ctx, f, FlightStatusSuccess); err != nil {
					return err
				}
				continue
			}

			def := steps[f.StepIndex]
			res, err := e.runStep(ctx, f, def, DirectionDo, logger)
			if err != nil {
				return err
			}

			switch res.Status {
			case StepSuccess:
				f.StepIndex++
			case StepRerun:
			default:
				f.Error = NewFlightError(def.Name, res.Err)
				f.Direction = DirectionUndo
				f.StepIndex--
				logger.Warn().Err(res.Err).Str("step", def.Name).Msg("Step failed, compensating")
			}

		case DirectionUndo:
			if f.StepIndex < 0 {
				if err := e.finish(ctx, f, FlightStatusError); err != nil {
					return err
				}
				continue
			}

			def := steps[f.StepIndex]
			res, err := e.runStep(ctx, f, def, DirectionUndo, logger)
			if err != nil {
				return err
			}

			switch res.Status {
			case StepSuccess:
				f.StepIndex--
			case StepRerun:
			default:
				f.UndoError = NewFlightError(def.Name, res.Err)
				logger.Error().Err(res.Err).Str("step", def.Name).
					Msg("Compensation failed, manual intervention required")
				if err := e.finish(ctx, f, FlightStatusFatal); err != nil {
					return err
				}
				continue
			}

		default:
			return NewPermanentError(fmt.Sprintf("invalid flight direction %q", f.Direction), nil).
				WithCode(ErrCodeInternal)
		}

		if err := e.checkpoint(ctx, f); err != nil {
			return err
		}
	}

	if f.Status != FlightStatusSuccess {
		span.SetStatus(codes.Error, string(f.Status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

// runStep invokes one step in the given direction, retrying per its policy.
// A non-nil error means ctx ended and the flight must stop where it is.
func (e *Engine) runStep(
	ctx context.Context,
	f *Flight,
	def StepDef,
	dir Direction,
	logger zerolog.Logger,
) (StepResult, error) {
	spanName := "step.execute"
	if dir == DirectionUndo {
		spanName = "step.compensate"
	}
	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("wsm.flight.id", f.ID),
		attribute.String("wsm.step.name", def.Name),
		attribute.Int("wsm.step.index", f.StepIndex),
	))
	defer span.End()

	stepLogger := logger.With().Str("step", def.Name).Str("direction", string(dir)).Logger()
	maxAttempts := def.Retry.MaxAttempts()

	var res StepResult
	for attempt := 1; ; attempt++ {
		if attempt == 1 {
			e.appendEvent(ctx, f, f.StepIndex, def.Name, EventTypeStepStarted, attempt, "")
		}

		fc := &FlightContext{
			FlightID:     f.ID,
			ParentID:     f.ParentID,
			WorkflowType: f.WorkflowType,
			StepName:     def.Name,
			StepIndex:    f.StepIndex,
			Attempt:      attempt,
			Direction:    dir,
			Inputs:       f.Inputs,
			Working:      f.Working,
			Logger:       stepLogger,
			engine:       e,
		}

		started := time.Now()
		res = e.invoke(ctx, def, fc)
		e.observer.StepCompleted(f.WorkflowType, def.Name, dir, res.Status, time.Since(started))

		if ctx.Err() != nil && res.Status != StepSuccess && res.Status != StepRerun {
			stepLogger.Info().Msg("Step interrupted, flight stays at its last checkpoint")
			return res, ctx.Err()
		}
		if res.Status != StepRetry {
			break
		}

		if attempt >= maxAttempts {
			res = Fatal(escalate(res.Err, attempt))
			break
		}

		delay := def.Retry.Delay(attempt)
		e.observer.StepRetried(f.WorkflowType, def.Name)
		e.appendEvent(ctx, f, f.StepIndex, def.Name, EventTypeStepRetry, attempt, errorMessage(res.Err))
		stepLogger.Warn().Err(res.Err).Int("attempt", attempt).Int("max_attempts", maxAttempts).
			Dur("backoff", delay).Msg("Retrying step after failure")

		if err := Sleep(ctx, delay); err != nil {
			return res, err
		}
	}

	switch res.Status {
	case StepSuccess:
		eventType := EventTypeStepSucceeded
		if dir == DirectionUndo {
			eventType = EventTypeStepCompensated
		}
		e.appendEvent(ctx, f, f.StepIndex, def.Name, eventType, 0, "")
		span.SetStatus(codes.Ok, "")
	case StepRerun:
		e.appendEvent(ctx, f, f.StepIndex, def.Name, EventTypeStepRerun, 0, "")
	default:
		eventType := EventTypeStepFailed
		if dir == DirectionUndo {
			eventType = EventTypeCompensationFailed
		}
		e.appendEvent(ctx, f, f.StepIndex, def.Name, eventType, 0, errorMessage(res.Err))
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		span.SetStatus(codes.Error, errorMessage(res.Err))
		res.Status = StepFatal
	}

	return res, nil
}

// invoke calls the step once, bounding the attempt by the step timeout and
// turning a panic into a fatal result.
func (e *Engine) invoke(ctx context.Context, def StepDef, fc *FlightContext) (res StepResult) {
	attemptCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = Fatal(NewPermanentError(fmt.Sprintf("step panicked: %v", r), nil).
				WithCode(ErrCodeInternal).WithOperation(def.Name))
		}
	}()

	if fc.Direction == DirectionUndo {
		res = def.Step.Compensate(attemptCtx, fc)
	} else {
		res = def.Step.Execute(attemptCtx, fc)
	}

	if res.Status != StepSuccess && res.Status != StepRerun &&
		ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return Retry(NewTransientError("step attempt timed out", res.Err).
			WithCode(ErrCodeTimeout).WithOperation(def.Name))
	}
	return res
}

func escalate(err error, attempts int) error {
	out := NewPermanentError(fmt.Sprintf("retries exhausted after %d attempts", attempts), err)
	if code := CodeOf(err); code != "" {
		return out.WithCode(code)
	}
	return out.WithCode(ErrCodeDependencyFailed)
}

// checkpoint persists the flight. Writes are detached from ctx so progress
// made before a shutdown is not lost.
func (e *Engine) checkpoint(ctx context.Context, f *Flight) error {
	f.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveFlight(context.WithoutCancel(ctx), f); err != nil {
		return fmt.Errorf("failed to checkpoint flight %s: %w", f.ID, err)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, f *Flight, status FlightStatus) error {
	now := time.Now().UTC()
	f.Status = status
	f.CompletedAt = &now
	if err := e.checkpoint(ctx, f); err != nil {
		return err
	}

	e.observer.FlightCompleted(f.WorkflowType, status, now.Sub(f.CreatedAt))
	e.appendEvent(ctx, f, -1, "", EventTypeFlightCompleted, 0, string(status))

	level := zerolog.InfoLevel
	switch status {
	case FlightStatusFatal:
		level = zerolog.ErrorLevel
	case FlightStatusError:
		level = zerolog.WarnLevel
	}
	e.logger.WithLevel(level).Str("flight_id", f.ID).Str("workflow", f.WorkflowType).Str("status", string(status)).
		Msg("Flight completed")
	return nil
}

func (e *Engine) appendEvent(
	ctx context.Context,
	f *Flight,
	index int,
	step string,
	eventType EventType,
	attempt int,
	message string,
) {
	event := &StepEvent{
		FlightID:  f.ID,
		StepIndex: index,
		StepName:  step,
		Direction: f.Direction,
		Type:      eventType,
		Attempt:   attempt,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn().Err(err).Str("flight_id", f.ID).Str("event", string(eventType)).
			Msg("Failed to record step event")
	}
}

func (e *Engine) acquire(id string) (chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if done, ok := e.active[id]; ok {
		return done, false
	}
	done := make(chan struct{})
	e.active[id] = done
	return done, true
}

func (e *Engine) releaseActive(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if done, ok := e.active[id]; ok {
		close(done)
		delete(e.active, id)
	}
}

func (e *Engine) activeChan(id string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id]
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
