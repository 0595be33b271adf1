package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StepDef binds a step to its name and retry policy inside a workflow.
type StepDef struct {
	Name  string
	Step  Step
	Retry RetryPolicy

	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration
}

// Workflow is an ordered list of steps implementing one logical operation.
type Workflow struct {
	Type  string
	steps []StepDef
}

// NewWorkflow creates an empty workflow of the given type.
func NewWorkflow(workflowType string) *Workflow {
	return &Workflow{Type: workflowType}
}

// AddStep appends a step. A nil policy means a single attempt.
func (w *Workflow) AddStep(name string, step Step, retry RetryPolicy) *Workflow {
	if retry == nil {
		retry = NoRetry()
	}
	w.steps = append(w.steps, StepDef{Name: name, Step: step, Retry: retry})
	return w
}

// AddStepWithTimeout appends a step whose attempts are individually bounded.
func (w *Workflow) AddStepWithTimeout(name string, step Step, retry RetryPolicy, timeout time.Duration) *Workflow {
	w.AddStep(name, step, retry)
	w.steps[len(w.steps)-1].Timeout = timeout
	return w
}

// Steps returns the step definitions in execution order.
func (w *Workflow) Steps() []StepDef {
	out := make([]StepDef, len(w.steps))
	copy(out, w.steps)
	return out
}

// Len returns the number of steps.
func (w *Workflow) Len() int {
	return len(w.steps)
}

// StepNames returns the step names in execution order.
func (w *Workflow) StepNames() []string {
	names := make([]string, len(w.steps))
	for i, s := range w.steps {
		names[i] = s.Name
	}
	return names
}

// Factory assembles a workflow from a flight's inputs. A factory must be
// deterministic: the same inputs always yield the same step list, since the
// engine rebuilds the workflow when it resumes a flight.
type Factory func(inputs *FlightMap) (*Workflow, error)

// Registry maps workflow type identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same type twice is an error.
func (r *Registry) Register(workflowType string, factory Factory) error {
	if workflowType == "" || factory == nil {
		return NewPermanentError("workflow type and factory are required", nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[workflowType]; exists {
		return NewPermanentError(fmt.Sprintf("workflow type %q already registered", workflowType), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.factories[workflowType] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(workflowType string, factory Factory) {
	if err := r.Register(workflowType, factory); err != nil {
		panic(err)
	}
}

// Build assembles the workflow registered under workflowType.
func (r *Registry) Build(workflowType string, inputs *FlightMap) (*Workflow, error) {
	r.mu.RLock()
	factory, ok := r.factories[workflowType]
	r.mu.RUnlock()

	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown workflow type %q", workflowType), nil).
			WithCode(ErrCodeNotFound)
	}

	wf, err := factory(inputs)
	if err != nil {
		return nil, err
	}
	if wf.Len() == 0 {
		return nil, NewPermanentError(fmt.Sprintf("workflow %q has no steps", workflowType), nil).
			WithCode(ErrCodeInternal)
	}
	return wf, nil
}

// Types returns the registered workflow types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
