// Package poller drives long-running cloud jobs from inside workflow steps.
//
// A job step submits its job under a name derived from the flight id, so a
// re-executed step finds the job it already submitted instead of starting a
// second one, and then polls it until it is done, fails, or the poll budget
// runs out. A job that reports an error is a JOB_FAILED failure; a job that
// is still running when the budget is spent is a POLL_TIMEOUT failure. Both
// are permanent: the step fails and the flight compensates.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/engine"
)

const tracerName = "github.com/openfroyo/wsm/pkg/poller"

// Poll outcomes reported to the Observer.
const (
	OutcomePending = "pending"
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Policy bounds how long and how often a job is polled.
type Policy struct {
	// Interval is the wait after the first poll.
	Interval time.Duration

	// MaxInterval caps the wait. When it is greater than Interval the wait
	// doubles after every poll until it reaches MaxInterval.
	MaxInterval time.Duration

	// MaxAttempts is the number of polls. Zero means no attempt limit.
	MaxAttempts int

	// Budget is the wall-clock limit measured from the first poll. Zero means
	// no time limit.
	Budget time.Duration
}

// Fixed polls every interval, at most attempts times.
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{Interval: interval, MaxAttempts: attempts}
}

// CappedDoubling polls after initial, doubling the wait up to maxInterval, at
// most attempts times.
func CappedDoubling(initial, maxInterval time.Duration, attempts int) Policy {
	return Policy{Interval: initial, MaxInterval: maxInterval, MaxAttempts: attempts}
}

// WithBudget returns a copy of p limited to budget of wall-clock time.
func (p Policy) WithBudget(budget time.Duration) Policy {
	p.Budget = budget
	return p
}

// Delay returns the wait after poll number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.MaxInterval <= p.Interval {
		return p.Interval
	}
	delay := p.Interval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxInterval || delay <= 0 {
			return p.MaxInterval
		}
	}
	return delay
}

// Validate rejects a policy that could poll forever.
func (p Policy) Validate() error {
	if p.Interval < 0 || p.MaxInterval < 0 || p.Budget < 0 || p.MaxAttempts < 0 {
		return fmt.Errorf("poll policy values must not be negative")
	}
	if p.MaxAttempts == 0 && p.Budget == 0 {
		return fmt.Errorf("poll policy needs an attempt limit or a time budget")
	}
	return nil
}

// Status is what a single poll observed.
type Status struct {
	Done bool

	// Error is the upstream failure message of a finished job.
	Error string
}

// FromJobState converts a cloud job state.
func FromJobState(s cloud.JobState) Status {
	return Status{Done: s.Done, Error: s.ErrorMessage}
}

// CheckFunc reads the current status of a job.
type CheckFunc func(ctx context.Context) (Status, error)

// Observer receives one call per poll.
type Observer interface {
	PollAttempt(kind, outcome string)
}

type noopObserver struct{}

func (noopObserver) PollAttempt(string, string) {}

// Option configures a Poller.
type Option func(*Poller)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Poller) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithClock overrides the time source and the sleep between polls.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// Poller waits for long-running jobs.
type Poller struct {
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New creates a Poller.
func New(logger zerolog.Logger, opts ...Option) *Poller {
	p := &Poller{
		logger:   logger.With().Str("component", "poller").Logger(),
		observer: noopObserver{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		sleep:    engine.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait polls check until the job is done or the policy is exhausted. kind
// labels the job type in logs and metrics, name identifies the job.
//
// A transient error from check consumes an attempt and polling continues; a
// permanent one is returned as is. A cancelled ctx returns ctx.Err() so the
// step can be resumed later.
func (p *Poller) Wait(ctx context.Context, kind, name string, policy Policy, check CheckFunc) error {
	if err := policy.Validate(); err != nil {
		return engine.NewPermanentError("invalid poll policy", err).
			WithCode(engine.ErrCodeValidation).WithOperation(kind)
	}

	ctx, span := p.tracer.Start(ctx, "poll.wait", trace.WithAttributes(
		attribute.String("wsm.job.kind", kind),
		attribute.String("wsm.job.name", name),
	))
	defer span.End()

	logger := p.logger.With().Str("job_kind", kind).Str("job", name).Logger()
	started := p.now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		status, err := check(ctx)
		switch {
		case err != nil && engine.IsCancellation(err) && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			classified := cloud.Classify("poll "+kind, err)
			if !engine.IsRetryable(classified) {
				p.observer.PollAttempt(kind, OutcomeError)
				span.RecordError(classified)
				span.SetStatus(codes.Error, "poll failed")
				return classified
			}
			lastErr = classified
			p.observer.PollAttempt(kind, OutcomeError)
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Job poll failed, will poll again")
		case status.Done && status.Error != "":
			p.observer.PollAttempt(kind, OutcomeFailed)
			span.SetStatus(codes.Error, status.Error)
			logger.Warn().Str("job_error", status.Error).Int("attempt", attempt).Msg("Job failed")
			return engine.NewPermanentError(fmt.Sprintf("%s job %s failed: %s", kind, name, status.Error), nil).
				WithCode(engine.ErrCodeJobFailed).
				WithOperation(kind).
				WithDetail("job", name)
		case status.Done:
			p.observer.PollAttempt(kind, OutcomeDone)
			span.SetAttributes(attribute.Int("wsm.poll.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			logger.Debug().Int("attempt", attempt).Dur("elapsed", p.now().Sub(started)).Msg("Job completed")
			return nil
		default:
			p.observer.PollAttempt(kind, OutcomePending)
			lastErr = nil
		}

		delay := policy.Delay(attempt)
		if p.exhausted(policy, attempt, started, delay) {
			p.observer.PollAttempt(kind, OutcomeTimeout)
			span.SetStatus(codes.Error, "poll budget exhausted")
			logger.Warn().Int("attempts", attempt).Dur("elapsed", p.now().Sub(started)).
				Msg("Job did not complete within the poll budget")
			return engine.NewPermanentError(
				fmt.Sprintf("%s job %s did not complete after %d polls", kind, name, attempt), lastErr).
				WithCode(engine.ErrCodePollTimeout).
				WithOperation(kind).
				WithDetail("job", name)
		}

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p *Poller) exhausted(policy Policy, attempt int, started time.Time, delay time.Duration) bool {
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		return true
	}
	return policy.Budget > 0 && p.now().Add(delay).Sub(started) > policy.Budget
}

// SubmitIfAbsent submits a job unless lookup finds it already. lookup returns
// an error matching cloud.IsNotFound when the job does not exist. A submit
// that races with another submitter and reports already-exists counts as
// found. It returns true when this call submitted the job.
func SubmitIfAbsent(
	ctx context.Context,
	lookup func(ctx context.Context) error,
	submit func(ctx context.Context) error,
) (bool, error) {
	err := lookup(ctx)
	switch {
	case err == nil:
		return false, nil
	case !cloud.IsNotFound(err):
		return false, cloud.Classify("look up job", err)
	}

	if err := submit(ctx); err != nil {
		if cloud.IsAlreadyExists(err) {
			return false, nil
		}
		return false, cloud.Classify("submit job", err)
	}
	return true, nil
}

// IsTimeout reports whether err is an exhausted poll budget.
func IsTimeout(err error) bool {
	return engine.CodeOf(err) == engine.ErrCodePollTimeout
}

// IsJobFailed reports whether err is a job that finished with an error.
func IsJobFailed(err error) bool {
	return engine.CodeOf(err) == engine.ErrCodeJobFailed
}
