package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides how often a step is attempted and how long the engine
// waits between attempts.
type RetryPolicy interface {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts() int

	// Delay returns the wait before the attempt following attempt n (1-based).
	Delay(attempt int) time.Duration
}

// FixedIntervalPolicy waits the same interval between attempts.
type FixedIntervalPolicy struct {
	Interval time.Duration
	Attempts int
}

// MaxAttempts implements RetryPolicy.
func (p FixedIntervalPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Delay implements RetryPolicy.
func (p FixedIntervalPolicy) Delay(int) time.Duration {
	return p.Interval
}

// ExponentialBackoffPolicy doubles (or multiplies by Multiplier) the wait after
// every attempt, capped at MaxDelay. Jitter is a fraction of the computed delay
// added at random, 0 disables it.
type ExponentialBackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	Attempts     int
}

// MaxAttempts implements RetryPolicy.
func (p ExponentialBackoffPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Delay implements RetryPolicy.
func (p ExponentialBackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// NoRetry allows a single attempt.
func NoRetry() RetryPolicy {
	return FixedIntervalPolicy{Attempts: 1}
}

// FixedInterval retries up to attempts times with a constant wait.
func FixedInterval(interval time.Duration, attempts int) RetryPolicy {
	return FixedIntervalPolicy{Interval: interval, Attempts: attempts}
}

// ExponentialBackoff retries up to attempts times, doubling the wait from
// initial up to maxDelay.
func ExponentialBackoff(initial, maxDelay time.Duration, attempts int) RetryPolicy {
	return ExponentialBackoffPolicy{
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
		Attempts:     attempts,
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
