// Package retry provides asynchronous retry with exponential backoff and
// jitter. Callers classify which errors are worth retrying; everything else
// propagates immediately.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// jitterFloor is the minimum delay after jitter is applied. Prevents
// effectively-zero sleeps when the base delay is small.
const jitterFloor = 10 * time.Millisecond

// Classifier reports whether an error should be retried.
// A nil Classifier retries every error.
type Classifier func(error) bool

// Policy controls attempt count and backoff shape.
type Policy struct {
	// MaxAttempts is the total number of attempts (first call included).
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `yaml:"base_delay"`

	// Multiplier grows the delay per attempt: delay(k) = BaseDelay * Multiplier^(k-1).
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter enables symmetric ±50% randomization of each delay.
	Jitter bool `yaml:"jitter"`
}

// DefaultPolicy returns the built-in retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Delay returns the backoff delay before attempt k (1-indexed; attempt 1 has
// no delay). The sequence without jitter is non-decreasing and bounded by
// MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if p.Jitter {
		// Symmetric ±50%, clamped to a small floor.
		delay = delay/2 + time.Duration(rand.Int64N(int64(delay)+1))
		if delay < jitterFloor {
			delay = jitterFloor
		}
	}
	return delay
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts (%s): %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// Stats holds cumulative retry counters. All fields are updated atomically.
type Stats struct {
	TotalAttempts  atomic.Int64
	Successes      atomic.Int64
	Failures       atomic.Int64
	TotalRetryTime atomic.Int64 // nanoseconds spent sleeping between attempts
}

// Snapshot returns a plain-value copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalAttempts:  s.TotalAttempts.Load(),
		Successes:      s.Successes.Load(),
		Failures:       s.Failures.Load(),
		TotalRetryTime: time.Duration(s.TotalRetryTime.Load()),
	}
}

// StatsSnapshot is a point-in-time view of Stats.
type StatsSnapshot struct {
	TotalAttempts  int64         `json:"total_attempts"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	TotalRetryTime time.Duration `json:"total_retry_time"`
}

// Retrier wraps operations with a shared policy and cumulative counters.
type Retrier struct {
	policy   Policy
	classify Classifier
	stats    Stats
}

// New creates a Retrier. classify may be nil (retry all errors).
func New(policy Policy, classify Classifier) *Retrier {
	return &Retrier{policy: policy, classify: classify}
}

// Stats returns a snapshot of the retrier's counters.
func (r *Retrier) Stats() StatsSnapshot { return r.stats.Snapshot() }

// Do runs op under the retrier's policy.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return do(ctx, r.policy, r.classify, &r.stats, op)
}

// Do runs op with per-call policy and classifier, without shared counters.
// This is the imperative entry point for one-off call sites.
func Do(ctx context.Context, policy Policy, classify Classifier, op func(ctx context.Context) error) error {
	return do(ctx, policy, classify, nil, op)
}

func do(ctx context.Context, policy Policy, classify Classifier, stats *Stats, op func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			if stats != nil {
				stats.TotalRetryTime.Add(int64(delay))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if stats != nil {
			stats.TotalAttempts.Add(1)
		}
		err := op(ctx)
		if err == nil {
			if stats != nil {
				stats.Successes.Add(1)
			}
			return nil
		}
		lastErr = err

		if classify != nil && !classify(err) {
			// Non-retryable: propagate untouched.
			if stats != nil {
				stats.Failures.Add(1)
			}
			return err
		}
		if ctx.Err() != nil {
			if stats != nil {
				stats.Failures.Add(1)
			}
			return ctx.Err()
		}
	}

	if stats != nil {
		stats.Failures.Add(1)
	}
	return &ExhaustedError{
		Attempts: policy.MaxAttempts,
		Elapsed:  time.Since(start),
		Cause:    lastErr,
	}
}
