// Package breaker implements a per-dependency circuit breaker with a growing
// open timeout and a process-scoped registry.
//
// Unlike fixed-timeout breakers, the open timeout grows geometrically on every
// OPEN transition (capped at MaxTimeout) and resets to the base only when the
// circuit closes again. This punishes flapping dependencies progressively.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

// Circuit breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls breaker thresholds and timeout growth.
type Config struct {
	// FailureThreshold is the number of consecutive classified failures in
	// CLOSED state that trips the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is the number of consecutive probe successes in
	// HALF_OPEN state required to close the circuit.
	SuccessThreshold int `yaml:"success_threshold"`

	// BaseTimeout is the initial OPEN duration.
	BaseTimeout time.Duration `yaml:"base_timeout"`

	// TimeoutMultiplier grows the timeout on every OPEN transition.
	TimeoutMultiplier float64 `yaml:"timeout_multiplier"`

	// MaxTimeout caps timeout growth.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// Classify reports whether an error counts as a breaker failure.
	// Nil counts every error. Non-matching errors propagate without
	// affecting breaker state.
	Classify func(error) bool `yaml:"-"`
}

// DefaultConfig returns the built-in breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		BaseTimeout:       60 * time.Second,
		TimeoutMultiplier: 2.0,
		MaxTimeout:        10 * time.Minute,
	}
}

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	TotalCalls      int64         `json:"total_calls"`
	RejectedCalls   int64         `json:"rejected_calls"`
	CurrentTimeout  time.Duration `json:"current_timeout"`
	OpenedAt        time.Time     `json:"opened_at,omitzero"`
	LastStateChange time.Time     `json:"last_state_change"`
}

// Breaker is a circuit breaker for a single named dependency.
// All methods are safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	openedAt        time.Time
	currentTimeout  time.Duration
	totalCalls      int64
	rejectedCalls   int64
	lastStateChange time.Time

	now func() time.Time // injectable clock for tests
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultConfig().BaseTimeout
	}
	if cfg.TimeoutMultiplier < 1 {
		cfg.TimeoutMultiplier = DefaultConfig().TimeoutMultiplier
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig().MaxTimeout
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		currentTimeout:  cfg.BaseTimeout,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN → HALF_OPEN timeout
// transition if it is due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow reports whether a call may proceed right now. When it returns an
// *OpenError the caller must not invoke the dependency.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == StateOpen {
		b.rejectedCalls++
		retryAfter := b.currentTimeout - b.now().Sub(b.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &OpenError{Name: b.name, RetryAfter: retryAfter}
	}
	return nil
}

// Execute runs op through the breaker. Calls rejected while OPEN return
// *OpenError without invoking op. Errors not matched by the classifier
// propagate without affecting state.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	b.mu.Lock()
	b.totalCalls++
	b.mu.Unlock()

	err := op(ctx)
	if err == nil {
		b.recordSuccess()
		return nil
	}
	if b.cfg.Classify == nil || b.cfg.Classify(err) {
		b.recordFailure()
	}
	return err
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.currentTimeout = b.cfg.BaseTimeout
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	case StateHalfOpen:
		b.tripLocked()
	}
}

// tripLocked moves to OPEN and grows the timeout. Caller holds b.mu.
func (b *Breaker) tripLocked() {
	wasOpen := b.state == StateOpen || b.state == StateHalfOpen
	b.transitionLocked(StateOpen)
	b.openedAt = b.now()
	if wasOpen {
		grown := time.Duration(float64(b.currentTimeout) * b.cfg.TimeoutMultiplier)
		if grown > b.cfg.MaxTimeout {
			grown = b.cfg.MaxTimeout
		}
		b.currentTimeout = grown
	}
}

// maybeHalfOpenLocked applies the OPEN timeout expiry. Caller holds b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.currentTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

// transitionLocked changes state and resets per-state counters. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = b.now()
}

// Reset returns the breaker to a pristine CLOSED state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.currentTimeout = b.cfg.BaseTimeout
	b.openedAt = time.Time{}
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Stats{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalCalls:      b.totalCalls,
		RejectedCalls:   b.rejectedCalls,
		CurrentTimeout:  b.currentTimeout,
		OpenedAt:        b.openedAt,
		LastStateChange: b.lastStateChange,
	}
}
