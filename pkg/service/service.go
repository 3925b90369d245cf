// Package service provides the shared runtime every worker service embeds:
// lifecycle state, managed runners, named circuit breakers and a worst-of
// health rollup.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/innerloop-ai/innerloop/pkg/breaker"
)

// State is the service lifecycle state.
type State string

// Lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// HealthLevel orders health outcomes from best to worst.
type HealthLevel int

const (
	Healthy HealthLevel = iota
	Degraded
	Unhealthy
)

func (h HealthLevel) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthReport is one named check's outcome.
type HealthReport struct {
	Level  HealthLevel `json:"-"`
	Status string      `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) HealthReport

// Runner is a managed background component. Start must not block; Stop must
// be idempotent and wait for in-flight work.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
}

// RunnerFunc adapts start/stop closures into a Runner.
type RunnerFunc struct {
	StartFn func(ctx context.Context) error
	StopFn  func()
}

func (r RunnerFunc) Start(ctx context.Context) error {
	if r.StartFn == nil {
		return nil
	}
	return r.StartFn(ctx)
}

func (r RunnerFunc) Stop() {
	if r.StopFn != nil {
		r.StopFn()
	}
}

type namedRunner struct {
	name   string
	runner Runner
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// ErrAlreadyStarted is returned when Start is called on a non-stopped
// service.
var ErrAlreadyStarted = errors.New("service already started")

// Base is the embeddable service runtime. Register runners and checks before
// Start; registration is not safe concurrently with Start or Stop.
type Base struct {
	name     string
	logger   *slog.Logger
	breakers *breaker.Registry

	runners []namedRunner
	checks  []namedCheck

	mu    sync.Mutex
	state State
}

// New creates a service runtime. breakerDefaults configures every breaker
// obtained through Breaker.
func New(name string, breakerDefaults breaker.Config, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:     name,
		logger:   logger.With("service", name),
		breakers: breaker.NewRegistry(breakerDefaults),
		state:    StateStopped,
	}
}

// Name returns the service name.
func (b *Base) Name() string { return b.name }

// Logger returns the service-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Breaker returns the named circuit breaker, creating it with the service
// defaults on first use.
func (b *Base) Breaker(name string) *breaker.Breaker {
	return b.breakers.GetOrCreate(name)
}

// Breakers exposes the registry for the operational API.
func (b *Base) Breakers() *breaker.Registry { return b.breakers }

// AddRunner registers a managed component. Runners start in registration
// order and stop in reverse.
func (b *Base) AddRunner(name string, r Runner) {
	b.runners = append(b.runners, namedRunner{name: name, runner: r})
}

// AddCheck registers a named health probe.
func (b *Base) AddCheck(name string, fn CheckFunc) {
	b.checks = append(b.checks, namedCheck{name: name, check: fn})
}

// Start brings the service up. If any runner fails to start, already-started
// runners are stopped in reverse order and the service lands in StateError.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateStopped {
		b.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrAlreadyStarted, b.state)
	}
	b.state = StateStarting
	b.mu.Unlock()

	b.logger.Info("Service starting", "runners", len(b.runners))

	for i, nr := range b.runners {
		if err := nr.runner.Start(ctx); err != nil {
			b.logger.Error("Runner failed to start", "runner", nr.name, "error", err)
			for j := i - 1; j >= 0; j-- {
				b.runners[j].runner.Stop()
			}
			b.setState(StateError)
			return fmt.Errorf("failed to start %s: %w", nr.name, err)
		}
		b.logger.Debug("Runner started", "runner", nr.name)
	}

	b.setState(StateRunning)
	b.logger.Info("Service running")
	return nil
}

// Stop shuts the service down, stopping runners in reverse registration
// order. Safe to call more than once.
func (b *Base) Stop() {
	b.mu.Lock()
	if b.state != StateRunning && b.state != StateError {
		b.mu.Unlock()
		return
	}
	b.state = StateStopping
	b.mu.Unlock()

	b.logger.Info("Service stopping")
	for i := len(b.runners) - 1; i >= 0; i-- {
		b.runners[i].runner.Stop()
		b.logger.Debug("Runner stopped", "runner", b.runners[i].name)
	}
	b.setState(StateStopped)
	b.logger.Info("Service stopped")
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// OverallHealth is the rolled-up view across all checks.
type OverallHealth struct {
	Service string                  `json:"service"`
	State   State                   `json:"state"`
	Status  string                  `json:"status"`
	Checks  map[string]HealthReport `json:"checks,omitempty"`
}

// Health runs every registered check and rolls up to the worst outcome. A
// service that is not running reports unhealthy regardless of check results.
func (b *Base) Health(ctx context.Context) OverallHealth {
	out := OverallHealth{
		Service: b.name,
		State:   b.State(),
		Checks:  make(map[string]HealthReport, len(b.checks)),
	}

	worst := Healthy
	if out.State != StateRunning {
		worst = Unhealthy
	}

	for _, nc := range b.checks {
		rep := nc.check(ctx)
		rep.Status = rep.Level.String()
		out.Checks[nc.name] = rep
		if rep.Level > worst {
			worst = rep.Level
		}
	}

	out.Status = worst.String()
	return out
}

// Run starts the service, blocks until the context is cancelled, then stops
// it. Stop is guaranteed even when Start fails partway.
func Run(ctx context.Context, b *Base) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()
	<-ctx.Done()
	return ctx.Err()
}
