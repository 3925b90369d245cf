// Package monitor watches the analysis pipeline: metric collection, stuck
// and slow detection, failure rates, dependency health, alert fan-out and
// background auto-retry.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Alert types raised by the detectors.
const (
	AlertStuckTask        = "stuck_task"
	AlertSlowProcessing   = "slow_processing"
	AlertHighFailureRate  = "high_failure_rate"
	AlertServiceUnhealthy = "service_unhealthy"
)

// Alert is one detector finding.
type Alert struct {
	Type     string         `json:"alert_type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	UserID   int64          `json:"user_id,omitempty"`
	RecordID int64          `json:"record_id,omitempty"`
	At       time.Time      `json:"at"`
}

// Notifier receives alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert)

func (f NotifierFunc) Notify(ctx context.Context, a Alert) { f(ctx, a) }

// Dispatcher fans alerts out to registered notifiers.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    *slog.Logger
	metrics   *Metrics
}

func NewDispatcher(metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger.With("component", "alert_dispatcher"),
		metrics: metrics,
	}
}

// Register adds a notifier to the fan-out set.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers = append(d.notifiers, n)
}

// Emit stamps and delivers an alert to every notifier.
func (d *Dispatcher) Emit(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	d.logger.Warn("Alert raised",
		"alert_type", a.Type, "severity", a.Severity, "message", a.Message)
	if d.metrics != nil {
		d.metrics.AlertRaised(a.Type, a.Severity)
	}

	d.mu.RLock()
	targets := make([]Notifier, len(d.notifiers))
	copy(targets, d.notifiers)
	d.mu.RUnlock()

	for _, n := range targets {
		n.Notify(ctx, a)
	}
}
