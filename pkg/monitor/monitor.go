package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthCheck pings one external dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config tunes the monitor loops.
type Config struct {
	// Interval is the detector cycle period.
	Interval time.Duration
	// Window bounds metric aggregation and slow-path scanning.
	Window time.Duration
	// StuckThreshold is how long background work may stay incomplete.
	StuckThreshold time.Duration
	// SlowThresholdMs flags completed background work slower than this.
	SlowThresholdMs int64
	// FailureThreshold is the tolerated failure fraction per lane.
	FailureThreshold float64
	// DetectorLimit caps rows each detector examines per cycle.
	DetectorLimit int
	// MinSamples suppresses the failure-rate detector on thin windows.
	MinSamples int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		Window:           time.Hour,
		StuckThreshold:   10 * time.Minute,
		SlowThresholdMs:  60_000,
		FailureThreshold: 0.2,
		DetectorLimit:    50,
		MinSamples:       5,
	}
}

// Monitor runs the collector, the detectors and the health checker on a
// single cycle.
type Monitor struct {
	collector  *Collector
	analysis   AnalysisStats
	dispatcher *Dispatcher
	metrics    *Metrics
	checks     []HealthCheck
	cfg        Config
	logger     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.RWMutex
	last *Snapshot
}

func New(collector *Collector, analysis AnalysisStats, dispatcher *Dispatcher,
	metrics *Metrics, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.SlowThresholdMs <= 0 {
		cfg.SlowThresholdMs = def.SlowThresholdMs
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.DetectorLimit <= 0 {
		cfg.DetectorLimit = def.DetectorLimit
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		collector:  collector,
		analysis:   analysis,
		dispatcher: dispatcher,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger.With("component", "pipeline_monitor"),
		stopCh:     make(chan struct{}),
	}
}

// AddHealthCheck registers a dependency ping run every cycle.
func (m *Monitor) AddHealthCheck(name string, check func(ctx context.Context) error) {
	m.checks = append(m.checks, HealthCheck{Name: name, Check: check})
}

// LastSnapshot returns the most recent collector pass, or nil before the
// first cycle.
func (m *Monitor) LastSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("Pipeline monitor started", "interval", m.cfg.Interval)
	return nil
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunCycle(ctx); err != nil {
				m.logger.Error("Monitor cycle failed", "error", err)
			}
		}
	}
}

// RunCycle performs one full pass: collect, detect, check health.
func (m *Monitor) RunCycle(ctx context.Context) error {
	snapshot, err := m.collector.Collect(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.last = snapshot
	m.mu.Unlock()
	m.metrics.Observe(snapshot)

	m.detectStuck(ctx)
	m.detectSlow(ctx)
	m.detectFailureRate(ctx, snapshot)
	m.checkHealth(ctx)
	return nil
}

func (m *Monitor) detectStuck(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.StuckThreshold)
	stuck, err := m.analysis.ListStuck(ctx, cutoff, m.cfg.DetectorLimit)
	if err != nil {
		m.logger.Error("Stuck-task scan failed", "error", err)
		return
	}
	for _, rec := range stuck {
		minutes := int(time.Since(rec.ProcessedAt).Minutes())
		m.dispatcher.Emit(ctx, Alert{
			Type:     AlertStuckTask,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("analysis %d stuck for %d minutes", rec.ID, minutes),
			Details: map[string]any{
				"minutes_stuck":        minutes,
				"vectorization_status": rec.VectorizationStatus,
				"dp_update_status":     rec.DPUpdateStatus,
				"retry_count":          rec.RetryCount,
			},
			UserID:   rec.UserID,
			RecordID: rec.ID,
		})
	}
}

func (m *Monitor) detectSlow(ctx context.Context) {
	since := time.Now().Add(-m.cfg.Window)
	slow, err := m.analysis.ListSlow(ctx, since, m.cfg.SlowThresholdMs, m.cfg.DetectorLimit)
	if err != nil {
		m.logger.Error("Slow-path scan failed", "error", err)
		return
	}
	for _, rec := range slow {
		m.dispatcher.Emit(ctx, Alert{
			Type:     AlertSlowProcessing,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("analysis %d background work took %dms", rec.ID, rec.DurationMs),
			Details: map[string]any{
				"duration_ms":  rec.DurationMs,
				"threshold_ms": m.cfg.SlowThresholdMs,
			},
			UserID:   rec.UserID,
			RecordID: rec.ID,
		})
	}
}

func (m *Monitor) detectFailureRate(ctx context.Context, s *Snapshot) {
	if s.Total < m.cfg.MinSamples {
		return
	}
	floor := 1 - m.cfg.FailureThreshold
	lanes := map[string]float64{
		"vectorization": s.VectorizationSuccessRate,
		"dp_update":     s.DPUpdateSuccessRate,
	}
	for lane, rate := range lanes {
		if rate >= floor {
			continue
		}
		m.dispatcher.Emit(ctx, Alert{
			Type:     AlertHighFailureRate,
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s success rate %.0f%% under floor %.0f%%", lane, rate*100, floor*100),
			Details: map[string]any{
				"lane":         lane,
				"success_rate": rate,
				"floor":        floor,
				"window_total": s.Total,
			},
		})
	}
}

func (m *Monitor) checkHealth(ctx context.Context) {
	for _, hc := range m.checks {
		if err := hc.Check(ctx); err != nil {
			m.dispatcher.Emit(ctx, Alert{
				Type:     AlertServiceUnhealthy,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("dependency %s is unhealthy: %v", hc.Name, err),
				Details:  map[string]any{"dependency": hc.Name, "error": err.Error()},
			})
		}
	}
}
