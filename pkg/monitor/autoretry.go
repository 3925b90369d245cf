package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// RetryStore is the record surface the auto-retry manager works on.
type RetryStore interface {
	ListFailedLanes(ctx context.Context, maxRetries, limit int) ([]storage.StuckRecord, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]storage.StuckRecord, error)
	Get(ctx context.Context, id int64) (*models.AnalysisRecord, error)
	ResetLaneForRetry(ctx context.Context, id int64, lane storage.Lane) error
}

// LaneRunner re-executes one background lane. The analysis pipeline
// implements it.
type LaneRunner interface {
	RetryLane(ctx context.Context, rec *models.AnalysisRecord, lane storage.Lane, text string) error
}

// TextResolver recovers the source text a record was analyzed from, needed
// by the vectorization lane.
type TextResolver interface {
	SourceText(ctx context.Context, ref models.SourceRef) (string, error)
}

// AnswerGetter and StoryGetter are the repo lookups SourceTexts composes.
type AnswerGetter interface {
	GetAnswer(ctx context.Context, id int64) (*models.Answer, error)
}

type StoryGetter interface {
	Get(ctx context.Context, id int64) (*models.ContextStory, error)
}

// SourceTexts resolves source refs against the answer and story repos.
type SourceTexts struct {
	Answers AnswerGetter
	Stories StoryGetter
}

func (s *SourceTexts) SourceText(ctx context.Context, ref models.SourceRef) (string, error) {
	switch ref.Kind {
	case models.SourceAnswer:
		a, err := s.Answers.GetAnswer(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return a.AnswerText, nil
	case models.SourceStory:
		story, err := s.Stories.Get(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return story.Content, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", ref.Kind)
	}
}

// RetryConfig tunes the auto-retry manager.
type RetryConfig struct {
	Interval   time.Duration
	MaxRetries int
	BatchSize  int
	// BaseDelay grows exponentially with retry_count, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// StuckAfter is how long a pending lane may sit before it is re-run.
	StuckAfter time.Duration
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:   5 * time.Minute,
		MaxRetries: 3,
		BatchSize:  20,
		BaseDelay:  time.Minute,
		MaxDelay:   30 * time.Minute,
		StuckAfter: 10 * time.Minute,
	}
}

// nonRecoverableMarkers mark errors a retry cannot fix.
var nonRecoverableMarkers = []string{
	"unauthorized", "forbidden", "invalid", "malformed",
	"not valid json", "schema", "unknown source kind",
	"is not configured",
}

// recoverable classifies a stored lane error. Unknown errors count as
// recoverable; the retry ceiling bounds the damage.
func recoverable(laneErr string) bool {
	lower := strings.ToLower(laneErr)
	for _, m := range nonRecoverableMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}

// AutoRetry re-runs failed and stuck background lanes on a schedule.
type AutoRetry struct {
	store    RetryStore
	runner   LaneRunner
	resolver TextResolver
	metrics  *Metrics
	cfg      RetryConfig
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAutoRetry(store RetryStore, runner LaneRunner, resolver TextResolver,
	metrics *Metrics, cfg RetryConfig, logger *slog.Logger) *AutoRetry {
	def := DefaultRetryConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoRetry{
		store:    store,
		runner:   runner,
		resolver: resolver,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With("component", "auto_retry"),
		stopCh:   make(chan struct{}),
	}
}

func (r *AutoRetry) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("Auto-retry manager started",
		"interval", r.cfg.Interval, "max_retries", r.cfg.MaxRetries)
	return nil
}

func (r *AutoRetry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *AutoRetry) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.SweepOnce(ctx); err != nil {
				r.logger.Error("Retry sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("Retried background lanes", "count", n)
			}
		}
	}
}

// SweepOnce retries one batch of failed lanes and re-runs one batch of
// long-pending lanes. Returns how many lane executions were attempted.
func (r *AutoRetry) SweepOnce(ctx context.Context) (int, error) {
	attempted, err := r.retryFailed(ctx)
	if err != nil {
		return attempted, err
	}
	stuck, err := r.rerunStuckPending(ctx)
	return attempted + stuck, err
}

func (r *AutoRetry) retryFailed(ctx context.Context) (int, error) {
	candidates, err := r.store.ListFailedLanes(ctx, r.cfg.MaxRetries, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	attempted := 0
	for _, candidate := range candidates {
		rec, err := r.store.Get(ctx, candidate.ID)
		if err != nil {
			r.logger.Error("Failed to load retry candidate", "analysis_id", candidate.ID, "error", err)
			continue
		}
		if !r.eligible(rec) {
			continue
		}
		if rec.VectorizationStatus == models.LaneFailed {
			attempted += r.retryLane(ctx, rec, storage.LaneVectorization, rec.VectorizationError)
		}
		if rec.DPUpdateStatus == models.LaneFailed {
			attempted += r.retryLane(ctx, rec, storage.LaneDPUpdate, rec.DPUpdateError)
		}
	}
	return attempted, nil
}

// eligible applies the exponential backoff: retry_count doublings of
// BaseDelay, capped, measured from the last attempt.
func (r *AutoRetry) eligible(rec *models.AnalysisRecord) bool {
	delay := r.cfg.BaseDelay << rec.RetryCount
	if delay > r.cfg.MaxDelay || delay <= 0 {
		delay = r.cfg.MaxDelay
	}
	last := rec.ProcessedAt
	if rec.LastRetryAt != nil {
		last = *rec.LastRetryAt
	}
	return time.Since(last) >= delay
}

func (r *AutoRetry) retryLane(ctx context.Context, rec *models.AnalysisRecord, lane storage.Lane, laneErr string) int {
	if !recoverable(laneErr) {
		r.logger.Info("Skipping non-recoverable lane failure",
			"analysis_id", rec.ID, "lane", lane, "error", laneErr)
		r.metrics.RetryObserved(string(lane), "skipped")
		return 0
	}

	if err := r.store.ResetLaneForRetry(ctx, rec.ID, lane); err != nil {
		r.logger.Error("Failed to reset lane", "analysis_id", rec.ID, "lane", lane, "error", err)
		return 0
	}
	return r.runLane(ctx, rec, lane)
}

// rerunStuckPending re-invokes lanes that never reported a terminal status.
func (r *AutoRetry) rerunStuckPending(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.cfg.StuckAfter)
	stuck, err := r.store.ListStuck(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck records: %w", err)
	}

	attempted := 0
	for _, candidate := range stuck {
		if candidate.VectorizationStatus != models.LanePending &&
			candidate.DPUpdateStatus != models.LanePending {
			continue
		}
		rec, err := r.store.Get(ctx, candidate.ID)
		if err != nil {
			r.logger.Error("Failed to load stuck record", "analysis_id", candidate.ID, "error", err)
			continue
		}
		if rec.VectorizationStatus == models.LanePending {
			attempted += r.runLane(ctx, rec, storage.LaneVectorization)
		}
		if rec.DPUpdateStatus == models.LanePending {
			attempted += r.runLane(ctx, rec, storage.LaneDPUpdate)
		}
	}
	return attempted, nil
}

func (r *AutoRetry) runLane(ctx context.Context, rec *models.AnalysisRecord, lane storage.Lane) int {
	text := ""
	if lane == storage.LaneVectorization {
		resolved, err := r.resolver.SourceText(ctx, rec.Source)
		if err != nil {
			r.logger.Error("Failed to resolve source text",
				"analysis_id", rec.ID, "source_kind", rec.Source.Kind, "error", err)
			r.metrics.RetryObserved(string(lane), "failed")
			return 0
		}
		text = resolved
	}

	if err := r.runner.RetryLane(ctx, rec, lane, text); err != nil {
		r.logger.Warn("Lane retry failed", "analysis_id", rec.ID, "lane", lane, "error", err)
		r.metrics.RetryObserved(string(lane), "failed")
	} else {
		r.logger.Info("Lane retry succeeded", "analysis_id", rec.ID, "lane", lane)
		r.metrics.RetryObserved(string(lane), "success")
	}
	return 1
}
