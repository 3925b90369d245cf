package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// AnalysisStats is the analysis-record surface the monitor samples.
type AnalysisStats interface {
	WindowStats(ctx context.Context, since time.Time) (*storage.LaneWindowStats, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]storage.StuckRecord, error)
	ListSlow(ctx context.Context, since time.Time, thresholdMs int64, limit int) ([]storage.StuckRecord, error)
}

// OutboxStats is the outbox depth surface.
type OutboxStats interface {
	PendingCount(ctx context.Context) (int, error)
}

// Snapshot is one collector pass over the pipeline.
type Snapshot struct {
	Total                    int              `json:"total"`
	VectorizationSuccessRate float64          `json:"vectorization_success_rate"`
	DPUpdateSuccessRate      float64          `json:"dp_update_success_rate"`
	AvgDurationMs            float64          `json:"avg_duration_ms"`
	QueueDepths              map[string]int64 `json:"queue_depths"`
	OutboxPending            int              `json:"outbox_pending"`
	CollectedAt              time.Time        `json:"collected_at"`
}

// Collector samples window statistics, stream depths and outbox backlog.
type Collector struct {
	analysis AnalysisStats
	outbox   OutboxStats
	rdb      redis.UniversalClient
	window   time.Duration
}

// NewCollector builds a collector. outbox and rdb may be nil; the matching
// snapshot fields then stay zero.
func NewCollector(analysis AnalysisStats, outbox OutboxStats, rdb redis.UniversalClient, window time.Duration) *Collector {
	if window <= 0 {
		window = time.Hour
	}
	return &Collector{analysis: analysis, outbox: outbox, rdb: rdb, window: window}
}

// Collect samples one snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := c.analysis.WindowStats(ctx, time.Now().Add(-c.window))
	if err != nil {
		return nil, fmt.Errorf("failed to sample window stats: %w", err)
	}

	s := &Snapshot{
		Total:                    stats.Total,
		VectorizationSuccessRate: successRate(stats.VecSuccess, stats.VecFailed),
		DPUpdateSuccessRate:      successRate(stats.DPSuccess, stats.DPFailed),
		AvgDurationMs:            stats.AvgDurationMs,
		QueueDepths:              make(map[string]int64),
		CollectedAt:              time.Now(),
	}

	if c.rdb != nil {
		streams := append(bus.Streams(), bus.StreamDLQ)
		for _, stream := range streams {
			depth, err := c.rdb.XLen(ctx, stream).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read depth of %s: %w", stream, err)
			}
			s.QueueDepths[stream] = depth
		}
	}

	if c.outbox != nil {
		pending, err := c.outbox.PendingCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count pending outbox events: %w", err)
		}
		s.OutboxPending = pending
	}
	return s, nil
}

// successRate over terminal outcomes. No terminal outcomes reads as fully
// healthy so quiet windows do not alert.
func successRate(success, failed int) float64 {
	if success+failed == 0 {
		return 1
	}
	return float64(success) / float64(success+failed)
}
