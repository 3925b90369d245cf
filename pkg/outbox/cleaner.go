package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// CleanerConfig tunes outbox retention.
type CleanerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// PublishedRetention keeps published events around for auditing.
	PublishedRetention time.Duration
	// FailedRetention keeps failed events around for manual replay.
	FailedRetention time.Duration
}

func (c *CleanerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.PublishedRetention <= 0 {
		c.PublishedRetention = 7 * 24 * time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 30 * 24 * time.Hour
	}
}

// Cleaner removes aged outbox rows on a schedule.
type Cleaner struct {
	db     *sqlx.DB
	cfg    CleanerConfig
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCleaner(db *sqlx.DB, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "outbox_cleaner"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.SweepOnce(ctx); err != nil {
					c.logger.Error("Outbox sweep failed", "error", err)
				}
			}
		}
	}()
	c.logger.Info("Outbox cleaner started", "interval", c.cfg.Interval)
}

// Stop halts the loop and waits for an in-flight sweep.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// SweepOnce deletes aged published and failed events, returning how many
// rows were removed.
func (c *Cleaner) SweepOnce(ctx context.Context) (int64, error) {
	now := time.Now()
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM event_outbox
		WHERE (status = 'published' AND published_at < $1)
		   OR (status = 'failed' AND created_at < $2)`,
		now.Add(-c.cfg.PublishedRetention),
		now.Add(-c.cfg.FailedRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Info("Outbox sweep removed events", "deleted", n)
	}
	return n, nil
}

// RetryFailedEvent resets a failed event to pending with a zeroed retry
// count, making it eligible for the next relay poll.
func RetryFailedEvent(ctx context.Context, db *sqlx.DB, id int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'pending', retry_count = 0, last_error = NULL
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("failed to reset outbox event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %d is not in failed state", id)
	}
	return nil
}
