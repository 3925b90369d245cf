package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/innerloop-ai/innerloop/pkg/bus"
)

// Publisher is the bus surface the relay needs.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, priority bus.Priority, traceID string) (string, error)
}

// RelayConfig tunes the relay worker.
type RelayConfig struct {
	// BatchSize is the maximum number of events claimed per poll.
	BatchSize int
	// PollInterval is the sleep between polls when the queue drains.
	PollInterval time.Duration
	// MaxRetries is the attempt ceiling before an event is marked failed.
	MaxRetries int
	// BackoffBase is the base of the per-event exponential backoff, in
	// seconds: an event with retry_count n waits base^n seconds.
	BackoffBase float64
}

func (c *RelayConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 1 {
		c.BackoffBase = 2
	}
}

// Relay drains pending outbox events to the bus. Events publish in creation
// order within a batch; claims use FOR UPDATE SKIP LOCKED so multiple relay
// instances can run against the same table.
type Relay struct {
	db     *sqlx.DB
	pub    Publisher
	cfg    RelayConfig
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRelay creates a relay worker. Call Start to begin draining.
func NewRelay(db *sqlx.DB, pub Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		db:     db,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "outbox_relay"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("Outbox relay started",
		"batch_size", r.cfg.BatchSize,
		"poll_interval", r.cfg.PollInterval)
}

// Stop signals the loop to finish and waits for the in-flight batch.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("Outbox relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.DrainOnce(ctx)
		if err != nil {
			r.logger.Error("Outbox drain failed", "error", err)
		}

		// Keep draining back-to-back while batches come back full.
		if err == nil && n == r.cfg.BatchSize {
			continue
		}

		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// DrainOnce claims and publishes one batch of due events, returning how many
// were claimed.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// An event is due when it has never been tried, or its exponential
	// backoff window has elapsed.
	rows, err := tx.QueryxContext(ctx, `
		SELECT id, event_type, payload, status, retry_count, created_at, published_at, last_error, trace_id
		FROM event_outbox
		WHERE status = 'pending'
		  AND retry_count < $1
		  AND (retry_count = 0 OR created_at + make_interval(secs => power($2, retry_count)) < now())
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		r.cfg.MaxRetries, r.cfg.BackoffBase, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.StructScan(&e); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read outbox events: %w", err)
	}

	for _, e := range events {
		if err := r.publishOne(ctx, tx, e); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	return len(events), nil
}

func (r *Relay) publishOne(ctx context.Context, tx *sqlx.Tx, e Event) error {
	var payload map[string]any
	pubErr := json.Unmarshal(e.Payload, &payload)
	if pubErr == nil {
		trace := ""
		if e.TraceID != nil {
			trace = *e.TraceID
		}
		_, pubErr = r.pub.Publish(ctx, e.EventType, payload, bus.PriorityFor(e.EventType), trace)
	}

	if pubErr == nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE event_outbox SET status = 'published', published_at = now()
			WHERE id = $1`, e.ID); err != nil {
			return fmt.Errorf("failed to mark event published: %w", err)
		}
		return nil
	}

	newCount := e.RetryCount + 1
	status := StatusPending
	if newCount >= r.cfg.MaxRetries {
		status = StatusFailed
		r.logger.Error("Outbox event exhausted retries",
			"event_id", e.ID,
			"event_type", e.EventType,
			"retry_count", newCount,
			"error", pubErr)
	} else {
		r.logger.Warn("Outbox publish failed, will retry",
			"event_id", e.ID,
			"event_type", e.EventType,
			"retry_count", newCount,
			"error", pubErr)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE event_outbox SET status = $2, retry_count = $3, last_error = $4
		WHERE id = $1`, e.ID, status, newCount, truncateError(pubErr)); err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}
	return nil
}

// PendingCount returns the number of events still awaiting publication.
// Exposed for the monitor's queue depth metric.
func (r *Relay) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT count(*) FROM event_outbox WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}
