// Package outbox implements the transactional outbox: events are written to
// event_outbox in the same transaction as the domain change, and a relay
// worker publishes them to the bus afterwards.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event statuses in event_outbox.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// maxErrorLen truncates stored publish errors.
const maxErrorLen = 500

// Event is one outbox row.
type Event struct {
	ID          int64           `db:"id"`
	EventType   string          `db:"event_type"`
	Payload     json.RawMessage `db:"payload"`
	Status      string          `db:"status"`
	RetryCount  int             `db:"retry_count"`
	CreatedAt   time.Time       `db:"created_at"`
	PublishedAt *time.Time      `db:"published_at"`
	LastError   *string         `db:"last_error"`
	TraceID     *string         `db:"trace_id"`
}

// Execer is the subset of sql.Tx / sql.DB the publisher needs, so events can
// be enqueued inside the caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish enqueues one event as pending within the caller's transaction.
// The payload must be JSON-serializable.
func Publish(ctx context.Context, tx Execer, eventType string, payload any, traceID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_outbox (event_type, payload, status, retry_count, created_at, trace_id)
		VALUES ($1, $2, 'pending', 0, now(), NULLIF($3, ''))`,
		eventType, body, traceID)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// PublishBatch enqueues several events in insertion order within the caller's
// transaction.
func PublishBatch(ctx context.Context, tx Execer, events []BatchEvent) error {
	for _, e := range events {
		if err := Publish(ctx, tx, e.EventType, e.Payload, e.TraceID); err != nil {
			return err
		}
	}
	return nil
}

// BatchEvent is one entry of a PublishBatch call.
type BatchEvent struct {
	EventType string
	Payload   any
	TraceID   string
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
