package outbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/bus"
)

type fakePublisher struct {
	published []publishedEvent
	err       error
}

type publishedEvent struct {
	eventType string
	payload   map[string]any
	priority  bus.Priority
	traceID   string
}

func (f *fakePublisher) Publish(_ context.Context, eventType string, payload map[string]any, priority bus.Priority, traceID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.published = append(f.published, publishedEvent{eventType, payload, priority, traceID})
	return "1-0", nil
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var outboxCols = []string{
	"id", "event_type", "payload", "status", "retry_count",
	"created_at", "published_at", "last_error", "trace_id",
}

func TestPublishEnqueuesPending(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO event_outbox").
		WithArgs("user.answer.submitted", sqlmock.AnyArg(), "trace-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := Publish(context.Background(), db, "user.answer.submitted",
		map[string]any{"answer_id": 7}, "trace-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRejectsUnserializablePayload(t *testing.T) {
	db, _ := newMockDB(t)

	err := Publish(context.Background(), db, "user.answer.submitted", make(chan int), "")
	assert.Error(t, err)
}

func TestDrainOncePublishesInOrder(t *testing.T) {
	db, mock := newMockDB(t)
	pub := &fakePublisher{}
	relay := NewRelay(db, pub, RelayConfig{BatchSize: 10}, slog.Default())

	trace := "trace-1"
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM event_outbox").
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow(int64(1), "user.answer.submitted", []byte(`{"answer_id":7}`), "pending", 0, time.Now(), nil, nil, &trace).
			AddRow(int64(2), "trait.extracted", []byte(`{"trait_name":"openness"}`), "pending", 0, time.Now(), nil, nil, nil))
	mock.ExpectExec("UPDATE event_outbox SET status = 'published'").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE event_outbox SET status = 'published'").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.published, 2)
	assert.Equal(t, "user.answer.submitted", pub.published[0].eventType)
	assert.Equal(t, bus.PriorityCritical, pub.published[0].priority)
	assert.Equal(t, "trace-1", pub.published[0].traceID)
	assert.Equal(t, "trait.extracted", pub.published[1].eventType)
	assert.Equal(t, bus.PriorityLow, pub.published[1].priority)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnceRecordsFailureAndRetryCount(t *testing.T) {
	db, mock := newMockDB(t)
	pub := &fakePublisher{err: errors.New("redis connection refused")}
	relay := NewRelay(db, pub, RelayConfig{BatchSize: 10, MaxRetries: 5}, slog.Default())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM event_outbox").
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow(int64(1), "session.created", []byte(`{}`), "pending", 2, time.Now(), nil, nil, nil))
	mock.ExpectExec("UPDATE event_outbox SET status = ").
		WithArgs(int64(1), StatusPending, 3, "redis connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnceMarksFailedAtRetryCeiling(t *testing.T) {
	db, mock := newMockDB(t)
	pub := &fakePublisher{err: errors.New("boom")}
	relay := NewRelay(db, pub, RelayConfig{BatchSize: 10, MaxRetries: 3}, slog.Default())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM event_outbox").
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow(int64(1), "session.created", []byte(`{}`), "pending", 2, time.Now(), nil, nil, nil))
	mock.ExpectExec("UPDATE event_outbox SET status = ").
		WithArgs(int64(1), StatusFailed, 3, "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateErrorCapsLength(t *testing.T) {
	long := errors.New(strings.Repeat("x", 2000))
	assert.Len(t, truncateError(long), maxErrorLen)

	short := errors.New("short")
	assert.Equal(t, "short", truncateError(short))
}

func TestCleanerSweepOnce(t *testing.T) {
	db, mock := newMockDB(t)
	cleaner := NewCleaner(db, CleanerConfig{}, slog.Default())

	mock.ExpectExec("DELETE FROM event_outbox").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := cleaner.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryFailedEventRequiresFailedState(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE event_outbox SET status = 'pending'").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := RetryFailedEvent(context.Background(), db, 9)
	assert.Error(t, err)

	mock.ExpectExec("UPDATE event_outbox SET status = 'pending'").
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, RetryFailedEvent(context.Background(), db, 10))
}
