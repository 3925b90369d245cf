package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// ErrNotFound is returned by repository lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with an existing row for
// the same source. Callers treat it as already-processed.
var ErrDuplicate = errors.New("storage: duplicate")

// AnalysisRepo persists deep-phase analysis records and their background
// lane state.
type AnalysisRepo struct {
	db *sqlx.DB
}

func NewAnalysisRepo(db *sqlx.DB) *AnalysisRepo {
	return &AnalysisRepo{db: db}
}

// Insert stores a new analysis record and returns its assigned ID. The two
// background lanes start in pending regardless of what the record carries.
// A record for the same source already existing yields ErrDuplicate, keeping
// redelivered events from producing a second row.
func (r *AnalysisRepo) Insert(ctx context.Context, rec *models.AnalysisRecord) (int64, error) {
	traits, err := json.Marshal(rec.TraitScores)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal trait scores: %w", err)
	}
	insights, err := marshalOrNull(rec.Insights)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal insights: %w", err)
	}
	hints, err := marshalOrNull(rec.RouterHints)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal router hints: %w", err)
	}
	delta, err := marshalOrNull(rec.ProfileDelta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal profile delta: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO answer_analysis (
			user_id, source_kind, source_id, analysis_version,
			emotional_state, trait_scores, insights, router_hints, profile_delta,
			quality_score, confidence_score, model_used, processing_time_ms,
			raw_ai_response, special_situation, is_milestone, emergency,
			vectorization_status, dp_update_status, processed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, 'pending', 'pending', now()
		) ON CONFLICT (source_kind, source_id) DO NOTHING
		RETURNING id`,
		rec.UserID, rec.Source.Kind, rec.Source.ID, rec.AnalysisVersion,
		rec.EmotionalState, traits, insights, hints, delta,
		rec.QualityScore, rec.ConfidenceScore, rec.ModelUsed, rec.ProcessingMs,
		rec.RawAIResponse, rec.Special, rec.IsMilestone, rec.Emergency,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: analysis for %s:%d exists", ErrDuplicate, rec.Source.Kind, rec.Source.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert analysis record: %w", err)
	}
	return id, nil
}

// Get loads a single analysis record by ID.
func (r *AnalysisRepo) Get(ctx context.Context, id int64) (*models.AnalysisRecord, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT id, user_id, source_kind, source_id, analysis_version,
		       emotional_state, trait_scores, insights, router_hints, profile_delta,
		       quality_score, confidence_score, model_used, processing_time_ms,
		       raw_ai_response, special_situation, is_milestone, emergency,
		       vectorization_status, vectorization_error, vectorization_completed_at,
		       dp_update_status, dp_update_error, dp_update_completed_at,
		       retry_count, last_retry_at,
		       background_task_completed, background_task_duration_ms, processed_at
		FROM answer_analysis WHERE id = $1`, id)
	return scanAnalysis(row)
}

// scanAnalysis decodes one answer_analysis row, unmarshalling the JSON
// columns into their typed fields.
func scanAnalysis(row sqlx.ColScanner) (*models.AnalysisRecord, error) {
	var (
		rec                    models.AnalysisRecord
		traits                 []byte
		insights, hints, delta sql.Null[[]byte]
		emotional, model, raw  sql.NullString
		vecErr, dpErr          sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Source.Kind, &rec.Source.ID, &rec.AnalysisVersion,
		&emotional, &traits, &insights, &hints, &delta,
		&rec.QualityScore, &rec.ConfidenceScore, &model, &rec.ProcessingMs,
		&raw, &rec.Special, &rec.IsMilestone, &rec.Emergency,
		&rec.VectorizationStatus, &vecErr, &rec.VectorizationCompletedAt,
		&rec.DPUpdateStatus, &dpErr, &rec.DPUpdateCompletedAt,
		&rec.RetryCount, &rec.LastRetryAt,
		&rec.BackgroundTaskCompleted, &rec.BackgroundTaskDurationMs, &rec.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan analysis record: %w", err)
	}

	rec.EmotionalState = emotional.String
	rec.ModelUsed = model.String
	rec.RawAIResponse = raw.String
	rec.VectorizationError = vecErr.String
	rec.DPUpdateError = dpErr.String

	if err := json.Unmarshal(traits, &rec.TraitScores); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trait scores: %w", err)
	}
	if insights.Valid && len(insights.V) > 0 {
		if err := json.Unmarshal(insights.V, &rec.Insights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal insights: %w", err)
		}
	}
	if hints.Valid && len(hints.V) > 0 {
		if err := json.Unmarshal(hints.V, &rec.RouterHints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal router hints: %w", err)
		}
	}
	if delta.Valid && len(delta.V) > 0 {
		if err := json.Unmarshal(delta.V, &rec.ProfileDelta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal profile delta: %w", err)
		}
	}
	return &rec, nil
}

// Lane identifies one of the two background job lanes on a record.
type Lane string

const (
	LaneVectorization Lane = "vectorization"
	LaneDPUpdate      Lane = "dp_update"
)

// SetLaneStatus records the outcome of one background lane. Passing a failed
// status with a non-empty message stores the error; success clears it. The
// aggregate background_task_completed flag flips once both lanes are
// terminal, and the duration is measured from processed_at at that moment.
func (r *AnalysisRepo) SetLaneStatus(ctx context.Context, id int64, lane Lane, status models.LaneStatus, laneErr string) error {
	var query string
	switch lane {
	case LaneVectorization:
		query = `
			UPDATE answer_analysis SET
				vectorization_status = $2,
				vectorization_error = NULLIF($3, ''),
				vectorization_completed_at = now(),
				background_task_completed = ($2 IN ('success','failed')) AND dp_update_status IN ('success','failed'),
				background_task_duration_ms = CASE
					WHEN ($2 IN ('success','failed')) AND dp_update_status IN ('success','failed')
					THEN (EXTRACT(EPOCH FROM (now() - processed_at)) * 1000)::bigint
					ELSE background_task_duration_ms
				END
			WHERE id = $1`
	case LaneDPUpdate:
		query = `
			UPDATE answer_analysis SET
				dp_update_status = $2,
				dp_update_error = NULLIF($3, ''),
				dp_update_completed_at = now(),
				background_task_completed = ($2 IN ('success','failed')) AND vectorization_status IN ('success','failed'),
				background_task_duration_ms = CASE
					WHEN ($2 IN ('success','failed')) AND vectorization_status IN ('success','failed')
					THEN (EXTRACT(EPOCH FROM (now() - processed_at)) * 1000)::bigint
					ELSE background_task_duration_ms
				END
			WHERE id = $1`
	default:
		return fmt.Errorf("unknown lane %q", lane)
	}

	res, err := r.db.ExecContext(ctx, query, id, status, laneErr)
	if err != nil {
		return fmt.Errorf("failed to update %s lane: %w", lane, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetLaneForRetry puts a failed lane back to pending and bumps the retry
// counters so the auto-retry manager can re-dispatch it.
func (r *AnalysisRepo) ResetLaneForRetry(ctx context.Context, id int64, lane Lane) error {
	var query string
	switch lane {
	case LaneVectorization:
		query = `
			UPDATE answer_analysis SET
				vectorization_status = 'pending',
				vectorization_error = NULL,
				background_task_completed = FALSE,
				retry_count = retry_count + 1,
				last_retry_at = now()
			WHERE id = $1 AND vectorization_status = 'failed'`
	case LaneDPUpdate:
		query = `
			UPDATE answer_analysis SET
				dp_update_status = 'pending',
				dp_update_error = NULL,
				background_task_completed = FALSE,
				retry_count = retry_count + 1,
				last_retry_at = now()
			WHERE id = $1 AND dp_update_status = 'failed'`
	default:
		return fmt.Errorf("unknown lane %q", lane)
	}

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset %s lane: %w", lane, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StuckRecord is a record whose background processing never completed.
type StuckRecord struct {
	ID                  int64             `db:"id"`
	UserID              int64             `db:"user_id"`
	VectorizationStatus models.LaneStatus `db:"vectorization_status"`
	DPUpdateStatus      models.LaneStatus `db:"dp_update_status"`
	RetryCount          int               `db:"retry_count"`
	ProcessedAt         time.Time         `db:"processed_at"`
	// DurationMs is populated by ListSlow only.
	DurationMs int64 `db:"background_task_duration_ms"`
}

// ListStuck returns records older than the cutoff whose background work has
// not reached a terminal aggregate state.
func (r *AnalysisRepo) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]StuckRecord, error) {
	var out []StuckRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, user_id, vectorization_status, dp_update_status, retry_count, processed_at
		FROM answer_analysis
		WHERE background_task_completed = FALSE AND processed_at < $1
		ORDER BY processed_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck records: %w", err)
	}
	return out, nil
}

// ListFailedLanes returns records with at least one failed lane that are
// eligible for auto-retry (retry_count below the given ceiling).
func (r *AnalysisRepo) ListFailedLanes(ctx context.Context, maxRetries, limit int) ([]StuckRecord, error) {
	var out []StuckRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, user_id, vectorization_status, dp_update_status, retry_count, processed_at
		FROM answer_analysis
		WHERE (vectorization_status = 'failed' OR dp_update_status = 'failed')
		  AND retry_count < $1
		ORDER BY processed_at ASC
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed lanes: %w", err)
	}
	return out, nil
}

// ListSlow returns completed records whose background processing exceeded
// the duration threshold, slowest first.
func (r *AnalysisRepo) ListSlow(ctx context.Context, since time.Time, thresholdMs int64, limit int) ([]StuckRecord, error) {
	var out []StuckRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, user_id, vectorization_status, dp_update_status, retry_count,
		       processed_at, background_task_duration_ms
		FROM answer_analysis
		WHERE background_task_completed = TRUE
		  AND background_task_duration_ms > $1
		  AND processed_at >= $2
		ORDER BY background_task_duration_ms DESC
		LIMIT $3`, thresholdMs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list slow records: %w", err)
	}
	return out, nil
}

// LaneWindowStats summarizes background lane outcomes over a time window.
type LaneWindowStats struct {
	Total         int     `db:"total"`
	VecSuccess    int     `db:"vec_success"`
	VecFailed     int     `db:"vec_failed"`
	DPSuccess     int     `db:"dp_success"`
	DPFailed      int     `db:"dp_failed"`
	AvgDurationMs float64 `db:"avg_duration_ms"`
}

// WindowStats aggregates lane outcomes and average background duration for
// records processed since the given time.
func (r *AnalysisRepo) WindowStats(ctx context.Context, since time.Time) (*LaneWindowStats, error) {
	var s LaneWindowStats
	err := r.db.GetContext(ctx, &s, `
		SELECT count(*) AS total,
		       count(*) FILTER (WHERE vectorization_status = 'success') AS vec_success,
		       count(*) FILTER (WHERE vectorization_status = 'failed')  AS vec_failed,
		       count(*) FILTER (WHERE dp_update_status = 'success') AS dp_success,
		       count(*) FILTER (WHERE dp_update_status = 'failed')  AS dp_failed,
		       COALESCE(avg(background_task_duration_ms) FILTER (WHERE background_task_completed), 0) AS avg_duration_ms
		FROM answer_analysis
		WHERE processed_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate window stats: %w", err)
	}
	return &s, nil
}

// CountForUser returns how many analysis records exist for a user.
func (r *AnalysisRepo) CountForUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT count(*) FROM answer_analysis WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes records processed before the cutoff and returns the
// number deleted. Used by the retention cleanup loop.
func (r *AnalysisRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM answer_analysis WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old analyses: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func marshalOrNull(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
