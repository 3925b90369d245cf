package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestAnalysisRepoInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db)

	mock.ExpectQuery("INSERT INTO answer_analysis").
		WithArgs(
			int64(42), models.SourceAnswer, int64(7), "v2",
			"calm", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			0.8, 0.9, "claude-sonnet", int64(1200),
			"{}", models.SituationNone, false, false,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

	id, err := repo.Insert(context.Background(), &models.AnalysisRecord{
		UserID:          42,
		Source:          models.SourceRef{Kind: models.SourceAnswer, ID: 7},
		AnalysisVersion: "v2",
		EmotionalState:  "calm",
		TraitScores: models.TraitScores{
			Version: "v2",
			BigFive: map[string]float64{"openness": 0.7},
		},
		QualityScore:    0.8,
		ConfidenceScore: 0.9,
		ModelUsed:       "claude-sonnet",
		ProcessingMs:    1200,
		RawAIResponse:   "{}",
		Special:         models.SituationNone,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepoInsertDuplicateSource(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db)

	// ON CONFLICT DO NOTHING returns no row for an existing source.
	mock.ExpectQuery("INSERT INTO answer_analysis").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Insert(context.Background(), &models.AnalysisRecord{
		UserID: 42,
		Source: models.SourceRef{Kind: models.SourceAnswer, ID: 7},
		TraitScores: models.TraitScores{
			Version: "v2",
			BigFive: map[string]float64{"openness": 0.7},
		},
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepoGetUnmarshalsJSON(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db)

	traits, err := json.Marshal(models.TraitScores{
		Version: "v2",
		BigFive: map[string]float64{"openness": 0.7, "neuroticism": 0.3},
		Dynamic: map[string]float64{"stress": 0.6},
	})
	require.NoError(t, err)

	now := time.Now()
	cols := []string{
		"id", "user_id", "source_kind", "source_id", "analysis_version",
		"emotional_state", "trait_scores", "insights", "router_hints", "profile_delta",
		"quality_score", "confidence_score", "model_used", "processing_time_ms",
		"raw_ai_response", "special_situation", "is_milestone", "emergency",
		"vectorization_status", "vectorization_error", "vectorization_completed_at",
		"dp_update_status", "dp_update_error", "dp_update_completed_at",
		"retry_count", "last_retry_at",
		"background_task_completed", "background_task_duration_ms", "processed_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM answer_analysis WHERE id").
		WithArgs(int64(101)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(101), int64(42), "answer", int64(7), "v2",
			"calm", traits, nil, nil, nil,
			0.8, 0.9, "claude-sonnet", int64(1200),
			"{}", "breakthrough", true, false,
			"success", nil, now,
			"pending", nil, nil,
			0, nil,
			false, int64(0), now,
		))

	rec, err := repo.Get(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.UserID)
	assert.Equal(t, models.SituationBreakthrough, rec.Special)
	assert.True(t, rec.IsMilestone)
	assert.Equal(t, 0.7, rec.TraitScores.BigFive["openness"])
	assert.Equal(t, 0.6, rec.TraitScores.Dynamic["stress"])
	assert.Equal(t, models.LaneSuccess, rec.VectorizationStatus)
	assert.Equal(t, models.LanePending, rec.DPUpdateStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepoGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM answer_analysis WHERE id").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnalysisRepoSetLaneStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db)

	mock.ExpectExec("UPDATE answer_analysis SET\\s+vectorization_status").
		WithArgs(int64(101), models.LaneSuccess, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetLaneStatus(context.Background(), 101, LaneVectorization, models.LaneSuccess, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepoSetLaneStatusUnknownLane(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewAnalysisRepo(db)

	err := repo.SetLaneStatus(context.Background(), 101, Lane("bogus"), models.LaneSuccess, "")
	assert.Error(t, err)
}

func TestAnalysisRepoResetLaneForRetry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db)

	mock.ExpectExec("UPDATE answer_analysis SET\\s+dp_update_status = 'pending'").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ResetLaneForRetry(context.Background(), 5, LaneDPUpdate))

	// A lane that is not failed matches no rows.
	mock.ExpectExec("UPDATE answer_analysis SET\\s+dp_update_status = 'pending'").
		WithArgs(int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ResetLaneForRetry(context.Background(), 6, LaneDPUpdate)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepoCreateAbandonsPrior(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE onboarding_sessions SET status = 'abandoned'").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO onboarding_sessions").
		WithArgs("sess-1", int64(42), sqlmock.AnyArg(), "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), &models.Session{ID: "sess-1", UserID: 42})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepoRecordAnswerBumpsCounters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO user_answers").
		WithArgs("sess-1", int64(42), "q-identity-1", "my answer").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectExec("UPDATE onboarding_sessions SET\\s+questions_answered = questions_answered \\+ 1").
		WithArgs("sess-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := repo.RecordAnswer(context.Background(), &models.Answer{
		SessionID:  "sess-1",
		UserID:     42,
		QuestionID: "q-identity-1",
		AnswerText: "my answer",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileRepoRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProfileRepo(db)

	goals, err := json.Marshal(map[string]models.ProfileItem{
		"run marathon": {Key: "run marathon", Status: models.ItemStatusActive, Priority: 8},
	})
	require.NoError(t, err)

	cols := []string{
		"user_id", "identity", "interests", "goals", "barriers", "relationships",
		"values", "current_state", "skills", "experiences", "health",
		"total_answers_analyzed", "completeness_score", "updated_at",
	}
	empty := []byte(`{}`)
	mock.ExpectQuery("SELECT (.+) FROM digital_personality WHERE user_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(42), empty, empty, goals, empty, empty,
			empty, empty, empty, empty, empty,
			12, 0.1, time.Now(),
		))

	p, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 12, p.TotalAnswersAnalyzed)
	require.Contains(t, p.Layers[models.LayerGoals], "run marathon")
	assert.Equal(t, 8, p.Layers[models.LayerGoals]["run marathon"].Priority)
	assert.Empty(t, p.Layers[models.LayerHealth])

	mock.ExpectExec("INSERT INTO digital_personality").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.TotalAnswersAnalyzed = 13
	require.NoError(t, repo.Upsert(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileRepoGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProfileRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM digital_personality WHERE user_id").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := repo.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraitRepoAppendBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTraitRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trait_history").
		WithArgs(int64(42), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trait_history").
		WithArgs(int64(42), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AppendBatch(context.Background(), 42, map[string]float64{
		"openness":       0.7,
		"dynamic.stress": 0.5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTraitRepoLastValueNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTraitRepo(db)

	mock.ExpectQuery("SELECT value FROM trait_history").
		WithArgs(int64(42), "openness").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := repo.LastValue(context.Background(), 42, "openness")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuestionRepoFlagNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQuestionRepo(db)

	mock.ExpectExec("UPDATE questions_metadata SET\\s+is_flagged = TRUE").
		WithArgs("q-missing", "duplicate", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Flag(context.Background(), "q-missing", "duplicate", "admin-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
