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
	"github.com/innerloop-ai/innerloop/pkg/outbox"
)

// SessionRepo persists onboarding sessions and recorded answers. Mutating
// methods accept outbox events that are enqueued in the same transaction as
// the domain change.
type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Create inserts a new ACTIVE session, abandoning any prior active session
// for the user in the same transaction.
func (r *SessionRepo) Create(ctx context.Context, s *models.Session, events ...outbox.BatchEvent) error {
	domains, err := json.Marshal(domainsOrEmpty(s.DomainsCovered))
	if err != nil {
		return fmt.Errorf("failed to marshal domains: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE onboarding_sessions SET status = 'abandoned'
		WHERE user_id = $1 AND status = 'active'`, s.UserID); err != nil {
		return fmt.Errorf("failed to abandon prior sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO onboarding_sessions (
			id, user_id, status, started_at, last_activity_at,
			questions_asked, questions_answered, heavy_count,
			domains_covered, current_question_id, strategy
		) VALUES ($1, $2, 'active', now(), now(), 0, 0, 0, $3, NULLIF($4, ''), NULLIF($5, ''))`,
		s.ID, s.UserID, domains, s.CurrentQuestionID, s.Strategy); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if err := outbox.PublishBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session create: %w", err)
	}
	return nil
}

// Get loads a session by ID.
func (r *SessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.getWhere(ctx, `id = $1`, id)
}

// GetActive returns the user's single ACTIVE session, or ErrNotFound.
func (r *SessionRepo) GetActive(ctx context.Context, userID int64) (*models.Session, error) {
	return r.getWhere(ctx, `user_id = $1 AND status = 'active'`, userID)
}

func (r *SessionRepo) getWhere(ctx context.Context, where string, arg any) (*models.Session, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT id, user_id, status, started_at, completed_at, last_activity_at,
		       questions_asked, questions_answered, heavy_count,
		       domains_covered, current_question_id, strategy
		FROM onboarding_sessions WHERE `+where, arg)

	var (
		s             models.Session
		domains       []byte
		currentQ, str sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.Status, &s.StartedAt, &s.CompletedAt, &s.LastActivityAt,
		&s.QuestionsAsked, &s.QuestionsAnswered, &s.HeavyCount,
		&domains, &currentQ, &str,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.CurrentQuestionID = currentQ.String
	s.Strategy = str.String
	if len(domains) > 0 {
		if err := json.Unmarshal(domains, &s.DomainsCovered); err != nil {
			return nil, fmt.Errorf("failed to unmarshal domains: %w", err)
		}
	}
	return &s, nil
}

// Update writes back the mutable session fields and touches last_activity_at.
func (r *SessionRepo) Update(ctx context.Context, s *models.Session, events ...outbox.BatchEvent) error {
	domains, err := json.Marshal(domainsOrEmpty(s.DomainsCovered))
	if err != nil {
		return fmt.Errorf("failed to marshal domains: %w", err)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE onboarding_sessions SET
			status = $2,
			completed_at = $3,
			last_activity_at = now(),
			questions_asked = $4,
			questions_answered = $5,
			heavy_count = $6,
			domains_covered = $7,
			current_question_id = NULLIF($8, ''),
			strategy = NULLIF($9, '')
		WHERE id = $1`,
		s.ID, s.Status, s.CompletedAt,
		s.QuestionsAsked, s.QuestionsAnswered, s.HeavyCount,
		domains, s.CurrentQuestionID, s.Strategy)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := outbox.PublishBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session update: %w", err)
	}
	return nil
}

// MarkStatus transitions a session to the given status, stamping
// completed_at for terminal transitions.
func (r *SessionRepo) MarkStatus(ctx context.Context, id string, status models.SessionStatus, events ...outbox.BatchEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE onboarding_sessions SET
			status = $2,
			completed_at = CASE WHEN $2 IN ('completed','abandoned') THEN now() ELSE completed_at END,
			last_activity_at = now()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to mark session %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := outbox.PublishBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session status: %w", err)
	}
	return nil
}

// ListInactiveSince returns ACTIVE sessions with no activity since the
// cutoff. The timeout sweeper abandons these.
func (r *SessionRepo) ListInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, user_id, status, started_at, completed_at, last_activity_at,
		       questions_asked, questions_answered, heavy_count,
		       domains_covered, current_question_id, strategy
		FROM onboarding_sessions
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var (
			s             models.Session
			domains       []byte
			currentQ, str sql.NullString
		)
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.Status, &s.StartedAt, &s.CompletedAt, &s.LastActivityAt,
			&s.QuestionsAsked, &s.QuestionsAnswered, &s.HeavyCount,
			&domains, &currentQ, &str,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.CurrentQuestionID = currentQ.String
		s.Strategy = str.String
		if len(domains) > 0 {
			if err := json.Unmarshal(domains, &s.DomainsCovered); err != nil {
				return nil, fmt.Errorf("failed to unmarshal domains: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordAnswer stores an answer and bumps the session counters in one
// transaction, returning the answer's assigned ID.
func (r *SessionRepo) RecordAnswer(ctx context.Context, a *models.Answer, heavy bool, events ...outbox.BatchEvent) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO user_answers (session_id, user_id, question_id, answer_text, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id`,
		a.SessionID, a.UserID, a.QuestionID, a.AnswerText).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert answer: %w", err)
	}

	heavyBump := 0
	if heavy {
		heavyBump = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE onboarding_sessions SET
			questions_answered = questions_answered + 1,
			heavy_count = heavy_count + $2,
			last_activity_at = now()
		WHERE id = $1`, a.SessionID, heavyBump); err != nil {
		return 0, fmt.Errorf("failed to bump session counters: %w", err)
	}

	if err := outbox.PublishBatch(ctx, tx, events); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit answer: %w", err)
	}
	return id, nil
}

// GetAnswer loads one answer by ID.
func (r *SessionRepo) GetAnswer(ctx context.Context, id int64) (*models.Answer, error) {
	var a models.Answer
	err := r.db.GetContext(ctx, &a, `
		SELECT id, session_id, user_id, question_id, answer_text, created_at
		FROM user_answers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load answer: %w", err)
	}
	return &a, nil
}

// RecentAnswers returns the user's latest answers, newest first.
func (r *SessionRepo) RecentAnswers(ctx context.Context, userID int64, limit int) ([]models.Answer, error) {
	var out []models.Answer
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, session_id, user_id, question_id, answer_text, created_at
		FROM user_answers
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent answers: %w", err)
	}
	return out, nil
}

// AnsweredQuestionIDs returns every question the user has ever answered,
// across all sessions. Feeds the selector's exclusion set.
func (r *SessionRepo) AnsweredQuestionIDs(ctx context.Context, userID int64) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT DISTINCT question_id FROM user_answers WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answered questions: %w", err)
	}
	return out, nil
}

func domainsOrEmpty(d []string) []string {
	if d == nil {
		return []string{}
	}
	return d
}
