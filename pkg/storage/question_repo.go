package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// QuestionRepo holds moderation metadata for catalog questions. The question
// text itself lives in the YAML catalog; this table only tracks flags.
type QuestionRepo struct {
	db *sqlx.DB
}

func NewQuestionRepo(db *sqlx.DB) *QuestionRepo {
	return &QuestionRepo{db: db}
}

// Sync upserts catalog attributes for a question without touching its flag
// state. Called at startup for every catalog entry.
func (r *QuestionRepo) Sync(ctx context.Context, q models.Question) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO questions_metadata (json_id, domain, depth_level, energy)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (json_id) DO UPDATE SET
			domain = EXCLUDED.domain,
			depth_level = EXCLUDED.depth_level,
			energy = EXCLUDED.energy`,
		q.ID, q.Domain, q.DepthLevel, q.Energy)
	if err != nil {
		return fmt.Errorf("failed to sync question metadata: %w", err)
	}
	return nil
}

// Flag marks a question as excluded from selection.
func (r *QuestionRepo) Flag(ctx context.Context, jsonID, reason, admin string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE questions_metadata SET
			is_flagged = TRUE,
			flag_reason = $2,
			flagged_at = now(),
			flagged_by_admin = $3
		WHERE json_id = $1`, jsonID, reason, admin)
	if err != nil {
		return fmt.Errorf("failed to flag question: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unflag restores a question to the selectable pool.
func (r *QuestionRepo) Unflag(ctx context.Context, jsonID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE questions_metadata SET
			is_flagged = FALSE,
			flag_reason = NULL,
			flagged_at = NULL,
			flagged_by_admin = NULL
		WHERE json_id = $1`, jsonID)
	if err != nil {
		return fmt.Errorf("failed to unflag question: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FlaggedIDs returns every currently flagged question ID.
func (r *QuestionRepo) FlaggedIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out,
		`SELECT json_id FROM questions_metadata WHERE is_flagged = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged questions: %w", err)
	}
	return out, nil
}

// Get loads metadata for one question.
func (r *QuestionRepo) Get(ctx context.Context, jsonID string) (*models.QuestionMetadata, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT json_id, domain, depth_level, energy,
		       is_flagged, flag_reason, flagged_at, flagged_by_admin
		FROM questions_metadata WHERE json_id = $1`, jsonID)

	var (
		m             models.QuestionMetadata
		domain        sql.NullString
		energy        sql.NullString
		reason, admin sql.NullString
	)
	err := row.Scan(&m.JSONID, &domain, &m.DepthLevel, &energy,
		&m.IsFlagged, &reason, &m.FlaggedAt, &admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load question metadata: %w", err)
	}
	m.Domain = domain.String
	m.Energy = energy.String
	m.FlagReason = reason.String
	m.FlaggedByAdmin = admin.String
	return &m, nil
}
