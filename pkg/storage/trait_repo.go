package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// TraitRepo is the append-only trait history log.
type TraitRepo struct {
	db *sqlx.DB
}

func NewTraitRepo(db *sqlx.DB) *TraitRepo {
	return &TraitRepo{db: db}
}

// Append records one trait observation.
func (r *TraitRepo) Append(ctx context.Context, userID int64, trait string, value float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trait_history (user_id, trait_name, value, recorded_at)
		VALUES ($1, $2, $3, now())`, userID, trait, value)
	if err != nil {
		return fmt.Errorf("failed to append trait history: %w", err)
	}
	return nil
}

// AppendBatch records a full set of trait observations in one transaction.
func (r *TraitRepo) AppendBatch(ctx context.Context, userID int64, traits map[string]float64) error {
	if len(traits) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for name, value := range traits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trait_history (user_id, trait_name, value, recorded_at)
			VALUES ($1, $2, $3, now())`, userID, name, value); err != nil {
			return fmt.Errorf("failed to append trait %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trait batch: %w", err)
	}
	return nil
}

// LastValue returns the most recent recorded value for a trait, or ErrNotFound
// when the user has no history for it.
func (r *TraitRepo) LastValue(ctx context.Context, userID int64, trait string) (float64, error) {
	var v float64
	err := r.db.GetContext(ctx, &v, `
		SELECT value FROM trait_history
		WHERE user_id = $1 AND trait_name = $2
		ORDER BY recorded_at DESC
		LIMIT 1`, userID, trait)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load last trait value: %w", err)
	}
	return v, nil
}

// Recent returns up to limit entries for a trait, newest first.
func (r *TraitRepo) Recent(ctx context.Context, userID int64, trait string, limit int) ([]models.TraitHistoryEntry, error) {
	var out []models.TraitHistoryEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT user_id, trait_name, value, recorded_at FROM trait_history
		WHERE user_id = $1 AND trait_name = $2
		ORDER BY recorded_at DESC
		LIMIT $3`, userID, trait, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load trait history: %w", err)
	}
	return out, nil
}
