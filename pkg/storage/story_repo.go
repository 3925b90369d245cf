package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// StoryRepo persists free-form context stories.
type StoryRepo struct {
	db *sqlx.DB
}

func NewStoryRepo(db *sqlx.DB) *StoryRepo {
	return &StoryRepo{db: db}
}

// Insert stores a story and returns its assigned ID.
func (r *StoryRepo) Insert(ctx context.Context, s *models.ContextStory) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO user_context_stories (user_id, session_id, story_type, content, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id`,
		s.UserID, s.SessionID, s.StoryType, s.Content).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert story: %w", err)
	}
	return id, nil
}

// Get loads one story by ID.
func (r *StoryRepo) Get(ctx context.Context, id int64) (*models.ContextStory, error) {
	var s models.ContextStory
	err := r.db.GetContext(ctx, &s, `
		SELECT id, user_id, session_id, story_type, content, created_at
		FROM user_context_stories WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}
	return &s, nil
}

// ListByUser returns up to limit stories for a user, newest first.
func (r *StoryRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]models.ContextStory, error) {
	var out []models.ContextStory
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, user_id, session_id, story_type, content, created_at
		FROM user_context_stories
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	return out, nil
}
