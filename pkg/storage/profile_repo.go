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

// ProfileRepo persists the layered digital personality. Each layer lives in
// its own JSONB column so partial reads stay cheap.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Get loads a user's profile. Returns ErrNotFound when none exists yet; the
// caller decides whether to start from an empty profile.
func (r *ProfileRepo) Get(ctx context.Context, userID int64) (*models.PersonalityProfile, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT user_id, identity, interests, goals, barriers, relationships,
		       "values", current_state, skills, experiences, health,
		       total_answers_analyzed, completeness_score, updated_at
		FROM digital_personality WHERE user_id = $1`, userID)

	p := models.NewPersonalityProfile(userID)
	raw := make([][]byte, len(models.ProfileLayerNames()))
	dest := []any{&p.UserID}
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	dest = append(dest, &p.TotalAnswersAnalyzed, &p.CompletenessScore, &p.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	for i, name := range models.ProfileLayerNames() {
		items := make(map[string]models.ProfileItem)
		if len(raw[i]) > 0 {
			if err := json.Unmarshal(raw[i], &items); err != nil {
				return nil, fmt.Errorf("failed to unmarshal layer %q: %w", name, err)
			}
		}
		p.Layers[name] = items
	}
	return p, nil
}

// Upsert writes the full profile, replacing every layer column.
func (r *ProfileRepo) Upsert(ctx context.Context, p *models.PersonalityProfile) error {
	names := models.ProfileLayerNames()
	layerArgs := make([]any, 0, len(names))
	for _, name := range names {
		b, err := json.Marshal(p.Layers[name])
		if err != nil {
			return fmt.Errorf("failed to marshal layer %q: %w", name, err)
		}
		layerArgs = append(layerArgs, b)
	}

	args := append([]any{p.UserID}, layerArgs...)
	args = append(args, p.TotalAnswersAnalyzed, p.CompletenessScore)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO digital_personality (
			user_id, identity, interests, goals, barriers, relationships,
			"values", current_state, skills, experiences, health,
			total_answers_analyzed, completeness_score, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (user_id) DO UPDATE SET
			identity = EXCLUDED.identity,
			interests = EXCLUDED.interests,
			goals = EXCLUDED.goals,
			barriers = EXCLUDED.barriers,
			relationships = EXCLUDED.relationships,
			"values" = EXCLUDED."values",
			current_state = EXCLUDED.current_state,
			skills = EXCLUDED.skills,
			experiences = EXCLUDED.experiences,
			health = EXCLUDED.health,
			total_answers_analyzed = EXCLUDED.total_answers_analyzed,
			completeness_score = EXCLUDED.completeness_score,
			updated_at = now()`, args...)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdatedAt returns the profile's last update time without loading the
// layers. Used by the dossier cache to decide staleness.
func (r *ProfileRepo) UpdatedAt(ctx context.Context, userID int64) (time.Time, error) {
	var t time.Time
	err := r.db.GetContext(ctx, &t,
		`SELECT updated_at FROM digital_personality WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load profile timestamp: %w", err)
	}
	return t, nil
}
