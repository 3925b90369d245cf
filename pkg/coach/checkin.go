package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// CheckinConfig sets per-category validation windows. Values stay valid the
// longest, goals the shortest.
type CheckinConfig struct {
	GoalsAfter    time.Duration
	BarriersAfter time.Duration
	ValuesAfter   time.Duration
	// SessionsWithout triggers a check-in after this many sessions with no
	// validation regardless of age.
	SessionsWithout int
	// MaxPerBatch caps prompts produced at once.
	MaxPerBatch int
}

// DefaultCheckinConfig returns production defaults.
func DefaultCheckinConfig() CheckinConfig {
	return CheckinConfig{
		GoalsAfter:      14 * 24 * time.Hour,
		BarriersAfter:   30 * 24 * time.Hour,
		ValuesAfter:     90 * 24 * time.Hour,
		SessionsWithout: 5,
		MaxPerBatch:     2,
	}
}

// Checkin is one fact the coach should re-validate with the user.
type Checkin struct {
	Layer   string `json:"layer"`
	ItemKey string `json:"item_key"`
	Reason  string `json:"reason"`
}

// Check-in reasons.
const (
	ReasonAged          = "aged"
	ReasonSessionsLapse = "sessions_without_validation"
)

// CheckinScheduler decides which profile facts are due for re-validation and
// records the outcomes.
type CheckinScheduler struct {
	profiles   ProfileStore
	invalidate Cache
	cfg        CheckinConfig
	logger     *slog.Logger
}

func NewCheckinScheduler(profiles ProfileStore, cache Cache, cfg CheckinConfig, logger *slog.Logger) *CheckinScheduler {
	def := DefaultCheckinConfig()
	if cfg.GoalsAfter <= 0 {
		cfg.GoalsAfter = def.GoalsAfter
	}
	if cfg.BarriersAfter <= 0 {
		cfg.BarriersAfter = def.BarriersAfter
	}
	if cfg.ValuesAfter <= 0 {
		cfg.ValuesAfter = def.ValuesAfter
	}
	if cfg.SessionsWithout <= 0 {
		cfg.SessionsWithout = def.SessionsWithout
	}
	if cfg.MaxPerBatch <= 0 {
		cfg.MaxPerBatch = def.MaxPerBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckinScheduler{
		profiles:   profiles,
		invalidate: cache,
		cfg:        cfg,
		logger:     logger.With("component", "checkin_scheduler"),
	}
}

func (s *CheckinScheduler) window(layer string) (time.Duration, bool) {
	switch layer {
	case models.LayerGoals:
		return s.cfg.GoalsAfter, true
	case models.LayerBarriers:
		return s.cfg.BarriersAfter, true
	case models.LayerValues:
		return s.cfg.ValuesAfter, true
	default:
		return 0, false
	}
}

// Due returns up to MaxPerBatch facts due for re-validation, oldest first.
// sessionsSinceValidation counts the user's sessions since any check-in.
func (s *CheckinScheduler) Due(ctx context.Context, userID int64, sessionsSinceValidation int) ([]Checkin, error) {
	p, err := s.profiles.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	now := time.Now()
	type candidate struct {
		checkin Checkin
		age     time.Duration
	}
	var due []candidate
	for _, layer := range models.ProfileLayerNames() {
		window, tracked := s.window(layer)
		if !tracked {
			continue
		}
		for _, item := range sortedItems(p.Layers[layer]) {
			if item.Status == models.ItemStatusInactive || item.Status == models.ItemStatusStale {
				continue
			}
			last := item.UpdatedAt
			if item.LastValidatedAt != nil {
				last = *item.LastValidatedAt
			}
			age := now.Sub(last)
			switch {
			case age >= window:
				due = append(due, candidate{Checkin{layer, item.Key, ReasonAged}, age})
			case sessionsSinceValidation >= s.cfg.SessionsWithout:
				due = append(due, candidate{Checkin{layer, item.Key, ReasonSessionsLapse}, age})
			}
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].age > due[j].age })
	if len(due) > s.cfg.MaxPerBatch {
		due = due[:s.cfg.MaxPerBatch]
	}
	out := make([]Checkin, len(due))
	for i, c := range due {
		out[i] = c.checkin
	}
	return out, nil
}

// RecordOutcome stores a check-in result against the fact. A confirmation
// refreshes its validation stamp; a denial marks it stale for profile update.
func (s *CheckinScheduler) RecordOutcome(ctx context.Context, userID int64, layer, itemKey string, confirmed bool) error {
	p, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	item, ok := p.Layers[layer][itemKey]
	if !ok {
		return fmt.Errorf("no item %q in layer %q", itemKey, layer)
	}

	now := time.Now()
	if confirmed {
		item.LastValidatedAt = &now
	} else {
		item.Status = models.ItemStatusStale
	}
	item.UpdatedAt = now
	p.Layers[layer][itemKey] = item

	if err := s.profiles.Upsert(ctx, p); err != nil {
		return fmt.Errorf("failed to store check-in outcome: %w", err)
	}
	if !confirmed && s.invalidate != nil {
		if err := s.invalidate.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("Failed to invalidate dossier after check-in",
				"user_id", userID, "error", err)
		}
	}
	s.logger.Info("Check-in recorded",
		"user_id", userID, "layer", layer, "item", itemKey, "confirmed", confirmed)
	return nil
}
