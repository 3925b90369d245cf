// Package profile maintains the layered personality profile and the trait
// evolution log. It is the DP-update lane of the analysis pipeline and the
// consumer of trait.extracted events.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// ProfileStore is the digital_personality persistence surface.
type ProfileStore interface {
	Get(ctx context.Context, userID int64) (*models.PersonalityProfile, error)
	Upsert(ctx context.Context, p *models.PersonalityProfile) error
}

// TraitStore is the trait history surface.
type TraitStore interface {
	Append(ctx context.Context, userID int64, trait string, value float64) error
	LastValue(ctx context.Context, userID int64, trait string) (float64, error)
	Recent(ctx context.Context, userID int64, trait string, limit int) ([]models.TraitHistoryEntry, error)
}

// Publisher publishes evolution signals to the bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, priority bus.Priority, traceID string) (string, error)
}

// Invalidator drops cached dossiers after a profile write.
type Invalidator interface {
	InvalidateDossier(ctx context.Context, userID int64) error
}

// Config tunes the writer.
type Config struct {
	// SignificanceThreshold is the absolute trait delta that triggers a
	// trait.evolution.detected event.
	SignificanceThreshold float64
	// TraitThresholds overrides the global threshold per trait name.
	TraitThresholds map[string]float64
	// PatternWindow is how many history entries pattern tagging looks at.
	PatternWindow int
}

func (c Config) thresholdFor(trait string) float64 {
	if t, ok := c.TraitThresholds[trait]; ok && t > 0 {
		return t
	}
	return c.SignificanceThreshold
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SignificanceThreshold: 0.15,
		PatternWindow:         10,
	}
}

// Writer applies analysis output to the profile and trait history.
type Writer struct {
	profiles   ProfileStore
	traits     TraitStore
	pub        Publisher
	invalidate Invalidator
	cfg        Config
	logger     *slog.Logger
}

// New builds a Writer. pub and invalidate may be nil; evolution events and
// dossier invalidation are then skipped.
func New(profiles ProfileStore, traits TraitStore, pub Publisher, invalidate Invalidator, cfg Config, logger *slog.Logger) *Writer {
	if cfg.SignificanceThreshold <= 0 {
		cfg.SignificanceThreshold = DefaultConfig().SignificanceThreshold
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = DefaultConfig().PatternWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		profiles:   profiles,
		traits:     traits,
		pub:        pub,
		invalidate: invalidate,
		cfg:        cfg,
		logger:     logger.With("component", "profile_writer"),
	}
}

// ApplyAnalysis deep-merges an accepted analysis record into the user's
// profile, bumps the analyzed counter, and recomputes completeness. This is
// the DP-update lane worker.
func (w *Writer) ApplyAnalysis(ctx context.Context, rec *models.AnalysisRecord) error {
	p, err := w.profiles.Get(ctx, rec.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		p = models.NewPersonalityProfile(rec.UserID)
	} else if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	changed, skipped := MergeDelta(p, rec.ProfileDelta, time.Now())
	for _, ref := range skipped {
		w.logger.Warn("Skipped unmergeable profile item",
			"user_id", rec.UserID, "analysis_id", rec.ID, "item", ref)
	}

	p.TotalAnswersAnalyzed++
	p.CompletenessScore = p.Completeness()

	if err := w.profiles.Upsert(ctx, p); err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}
	w.logger.Info("Profile updated",
		"user_id", rec.UserID, "analysis_id", rec.ID,
		"items_changed", changed, "completeness", p.CompletenessScore)

	if w.invalidate != nil {
		if err := w.invalidate.InvalidateDossier(ctx, rec.UserID); err != nil {
			w.logger.Warn("Failed to invalidate dossier", "user_id", rec.UserID, "error", err)
		}
	}
	return nil
}

// HandleTraitExtracted is the bus handler for trait.extracted.
func (w *Writer) HandleTraitExtracted(ctx context.Context, env *bus.Envelope) bus.Verdict {
	var p bus.TraitExtractedPayload
	if err := bus.DecodePayload(env.Payload, &p); err != nil {
		w.logger.Error("Undecodable trait event", "event_id", env.EventID, "error", err)
		return bus.Fail
	}
	if p.TraitName == "" {
		w.logger.Error("Trait event without trait name", "event_id", env.EventID)
		return bus.Fail
	}
	if err := w.ProcessTrait(ctx, p, env.TraceID); err != nil {
		w.logger.Error("Failed to process trait",
			"user_id", p.UserID, "trait", p.TraitName, "error", err)
		return bus.Retry
	}
	return bus.Ack
}

// ProcessTrait appends a trait observation and publishes
// trait.evolution.detected when the change crosses the significance
// threshold.
func (w *Writer) ProcessTrait(ctx context.Context, p bus.TraitExtractedPayload, traceID string) error {
	prev, err := w.traits.LastValue(ctx, p.UserID, p.TraitName)
	first := errors.Is(err, storage.ErrNotFound)
	if err != nil && !first {
		return fmt.Errorf("failed to load prior trait value: %w", err)
	}

	if err := w.traits.Append(ctx, p.UserID, p.TraitName, p.Value); err != nil {
		return err
	}
	if first {
		return nil
	}

	threshold := w.cfg.thresholdFor(p.TraitName)
	delta := p.Value - prev
	if math.Abs(delta) < threshold {
		return nil
	}

	tag := ""
	if history, err := w.traits.Recent(ctx, p.UserID, p.TraitName, w.cfg.PatternWindow); err != nil {
		w.logger.Warn("Failed to load trait window", "trait", p.TraitName, "error", err)
	} else {
		tag = ClassifyPattern(history, threshold)
	}

	if w.pub == nil {
		return nil
	}
	payload, err := bus.EncodePayload(bus.TraitEvolutionPayload{
		UserID:     p.UserID,
		TraitName:  p.TraitName,
		Old:        prev,
		New:        p.Value,
		Delta:      delta,
		PatternTag: tag,
	})
	if err != nil {
		return fmt.Errorf("failed to encode evolution payload: %w", err)
	}
	if _, err := w.pub.Publish(ctx, bus.EventTypeTraitEvolution, payload,
		bus.PriorityFor(bus.EventTypeTraitEvolution), traceID); err != nil {
		return fmt.Errorf("failed to publish trait evolution: %w", err)
	}
	w.logger.Info("Trait evolution detected",
		"user_id", p.UserID, "trait", p.TraitName, "delta", delta, "pattern", tag)
	return nil
}
