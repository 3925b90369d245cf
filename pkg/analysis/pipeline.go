// Package analysis implements the two-phase answer pipeline: an instant
// low-latency reply, then the authoritative deep record with background
// vectorization and profile-update lanes.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/llm"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/storage"
	"github.com/innerloop-ai/innerloop/pkg/vector"
)

// Router is the model-routing surface the pipeline uses.
type Router interface {
	Route(ctx context.Context, req airouter.RouteRequest) (*airouter.Result, error)
}

// Publisher is the bus surface the pipeline publishes results on.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, priority bus.Priority, traceID string) (string, error)
}

// RecordStore is the persistence surface for analysis records.
type RecordStore interface {
	Insert(ctx context.Context, rec *models.AnalysisRecord) (int64, error)
	SetLaneStatus(ctx context.Context, id int64, lane storage.Lane, status models.LaneStatus, laneErr string) error
}

// ProfileApplier is the DP-update lane's target (C11 merge writer).
type ProfileApplier interface {
	ApplyAnalysis(ctx context.Context, rec *models.AnalysisRecord) error
}

// Config tunes the pipeline.
type Config struct {
	// InstantTimeout bounds the phase-A model call.
	InstantTimeout time.Duration
	// DeepTimeout bounds the phase-B model call.
	DeepTimeout time.Duration
	// UserTier selects the router chain side.
	UserTier airouter.UserTier
}

func (c *Config) applyDefaults() {
	if c.InstantTimeout <= 0 {
		c.InstantTimeout = 3 * time.Second
	}
	if c.DeepTimeout <= 0 {
		c.DeepTimeout = 90 * time.Second
	}
	if c.UserTier == "" {
		c.UserTier = airouter.TierPremium
	}
}

// Pipeline processes answers and context stories.
type Pipeline struct {
	router   Router
	pub      Publisher
	records  RecordStore
	embedder llm.Embedder
	vectors  vector.Store
	profiles ProfileApplier
	cfg      Config
	logger   *slog.Logger
}

// New assembles a pipeline. embedder, vectors and profiles may be nil in
// reduced deployments; the corresponding lane then fails with a stored
// error instead of panicking.
func New(router Router, pub Publisher, records RecordStore, embedder llm.Embedder,
	vectors vector.Store, profiles ProfileApplier, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if router == nil || pub == nil || records == nil {
		return nil, errors.New("router, publisher and record store are required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		router:   router,
		pub:      pub,
		records:  records,
		embedder: embedder,
		vectors:  vectors,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.With("component", "analysis_pipeline"),
	}, nil
}

// HandleAnswer is the bus handler for user.answer.submitted.
func (p *Pipeline) HandleAnswer(ctx context.Context, env *bus.Envelope) bus.Verdict {
	var payload bus.AnswerSubmittedPayload
	if err := bus.DecodePayload(env.Payload, &payload); err != nil {
		p.logger.Error("Malformed answer payload", "event_id", env.EventID, "error", err)
		return bus.Fail
	}
	if err := p.ProcessAnswer(ctx, payload, env.TraceID); err != nil {
		p.logger.Error("Answer processing failed",
			"answer_id", payload.AnswerID,
			"user_id", payload.UserID,
			"error", err)
		return bus.Retry
	}
	return bus.Ack
}

// ProcessAnswer runs both phases for one submitted answer.
func (p *Pipeline) ProcessAnswer(ctx context.Context, payload bus.AnswerSubmittedPayload, traceID string) error {
	p.runInstant(ctx, payload, traceID)

	source := models.SourceRef{Kind: models.SourceAnswer, ID: payload.AnswerID}
	return p.runDeep(ctx, payload.UserID, source, "", payload.AnswerText, traceID)
}

// ProcessStory routes a free-form context story through the deep phase only.
func (p *Pipeline) ProcessStory(ctx context.Context, story *models.ContextStory, traceID string) error {
	source := models.SourceRef{Kind: models.SourceStory, ID: story.ID}
	return p.runDeep(ctx, story.UserID, source, "", story.Content, traceID)
}

// runInstant performs phase A. Failures are logged and swallowed; the deep
// phase proceeds regardless.
func (p *Pipeline) runInstant(ctx context.Context, payload bus.AnswerSubmittedPayload, traceID string) {
	ictx, cancel := context.WithTimeout(ctx, p.cfg.InstantTimeout)
	defer cancel()

	res, err := p.router.Route(ictx, airouter.RouteRequest{
		System:     instantSystemPrompt,
		Prompt:     instantPrompt("", payload.AnswerText),
		Tier:       p.cfg.UserTier,
		Complexity: airouter.ComplexitySimple,
		MaxTokens:  256,
	})
	if err != nil {
		p.logger.Warn("Instant phase failed", "answer_id", payload.AnswerID, "error", err)
		return
	}

	instant := parseInstantOutput(res.Response.Text)
	out, err := bus.EncodePayload(bus.InstantCompletedPayload{
		UserID:          payload.UserID,
		AnswerID:        payload.AnswerID,
		QuickEmotional:  instant.QuickEmotional,
		QuickReflection: instant.QuickReflection,
	})
	if err != nil {
		p.logger.Warn("Instant payload encoding failed", "error", err)
		return
	}
	if _, err := p.pub.Publish(ctx, bus.EventTypeInstantCompleted, out,
		bus.PriorityFor(bus.EventTypeInstantCompleted), traceID); err != nil {
		p.logger.Warn("Instant publish failed", "answer_id", payload.AnswerID, "error", err)
	}
}

// runDeep performs phase B: model call, schema validation with emergency
// fallback, record insert, event publication and the two background lanes.
func (p *Pipeline) runDeep(ctx context.Context, userID int64, source models.SourceRef,
	questionText, text, traceID string) error {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DeepTimeout)
	start := time.Now()
	res, err := p.router.Route(dctx, airouter.RouteRequest{
		System:         deepSystemPrompt,
		Prompt:         deepPrompt(questionText, text),
		Tier:           p.cfg.UserTier,
		Complexity:     airouter.ComplexityDeep,
		ComplexityText: text,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("deep phase model call failed: %w", err)
	}

	emergency := false
	out, parseErr := parseDeepOutput(res.Response.Text)
	if parseErr != nil {
		p.logger.Error("Deep output failed validation, using emergency record",
			"user_id", userID,
			"source_kind", source.Kind,
			"source_id", source.ID,
			"error", parseErr)
		out = emergencyOutput()
		emergency = true
	}

	special := models.SpecialSituation(out.SpecialSituation)
	if special == "" {
		special = models.SituationNone
	}
	if detectCrisis(text) {
		special = models.SituationCrisis
	}

	rec := &models.AnalysisRecord{
		UserID:          userID,
		Source:          source,
		AnalysisVersion: AnalysisVersion,
		EmotionalState:  out.EmotionalState,
		TraitScores:     out.TraitScores,
		Insights:        out.Insights,
		RouterHints:     out.RouterHints,
		ProfileDelta:    out.ProfileDelta,
		QualityScore:    out.QualityScore,
		ConfidenceScore: out.ConfidenceScore,
		ModelUsed:       res.Model.Key(),
		ProcessingMs:    time.Since(start).Milliseconds(),
		RawAIResponse:   res.Response.Text,
		Special:         special,
		IsMilestone:     out.IsMilestone,
		Emergency:       emergency,
	}

	id, err := p.records.Insert(ctx, rec)
	if errors.Is(err, storage.ErrDuplicate) {
		// Redelivered event: the record and its lanes already exist.
		p.logger.Info("Analysis already recorded, skipping",
			"user_id", userID, "source_kind", source.Kind, "source_id", source.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to persist analysis record: %w", err)
	}
	rec.ID = id

	p.publishCompleted(ctx, rec, traceID)
	p.publishTraits(ctx, rec, traceID)
	p.runBackgroundLanes(ctx, rec, text)
	return nil
}

func (p *Pipeline) publishCompleted(ctx context.Context, rec *models.AnalysisRecord, traceID string) {
	payload, err := bus.EncodePayload(bus.AnalysisCompletedPayload{
		AnalysisID:       rec.ID,
		UserID:           rec.UserID,
		SourceRef:        fmt.Sprintf("%s:%d", rec.Source.Kind, rec.Source.ID),
		TraitsSummary:    rec.TraitScores.BigFive,
		SpecialSituation: string(rec.Special),
	})
	if err != nil {
		p.logger.Error("Completed payload encoding failed", "analysis_id", rec.ID, "error", err)
		return
	}
	if _, err := p.pub.Publish(ctx, bus.EventTypeAnalysisComplete, payload,
		bus.PriorityFor(bus.EventTypeAnalysisComplete), traceID); err != nil {
		p.logger.Error("Completed publish failed", "analysis_id", rec.ID, "error", err)
	}
}

func (p *Pipeline) publishTraits(ctx context.Context, rec *models.AnalysisRecord, traceID string) {
	for name, value := range rec.TraitScores.Flatten() {
		payload, err := bus.EncodePayload(bus.TraitExtractedPayload{
			UserID:     rec.UserID,
			TraitName:  name,
			Value:      value,
			AnalysisID: rec.ID,
		})
		if err != nil {
			p.logger.Error("Trait payload encoding failed", "trait", name, "error", err)
			continue
		}
		if _, err := p.pub.Publish(ctx, bus.EventTypeTraitExtracted, payload,
			bus.PriorityFor(bus.EventTypeTraitExtracted), traceID); err != nil {
			p.logger.Error("Trait publish failed", "trait", name, "analysis_id", rec.ID, "error", err)
		}
	}
}

// runBackgroundLanes executes vectorization and DP update in parallel, each
// recording its own lane status. The repository flips the aggregate flag
// once both lanes are terminal.
func (p *Pipeline) runBackgroundLanes(ctx context.Context, rec *models.AnalysisRecord, text string) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.setLane(ctx, rec.ID, storage.LaneVectorization, p.vectorize(ctx, rec, text))
	}()
	go func() {
		defer wg.Done()
		p.setLane(ctx, rec.ID, storage.LaneDPUpdate, p.applyProfile(ctx, rec))
	}()

	wg.Wait()
}

// RetryLane re-runs one background lane for an existing record and stores
// the outcome. text is the source text vectorization embeds; the DP-update
// lane ignores it.
func (p *Pipeline) RetryLane(ctx context.Context, rec *models.AnalysisRecord, lane storage.Lane, text string) error {
	var laneErr error
	switch lane {
	case storage.LaneVectorization:
		laneErr = p.vectorize(ctx, rec, text)
	case storage.LaneDPUpdate:
		laneErr = p.applyProfile(ctx, rec)
	default:
		return fmt.Errorf("unknown lane %q", lane)
	}
	p.setLane(ctx, rec.ID, lane, laneErr)
	return laneErr
}

func (p *Pipeline) vectorize(ctx context.Context, rec *models.AnalysisRecord, text string) error {
	if p.embedder == nil || p.vectors == nil {
		return errors.New("vectorization is not configured")
	}
	embedding, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if err := p.vectors.Upsert(ctx, vector.Entry{
		AnalysisID: rec.ID,
		UserID:     rec.UserID,
		Embedding:  embedding,
	}); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}
	return nil
}

func (p *Pipeline) applyProfile(ctx context.Context, rec *models.AnalysisRecord) error {
	if p.profiles == nil {
		return errors.New("profile writer is not configured")
	}
	if err := p.profiles.ApplyAnalysis(ctx, rec); err != nil {
		return fmt.Errorf("profile merge failed: %w", err)
	}
	return nil
}

func (p *Pipeline) setLane(ctx context.Context, id int64, lane storage.Lane, laneErr error) {
	status := models.LaneSuccess
	msg := ""
	if laneErr != nil {
		status = models.LaneFailed
		msg = laneErr.Error()
		p.logger.Error("Background lane failed", "analysis_id", id, "lane", lane, "error", laneErr)
	}
	if err := p.records.SetLaneStatus(ctx, id, lane, status, msg); err != nil {
		p.logger.Error("Lane status update failed", "analysis_id", id, "lane", lane, "error", err)
	}
}
