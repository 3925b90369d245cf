// Package sessions coordinates onboarding sessions: one ACTIVE session per
// user, answer recording, and question selection with block gating. All
// emitted events go through the transactional outbox together with the domain
// write they describe.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/catalog"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/outbox"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// ErrCatalogExhausted is returned when a session cannot start because the
// user has no askable questions left.
var ErrCatalogExhausted = errors.New("no askable questions remain for user")

// Store is the session persistence surface the coordinator needs.
type Store interface {
	Create(ctx context.Context, s *models.Session, events ...outbox.BatchEvent) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetActive(ctx context.Context, userID int64) (*models.Session, error)
	Update(ctx context.Context, s *models.Session, events ...outbox.BatchEvent) error
	MarkStatus(ctx context.Context, id string, status models.SessionStatus, events ...outbox.BatchEvent) error
	RecordAnswer(ctx context.Context, a *models.Answer, heavy bool, events ...outbox.BatchEvent) (int64, error)
	AnsweredQuestionIDs(ctx context.Context, userID int64) ([]string, error)
	ListInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error)
}

// Flags exposes the admin moderation overlay.
type Flags interface {
	FlaggedIDs(ctx context.Context) ([]string, error)
}

// Catalog is the read-only question collaborator.
type Catalog interface {
	Question(id string) (models.Question, bool)
	SmartNext(state catalog.SelectorState, excluded map[string]struct{}) (models.Question, bool)
}

// Selection strategy tags recorded on the session.
const (
	strategyProgressive = "progressive"
	strategyLightMix    = "light_mix"
	strategyDetour      = "resistance_detour"
)

// Config tunes the coordinator.
type Config struct {
	// MaxQuestions completes the session after this many answers.
	MaxQuestions int
	// FatigueHeavyCount is the heavy-answer count that flips the fatigue
	// signal passed to the selector.
	FatigueHeavyCount int
	// IdleTimeout is how long an ACTIVE session may sit without activity
	// before the sweeper abandons it.
	IdleTimeout time.Duration
	// SweepInterval is the sweeper's polling period.
	SweepInterval time.Duration
	// SweepBatch caps sessions abandoned per sweep.
	SweepBatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQuestions:      20,
		FatigueHeavyCount: 3,
		IdleTimeout:       30 * time.Minute,
		SweepInterval:     5 * time.Minute,
		SweepBatch:        50,
	}
}

// Coordinator drives the onboarding question flow.
type Coordinator struct {
	store   Store
	flags   Flags
	catalog Catalog
	cfg     Config
	logger  *slog.Logger
}

func New(store Store, flags Flags, cat Catalog, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = DefaultConfig().MaxQuestions
	}
	if cfg.FatigueHeavyCount <= 0 {
		cfg.FatigueHeavyCount = DefaultConfig().FatigueHeavyCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		flags:   flags,
		catalog: cat,
		cfg:     cfg,
		logger:  logger.With("component", "session_coordinator"),
	}
}

// StartSession opens a new ACTIVE session for the user, abandoning any prior
// one, and selects the first question. session.created, user.session.started
// and question.selected are enqueued atomically with the insert.
func (c *Coordinator) StartSession(ctx context.Context, userID int64) (*models.Session, models.Question, error) {
	excluded, err := c.excludedSet(ctx, userID)
	if err != nil {
		return nil, models.Question{}, err
	}

	s := &models.Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: models.SessionActive,
	}

	q, ok := c.catalog.SmartNext(catalog.SelectorState{}, excluded)
	if !ok {
		return nil, models.Question{}, ErrCatalogExhausted
	}
	s.CurrentQuestionID = q.ID
	s.QuestionsAsked = 1
	s.Strategy = strategyProgressive

	events := []outbox.BatchEvent{
		{EventType: bus.EventTypeSessionCreated, Payload: map[string]any{
			"session_id": s.ID, "user_id": userID, "started_at": time.Now().UTC().Format(time.RFC3339),
		}},
		{EventType: bus.EventTypeSessionStarted, Payload: map[string]any{
			"session_id": s.ID, "user_id": userID,
		}},
		{EventType: bus.EventTypeQuestionSelected, Payload: bus.QuestionSelectedPayload{
			SessionID:  s.ID,
			UserID:     userID,
			QuestionID: q.ID,
			Context:    q.Text,
			Strategy:   s.Strategy,
		}},
	}
	if err := c.store.Create(ctx, s, events...); err != nil {
		return nil, models.Question{}, fmt.Errorf("failed to start session: %w", err)
	}

	c.logger.Info("Session started", "session_id", s.ID, "user_id", userID, "question_id", q.ID)
	return s, q, nil
}

// HandleAnswer is the bus handler for user.answer.submitted.
func (c *Coordinator) HandleAnswer(ctx context.Context, env *bus.Envelope) bus.Verdict {
	var p bus.AnswerSubmittedPayload
	if err := bus.DecodePayload(env.Payload, &p); err != nil {
		c.logger.Error("Undecodable answer event", "event_id", env.EventID, "error", err)
		return bus.Fail
	}
	if err := c.ProcessAnswer(ctx, p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Answer for unknown session", "session_id", p.SessionID)
			return bus.Fail
		}
		c.logger.Error("Failed to process answer", "session_id", p.SessionID, "error", err)
		return bus.Retry
	}
	return bus.Ack
}

// ProcessAnswer records the answer, updates coverage, and either advances the
// session with a new question or completes it.
func (c *Coordinator) ProcessAnswer(ctx context.Context, p bus.AnswerSubmittedPayload) error {
	s, err := c.store.Get(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if s.Status != models.SessionActive {
		c.logger.Warn("Answer for inactive session ignored", "session_id", s.ID, "status", s.Status)
		return nil
	}

	q, known := c.catalog.Question(p.QuestionID)
	heavy := known && q.Heavy()

	answer := &models.Answer{
		SessionID:  s.ID,
		UserID:     s.UserID,
		QuestionID: p.QuestionID,
		AnswerText: p.AnswerText,
	}
	if _, err := c.store.RecordAnswer(ctx, answer, heavy); err != nil {
		return err
	}
	s.QuestionsAnswered++
	if heavy {
		s.HeavyCount++
	}
	if known && q.Domain != "" && !contains(s.DomainsCovered, q.Domain) {
		s.DomainsCovered = append(s.DomainsCovered, q.Domain)
	}

	if s.QuestionsAnswered >= c.cfg.MaxQuestions {
		return c.complete(ctx, s)
	}

	excluded, err := c.excludedSet(ctx, s.UserID)
	if err != nil {
		return err
	}
	state := catalog.SelectorState{
		QuestionsAnswered: s.QuestionsAnswered,
		HeavyCount:        s.HeavyCount,
		Fatigued:          s.HeavyCount >= c.cfg.FatigueHeavyCount,
		DomainsCovered:    s.DomainsCovered,
	}
	strategy := strategyProgressive
	if state.Fatigued {
		strategy = strategyLightMix
	}
	if known && q.Block == models.BlockExploration && detectResistance(p.AnswerText) {
		state.AvoidCluster = q.ClusterID
		strategy = strategyDetour
	}

	next, ok := c.catalog.SmartNext(state, excluded)
	if !ok {
		return c.complete(ctx, s)
	}

	s.CurrentQuestionID = next.ID
	s.QuestionsAsked++
	s.Strategy = strategy
	return c.store.Update(ctx, s, outbox.BatchEvent{
		EventType: bus.EventTypeQuestionSelected,
		Payload: bus.QuestionSelectedPayload{
			SessionID:  s.ID,
			UserID:     s.UserID,
			QuestionID: next.ID,
			Context:    next.Text,
			Strategy:   strategy,
		},
		TraceID: p.TraceID,
	})
}

func (c *Coordinator) complete(ctx context.Context, s *models.Session) error {
	now := time.Now()
	s.Status = models.SessionCompleted
	s.CompletedAt = &now
	s.CurrentQuestionID = ""

	err := c.store.Update(ctx, s, outbox.BatchEvent{
		EventType: bus.EventTypeSessionCompleted,
		Payload: bus.SessionCompletedPayload{
			SessionID:         s.ID,
			UserID:            s.UserID,
			QuestionsAsked:    s.QuestionsAsked,
			QuestionsAnswered: s.QuestionsAnswered,
			DomainsCovered:    len(s.DomainsCovered),
			DurationSeconds:   int64(now.Sub(s.StartedAt).Seconds()),
		},
	})
	if err != nil {
		return err
	}
	c.logger.Info("Session completed",
		"session_id", s.ID, "user_id", s.UserID, "answered", s.QuestionsAnswered)
	return nil
}

func (c *Coordinator) excludedSet(ctx context.Context, userID int64) (map[string]struct{}, error) {
	answered, err := c.store.AnsweredQuestionIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answered questions: %w", err)
	}
	flagged, err := c.flags.FlaggedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load flagged questions: %w", err)
	}
	out := make(map[string]struct{}, len(answered)+len(flagged))
	for _, id := range answered {
		out[id] = struct{}{}
	}
	for _, id := range flagged {
		out[id] = struct{}{}
	}
	return out, nil
}

// resistanceMarkers are short refusals that trigger the exploration detour.
var resistanceMarkers = []string{
	"skip", "next", "пропусти", "пропустить", "дальше",
	"не хочу отвечать", "не буду отвечать", "не хочу об этом",
}

// maxResistanceLen keeps long thoughtful answers containing a marker word
// from being misread as refusals.
const maxResistanceLen = 60

func detectResistance(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if len([]rune(t)) > maxResistanceLen {
		return false
	}
	for _, m := range resistanceMarkers {
		if t == m || strings.HasPrefix(t, m+" ") || strings.HasPrefix(t, m+",") || strings.HasPrefix(t, m+".") {
			return true
		}
	}
	return false
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
