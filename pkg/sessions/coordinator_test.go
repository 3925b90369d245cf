package sessions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/catalog"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/outbox"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

const testCatalog = `
clusters:
  - id: identity_core
    program_id: onboarding_v1
    block: foundation
    domain: identity
    questions: [q_name, q_self]
  - id: goals_explore
    program_id: onboarding_v1
    block: exploration
    domain: goals
    questions: [q_goal_light, q_goal_deep]
  - id: fears_explore
    program_id: onboarding_v1
    block: exploration
    domain: fears
    questions: [q_fear]

questions:
  - id: q_name
    cluster_id: identity_core
    domain: identity
    text: "Как тебя зовут?"
    depth_level: 1
    energy: light
    block: foundation
  - id: q_self
    cluster_id: identity_core
    domain: identity
    text: "Что для тебя важно?"
    depth_level: 2
    energy: medium
    block: foundation
  - id: q_goal_light
    cluster_id: goals_explore
    domain: goals
    text: "О чём ты мечтаешь?"
    depth_level: 1
    energy: light
    block: exploration
  - id: q_goal_deep
    cluster_id: goals_explore
    domain: goals
    text: "Какая мечта пугает?"
    depth_level: 3
    energy: heavy
    block: exploration
  - id: q_fear
    cluster_id: fears_explore
    domain: fears
    text: "Чего ты избегаешь?"
    depth_level: 2
    energy: medium
    block: exploration
`

// memStore keeps sessions, answers, and enqueued outbox events in memory.
type memStore struct {
	sessions map[string]*models.Session
	answered map[int64][]string
	events   []outbox.BatchEvent
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*models.Session), answered: make(map[int64][]string)}
}

func (m *memStore) Create(_ context.Context, s *models.Session, events ...outbox.BatchEvent) error {
	for _, prior := range m.sessions {
		if prior.UserID == s.UserID && prior.Status == models.SessionActive {
			prior.Status = models.SessionAbandoned
		}
	}
	cp := *s
	cp.StartedAt = time.Now()
	m.sessions[s.ID] = &cp
	m.events = append(m.events, events...)
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetActive(_ context.Context, userID int64) (*models.Session, error) {
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == models.SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) Update(_ context.Context, s *models.Session, events ...outbox.BatchEvent) error {
	if _, ok := m.sessions[s.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.events = append(m.events, events...)
	return nil
}

func (m *memStore) MarkStatus(_ context.Context, id string, status models.SessionStatus, events ...outbox.BatchEvent) error {
	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Status = status
	m.events = append(m.events, events...)
	return nil
}

func (m *memStore) RecordAnswer(_ context.Context, a *models.Answer, heavy bool, events ...outbox.BatchEvent) (int64, error) {
	s, ok := m.sessions[a.SessionID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	m.answered[a.UserID] = append(m.answered[a.UserID], a.QuestionID)
	s.QuestionsAnswered++
	if heavy {
		s.HeavyCount++
	}
	m.events = append(m.events, events...)
	return int64(len(m.answered[a.UserID])), nil
}

func (m *memStore) AnsweredQuestionIDs(_ context.Context, userID int64) ([]string, error) {
	return m.answered[userID], nil
}

func (m *memStore) ListInactiveSince(_ context.Context, cutoff time.Time, limit int) ([]models.Session, error) {
	var out []models.Session
	for _, s := range m.sessions {
		if s.Status == models.SessionActive && s.LastActivityAt.Before(cutoff) && len(out) < limit {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) eventsOfType(eventType string) []outbox.BatchEvent {
	var out []outbox.BatchEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type staticFlags struct{ ids []string }

func (f staticFlags) FlaggedIDs(context.Context) ([]string, error) { return f.ids, nil }

func newTestCoordinator(t *testing.T, store *memStore, flagged ...string) *Coordinator {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxQuestions = 4
	return New(store, staticFlags{ids: flagged}, cat, cfg, slog.Default())
}

func answerPayload(s *models.Session, questionID, text string) bus.AnswerSubmittedPayload {
	return bus.AnswerSubmittedPayload{
		SessionID:  s.ID,
		UserID:     s.UserID,
		QuestionID: questionID,
		AnswerText: text,
	}
}

func TestStartSessionSelectsFirstQuestion(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)

	s, q, err := coord.StartSession(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "q_name", q.ID)
	assert.Equal(t, "q_name", s.CurrentQuestionID)
	assert.Equal(t, 1, s.QuestionsAsked)

	assert.Len(t, store.eventsOfType(bus.EventTypeSessionCreated), 1)
	assert.Len(t, store.eventsOfType(bus.EventTypeSessionStarted), 1)
	selected := store.eventsOfType(bus.EventTypeQuestionSelected)
	require.Len(t, selected, 1)
	p, ok := selected[0].Payload.(bus.QuestionSelectedPayload)
	require.True(t, ok)
	assert.Equal(t, "q_name", p.QuestionID)
	assert.Equal(t, "Как тебя зовут?", p.Context)
}

func TestStartSessionAbandonsPriorActive(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)

	first, _, err := coord.StartSession(context.Background(), 7)
	require.NoError(t, err)
	_, _, err = coord.StartSession(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.SessionAbandoned, store.sessions[first.ID].Status)
}

func TestProcessAnswerAdvancesToNextQuestion(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_name", "Меня зовут Аня, я дизайнер")))

	got := store.sessions[s.ID]
	assert.Equal(t, 1, got.QuestionsAnswered)
	assert.Equal(t, "q_self", got.CurrentQuestionID)
	assert.Equal(t, []string{"identity"}, got.DomainsCovered)
	assert.Len(t, store.eventsOfType(bus.EventTypeQuestionSelected), 2)
}

func TestProcessAnswerSkipsFlaggedQuestions(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store, "q_self")
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_name", "Аня")))

	// q_self is flagged, so foundation is exhausted and exploration opens.
	assert.Equal(t, "q_goal_light", store.sessions[s.ID].CurrentQuestionID)
}

func TestProcessAnswerResistanceDetour(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_name", "Аня")))
	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_self", "Честность")))

	got := store.sessions[s.ID]
	require.Equal(t, "q_goal_light", got.CurrentQuestionID)

	// Refusing an exploration question detours to another cluster.
	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_goal_light", "не хочу отвечать")))
	got = store.sessions[s.ID]
	assert.Equal(t, "q_fear", got.CurrentQuestionID)
	assert.Equal(t, strategyDetour, got.Strategy)
}

func TestProcessAnswerCompletesAtLimit(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)
	ctx := context.Background()

	s, q, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, q.ID, "содержательный ответ")))
		got := store.sessions[s.ID]
		if got.Status == models.SessionCompleted {
			break
		}
		nq, ok := coord.catalog.Question(got.CurrentQuestionID)
		require.True(t, ok)
		q = nq
	}

	got := store.sessions[s.ID]
	assert.Equal(t, models.SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	completed := store.eventsOfType(bus.EventTypeSessionCompleted)
	require.Len(t, completed, 1)
	p, ok := completed[0].Payload.(bus.SessionCompletedPayload)
	require.True(t, ok)
	assert.Equal(t, 4, p.QuestionsAnswered)
}

func TestProcessAnswerCompletesWhenCatalogExhausted(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store, "q_goal_light", "q_goal_deep", "q_fear")
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_name", "Аня")))
	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_self", "Честность")))

	assert.Equal(t, models.SessionCompleted, store.sessions[s.ID].Status)
}

func TestProcessAnswerIgnoresInactiveSession(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, store.MarkStatus(ctx, s.ID, models.SessionAbandoned))

	require.NoError(t, coord.ProcessAnswer(ctx, answerPayload(s, "q_name", "Аня")))
	assert.Empty(t, store.answered[7])
}

func TestStartSessionCatalogExhausted(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store,
		"q_name", "q_self", "q_goal_light", "q_goal_deep", "q_fear")

	_, _, err := coord.StartSession(context.Background(), 7)
	assert.ErrorIs(t, err, ErrCatalogExhausted)
}

func TestHandleAnswerVerdicts(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)

	payload, err := bus.EncodePayload(answerPayload(s, "q_name", "Аня"))
	require.NoError(t, err)
	env := bus.NewEnvelope(bus.EventTypeAnswerSubmitted, payload, bus.PriorityCritical)
	assert.Equal(t, bus.Ack, coord.HandleAnswer(ctx, env))

	ghost, err := bus.EncodePayload(bus.AnswerSubmittedPayload{SessionID: "missing", UserID: 7})
	require.NoError(t, err)
	env = bus.NewEnvelope(bus.EventTypeAnswerSubmitted, ghost, bus.PriorityCritical)
	assert.Equal(t, bus.Fail, coord.HandleAnswer(ctx, env))
}

func TestSweeperAbandonsIdleSessions(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(t, store)
	ctx := context.Background()

	s, _, err := coord.StartSession(ctx, 7)
	require.NoError(t, err)
	store.sessions[s.ID].LastActivityAt = time.Now().Add(-2 * time.Hour)

	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Hour
	sw := NewSweeper(store, cfg, slog.Default())
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SessionAbandoned, store.sessions[s.ID].Status)
	assert.Len(t, store.eventsOfType(bus.EventTypeSessionTimedOut), 1)
}

func TestDetectResistance(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"skip", true},
		{"Пропустить", true},
		{"дальше", true},
		{"не хочу отвечать", true},
		{"не хочу отвечать, спроси что-то другое", true},
		{"Я мечтаю пропустить зиму на юге, дальше путешествовать и не думать о работе вовсе", false},
		{"развёрнутый честный ответ", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, detectResistance(tc.text), tc.text)
	}
}
