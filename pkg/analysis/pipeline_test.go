package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/llm"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/storage"
	"github.com/innerloop-ai/innerloop/pkg/vector"
)

const validDeepJSON = `{
	"emotional_state": "reflective",
	"trait_scores": {
		"version": "v2",
		"big_five": {"openness": 0.8, "conscientiousness": 0.6, "extraversion": 0.4, "agreeableness": 0.7, "neuroticism": 0.3},
		"dynamic": {"stress": 0.5}
	},
	"insights": {"core": "values autonomy"},
	"profile_delta": {"goals": {"run marathon": {"key": "run marathon", "status": "active", "priority": 7}}},
	"quality_score": 0.9,
	"confidence_score": 0.85,
	"special_situation": "none",
	"is_milestone": false
}`

type fakeOutcomeRouter struct {
	mu        sync.Mutex
	responses map[airouter.Complexity]routeOutcome
	requests  []airouter.RouteRequest
}

type routeOutcome struct {
	text string
	err  error
}

func (f *fakeOutcomeRouter) Route(_ context.Context, req airouter.RouteRequest) (*airouter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	out := f.responses[req.Complexity]
	if out.err != nil {
		return nil, out.err
	}
	return &airouter.Result{
		Response: &llm.Response{Text: out.text},
		Model:    airouter.ModelSpec{Provider: "anthropic", Model: "claude-sonnet"},
	}, nil
}

type memRecordStore struct {
	mu       sync.Mutex
	nextID   int64
	recs     map[int64]*models.AnalysisRecord
	lanes    map[int64]map[storage.Lane]models.LaneStatus
	errs     map[int64]map[storage.Lane]string
	bySource map[string]int64
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{
		nextID:   100,
		recs:     make(map[int64]*models.AnalysisRecord),
		lanes:    make(map[int64]map[storage.Lane]models.LaneStatus),
		errs:     make(map[int64]map[storage.Lane]string),
		bySource: make(map[string]int64),
	}
}

func (m *memRecordStore) Insert(_ context.Context, rec *models.AnalysisRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s:%d", rec.Source.Kind, rec.Source.ID)
	if _, exists := m.bySource[key]; exists {
		return 0, storage.ErrDuplicate
	}
	m.nextID++
	cp := *rec
	m.recs[m.nextID] = &cp
	m.lanes[m.nextID] = map[storage.Lane]models.LaneStatus{}
	m.errs[m.nextID] = map[storage.Lane]string{}
	m.bySource[key] = m.nextID
	return m.nextID, nil
}

func (m *memRecordStore) SetLaneStatus(_ context.Context, id int64, lane storage.Lane, status models.LaneStatus, laneErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lanes[id]; !ok {
		return storage.ErrNotFound
	}
	m.lanes[id][lane] = status
	m.errs[id][lane] = laneErr
	return nil
}

func (m *memRecordStore) single(t *testing.T) (int64, *models.AnalysisRecord) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.recs, 1)
	for id, rec := range m.recs {
		return id, rec
	}
	return 0, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	eventType string
	payload   map[string]any
}

func (m *memPublisher) Publish(_ context.Context, eventType string, payload map[string]any, _ bus.Priority, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.events = append(m.events, publishedEvent{eventType, payload})
	return "1-0", nil
}

func (m *memPublisher) byType(eventType string) []publishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedEvent
	for _, e := range m.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memVectors struct {
	mu      sync.Mutex
	entries []vector.Entry
	err     error
}

func (m *memVectors) Upsert(_ context.Context, e vector.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memVectors) Get(context.Context, int64) (*vector.Entry, error)  { return nil, nil }
func (m *memVectors) ListByUser(context.Context, int64) ([]int64, error) { return nil, nil }

type memProfiles struct {
	mu      sync.Mutex
	applied []int64
	err     error
}

func (m *memProfiles) ApplyAnalysis(_ context.Context, rec *models.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.applied = append(m.applied, rec.ID)
	return nil
}

func newTestPipeline(t *testing.T, router Router, pub *memPublisher, store *memRecordStore,
	vectors *memVectors, profiles *memProfiles) *Pipeline {
	t.Helper()
	p, err := New(router, pub, store, &llm.FakeEmbedder{Dim: 4}, vectors, profiles, Config{}, nil)
	require.NoError(t, err)
	return p
}

func answerPayload() bus.AnswerSubmittedPayload {
	return bus.AnswerSubmittedPayload{
		SessionID:  "sess-1",
		UserID:     42,
		QuestionID: "q_name",
		AnswerID:   7,
		AnswerText: "Я стараюсь понять, почему мне сложно доводить дела до конца",
	}
}

func TestProcessAnswerHappyPath(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{"quick_emotional": "thoughtful", "quick_reflection": "Это важный вопрос."}`},
		airouter.ComplexityDeep:   {text: validDeepJSON},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()
	vectors := &memVectors{}
	profiles := &memProfiles{}

	p := newTestPipeline(t, router, pub, store, vectors, profiles)
	require.NoError(t, p.ProcessAnswer(context.Background(), answerPayload(), "trace-1"))

	// Instant event published with parsed fields.
	instant := pub.byType(bus.EventTypeInstantCompleted)
	require.Len(t, instant, 1)
	assert.Equal(t, "thoughtful", instant[0].payload["quick_emotional"])

	// Record persisted with both lanes terminal.
	id, rec := store.single(t)
	assert.Equal(t, int64(42), rec.UserID)
	assert.Equal(t, models.SourceAnswer, rec.Source.Kind)
	assert.False(t, rec.Emergency)
	assert.Equal(t, models.LaneSuccess, store.lanes[id][storage.LaneVectorization])
	assert.Equal(t, models.LaneSuccess, store.lanes[id][storage.LaneDPUpdate])

	// Completed event and one trait.extracted per flattened trait.
	completed := pub.byType(bus.EventTypeAnalysisComplete)
	require.Len(t, completed, 1)
	traits := pub.byType(bus.EventTypeTraitExtracted)
	assert.Len(t, traits, 6) // 5 big five + 1 dynamic

	// Lanes did their work.
	require.Len(t, vectors.entries, 1)
	assert.Equal(t, id, vectors.entries[0].AnalysisID)
	assert.Equal(t, []int64{id}, profiles.applied)
}

func TestInstantFailureDoesNotBlockDeepPhase(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {err: errors.New("all models busy")},
		airouter.ComplexityDeep:   {text: validDeepJSON},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()

	p := newTestPipeline(t, router, pub, store, &memVectors{}, &memProfiles{})
	require.NoError(t, p.ProcessAnswer(context.Background(), answerPayload(), ""))

	assert.Empty(t, pub.byType(bus.EventTypeInstantCompleted))
	assert.Len(t, pub.byType(bus.EventTypeAnalysisComplete), 1)
}

func TestDeepPhaseFailurePropagates(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {err: airouter.ErrNoModelAvailable},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()

	p := newTestPipeline(t, router, pub, store, &memVectors{}, &memProfiles{})
	err := p.ProcessAnswer(context.Background(), answerPayload(), "")
	assert.ErrorIs(t, err, airouter.ErrNoModelAvailable)
	assert.Empty(t, store.recs)
}

func TestInvalidDeepOutputFallsBackToEmergencyRecord(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {text: `{"trait_scores": {"big_five": {"openness": 42}}}`},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()

	p := newTestPipeline(t, router, pub, store, &memVectors{}, &memProfiles{})
	require.NoError(t, p.ProcessAnswer(context.Background(), answerPayload(), ""))

	_, rec := store.single(t)
	assert.True(t, rec.Emergency)
	assert.Len(t, rec.TraitScores.BigFive, 5)
	for _, v := range rec.TraitScores.BigFive {
		assert.Equal(t, 0.5, v)
	}
	// Downstream consumers still get a well-formed completed event.
	assert.Len(t, pub.byType(bus.EventTypeAnalysisComplete), 1)
}

func TestCrisisMarkerOverridesModelTag(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {text: validDeepJSON},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()

	p := newTestPipeline(t, router, pub, store, &memVectors{}, &memProfiles{})
	payload := answerPayload()
	payload.AnswerText = "Иногда мне кажется что я не хочу жить"
	require.NoError(t, p.ProcessAnswer(context.Background(), payload, ""))

	_, rec := store.single(t)
	assert.Equal(t, models.SituationCrisis, rec.Special)
}

func TestFailedLaneRecordsErrorIndependently(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {text: validDeepJSON},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()
	profiles := &memProfiles{err: errors.New("merge conflict")}

	p := newTestPipeline(t, router, pub, store, &memVectors{}, profiles)
	require.NoError(t, p.ProcessAnswer(context.Background(), answerPayload(), ""))

	id, _ := store.single(t)
	assert.Equal(t, models.LaneSuccess, store.lanes[id][storage.LaneVectorization])
	assert.Equal(t, models.LaneFailed, store.lanes[id][storage.LaneDPUpdate])
	assert.Contains(t, store.errs[id][storage.LaneDPUpdate], "merge conflict")
}

func TestHandleAnswerVerdicts(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {text: validDeepJSON},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()
	p := newTestPipeline(t, router, pub, store, &memVectors{}, &memProfiles{})

	payload, err := bus.EncodePayload(answerPayload())
	require.NoError(t, err)
	env := bus.NewEnvelope(bus.EventTypeAnswerSubmitted, payload, bus.PriorityCritical)
	env.TraceID = "trace-1"
	assert.Equal(t, bus.Ack, p.HandleAnswer(context.Background(), env))

	// Transport failure on the deep phase asks for redelivery.
	badRouter := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {err: errors.New("timeout")},
	}}
	p2 := newTestPipeline(t, badRouter, pub, newMemRecordStore(), &memVectors{}, &memProfiles{})
	assert.Equal(t, bus.Retry, p2.HandleAnswer(context.Background(), env))
}

func TestRedeliveredAnswerIsIdempotent(t *testing.T) {
	router := &fakeOutcomeRouter{responses: map[airouter.Complexity]routeOutcome{
		airouter.ComplexitySimple: {text: `{}`},
		airouter.ComplexityDeep:   {text: validDeepJSON},
	}}
	pub := &memPublisher{}
	store := newMemRecordStore()
	profiles := &memProfiles{}
	p := newTestPipeline(t, router, pub, store, &memVectors{}, profiles)

	payload, err := bus.EncodePayload(answerPayload())
	require.NoError(t, err)
	env := bus.NewEnvelope(bus.EventTypeAnswerSubmitted, payload, bus.PriorityCritical)

	assert.Equal(t, bus.Ack, p.HandleAnswer(context.Background(), env))
	// Same envelope delivered again: acked without a second record, second
	// completed event or second profile merge.
	assert.Equal(t, bus.Ack, p.HandleAnswer(context.Background(), env))

	assert.Len(t, store.recs, 1)
	assert.Len(t, pub.byType(bus.EventTypeAnalysisComplete), 1)
	assert.Len(t, profiles.applied, 1)
}

func TestDefaultReclaimOutlastsDeepPhase(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	cc := bus.DefaultConsumerConfig("analysis", "test")
	assert.Greater(t, cc.ReclaimThreshold, cfg.DeepTimeout)
}

func TestParseInstantOutputFallsBackToPlainText(t *testing.T) {
	out := parseInstantOutput("Спасибо, что поделился.")
	assert.Equal(t, "neutral", out.QuickEmotional)
	assert.Equal(t, "Спасибо, что поделился.", out.QuickReflection)
}

func TestParseDeepOutputStripsMarkdownFence(t *testing.T) {
	fenced := "```json\n" + validDeepJSON + "\n```"
	out, err := parseDeepOutput(fenced)
	require.NoError(t, err)
	assert.Equal(t, "reflective", out.EmotionalState)

	var check map[string]any
	require.NoError(t, json.Unmarshal([]byte(stripFence(fenced)), &check))
}
