package bus

import "encoding/json"

// Event-type catalog. Closed set for the core; producers and consumers key
// on these strings.
const (
	// Onboarding and session lifecycle.
	EventTypeOnboardingInitiated = "user.onboarding.initiated"
	EventTypeSessionCreated      = "session.created"
	EventTypeSessionStarted      = "user.session.started"
	EventTypeSessionCompleted    = "session.completed"
	EventTypeSessionTimedOut     = "session.timed_out"

	// Question flow.
	EventTypeQuestionSelected = "question.selected"
	EventTypeAnswerSubmitted  = "user.answer.submitted"

	// Analysis pipeline.
	EventTypeInstantCompleted = "analysis.instant.completed"
	EventTypeAnalysisComplete = "analysis.completed"
	EventTypeTraitExtracted   = "trait.extracted"
	EventTypeTraitEvolution   = "trait.evolution.detected"

	// Insights.
	EventTypeInsightGenerated = "insight.generated"
)

// defaultPriorities routes each event type to its lane. Unlisted types go to
// the normal lane.
var defaultPriorities = map[string]Priority{
	EventTypeAnswerSubmitted:  PriorityCritical,
	EventTypeInstantCompleted: PriorityCritical,
	EventTypeQuestionSelected: PriorityHigh,
	EventTypeSessionCreated:   PriorityHigh,
	EventTypeSessionStarted:   PriorityHigh,
	EventTypeAnalysisComplete: PriorityNormal,
	EventTypeSessionCompleted: PriorityNormal,
	EventTypeSessionTimedOut:  PriorityNormal,
	EventTypeTraitExtracted:   PriorityLow,
	EventTypeTraitEvolution:   PriorityLow,
	EventTypeInsightGenerated: PriorityLow,
}

// PriorityFor returns the lane an event type publishes to.
func PriorityFor(eventType string) Priority {
	if p, ok := defaultPriorities[eventType]; ok {
		return p
	}
	return PriorityNormal
}

// EncodePayload converts a typed payload struct into the envelope's
// structured map form via its JSON tags.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodePayload converts an envelope payload map into a typed struct.
func DecodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// AnswerSubmittedPayload is delivered by the user gateway on each answer.
type AnswerSubmittedPayload struct {
	SessionID  string `json:"session_id"`
	UserID     int64  `json:"user_id"`
	QuestionID string `json:"question_id"`
	AnswerID   int64  `json:"answer_id"`
	AnswerText string `json:"answer_text"`
	TraceID    string `json:"trace_id,omitempty"`
}

// QuestionSelectedPayload announces the next question for a session.
type QuestionSelectedPayload struct {
	SessionID  string `json:"session_id"`
	UserID     int64  `json:"user_id"`
	QuestionID string `json:"question_id"`
	Context    string `json:"context,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
}

// InstantCompletedPayload carries the low-latency phase-A result.
type InstantCompletedPayload struct {
	UserID          int64  `json:"user_id"`
	AnswerID        int64  `json:"answer_id"`
	QuickEmotional  string `json:"quick_emotional"`
	QuickReflection string `json:"quick_reflection"`
}

// AnalysisCompletedPayload announces the authoritative deep-phase record.
type AnalysisCompletedPayload struct {
	AnalysisID       int64              `json:"analysis_id"`
	UserID           int64              `json:"user_id"`
	SourceRef        string             `json:"source_ref"`
	TraitsSummary    map[string]float64 `json:"traits_summary,omitempty"`
	SpecialSituation string             `json:"special_situation,omitempty"`
}

// TraitExtractedPayload carries one extracted trait value.
type TraitExtractedPayload struct {
	UserID     int64   `json:"user_id"`
	TraitName  string  `json:"trait_name"`
	Value      float64 `json:"value"`
	AnalysisID int64   `json:"analysis_id"`
}

// TraitEvolutionPayload signals a significant trait change.
type TraitEvolutionPayload struct {
	UserID     int64   `json:"user_id"`
	TraitName  string  `json:"trait_name"`
	Old        float64 `json:"old"`
	New        float64 `json:"new"`
	Delta      float64 `json:"delta"`
	PatternTag string  `json:"pattern_tag,omitempty"`
}

// SessionCompletedPayload carries end-of-session metrics.
type SessionCompletedPayload struct {
	SessionID         string `json:"session_id"`
	UserID            int64  `json:"user_id"`
	QuestionsAsked    int    `json:"questions_asked"`
	QuestionsAnswered int    `json:"questions_answered"`
	DomainsCovered    int    `json:"domains_covered"`
	DurationSeconds   int64  `json:"duration_seconds"`
}

// InsightGeneratedPayload carries an insight for the coach and gateway.
type InsightGeneratedPayload struct {
	UserID      int64  `json:"user_id"`
	InsightType string `json:"insight_type"`
	Content     string `json:"content"`
}
