// Package models holds the domain types shared across services.
package models

import "time"

// LaneStatus is the per-lane background job status on an analysis record.
type LaneStatus string

// Background lane statuses.
const (
	LanePending LaneStatus = "pending"
	LaneSuccess LaneStatus = "success"
	LaneFailed  LaneStatus = "failed"
)

// Terminal reports whether the lane reached a final state.
func (s LaneStatus) Terminal() bool { return s == LaneSuccess || s == LaneFailed }

// SpecialSituation tags an analysis for downstream routing.
type SpecialSituation string

// Special situations.
const (
	SituationNone         SpecialSituation = "none"
	SituationCrisis       SpecialSituation = "crisis"
	SituationBreakthrough SpecialSituation = "breakthrough"
	SituationResistance   SpecialSituation = "resistance"
)

// SourceKind discriminates what an analysis was produced from.
type SourceKind string

// Analysis sources.
const (
	SourceAnswer SourceKind = "answer"
	SourceStory  SourceKind = "story"
)

// SourceRef points at exactly one answer or context story.
type SourceRef struct {
	Kind SourceKind `json:"kind"`
	ID   int64      `json:"id"`
}

// TraitScores is the nested trait structure every deep analysis carries.
// BigFive is always present (invariant); the other groups are optional.
type TraitScores struct {
	Version        string             `json:"version"`
	BigFive        map[string]float64 `json:"big_five"`
	Dynamic        map[string]float64 `json:"dynamic,omitempty"`
	Adaptive       map[string]float64 `json:"adaptive,omitempty"`
	DomainSpecific map[string]float64 `json:"domain_specific,omitempty"`
}

// Flatten returns every trait as "group.name" → value. Big-five traits keep
// their bare names for trait-history continuity.
func (t TraitScores) Flatten() map[string]float64 {
	out := make(map[string]float64, len(t.BigFive)+len(t.Dynamic)+len(t.Adaptive)+len(t.DomainSpecific))
	for name, v := range t.BigFive {
		out[name] = v
	}
	for name, v := range t.Dynamic {
		out["dynamic."+name] = v
	}
	for name, v := range t.Adaptive {
		out["adaptive."+name] = v
	}
	for name, v := range t.DomainSpecific {
		out["domain."+name] = v
	}
	return out
}

// AnalysisRecord is the authoritative deep-phase output. Immutable after
// insert except for the two background status lanes and the retry counters.
type AnalysisRecord struct {
	ID              int64            `db:"id" json:"id"`
	UserID          int64            `db:"user_id" json:"user_id"`
	Source          SourceRef        `db:"-" json:"source_ref"`
	AnalysisVersion string           `db:"analysis_version" json:"analysis_version"`
	EmotionalState  string           `db:"emotional_state" json:"emotional_state"`
	TraitScores     TraitScores      `db:"-" json:"trait_scores"`
	Insights        map[string]any   `db:"-" json:"insights,omitempty"`
	RouterHints     map[string]any   `db:"-" json:"router_hints,omitempty"`
	ProfileDelta    ProfileLayers    `db:"-" json:"profile_delta,omitempty"`
	QualityScore    float64          `db:"quality_score" json:"quality_score"`
	ConfidenceScore float64          `db:"confidence_score" json:"confidence_score"`
	ModelUsed       string           `db:"model_used" json:"model_used"`
	ProcessingMs    int64            `db:"processing_time_ms" json:"processing_time_ms"`
	RawAIResponse   string           `db:"raw_ai_response" json:"-"`
	Special         SpecialSituation `db:"special_situation" json:"special_situation"`
	IsMilestone     bool             `db:"is_milestone" json:"is_milestone"`
	// Emergency marks records synthesized by the fallback handler after the
	// model output failed schema validation.
	Emergency bool `db:"emergency" json:"emergency"`

	VectorizationStatus      LaneStatus `db:"vectorization_status" json:"vectorization_status"`
	VectorizationError       string     `db:"vectorization_error" json:"vectorization_error,omitempty"`
	VectorizationCompletedAt *time.Time `db:"vectorization_completed_at" json:"vectorization_completed_at,omitempty"`
	DPUpdateStatus           LaneStatus `db:"dp_update_status" json:"dp_update_status"`
	DPUpdateError            string     `db:"dp_update_error" json:"dp_update_error,omitempty"`
	DPUpdateCompletedAt      *time.Time `db:"dp_update_completed_at" json:"dp_update_completed_at,omitempty"`

	RetryCount  int        `db:"retry_count" json:"retry_count"`
	LastRetryAt *time.Time `db:"last_retry_at" json:"last_retry_at,omitempty"`

	BackgroundTaskCompleted  bool  `db:"background_task_completed" json:"background_task_completed"`
	BackgroundTaskDurationMs int64 `db:"background_task_duration_ms" json:"background_task_duration_ms"`

	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// InstantResult is the minimal phase-A output shown to the user immediately.
type InstantResult struct {
	QuickEmotional  string `json:"quick_emotional"`
	QuickReflection string `json:"quick_reflection"`
}

// TraitHistoryEntry is one append-only point in a user's trait log.
type TraitHistoryEntry struct {
	UserID     int64     `db:"user_id" json:"user_id"`
	TraitName  string    `db:"trait_name" json:"trait_name"`
	Value      float64   `db:"value" json:"value"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// ContextStory is a free-form user narrative routed through the deep pipeline.
type ContextStory struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	SessionID *string   `db:"session_id" json:"session_id,omitempty"`
	StoryType string    `db:"story_type" json:"story_type"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
