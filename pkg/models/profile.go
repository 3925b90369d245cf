package models

import "time"

// Layer names of the personality profile. Closed set; each persists as its
// own JSON column on digital_personality.
const (
	LayerIdentity      = "identity"
	LayerInterests     = "interests"
	LayerGoals         = "goals"
	LayerBarriers      = "barriers"
	LayerRelationships = "relationships"
	LayerValues        = "values"
	LayerCurrentState  = "current_state"
	LayerSkills        = "skills"
	LayerExperiences   = "experiences"
	LayerHealth        = "health"
)

// ProfileLayerNames lists every layer in a stable order.
func ProfileLayerNames() []string {
	return []string{
		LayerIdentity, LayerInterests, LayerGoals, LayerBarriers,
		LayerRelationships, LayerValues, LayerCurrentState,
		LayerSkills, LayerExperiences, LayerHealth,
	}
}

// Item statuses within a layer.
const (
	ItemStatusActive   = "active"
	ItemStatusInactive = "inactive"
	ItemStatusStale    = "stale"
)

// ProfileItem is one tagged item within a layer. Key is the category-specific
// identifier (goal text, barrier text, activity name…); the remaining fields
// are optional attributes.
type ProfileItem struct {
	Key      string `json:"key"`
	Status   string `json:"status,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Type     string `json:"type,omitempty"`
	Impact   string `json:"impact,omitempty"`
	// LastValidatedAt supports the coach check-in cycle.
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at,omitzero"`
}

// ProfileLayers maps layer name → items keyed by their category key.
type ProfileLayers map[string]map[string]ProfileItem

// Clone returns a deep copy.
func (p ProfileLayers) Clone() ProfileLayers {
	out := make(ProfileLayers, len(p))
	for layer, items := range p {
		copied := make(map[string]ProfileItem, len(items))
		for k, v := range items {
			copied[k] = v
		}
		out[layer] = copied
	}
	return out
}

// PersonalityProfile is the layered, versioned profile: the deep-merge of all
// accepted analysis records for a user.
type PersonalityProfile struct {
	UserID               int64         `db:"user_id" json:"user_id"`
	Layers               ProfileLayers `db:"-" json:"layers"`
	TotalAnswersAnalyzed int           `db:"total_answers_analyzed" json:"total_answers_analyzed"`
	CompletenessScore    float64       `db:"completeness_score" json:"completeness_score"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// NewPersonalityProfile returns an empty profile with all layers initialized.
func NewPersonalityProfile(userID int64) *PersonalityProfile {
	layers := make(ProfileLayers, len(ProfileLayerNames()))
	for _, name := range ProfileLayerNames() {
		layers[name] = make(map[string]ProfileItem)
	}
	return &PersonalityProfile{UserID: userID, Layers: layers}
}

// Completeness returns the fraction of layers carrying at least one item.
func (p *PersonalityProfile) Completeness() float64 {
	names := ProfileLayerNames()
	filled := 0
	for _, name := range names {
		if len(p.Layers[name]) > 0 {
			filled++
		}
	}
	return float64(filled) / float64(len(names))
}

// Dossier is the cached, AI-summarized view of a user for the coach.
type Dossier struct {
	UserID                   int64     `json:"user_id"`
	Who                      string    `json:"who"`
	TopGoals                 []string  `json:"top_goals"`
	TopBarriers              []string  `json:"top_barriers"`
	Patterns                 []string  `json:"patterns,omitempty"`
	Contradictions           []string  `json:"contradictions,omitempty"`
	Hypothesis               string    `json:"hypothesis,omitempty"`
	StyleHints               string    `json:"style_hints,omitempty"`
	GeneratedAt              time.Time `json:"generated_at"`
	AnswersCountAtGeneration int       `json:"answers_count_at_generation"`
	RawDataHash              string    `json:"raw_data_hash"`
}
