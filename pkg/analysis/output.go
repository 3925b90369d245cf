package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// AnalysisVersion tags records produced by this pipeline revision.
const AnalysisVersion = "v2"

// deepOutput is the JSON contract the deep model must return.
type deepOutput struct {
	EmotionalState   string               `json:"emotional_state"`
	TraitScores      models.TraitScores   `json:"trait_scores"`
	Insights         map[string]any       `json:"insights"`
	RouterHints      map[string]any       `json:"router_hints"`
	ProfileDelta     models.ProfileLayers `json:"profile_delta"`
	QualityScore     float64              `json:"quality_score"`
	ConfidenceScore  float64              `json:"confidence_score"`
	SpecialSituation string               `json:"special_situation"`
	IsMilestone      bool                 `json:"is_milestone"`
}

// instantOutput is the JSON contract of the instant phase.
type instantOutput struct {
	QuickEmotional  string `json:"quick_emotional"`
	QuickReflection string `json:"quick_reflection"`
}

var bigFiveTraits = []string{
	"openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism",
}

// parseDeepOutput decodes and validates the deep model response. The model
// sometimes wraps JSON in a markdown fence; that is tolerated.
func parseDeepOutput(raw string) (*deepOutput, error) {
	var out deepOutput
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err != nil {
		return nil, fmt.Errorf("deep output is not valid JSON: %w", err)
	}
	if err := validateDeepOutput(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func validateDeepOutput(out *deepOutput) error {
	if len(out.TraitScores.BigFive) == 0 {
		return fmt.Errorf("deep output missing big_five traits")
	}
	for _, name := range bigFiveTraits {
		v, ok := out.TraitScores.BigFive[name]
		if !ok {
			return fmt.Errorf("deep output missing big_five trait %q", name)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("trait %q value %v out of [0,1]", name, v)
		}
	}
	for group, traits := range map[string]map[string]float64{
		"dynamic":         out.TraitScores.Dynamic,
		"adaptive":        out.TraitScores.Adaptive,
		"domain_specific": out.TraitScores.DomainSpecific,
	} {
		for name, v := range traits {
			if v < 0 || v > 1 {
				return fmt.Errorf("%s trait %q value %v out of [0,1]", group, name, v)
			}
		}
	}
	if out.QualityScore < 0 || out.QualityScore > 1 {
		return fmt.Errorf("quality_score %v out of [0,1]", out.QualityScore)
	}
	if out.ConfidenceScore < 0 || out.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score %v out of [0,1]", out.ConfidenceScore)
	}
	switch models.SpecialSituation(out.SpecialSituation) {
	case "", models.SituationNone, models.SituationCrisis,
		models.SituationBreakthrough, models.SituationResistance:
	default:
		return fmt.Errorf("unknown special_situation %q", out.SpecialSituation)
	}
	if out.TraitScores.Version == "" {
		out.TraitScores.Version = AnalysisVersion
	}
	return nil
}

// parseInstantOutput decodes the phase-A response. Best effort: a bare text
// reply becomes the reflection line.
func parseInstantOutput(raw string) models.InstantResult {
	var out instantOutput
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err == nil &&
		(out.QuickEmotional != "" || out.QuickReflection != "") {
		return models.InstantResult{
			QuickEmotional:  out.QuickEmotional,
			QuickReflection: out.QuickReflection,
		}
	}
	return models.InstantResult{
		QuickEmotional:  "neutral",
		QuickReflection: strings.TrimSpace(raw),
	}
}

// emergencyOutput is the minimal well-formed record used when the deep model
// answered but its output failed schema validation.
func emergencyOutput() *deepOutput {
	bigFive := make(map[string]float64, len(bigFiveTraits))
	for _, name := range bigFiveTraits {
		bigFive[name] = 0.5
	}
	return &deepOutput{
		EmotionalState: "unknown",
		TraitScores: models.TraitScores{
			Version: AnalysisVersion,
			BigFive: bigFive,
		},
		SpecialSituation: string(models.SituationNone),
	}
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// crisisMarkers force the crisis tag even when the model missed it.
var crisisMarkers = []string{
	"не хочу жить", "покончить с собой", "нет смысла жить", "суицид",
	"suicide", "kill myself", "end my life", "don't want to live",
}

func detectCrisis(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range crisisMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
