package airouter

import (
	"strings"
	"unicode/utf8"
)

// Complexity buckets a request for tier selection.
type Complexity string

// Complexity tiers, cheapest to most capable.
const (
	ComplexitySimple Complexity = "simple"
	ComplexityDaily  Complexity = "daily"
	ComplexityDeep   Complexity = "deep"
)

// Length thresholds in runes for the fallback length heuristic.
const (
	simpleLengthMax = 50
	deepLengthMin   = 300
)

// Marker words checked against the lowercased text. Russian markers cover the
// primary user base; English ones the rest.
var deepMarkers = []string{
	"почему", "смысл", "ценност", "страх", "боюсь", "мечта", "детств",
	"отношени", "предназначен", "проанализируй",
	"why", "meaning", "value", "fear", "afraid", "dream", "childhood",
	"relationship", "purpose", "analyze me",
}

var simpleMarkers = []string{
	"да", "нет", "ок", "норм", "не знаю",
	"yes", "no", "ok", "fine", "idk",
}

var dailyMarkers = []string{
	"настроение", "сегодня", "день", "чувствую", "планы", "привет",
	"mood", "today", "feeling", "plans", "hello", "coach",
}

// InferComplexity buckets a text: explicit override first, then deep
// markers, then simple markers on short texts, then daily markers, then
// length.
func InferComplexity(text string, override Complexity) Complexity {
	if override != "" {
		return override
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	length := utf8.RuneCountInString(lower)

	for _, m := range deepMarkers {
		if strings.Contains(lower, m) {
			return ComplexityDeep
		}
	}

	if length <= simpleLengthMax {
		for _, m := range simpleMarkers {
			if lower == m || strings.HasPrefix(lower, m+" ") || strings.HasPrefix(lower, m+",") {
				return ComplexitySimple
			}
		}
	}

	for _, m := range dailyMarkers {
		if strings.Contains(lower, m) {
			return ComplexityDaily
		}
	}

	switch {
	case length < simpleLengthMax:
		return ComplexitySimple
	case length > deepLengthMin:
		return ComplexityDeep
	default:
		return ComplexityDaily
	}
}
