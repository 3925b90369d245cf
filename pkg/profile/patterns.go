package profile

import "github.com/innerloop-ai/innerloop/pkg/models"

// Pattern tags over a trait's rolling history window. Advisory only, never
// stored.
const (
	PatternIncreasing  = "INCREASING"
	PatternDecreasing  = "DECREASING"
	PatternOscillating = "OSCILLATING"
	PatternStable      = "STABLE"
)

// minPatternPoints is the smallest window a tag can be derived from.
const minPatternPoints = 3

// oscillationFlips is how many direction changes count as oscillation.
const oscillationFlips = 2

// stableVarianceFloor is the variance under which a trait reads as flat.
const stableVarianceFloor = 0.0005

// ClassifyPattern tags the shape of a trait's recent history. Entries come
// newest first, as the repo returns them. Returns "" when no tag applies.
func ClassifyPattern(entries []models.TraitHistoryEntry, threshold float64) string {
	if len(entries) < minPatternPoints {
		return ""
	}

	// Oldest to newest.
	values := make([]float64, len(entries))
	for i, e := range entries {
		values[len(entries)-1-i] = e.Value
	}

	total := values[len(values)-1] - values[0]
	if monotonic(values, 1) && total >= threshold {
		return PatternIncreasing
	}
	if monotonic(values, -1) && -total >= threshold {
		return PatternDecreasing
	}
	if signChanges(values) >= oscillationFlips {
		return PatternOscillating
	}
	if variance(values) < stableVarianceFloor {
		return PatternStable
	}
	return ""
}

func monotonic(values []float64, dir float64) bool {
	for i := 1; i < len(values); i++ {
		if (values[i]-values[i-1])*dir < 0 {
			return false
		}
	}
	return true
}

func signChanges(values []float64) int {
	changes := 0
	prev := 0.0
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d == 0 {
			continue
		}
		if prev != 0 && (d > 0) != (prev > 0) {
			changes++
		}
		prev = d
	}
	return changes
}

func variance(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return sum / float64(len(values))
}
