package catalog

import "github.com/innerloop-ai/innerloop/pkg/models"

// SelectorState is what the coordinator knows about the session when asking
// for the next question.
type SelectorState struct {
	QuestionsAnswered int
	HeavyCount        int
	// Fatigued steers selection toward light questions.
	Fatigued bool
	// DomainsCovered are the domains already touched this session.
	DomainsCovered []string
	// AvoidCluster is set on detected resistance. Only EXPLORATION clusters
	// are ever avoided, and only while an alternative remains.
	AvoidCluster string
}

// SmartNext picks the next question for a session. Excluded IDs (answered or
// flagged for review) are never returned. Block gating is strict: FOUNDATION
// first, then EXPLORATION, then INTEGRATION. Within the open block the pick
// prefers uncovered domains and, under fatigue, light questions. The choice
// is deterministic for a given catalog and state.
func (c *Catalog) SmartNext(state SelectorState, excluded map[string]struct{}) (models.Question, bool) {
	for _, block := range []models.BlockType{
		models.BlockFoundation, models.BlockExploration, models.BlockIntegration,
	} {
		candidates := c.blockCandidates(block, state, excluded)
		if len(candidates) > 0 {
			return pickBest(candidates, state), true
		}
		if !c.blockDone(block, excluded) {
			// Open block has only avoided candidates left. Retry without
			// the resistance detour rather than skipping the block.
			if state.AvoidCluster != "" {
				retry := state
				retry.AvoidCluster = ""
				candidates = c.blockCandidates(block, retry, excluded)
				if len(candidates) > 0 {
					return pickBest(candidates, retry), true
				}
			}
			return models.Question{}, false
		}
	}
	return models.Question{}, false
}

func (c *Catalog) blockCandidates(block models.BlockType, state SelectorState, excluded map[string]struct{}) []models.Question {
	var out []models.Question
	for _, clusterID := range c.byBlock[block] {
		if block == models.BlockExploration && clusterID == state.AvoidCluster {
			continue
		}
		for _, qID := range c.byCluster[clusterID] {
			if _, skip := excluded[qID]; skip {
				continue
			}
			out = append(out, c.questions[qID])
		}
	}
	return out
}

// blockDone reports whether every question of the block is excluded.
func (c *Catalog) blockDone(block models.BlockType, excluded map[string]struct{}) bool {
	for _, qID := range c.BlockQuestions(block) {
		if _, ok := excluded[qID]; !ok {
			return false
		}
	}
	return true
}

func pickBest(candidates []models.Question, state SelectorState) models.Question {
	covered := make(map[string]struct{}, len(state.DomainsCovered))
	for _, d := range state.DomainsCovered {
		covered[d] = struct{}{}
	}

	best, bestScore := candidates[0], -1
	for _, q := range candidates {
		score := 0
		if _, seen := covered[q.Domain]; !seen {
			score += 2
		}
		if state.Fatigued && !q.Heavy() {
			score++
		}
		if score > bestScore {
			best, bestScore = q, score
		}
	}
	return best
}
