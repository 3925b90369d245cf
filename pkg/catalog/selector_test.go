package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

const selectorCatalog = `
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
  - id: synthesis
    program_id: onboarding_v1
    block: integration
    domain: identity
    questions: [q_synthesis]

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
    text: "Что для тебя важно в себе?"
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
    text: "Какая мечта пугает тебя больше всего?"
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
  - id: q_synthesis
    cluster_id: synthesis
    domain: identity
    text: "Что ты понял о себе за эти вопросы?"
    depth_level: 3
    energy: heavy
    block: integration
`

func exclude(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func selectorTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(selectorCatalog))
	require.NoError(t, err)
	return c
}

func TestSmartNextStartsWithFoundation(t *testing.T) {
	c := selectorTestCatalog(t)

	q, ok := c.SmartNext(SelectorState{}, exclude())
	require.True(t, ok)
	assert.Equal(t, "q_name", q.ID)
}

func TestSmartNextGatesExplorationBehindFoundation(t *testing.T) {
	c := selectorTestCatalog(t)

	// Foundation partially done: stay in foundation.
	q, ok := c.SmartNext(SelectorState{DomainsCovered: []string{"identity"}}, exclude("q_name"))
	require.True(t, ok)
	assert.Equal(t, models.BlockFoundation, q.Block)

	// Foundation fully excluded: exploration opens.
	q, ok = c.SmartNext(SelectorState{}, exclude("q_name", "q_self"))
	require.True(t, ok)
	assert.Equal(t, models.BlockExploration, q.Block)
}

func TestSmartNextIntegrationLast(t *testing.T) {
	c := selectorTestCatalog(t)

	q, ok := c.SmartNext(SelectorState{},
		exclude("q_name", "q_self", "q_goal_light", "q_goal_deep", "q_fear"))
	require.True(t, ok)
	assert.Equal(t, "q_synthesis", q.ID)
}

func TestSmartNextPrefersUncoveredDomain(t *testing.T) {
	c := selectorTestCatalog(t)

	q, ok := c.SmartNext(SelectorState{DomainsCovered: []string{"goals"}},
		exclude("q_name", "q_self"))
	require.True(t, ok)
	assert.Equal(t, "q_fear", q.ID)
}

func TestSmartNextFatiguePrefersLight(t *testing.T) {
	c := selectorTestCatalog(t)

	// Goals domain fresh for both goal questions; fatigue breaks the tie
	// toward the light one.
	q, ok := c.SmartNext(SelectorState{Fatigued: true, DomainsCovered: []string{"fears"}},
		exclude("q_name", "q_self", "q_fear"))
	require.True(t, ok)
	assert.Equal(t, "q_goal_light", q.ID)
}

func TestSmartNextAvoidClusterDetours(t *testing.T) {
	c := selectorTestCatalog(t)

	q, ok := c.SmartNext(SelectorState{AvoidCluster: "goals_explore", DomainsCovered: []string{"goals"}},
		exclude("q_name", "q_self", "q_goal_light"))
	require.True(t, ok)
	assert.Equal(t, "q_fear", q.ID)
}

func TestSmartNextAvoidedClusterIsLastResort(t *testing.T) {
	c := selectorTestCatalog(t)

	// Only the avoided cluster has questions left; the detour is dropped
	// rather than skipping the block.
	q, ok := c.SmartNext(SelectorState{AvoidCluster: "goals_explore"},
		exclude("q_name", "q_self", "q_goal_light", "q_fear"))
	require.True(t, ok)
	assert.Equal(t, "q_goal_deep", q.ID)
}

func TestSmartNextExhausted(t *testing.T) {
	c := selectorTestCatalog(t)

	_, ok := c.SmartNext(SelectorState{},
		exclude("q_name", "q_self", "q_goal_light", "q_goal_deep", "q_fear", "q_synthesis"))
	assert.False(t, ok)
}
