package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

const sampleCatalog = `
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
    questions: [q_goal_deep]

questions:
  - id: q_name
    cluster_id: identity_core
    domain: identity
    text: "Как тебя зовут и как ты себя описываешь?"
    depth_level: 1
    energy: light
    block: foundation
  - id: q_self
    cluster_id: identity_core
    domain: identity
    text: "Что для тебя самое важное в себе?"
    depth_level: 2
    energy: medium
    block: foundation
  - id: q_goal_deep
    cluster_id: goals_explore
    domain: goals
    text: "Какая мечта пугает тебя больше всего?"
    depth_level: 3
    energy: heavy
    block: exploration
`

func TestParseIndexesCatalog(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	q, ok := c.Question("q_goal_deep")
	require.True(t, ok)
	assert.Equal(t, models.BlockExploration, q.Block)
	assert.True(t, q.Heavy())

	q, ok = c.Question("q_name")
	require.True(t, ok)
	assert.False(t, q.Heavy())

	assert.Equal(t, []string{"identity_core"}, c.BlockClusters(models.BlockFoundation))
	assert.Equal(t, []string{"q_name", "q_self"}, c.ClusterQuestions("identity_core"))
	assert.Equal(t, []string{"q_name", "q_self"}, c.BlockQuestions(models.BlockFoundation))
	assert.Equal(t, []string{"goals", "identity"}, c.Domains())
}

func TestProgramClusters(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	clusters := c.ProgramClusters("onboarding_v1")
	require.Len(t, clusters, 2)
	assert.Equal(t, "identity_core", clusters[0].ID)
	assert.Equal(t, "goals_explore", clusters[1].ID)

	assert.Empty(t, c.ProgramClusters("unknown_program"))
	assert.Len(t, c.ProgramClusters(""), 2)
}

func TestParseRejectsDuplicateQuestion(t *testing.T) {
	doc := `
questions:
  - id: q1
    text: a
  - id: q1
    text: b
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParseRejectsUnknownCluster(t *testing.T) {
	doc := `
questions:
  - id: q1
    cluster_id: ghost
    text: a
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParseRejectsEmptyCatalog(t *testing.T) {
	_, err := Parse([]byte(`clusters: []`))
	assert.Error(t, err)
}
