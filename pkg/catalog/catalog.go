// Package catalog loads the read-only question catalog from YAML. Question
// text never lives in the database; sessions reference catalog IDs and the
// moderation table only overlays flags.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// file is the YAML document shape.
type file struct {
	Clusters  []models.Cluster  `yaml:"clusters"`
	Questions []models.Question `yaml:"questions"`
}

// Catalog is an immutable, indexed view of the question set.
type Catalog struct {
	questions map[string]models.Question
	clusters  map[string]models.Cluster
	// clusterOrder keeps cluster IDs in file order.
	clusterOrder []string
	// byBlock keeps cluster IDs per block in file order.
	byBlock map[models.BlockType][]string
	// byCluster keeps question IDs per cluster in file order.
	byCluster map[string][]string
}

// Load reads and indexes a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse indexes a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Questions) == 0 {
		return nil, fmt.Errorf("catalog has no questions")
	}

	c := &Catalog{
		questions: make(map[string]models.Question, len(f.Questions)),
		clusters:  make(map[string]models.Cluster, len(f.Clusters)),
		byBlock:   make(map[models.BlockType][]string),
		byCluster: make(map[string][]string),
	}

	for _, cl := range f.Clusters {
		if cl.ID == "" {
			return nil, fmt.Errorf("catalog cluster missing id")
		}
		if _, dup := c.clusters[cl.ID]; dup {
			return nil, fmt.Errorf("duplicate cluster id %q", cl.ID)
		}
		c.clusters[cl.ID] = cl
		c.clusterOrder = append(c.clusterOrder, cl.ID)
		c.byBlock[cl.Block] = append(c.byBlock[cl.Block], cl.ID)
	}

	for _, q := range f.Questions {
		if q.ID == "" {
			return nil, fmt.Errorf("catalog question missing id")
		}
		if _, dup := c.questions[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		}
		if q.ClusterID != "" {
			if _, ok := c.clusters[q.ClusterID]; !ok {
				return nil, fmt.Errorf("question %q references unknown cluster %q", q.ID, q.ClusterID)
			}
			c.byCluster[q.ClusterID] = append(c.byCluster[q.ClusterID], q.ID)
		}
		c.questions[q.ID] = q
	}

	return c, nil
}

// Question returns a catalog entry by ID.
func (c *Catalog) Question(id string) (models.Question, bool) {
	q, ok := c.questions[id]
	return q, ok
}

// Cluster returns a cluster by ID.
func (c *Catalog) Cluster(id string) (models.Cluster, bool) {
	cl, ok := c.clusters[id]
	return cl, ok
}

// Len returns the number of questions.
func (c *Catalog) Len() int { return len(c.questions) }

// All returns every question, sorted by ID for deterministic iteration.
func (c *Catalog) All() []models.Question {
	out := make([]models.Question, 0, len(c.questions))
	for _, q := range c.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProgramClusters returns the clusters of a program in catalog order. An
// empty programID returns every cluster.
func (c *Catalog) ProgramClusters(programID string) []models.Cluster {
	var out []models.Cluster
	for _, id := range c.clusterOrder {
		cl := c.clusters[id]
		if programID == "" || cl.ProgramID == programID {
			out = append(out, cl)
		}
	}
	return out
}

// BlockClusters returns the cluster IDs of a block in catalog order.
func (c *Catalog) BlockClusters(block models.BlockType) []string {
	return c.byBlock[block]
}

// ClusterQuestions returns the question IDs of a cluster in catalog order.
func (c *Catalog) ClusterQuestions(clusterID string) []string {
	return c.byCluster[clusterID]
}

// BlockQuestions returns every question ID of a block, walking clusters in
// catalog order.
func (c *Catalog) BlockQuestions(block models.BlockType) []string {
	var out []string
	for _, clusterID := range c.byBlock[block] {
		out = append(out, c.byCluster[clusterID]...)
	}
	return out
}

// Domains returns the distinct domains present in the catalog, sorted.
func (c *Catalog) Domains() []string {
	seen := make(map[string]struct{})
	for _, q := range c.questions {
		if q.Domain != "" {
			seen[q.Domain] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
