package profile

import (
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// MergeDelta folds an analysis profile delta into the profile in place.
// Items are identified by (layer, key). The merge is idempotent: applying the
// same delta twice changes nothing on the second pass. Returns how many items
// were inserted or changed and the (layer, key) pairs skipped as unmergeable.
func MergeDelta(p *models.PersonalityProfile, delta models.ProfileLayers, now time.Time) (int, []string) {
	changed := 0
	var skipped []string
	for _, layer := range models.ProfileLayerNames() {
		items := delta[layer]
		if len(items) == 0 {
			continue
		}
		if p.Layers[layer] == nil {
			p.Layers[layer] = make(map[string]models.ProfileItem, len(items))
		}
		for key, incoming := range items {
			if key == "" {
				skipped = append(skipped, fmt.Sprintf("%s/<empty key>", layer))
				continue
			}
			incoming.Key = key

			existing, ok := p.Layers[layer][key]
			if !ok {
				incoming.UpdatedAt = now
				p.Layers[layer][key] = incoming
				changed++
				continue
			}

			merged, err := mergeItem(existing, incoming)
			if err != nil {
				skipped = append(skipped, fmt.Sprintf("%s/%s", layer, key))
				continue
			}
			if itemEqual(existing, merged) {
				continue
			}
			merged.UpdatedAt = now
			p.Layers[layer][key] = merged
			changed++
		}
	}
	return changed, skipped
}

// mergeItem resolves a (layer, key) collision. The newer item wins outright
// unless the older one carries a higher priority or a more specific type;
// then attributes merge field-wise, zero fields of the newer item filled from
// the older. An inactive status in the newer item always sticks.
func mergeItem(old, incoming models.ProfileItem) (models.ProfileItem, error) {
	out := incoming
	if old.Priority > incoming.Priority || moreSpecificType(old.Type, incoming.Type) {
		if err := mergo.Merge(&out, old); err != nil {
			return models.ProfileItem{}, fmt.Errorf("failed to merge profile item: %w", err)
		}
		if old.Priority > out.Priority {
			out.Priority = old.Priority
		}
		if moreSpecificType(old.Type, out.Type) {
			out.Type = old.Type
		}
	} else {
		// Newer wins, but blank attributes keep their prior values.
		if out.Status == "" {
			out.Status = old.Status
		}
		if out.Type == "" {
			out.Type = old.Type
		}
		if out.Impact == "" {
			out.Impact = old.Impact
		}
		if out.Priority == 0 {
			out.Priority = old.Priority
		}
	}
	if incoming.Status == models.ItemStatusInactive {
		out.Status = models.ItemStatusInactive
	}
	if out.LastValidatedAt == nil {
		out.LastValidatedAt = old.LastValidatedAt
	}
	return out, nil
}

// moreSpecificType reports whether old's type is a strict refinement of
// incoming's: non-empty against empty, or a dotted subtype of it.
func moreSpecificType(old, incoming string) bool {
	if old == "" || old == incoming {
		return false
	}
	if incoming == "" {
		return true
	}
	return len(old) > len(incoming) && old[:len(incoming)+1] == incoming+"."
}

// itemEqual ignores UpdatedAt so re-applied deltas do not rewrite items.
func itemEqual(a, b models.ProfileItem) bool {
	if a.Key != b.Key || a.Status != b.Status || a.Priority != b.Priority ||
		a.Type != b.Type || a.Impact != b.Impact {
		return false
	}
	switch {
	case a.LastValidatedAt == nil && b.LastValidatedAt == nil:
		return true
	case a.LastValidatedAt == nil || b.LastValidatedAt == nil:
		return false
	default:
		return a.LastValidatedAt.Equal(*b.LastValidatedAt)
	}
}
