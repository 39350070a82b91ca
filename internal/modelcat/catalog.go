// Package modelcat holds the model catalog: the set of models the daemon is
// allowed to run, their aliases and capability tiers, and fuzzy resolution
// of user-supplied model fragments against that set.
package modelcat

import (
	"fmt"
	"sort"
	"strings"
)

// Thinking tiers in ascending order of effort.
var tierOrder = []string{"off", "low", "medium", "high"}

// Model is one catalog entry.
type Model struct {
	Provider      string   `yaml:"provider" json:"provider"`
	Name          string   `yaml:"name" json:"name"`
	Aliases       []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	ContextWindow int      `yaml:"context_window,omitempty" json:"contextWindow,omitempty"`
	// MaxThinkingTier is the highest thinking tier the model supports.
	// Empty means "high".
	MaxThinkingTier string `yaml:"max_thinking_tier,omitempty" json:"maxThinkingTier,omitempty"`
}

// Ref returns the canonical "provider/name" reference.
func (m Model) Ref() string {
	return m.Provider + "/" + m.Name
}

// SupportsTier reports whether the model supports the given thinking tier.
func (m Model) SupportsTier(tier string) bool {
	return tierRank(tier) <= tierRank(m.maxTier())
}

// DowngradeTier returns the highest supported tier at or below the requested
// one. Unknown tiers map to the model's maximum.
func (m Model) DowngradeTier(tier string) string {
	if m.SupportsTier(tier) {
		return tier
	}
	return m.maxTier()
}

func (m Model) maxTier() string {
	if m.MaxThinkingTier == "" {
		return "high"
	}
	return m.MaxThinkingTier
}

func tierRank(tier string) int {
	for i, t := range tierOrder {
		if t == tier {
			return i
		}
	}
	return len(tierOrder) - 1
}

// Catalog is the resolved, allow-list-filtered model set for one agent.
type Catalog struct {
	models     []Model
	defaultRef string
	byRef      map[string]Model
	byAlias    map[string]Model
}

// New builds a catalog from the configured entries. When allow is non-empty,
// entries outside it are excluded before any resolution happens. defaultRef
// names the model used when nothing else is selected; it must survive the
// allow-list cut.
func New(entries []Model, defaultRef string, allow []string) (*Catalog, error) {
	allowed := make(map[string]bool, len(allow))
	for _, ref := range allow {
		allowed[strings.ToLower(ref)] = true
	}

	c := &Catalog{
		defaultRef: defaultRef,
		byRef:      make(map[string]Model),
		byAlias:    make(map[string]Model),
	}
	for _, m := range entries {
		if m.Provider == "" || m.Name == "" {
			return nil, fmt.Errorf("catalog entry missing provider or name: %+v", m)
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(m.Ref())] {
			continue
		}
		ref := strings.ToLower(m.Ref())
		if _, dup := c.byRef[ref]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %s", m.Ref())
		}
		c.models = append(c.models, m)
		c.byRef[ref] = m
		for _, a := range m.Aliases {
			c.byAlias[strings.ToLower(a)] = m
		}
	}
	if len(c.models) == 0 {
		return nil, fmt.Errorf("model catalog is empty after allow-list filtering")
	}
	if defaultRef != "" {
		if _, ok := c.byRef[strings.ToLower(defaultRef)]; !ok {
			return nil, fmt.Errorf("default model %s is not in the catalog", defaultRef)
		}
	}
	sort.Slice(c.models, func(i, j int) bool { return c.models[i].Ref() < c.models[j].Ref() })
	return c, nil
}

// Default returns the configured default model.
func (c *Catalog) Default() (Model, bool) {
	if c.defaultRef == "" {
		if len(c.models) == 1 {
			return c.models[0], true
		}
		return Model{}, false
	}
	m, ok := c.byRef[strings.ToLower(c.defaultRef)]
	return m, ok
}

// Models returns the catalog entries sorted by reference.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Lookup returns the model for an exact reference or alias, without fuzzy
// matching.
func (c *Catalog) Lookup(ref string) (Model, bool) {
	key := strings.ToLower(strings.TrimSpace(ref))
	if m, ok := c.byRef[key]; ok {
		return m, true
	}
	m, ok := c.byAlias[key]
	return m, ok
}
