package modelcat

import (
	"fmt"
	"sort"
	"strings"
)

// Match scoring. Relative order matters more than the point values: an exact
// match always beats a prefix, a prefix always beats a substring, and variant
// agreement nudges otherwise-equal candidates apart.
const (
	scoreExact     = 100
	scorePrefix    = 60
	scoreSubstring = 30

	variantBonus   = 15
	variantPenalty = 10
)

// variantVocab marks tokens that denote a lighter, faster, or preview build
// of a base model. A fragment containing one of these is asking for that
// variant; a candidate carrying one the user did not ask for is probably not
// what they meant.
var variantVocab = []string{"mini", "nano", "lite", "flash", "haiku", "fast", "preview", "exp", "turbo"}

// ErrNoMatch is wrapped by Resolve when nothing in the catalog matches.
var ErrNoMatch = fmt.Errorf("no matching model")

// Resolve maps a user-supplied fragment to a catalog model. Exact references
// and aliases short-circuit; otherwise candidates are scored and the best
// one wins deterministically.
func (c *Catalog) Resolve(fragment string) (Model, error) {
	frag := strings.ToLower(strings.TrimSpace(fragment))
	if frag == "" {
		return Model{}, fmt.Errorf("%w: empty model name", ErrNoMatch)
	}
	if m, ok := c.Lookup(frag); ok {
		return m, nil
	}

	type scored struct {
		model Model
		score int
	}
	var candidates []scored
	for _, m := range c.models {
		if s := c.score(frag, m); s > 0 {
			candidates = append(candidates, scored{m, s})
		}
	}
	switch len(candidates) {
	case 0:
		return Model{}, fmt.Errorf("%w for %q", ErrNoMatch, fragment)
	case 1:
		return candidates[0].model, nil
	}

	defaultRef := strings.ToLower(c.defaultRef)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		aDef := strings.ToLower(a.model.Ref()) == defaultRef
		bDef := strings.ToLower(b.model.Ref()) == defaultRef
		if aDef != bDef {
			return aDef
		}
		av, bv := countVariants(a.model.Name), countVariants(b.model.Name)
		if av != bv {
			return av < bv
		}
		if len(a.model.Name) != len(b.model.Name) {
			return len(a.model.Name) < len(b.model.Name)
		}
		return a.model.Ref() < b.model.Ref()
	})
	return candidates[0].model, nil
}

// score rates one candidate against the fragment. The base score is the best
// match across the full reference, provider, name, and aliases; variant
// agreement then adjusts it. A hit on the bare name carries slightly less
// weight than one on a full provider/name reference or an alias, and a
// provider-only hit less still. The reference channel only applies to
// fragments that name a provider, otherwise it would shadow the scaled
// name and provider channels for every model.
func (c *Catalog) score(frag string, m Model) int {
	best := 0
	if strings.Contains(frag, "/") {
		best = matchScore(frag, strings.ToLower(m.Ref()))
	}
	if s := matchScore(frag, strings.ToLower(m.Name)) * 4 / 5; s > best {
		best = s
	}
	if s := matchScore(frag, strings.ToLower(m.Provider)) * 2 / 5; s > best {
		best = s
	}
	for _, a := range m.Aliases {
		if s := matchScore(frag, strings.ToLower(a)); s > best {
			best = s
		}
	}
	if best == 0 {
		return 0
	}

	wanted := fragmentVariants(frag)
	for _, v := range variantVocab {
		has := hasVariant(m.Name, v)
		switch {
		case wanted[v] && has:
			best += variantBonus
		case !wanted[v] && has:
			best -= variantPenalty
		}
	}
	if best <= 0 {
		best = 1 // still a textual match, just a disfavored one
	}
	return best
}

func matchScore(frag, target string) int {
	switch {
	case target == frag:
		return scoreExact
	case strings.HasPrefix(target, frag):
		return scorePrefix
	case strings.Contains(target, frag):
		return scoreSubstring
	}
	return 0
}

func fragmentVariants(frag string) map[string]bool {
	out := make(map[string]bool)
	for _, v := range variantVocab {
		if hasVariant(frag, v) {
			out[v] = true
		}
	}
	return out
}

// hasVariant reports whether the variant appears as a whole token in the
// name, so "mini" matches "gpt-5-mini" but not "administrator".
func hasVariant(name, variant string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '/' || r == ' ' || r == ':'
	}) {
		if tok == variant {
			return true
		}
	}
	return false
}

func countVariants(name string) int {
	n := 0
	for _, v := range variantVocab {
		if hasVariant(name, v) {
			n++
		}
	}
	return n
}
