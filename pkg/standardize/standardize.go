// Package standardize maps free-text component names found in threat
// candidates onto canonical DFD component identifiers.
package standardize

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/exploopio/threatrefine/pkg/model"
)

// DefaultThreshold is the minimum fuzzy similarity for a match.
const DefaultThreshold = 0.8

// MatchKind records how a name was resolved.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchFallback MatchKind = "fallback"

	// MatchKept: the name did not resolve but the candidate already
	// carried a known component id, which is kept.
	MatchKept MatchKind = "kept"
)

type entry struct {
	key string // normalized name
	id  string
}

// Standardizer resolves names against a fixed set of known names.
// It is immutable after construction and safe for concurrent use.
type Standardizer struct {
	threshold float64
	exact     map[string]string
	ids       map[string]struct{}
	entries   []entry
}

// New builds a Standardizer from a name → canonical id map, as returned
// by model.DFD.Names. A threshold outside (0,1] uses DefaultThreshold.
func New(known map[string]string, threshold float64) *Standardizer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	s := &Standardizer{
		threshold: threshold,
		exact:     make(map[string]string, len(known)),
		ids:       make(map[string]struct{}, len(known)),
	}
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower == "" {
			continue
		}
		id := known[name]
		s.ids[id] = struct{}{}
		if _, ok := s.exact[lower]; !ok {
			s.exact[lower] = id
		}
		s.entries = append(s.entries, entry{key: normalize(name), id: id})
	}
	sort.Slice(s.entries, func(i, j int) bool {
		if s.entries[i].key != s.entries[j].key {
			return s.entries[i].key < s.entries[j].key
		}
		return s.entries[i].id < s.entries[j].id
	})
	return s
}

// Standardize returns the canonical id for name. Resolution tries an exact
// case-insensitive match, then the best fuzzy match scoring above the
// threshold, then falls back to name itself.
func (s *Standardizer) Standardize(name string) (string, MatchKind) {
	trimmed := strings.TrimSpace(name)
	if id, ok := s.exact[strings.ToLower(trimmed)]; ok {
		return id, MatchExact
	}

	target := normalize(trimmed)
	if target == "" {
		return name, MatchFallback
	}
	bestID, bestScore := "", 0.0
	for _, e := range s.entries {
		if score := similarity(target, e.key); score > bestScore {
			bestID, bestScore = e.id, score
		}
	}
	if bestScore > s.threshold {
		return bestID, MatchFuzzy
	}
	return name, MatchFallback
}

// Apply sets the candidate's ComponentRef from its ComponentName. When the
// name does not resolve, a ComponentRef that is already a known id (set by
// generation from its unit) is kept; only candidates without one, such as
// imports, fall back to the raw name.
func (s *Standardizer) Apply(c model.ThreatCandidate) (model.ThreatCandidate, MatchKind) {
	name := c.ComponentName
	if name == "" {
		name = c.ComponentRef
	}
	ref, kind := s.Standardize(name)
	if kind == MatchFallback {
		if _, ok := s.ids[c.ComponentRef]; ok {
			return c, MatchKept
		}
	}
	c.ComponentRef = ref
	if c.ComponentName == "" {
		c.ComponentName = name
	}
	return c, kind
}

// Similarity returns 1 - dist/maxLen over the normalized forms of a and b.
func Similarity(a, b string) float64 {
	return similarity(normalize(a), normalize(b))
}

func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// normalize lowercases and maps every separator run to one space, so
// "API-Gateway", "api_gateway" and "Api Gateway" compare equal.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}
