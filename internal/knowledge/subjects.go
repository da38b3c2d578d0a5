package knowledge

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	// subjectPhoneticThreshold is the minimum Jaro-Winkler score for a
	// phonetically-overlapping subject to be treated as the same person.
	subjectPhoneticThreshold = 0.70

	// subjectFuzzyThreshold is the minimum Jaro-Winkler score when there is no
	// phonetic overlap.
	subjectFuzzyThreshold = 0.88
)

// Canonicalizer resolves newly extracted fact subjects to already-known
// spellings. Speech transcription renders the same name differently across
// turns ("Maria", "Mariah"); without canonicalisation each variant would
// accumulate its own disjoint fact history.
//
// Matching combines Double Metaphone phonetic codes with Jaro-Winkler string
// similarity: a phonetic-code overlap lowers the similarity bar, otherwise a
// stricter fuzzy threshold applies.
//
// All methods are safe for concurrent use.
type Canonicalizer struct {
	mu    sync.Mutex
	known []string
	codes []map[string]struct{}
}

// NewCanonicalizer returns an empty [Canonicalizer].
func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{}
}

// Add registers subject as a known canonical spelling without matching.
// Empty subjects are ignored.
func (c *Canonicalizer) Add(subject string) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(subject)
}

// Canonical returns the known subject that subject most likely refers to,
// registering subject as a new canonical spelling when nothing matches.
// Empty input is returned unchanged.
func (c *Canonicalizer) Canonical(subject string) string {
	if strings.TrimSpace(subject) == "" {
		return subject
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inputLower := strings.ToLower(subject)
	inputCodes := metaphoneCodes(inputLower)

	var (
		best      string
		bestScore float64
	)
	for i, existing := range c.known {
		if strings.EqualFold(existing, subject) {
			return existing
		}

		score := matchr.JaroWinkler(inputLower, strings.ToLower(existing), false)
		threshold := subjectFuzzyThreshold
		if codesOverlap(inputCodes, c.codes[i]) {
			threshold = subjectPhoneticThreshold
		}
		if score >= threshold && score > bestScore {
			best = existing
			bestScore = score
		}
	}

	if best != "" {
		return best
	}
	c.add(subject)
	return subject
}

// add registers a subject. Must be called with c.mu held.
func (c *Canonicalizer) add(subject string) {
	c.known = append(c.known, subject)
	c.codes = append(c.codes, metaphoneCodes(strings.ToLower(subject)))
}

// metaphoneCodes returns the union of Double Metaphone codes across the
// tokens of s. Empty codes are excluded.
func metaphoneCodes(s string) map[string]struct{} {
	tokens := strings.Fields(s)
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, sec := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
