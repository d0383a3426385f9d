// Package phonetic matches misheard words against a vocabulary of known
// terms using Double Metaphone codes and Jaro-Winkler similarity.
//
// A term is a phonetic candidate when any Double Metaphone code of the input
// tokens equals a code of the term's tokens. The candidate with the highest
// Jaro-Winkler score wins if it clears the phonetic threshold. Without a
// phonetic candidate, a term can still win on string similarity alone above
// the stricter fuzzy threshold.
//
// Multi-word inputs and terms are compared both as written and with spaces
// removed; the better score counts. Inputs much shorter or longer than a term
// never match it, so "type" does not become "TypeScript".
package phonetic

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minLengthRatio bounds len(shorter)/len(longer) of the space-free forms.
	minLengthRatio = 0.75
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// candidate. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher].
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is a vocabulary entry with its precomputed comparison forms.
type term struct {
	original string
	lower    string
	joined   string
	codes    map[string]struct{}
}

// Vocabulary is a prepared term list. Build it once with [Prepare] when the
// same terms are matched against many words.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare precomputes phonetic codes for terms. Blank terms and terms
// without Latin letters are dropped since Double Metaphone cannot encode
// them.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" || !hasLatinLetter(lower) {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			original: strings.TrimSpace(t),
			lower:    lower,
			joined:   strings.Join(tokens, ""),
			codes:    codesFor(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Match finds the term in terms that best matches word. When matched is
// false, corrected is word and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared is [Matcher.Match] against a prepared vocabulary.
func (m *Matcher) MatchPrepared(word string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(word))
	if v == nil || len(v.terms) == 0 || lower == "" || !hasLatinLetter(lower) {
		return word, 0, false
	}
	tokens := strings.Fields(lower)
	codes := codesFor(tokens)
	joined := strings.Join(tokens, "")

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		if !comparableLength(joined, t.joined) {
			continue
		}
		score := similarity(lower, t.lower, joined, t.joined)
		if overlaps(codes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}

	if best == nil {
		return word, 0, false
	}
	return best.original, bestScore, true
}

// codesFor returns the Double Metaphone codes of all tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the better Jaro-Winkler score of the full and the space-free
// strings.
func similarity(inFull, termFull, inJoined, termJoined string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if inJoined != inFull || termJoined != termFull {
		score = max(score, matchr.JaroWinkler(inJoined, termJoined, false))
	}
	return score
}

func comparableLength(a, b string) bool {
	la, lb := float64(utf8.RuneCountInString(a)), float64(utf8.RuneCountInString(b))
	if la == 0 || lb == 0 {
		return false
	}
	return min(la, lb)/max(la, lb) >= minLengthRatio
}

func hasLatinLetter(s string) bool {
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
