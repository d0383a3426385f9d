// Package transcript cleans up recognised text before it is returned or
// stored.
//
// A [Corrector] runs up to four stages in order: whitespace normalisation,
// user dictionary replacements, canonical casing of known terms, and
// phonetic matching of misheard words against the same terms. Every
// substitution is recorded as a [Correction] so callers can audit it.
package transcript

// Correction methods.
const (
	MethodDictionary = "dictionary"
	MethodCase       = "case"
	MethodPhonetic   = "phonetic"
)

// Correction is a single substitution.
type Correction struct {
	Original  string
	Corrected string

	// Confidence is 1 for dictionary and case fixes and the similarity score
	// for phonetic ones.
	Confidence float64

	Method string
}

// Result is the output of [Corrector.Correct].
type Result struct {
	// Original is the text as received from the provider.
	Original string

	// Text is the corrected text.
	Text string

	// Corrections lists the substitutions in the order they were applied.
	Corrections []Correction
}

// Replacement rewrites Incorrect, matched case-insensitively, to Correct.
type Replacement struct {
	Incorrect string
	Correct   string
}

// PhoneticMatcher resolves a word or phrase to the closest known term. When
// matched is false, corrected must equal word.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}
