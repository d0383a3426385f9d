package transcript

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/murmur/internal/transcript/phonetic"
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithDictionary adds user replacements, applied before any other fix.
// Entries with a blank Incorrect are ignored.
func WithDictionary(entries []Replacement) Option {
	return func(c *Corrector) {
		for _, e := range entries {
			if strings.TrimSpace(e.Incorrect) == "" {
				continue
			}
			c.dictionary = append(c.dictionary, compiledReplacement{
				re:      regexp.MustCompile(`(?i)` + regexp.QuoteMeta(e.Incorrect)),
				correct: e.Correct,
			})
		}
	}
}

// WithTerms sets the vocabulary whose spelling and casing are enforced.
func WithTerms(terms []string) Option {
	return func(c *Corrector) {
		for _, t := range terms {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			c.terms = append(c.terms, t)
			c.casing = append(c.casing, compiledReplacement{
				re:      wordPattern(t),
				correct: t,
			})
		}
	}
}

// WithPhoneticMatcher enables the phonetic stage. Without it, misheard terms
// are only fixed when they appear in the dictionary.
func WithPhoneticMatcher(m PhoneticMatcher) Option {
	return func(c *Corrector) { c.matcher = m }
}

// WithLogger sets the logger used for trace output. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Corrector) { c.log = l }
}

// preparedMatcher is implemented by matchers that can reuse a vocabulary
// prepared once at construction.
type preparedMatcher interface {
	MatchPrepared(word string, v *phonetic.Vocabulary) (string, float64, bool)
}

type compiledReplacement struct {
	re      *regexp.Regexp
	correct string
}

// Corrector is immutable after construction and safe for concurrent use.
type Corrector struct {
	dictionary []compiledReplacement
	casing     []compiledReplacement
	terms      []string
	matcher    PhoneticMatcher
	vocab      *phonetic.Vocabulary
	log        *slog.Logger
}

// NewCorrector builds a [Corrector].
func NewCorrector(opts ...Option) *Corrector {
	c := &Corrector{log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if _, ok := c.matcher.(preparedMatcher); ok {
		c.vocab = phonetic.Prepare(c.terms)
	}
	return c
}

// Correct applies every configured stage to text.
func (c *Corrector) Correct(text string) Result {
	res := Result{Original: text, Corrections: []Correction{}}
	working := normalizeSpace(text)

	for _, r := range c.dictionary {
		working = r.re.ReplaceAllStringFunc(working, func(m string) string {
			res.Corrections = append(res.Corrections, Correction{Original: m, Corrected: r.correct, Confidence: 1, Method: MethodDictionary})
			return r.correct
		})
	}

	for _, r := range c.casing {
		working = r.re.ReplaceAllStringFunc(working, func(m string) string {
			if m == r.correct {
				return m
			}
			res.Corrections = append(res.Corrections, Correction{Original: m, Corrected: r.correct, Confidence: 1, Method: MethodCase})
			return r.correct
		})
	}

	if c.matcher != nil && len(c.terms) > 0 {
		var fixes []Correction
		working, fixes = c.applyPhonetic(working)
		res.Corrections = append(res.Corrections, fixes...)
	}

	res.Text = working
	if len(res.Corrections) > 0 {
		c.log.Debug("transcript corrected", "corrections", len(res.Corrections))
	}
	return res
}

// applyPhonetic slides n-gram windows over the words of text, longest first,
// and replaces any window that matches a term. Windows may be one word longer
// than the longest term so split words like "tail wind" are joined again.
// Words that already equal a term are left alone.
func (c *Corrector) applyPhonetic(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}
	maxN := 1
	if c.vocab != nil {
		maxN = max(1, c.vocab.MaxWords())
	} else {
		for _, t := range c.terms {
			maxN = max(maxN, len(strings.Fields(t)))
		}
	}
	maxN++

	var (
		out   []string
		fixes []Correction
	)
	for i := 0; i < len(tokens); {
		n, replacement, fix, ok := c.matchAt(tokens, i, maxN)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, replacement)
		fixes = append(fixes, fix)
		i += n
	}
	return strings.Join(out, " "), fixes
}

func (c *Corrector) matchAt(tokens []string, i, maxN int) (n int, replacement string, fix Correction, ok bool) {
	for n = min(maxN, len(tokens)-i); n >= 1; n-- {
		window := tokens[i : i+n]
		if n > 1 && crossesPunct(window) {
			continue
		}
		lead, core, trail := splitPunct(strings.Join(window, " "))
		if core == "" || !isLatinWord(core) || c.isTerm(core) {
			continue
		}
		term, conf, matched := c.match(core)
		if !matched {
			continue
		}
		if n > 1 && !c.beatsParts(window, conf) {
			continue
		}
		return n, lead + term + trail, Correction{Original: core, Corrected: term, Confidence: conf, Method: MethodPhonetic}, true
	}
	return 0, "", Correction{}, false
}

func (c *Corrector) match(word string) (string, float64, bool) {
	if c.vocab != nil {
		return c.matcher.(preparedMatcher).MatchPrepared(word, c.vocab)
	}
	return c.matcher.Match(word, c.terms)
}

// beatsParts reports whether a multi-word match scores higher than any of its
// words on their own. A window containing a known term never wins.
func (c *Corrector) beatsParts(window []string, conf float64) bool {
	for _, w := range window {
		_, core, _ := splitPunct(w)
		if core == "" {
			continue
		}
		if c.isTerm(core) {
			return false
		}
		if _, score, ok := c.match(core); ok && score >= conf {
			return false
		}
	}
	return true
}

// crossesPunct reports whether any word but the last ends in punctuation,
// meaning the window spans a clause boundary.
func crossesPunct(window []string) bool {
	for _, w := range window[:len(window)-1] {
		r, _ := utf8.DecodeLastRuneInString(w)
		if unicode.IsPunct(r) {
			return true
		}
	}
	return false
}

func (c *Corrector) isTerm(s string) bool {
	for _, t := range c.terms {
		if t == s {
			return true
		}
	}
	return false
}

// normalizeSpace trims text and folds line breaks into single spaces.
func normalizeSpace(text string) string {
	text = strings.TrimSpace(text)
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
}

// wordPattern matches term case-insensitively. Word boundaries are only
// required on sides where the term itself starts or ends with a word
// character, so terms like ".NET" or "C++" still match.
func wordPattern(term string) *regexp.Regexp {
	p := regexp.QuoteMeta(term)
	r := []rune(term)
	if isWordRune(r[0]) {
		p = `\b` + p
	}
	if isWordRune(r[len(r)-1]) {
		p += `\b`
	}
	return regexp.MustCompile(`(?i)` + p)
}

func isWordRune(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (lead, core, trail string) {
	start := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsPunct(r) })
	if start < 0 {
		return s, "", ""
	}
	end := strings.LastIndexFunc(s, func(r rune) bool { return !unicode.IsPunct(r) })
	_, size := utf8.DecodeRuneInString(s[end:])
	return s[:start], s[start : end+size], s[end+size:]
}

// isLatinWord reports whether s consists of ASCII letters, digits, spaces
// and in-word punctuation only.
func isLatinWord(s string) bool {
	hasLetter := false
	for _, r := range s {
		switch {
		case r >= unicode.MaxASCII:
			return false
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r), r == ' ', r == '-', r == '\'', r == '.':
		default:
			return false
		}
	}
	return hasLetter
}
