// Package safety screens user turns for crisis language before they reach the
// remote model.
//
// A [Screen] holds a keyword list. [Screen.Check] reports whether a turn
// contains any keyword. Matching is case-insensitive substring search, except
// for very short keywords ("sh") which must appear as a whole word so they do
// not fire inside ordinary words like "she" or "wish".
//
// With phonetic matching enabled, multi-letter keywords are also compared
// against same-length word windows of the turn using Double Metaphone codes
// and Jaro-Winkler similarity, which catches recognizer misspellings such as
// "suiside" or "want to dye".
package safety

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultKeywords is the built-in crisis keyword list.
var DefaultKeywords = []string{
	"kill myself",
	"suicide",
	"want to die",
	"end my life",
	"self harm",
	"self-harm",
	"sh",
	"cutting",
	"i hate my life",
	"hopeless",
	"no reason to live",
}

// DefaultHelpline is shown to the user when a turn is screened out.
const DefaultHelpline = "It sounds like you are going through a lot right now. You are not alone. " +
	"Please reach out to Tele-MANAS at 14416 or 1-800-891-4416 (free, 24x7), or call 112 in an emergency."

const (
	// wholeWordMaxLen is the longest keyword, in runes, that must match as
	// a whole word rather than a substring.
	wholeWordMaxLen = 2

	// phoneticMinLen is the shortest keyword, in runes, eligible for
	// phonetic matching.
	phoneticMinLen = 5

	defaultPhoneticThreshold = 0.90
)

// Option configures a [Screen].
type Option func(*Screen)

// WithPhonetic enables fuzzy phonetic matching in addition to exact matching.
func WithPhonetic(enabled bool) Option {
	return func(s *Screen) { s.phonetic = enabled }
}

// WithPhoneticThreshold sets the minimum Jaro-Winkler similarity a phonetic
// candidate must reach. Default: 0.90.
func WithPhoneticThreshold(threshold float64) Option {
	return func(s *Screen) { s.threshold = threshold }
}

// Screen checks text against a crisis keyword list. It is read-only after
// construction and safe for concurrent use.
type Screen struct {
	keywords  []keyword
	phonetic  bool
	threshold float64
}

type keyword struct {
	text   string
	tokens []string
	codes  [][2]string
}

// New returns a Screen for keywords. A nil or empty list selects
// [DefaultKeywords]. Blank keywords are ignored.
func New(keywords []string, opts ...Option) *Screen {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	s := &Screen{threshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(s)
	}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		tokens := tokenize(k)
		s.keywords = append(s.keywords, keyword{
			text:   k,
			tokens: tokens,
			codes:  codesFor(tokens),
		})
	}
	return s
}

// Check reports whether text contains crisis language.
func (s *Screen) Check(text string) bool {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return false
	}
	words := tokenize(lower)

	for _, k := range s.keywords {
		if utf8.RuneCountInString(k.text) <= wholeWordMaxLen {
			if containsWord(words, k.text) {
				return true
			}
			continue
		}
		if strings.Contains(lower, k.text) {
			return true
		}
	}

	if !s.phonetic {
		return false
	}
	return s.matchPhonetic(words)
}

// tokenize lowercases nothing; it splits on anything that is not a letter,
// digit, apostrophe or hyphen.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}
