package safety

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// matchPhonetic slides a window the size of each keyword over words. A window
// matches when every word shares a Double Metaphone code with the keyword
// word in the same position (or is spelled identically) and the whole
// window is at least threshold similar to the keyword by Jaro-Winkler.
func (s *Screen) matchPhonetic(words []string) bool {
	if len(words) == 0 {
		return false
	}
	wordCodes := codesFor(words)

	for _, k := range s.keywords {
		if utf8.RuneCountInString(k.text) < phoneticMinLen {
			continue
		}
		n := len(k.tokens)
		for start := 0; start+n <= len(words); start++ {
			if !windowSoundsAlike(words[start:start+n], wordCodes[start:start+n], k) {
				continue
			}
			window := strings.Join(words[start:start+n], " ")
			if matchr.JaroWinkler(window, strings.Join(k.tokens, " "), false) >= s.threshold {
				return true
			}
		}
	}
	return false
}

func windowSoundsAlike(words []string, codes [][2]string, k keyword) bool {
	for i, w := range words {
		if w == k.tokens[i] {
			continue
		}
		if !codesOverlap(codes[i], k.codes[i]) {
			return false
		}
	}
	return true
}

// codesFor returns the primary and secondary Double Metaphone codes for each
// token.
func codesFor(tokens []string) [][2]string {
	out := make([][2]string, len(tokens))
	for i, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		out[i] = [2]string{p, s}
	}
	return out
}

func codesOverlap(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
