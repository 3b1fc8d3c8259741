package reconcile

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// fold lower-cases rune by rune so folded and literal text keep the same
// rune offsets.
func fold(s string) string {
	return strings.Map(unicode.ToLower, s)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// runesAfter returns s without its first n runes.
func runesAfter(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return ""
	}
	return string(r[n:])
}

func wordsEqualFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fold(a[i]) != fold(b[i]) {
			return false
		}
	}
	return true
}

// appendWords joins rest onto text with single spaces. An empty rest leaves
// text untouched.
func appendWords(text string, rest []string) string {
	if len(rest) == 0 {
		return text
	}
	return appendText(text, strings.Join(rest, " "))
}

func appendText(text, addition string) string {
	return joinText(text, addition, true)
}

// joinText appends addition to text, separated by a single space when spaced
// is set and glued to the last word otherwise.
func joinText(text, addition string, spaced bool) string {
	base := strings.TrimRightFunc(text, unicode.IsSpace)
	if base == "" {
		return addition
	}
	if !spaced {
		return base + addition
	}
	return base + " " + addition
}

// splitAt returns s without its first n runes, trimmed, and whether the cut
// fell on whitespace.
func splitAt(s string, n int) (string, bool) {
	rest := runesAfter(s, n)
	if rest == "" {
		return "", true
	}
	first, _ := utf8.DecodeRuneInString(rest)
	return strings.TrimSpace(rest), unicode.IsSpace(first)
}

// WordCount returns the number of whitespace-delimited tokens in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
