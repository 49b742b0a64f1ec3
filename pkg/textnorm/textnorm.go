// Package textnorm normalizes Chinese news titles for clustering.
//
// Two titles that report the same event frequently differ only in
// full-width punctuation, CJK numerals or decorative characters; the
// normal form strips that variation so bigram overlap becomes a usable
// signal.
package textnorm

import (
	"strings"
	"unicode"
)

// cjkDigits maps common CJK numerals to their ASCII digits. 两 is the
// colloquial form of 二 and shows up in headline counts.
var cjkDigits = map[rune]rune{
	'〇': '0', '零': '0',
	'一': '1',
	'二': '2', '两': '2',
	'三': '3',
	'四': '4',
	'五': '5',
	'六': '6',
	'七': '7',
	'八': '8',
	'九': '9',
}

// NormalizeTitle produces the canonical form of a title: full-width runes
// folded to half-width, CJK numerals to ASCII digits, punctuation removed,
// whitespace collapsed, lowercased.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	for _, r := range title {
		// Full-width ASCII block folds to half-width; ideographic space
		// folds to a regular space.
		if r >= 0xFF01 && r <= 0xFF5E {
			r -= 0xFEE0
		} else if r == 0x3000 {
			r = ' '
		}
		if d, ok := cjkDigits[r]; ok {
			r = d
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case unicode.Is(unicode.Han, r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
			// Everything else (punctuation, symbols, emoji) is dropped.
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Bigrams returns the set of rune 2-grams of s. A string shorter than two
// runes contributes the string itself as its only gram, so single-character
// titles still compare as equal to themselves.
func Bigrams(s string) map[string]struct{} {
	runes := []rune(s)
	grams := make(map[string]struct{})
	if len(runes) < 2 {
		if len(runes) == 1 {
			grams[string(runes)] = struct{}{}
		}
		return grams
	}
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])] = struct{}{}
	}
	return grams
}

// TitleJaccard computes the 2-gram Jaccard similarity between the
// normalized forms of two titles. Empty normal forms yield 0.
func TitleJaccard(a, b string) float64 {
	ga := Bigrams(NormalizeTitle(a))
	gb := Bigrams(NormalizeTitle(b))
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}

	inter := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			inter++
		}
	}
	union := len(ga) + len(gb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
