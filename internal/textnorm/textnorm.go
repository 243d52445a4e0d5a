// Package textnorm normalizes free text for fingerprinting, cache keys and
// keyword extraction.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Options selects the optional normalization steps. Case folding and
// whitespace collapsing always apply.
type Options struct {
	StripPunctuation bool
	StripDiacritics  bool
}

// Normalize case-folds s, optionally strips diacritics and punctuation, and
// collapses runs of whitespace into single spaces with no leading or
// trailing space.
func Normalize(s string, opts Options) string {
	if opts.StripDiacritics {
		s = StripDiacritics(s)
	}

	// Casers carry state; a fresh one per call keeps Normalize goroutine-safe.
	s = cases.Fold().String(s)

	if opts.StripPunctuation {
		s = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return r
		}, s)
	}

	return strings.Join(strings.Fields(s), " ")
}

// StripDiacritics removes combining marks: "café" becomes "cafe".
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Tokens splits s into normalized words with punctuation removed.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s, Options{StripPunctuation: true, StripDiacritics: true}))
}

// Keywords returns the tokens of s that are at least three characters long
// and not stopwords.
func Keywords(s string) []string {
	toks := Tokens(s)
	out := toks[:0]
	for _, tok := range toks {
		if len([]rune(tok)) < 3 || IsStopword(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// IsStopword reports whether tok is a common English function word.
func IsStopword(tok string) bool {
	_, ok := stopwords[tok]
	return ok
}

var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "again": {}, "all": {}, "also": {}, "an": {},
	"and": {}, "any": {}, "are": {}, "as": {}, "at": {}, "be": {}, "because": {},
	"been": {}, "before": {}, "but": {}, "by": {}, "can": {}, "could": {}, "did": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "had": {}, "has": {}, "have": {},
	"how": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {},
	"just": {}, "more": {}, "not": {}, "now": {}, "of": {}, "on": {}, "one": {},
	"only": {}, "or": {}, "our": {}, "out": {}, "should": {}, "so": {}, "some": {},
	"than": {}, "that": {}, "the": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "use": {},
	"used": {}, "using": {}, "was": {}, "we": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "while": {}, "who": {}, "will": {},
	"with": {}, "would": {}, "you": {}, "your": {},
}
