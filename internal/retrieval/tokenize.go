package retrieval

import (
	"strings"
	"unicode"
)

// #region stopwords
// stopwords are dropped from query terms and document frequency counts.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"to": true, "of": true, "in": true, "on": true, "for": true,
	"with": true, "is": true, "it": true, "that": true, "this": true,
	"as": true, "at": true, "by": true, "be": true, "are": true,
	"was": true, "were": true, "from": true, "about": true, "into": true,
	"over": true, "under": true, "if": true, "then": true, "so": true,
	"we": true, "you": true, "i": true,
}

// IsStopword reports whether w is in the lexical stopword list.
func IsStopword(w string) bool {
	return stopwords[w]
}

// #endregion stopwords

// #region tokenize
// Tokenize lowercases text and splits it into word-like tokens of at least
// two characters. Stopwords are kept; callers filter with IsStopword.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "'-")
		if len([]rune(w)) < 2 {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// queryTerms returns the unique non-stopword tokens of a query in first-seen order.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range Tokenize(query) {
		if stopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

// #endregion tokenize
