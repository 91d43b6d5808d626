package search

import "strings"

// Words ignored when matching query terms verbatim.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "re": true, "fw": true, "fwd": true,
}

// terms lowercases text, trims punctuation and drops stop words.
func terms(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, word := range words {
		cleaned := strings.ToLower(strings.Trim(word, ".,!?;:'\"-()[]{}<>"))
		if cleaned != "" && !stopWords[cleaned] {
			out = append(out, cleaned)
		}
	}
	return out
}

// matchesVerbatim reports whether every query term appears in text.
// A query made only of stop words never matches.
func matchesVerbatim(text string, queryTerms []string) bool {
	if len(queryTerms) == 0 {
		return false
	}
	present := make(map[string]bool)
	for _, word := range terms(text) {
		present[word] = true
	}
	for _, t := range queryTerms {
		if !present[t] {
			return false
		}
	}
	return true
}
