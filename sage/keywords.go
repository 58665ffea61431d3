package sage

import (
	"regexp"
	"strings"
)

// nonKeywordChars matches anything outside lowercase alphanumerics and
// whitespace, after the input has already been lowercased.
var nonKeywordChars = regexp.MustCompile(`[^a-z0-9\s]+`)

// tokenSet is the normalized, deduplicated set of meaningful words extracted
// from a question. numeric carries the first token containing a digit (a
// course/item code like "cs101"), since matching treats those specially.
type tokenSet struct {
	words   map[string]struct{}
	numeric string
}

// newTokenSet lowercases the input, strips punctuation, splits on whitespace
// runs, and keeps tokens longer than two characters or containing a digit.
// Short purely-alphabetic tokens ("is", "to") are noise and dropped; short
// tokens with digits are usually course codes and kept.
func newTokenSet(text string) tokenSet {
	cleaned := nonKeywordChars.ReplaceAllString(strings.ToLower(text), "")
	ts := tokenSet{words: map[string]struct{}{}}
	for _, word := range strings.Fields(cleaned) {
		hasDigit := containsDigit(word)
		if len(word) <= 2 && !hasDigit {
			continue
		}
		ts.words[word] = struct{}{}
		if hasDigit && ts.numeric == "" {
			ts.numeric = word
		}
	}
	return ts
}

func (t tokenSet) contains(word string) bool {
	_, ok := t.words[word]
	return ok
}

func (t tokenSet) size() int {
	return len(t.words)
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
