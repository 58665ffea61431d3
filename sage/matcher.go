package sage

import (
	"sort"
	"strings"
)

const (
	// matchScoreThreshold is the minimum similarity score for a scored
	// candidate to be accepted (inclusive).
	matchScoreThreshold = 0.5

	// courseCodeBonus is added to the base similarity when both sides carry
	// the same course/item code.
	courseCodeBonus = 0.2
)

// tokenSimilarity returns the overlap between two token sets as
// |intersection| / max(|A|, |B|). Dividing by the larger set rather than the
// union keeps the score lenient for short queries against long stored
// questions.
func tokenSimilarity(user, faq tokenSet) float64 {
	larger := user.size()
	if faq.size() > larger {
		larger = faq.size()
	}
	if larger == 0 {
		return 0
	}
	var intersection int
	for word := range user.words {
		if faq.contains(word) {
			intersection++
		}
	}
	return float64(intersection) / float64(larger)
}

// scoreCandidate computes the similarity between a user query and one stored
// question. The second return value is false when the candidate is
// disqualified outright: if both sides carry a course code and the codes
// differ, no amount of textual overlap makes the pair a valid match
// ("CS 101 homework" must never answer a "CS 201 homework" question).
func scoreCandidate(user, faq tokenSet) (float64, bool) {
	if user.numeric != "" && faq.numeric != "" && user.numeric != faq.numeric {
		return 0, false
	}
	score := tokenSimilarity(user, faq)
	if user.numeric != "" && user.numeric == faq.numeric {
		score += courseCodeBonus
	}
	return score, true
}

// Match returns the best FAQ entry for the given query, or nil if no entry
// scores at or above the acceptance threshold.
//
// The corpus is scanned twice: first for a case-insensitive exact question
// match, which short-circuits immediately (first match in corpus order wins,
// bypassing tokenization entirely), then with token-set scoring, retaining
// the entry with the strictly highest score (ties keep the earliest entry).
//
// Match is pure: the caller supplies the corpus fresh on each call, so admin
// edits are visible on the next message without any cache invalidation.
// Entries with an empty question are skipped rather than crashing the scan.
func Match(query string, corpus []FAQEntry) *FAQEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	for i := range corpus {
		if corpus[i].Question == "" {
			continue
		}
		if strings.ToLower(corpus[i].Question) == q {
			return &corpus[i]
		}
	}

	userSet := newTokenSet(q)
	var best *FAQEntry
	var bestScore float64
	for i := range corpus {
		entry := &corpus[i]
		if entry.Question == "" {
			continue
		}
		score, ok := scoreCandidate(userSet, newTokenSet(entry.Question))
		if !ok {
			continue
		}
		if score >= matchScoreThreshold && score > bestScore {
			best = entry
			bestScore = score
		}
	}
	return best
}

// ScoredEntry pairs an FAQ entry with its similarity score, for ranked
// "related questions" listings.
type ScoredEntry struct {
	Entry FAQEntry `json:"entry"`
	Score float64  `json:"score"`
}

// MatchTopK returns up to k corpus entries ranked by descending similarity
// to the query. Unlike Match, entries below the acceptance threshold are
// included (as long as they overlap at all), so callers can offer related
// questions when no strong match exists. Disqualified entries (conflicting
// course codes) are never returned. Exact question matches rank ahead of
// every scored entry, and scores are capped at 1.0 so the course-code bonus
// can't push a near-match past an exact one.
func MatchTopK(query string, corpus []FAQEntry, k int) []ScoredEntry {
	if k <= 0 {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(query))
	userSet := newTokenSet(q)

	type rankedEntry struct {
		ScoredEntry
		exact bool
	}
	var ranked []rankedEntry
	for i := range corpus {
		entry := corpus[i]
		if entry.Question == "" {
			continue
		}
		if strings.ToLower(entry.Question) == q {
			ranked = append(
				ranked, rankedEntry{
					ScoredEntry: ScoredEntry{Entry: entry, Score: 1.0},
					exact:       true,
				},
			)
			continue
		}
		score, ok := scoreCandidate(userSet, newTokenSet(entry.Question))
		if !ok || score <= 0 {
			continue
		}
		if score > 1.0 {
			score = 1.0
		}
		ranked = append(
			ranked, rankedEntry{
				ScoredEntry: ScoredEntry{Entry: entry, Score: score},
			},
		)
	}

	sort.SliceStable(
		ranked, func(i, j int) bool {
			if ranked[i].exact != ranked[j].exact {
				return ranked[i].exact
			}
			return ranked[i].Score > ranked[j].Score
		},
	)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	scored := make([]ScoredEntry, len(ranked))
	for i := range ranked {
		scored[i] = ranked[i].ScoredEntry
	}
	return scored
}
