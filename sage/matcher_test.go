package sage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func faqCorpus() []FAQEntry {
	return []FAQEntry{
		{
			ModelUintID: ModelUintID{ID: 1},
			Question:    "What is the homework policy?",
			Answer:      "Homework is due Fridays at midnight.",
			Category:    "Policies",
		},
		{
			ModelUintID: ModelUintID{ID: 2},
			Question:    "CS101 homework due date",
			Answer:      "CS101 homework is due every Monday.",
			Category:    "CS101",
		},
		{
			ModelUintID: ModelUintID{ID: 3},
			Question:    "CS201 homework due date",
			Answer:      "CS201 homework is due every Wednesday.",
			Category:    "CS201",
		},
		{
			ModelUintID: ModelUintID{ID: 4},
			Question:    "When are office hours?",
			Answer:      "Office hours are Tuesdays 2-4pm.",
			Category:    "Logistics",
		},
	}
}

func TestMatchExactQuestion(t *testing.T) {
	corpus := faqCorpus()

	got := Match("What is the homework policy?", corpus)
	require.NotNil(t, got)
	assert.Equal(t, uint(1), got.ID)
}

func TestMatchExactQuestionCaseInsensitive(t *testing.T) {
	corpus := faqCorpus()

	got := Match("what is the HOMEWORK policy?", corpus)
	require.NotNil(t, got)
	assert.Equal(t, uint(1), got.ID)
}

func TestMatchExactBeatsScored(t *testing.T) {
	// an exact match on a later entry wins over an earlier entry that
	// would score well
	corpus := []FAQEntry{
		{
			ModelUintID: ModelUintID{ID: 1},
			Question:    "When are office hours held each week?",
			Answer:      "Tuesdays.",
		},
		{
			ModelUintID: ModelUintID{ID: 2},
			Question:    "When are office hours?",
			Answer:      "Thursdays.",
		},
	}
	got := Match("when are office hours?", corpus)
	require.NotNil(t, got)
	assert.Equal(t, uint(2), got.ID)
}

func TestMatchScoredAtThreshold(t *testing.T) {
	// {homework, policy} vs {what, the, homework, policy}: 2/4 = 0.5,
	// accepted because the threshold is inclusive
	got := Match("homework policy", faqCorpus())
	require.NotNil(t, got)
	assert.Equal(t, uint(1), got.ID)
}

func TestMatchScoredBelowThreshold(t *testing.T) {
	// {can, you, explain, homework, policy} vs {what, the, homework,
	// policy}: 2/5 = 0.4, rejected
	got := Match("can you explain homework policy", faqCorpus())
	assert.Nil(t, got)
}

func TestMatchCourseCodeBonus(t *testing.T) {
	// {when, the, cs101, homework, due} vs {cs101, homework, due, date}:
	// 3/5 = 0.6, plus the course code bonus for matching "cs101"
	got := Match("when is the cs101 homework due", faqCorpus())
	require.NotNil(t, got)
	assert.Equal(t, uint(2), got.ID)
}

func TestMatchConflictingCourseCodes(t *testing.T) {
	// a cs301 query must never match the cs101 or cs201 entries, no
	// matter how much text overlaps
	got := Match("cs301 homework due date", faqCorpus())
	assert.Nil(t, got)
}

func TestMatchFirstWinsOnTie(t *testing.T) {
	corpus := []FAQEntry{
		{
			ModelUintID: ModelUintID{ID: 1},
			Question:    "grading scale details",
			Answer:      "first",
		},
		{
			ModelUintID: ModelUintID{ID: 2},
			Question:    "grading scale summary",
			Answer:      "second",
		},
	}
	// {grading, scale} scores 2/3 against both; the earlier entry is kept
	got := Match("grading scale", corpus)
	require.NotNil(t, got)
	assert.Equal(t, uint(1), got.ID)
}

func TestMatchSkipsMalformedEntries(t *testing.T) {
	corpus := []FAQEntry{
		{ModelUintID: ModelUintID{ID: 1}, Question: "", Answer: "orphan"},
		{
			ModelUintID: ModelUintID{ID: 2},
			Question:    "What is the homework policy?",
			Answer:      "Due Fridays.",
		},
	}
	got := Match("homework policy", corpus)
	require.NotNil(t, got)
	assert.Equal(t, uint(2), got.ID)
}

func TestMatchEmptyInputs(t *testing.T) {
	assert.Nil(t, Match("", faqCorpus()))
	assert.Nil(t, Match("   ", faqCorpus()))
	assert.Nil(t, Match("homework policy", nil))
}

func TestMatchNoOverlap(t *testing.T) {
	assert.Nil(t, Match("completely unrelated ramblings", faqCorpus()))
}

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want float64
	}{
		{
			name: "identical sets",
			a:    "homework policy",
			b:    "homework policy",
			want: 1.0,
		},
		{
			name: "half overlap against larger set",
			a:    "homework policy",
			b:    "what is the homework policy",
			want: 0.5,
		},
		{
			name: "no overlap",
			a:    "homework policy",
			b:    "office hours",
			want: 0,
		},
		{
			name: "both empty",
			a:    "",
			b:    "",
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := tokenSimilarity(newTokenSet(tt.a), newTokenSet(tt.b))
				assert.InDelta(t, tt.want, got, 0.0001)
			},
		)
	}
}

func TestScoreCandidate(t *testing.T) {
	t.Run(
		"conflicting codes disqualify", func(t *testing.T) {
			_, ok := scoreCandidate(
				newTokenSet("cs101 homework"),
				newTokenSet("cs201 homework"),
			)
			assert.False(t, ok)
		},
	)
	t.Run(
		"matching codes add bonus", func(t *testing.T) {
			score, ok := scoreCandidate(
				newTokenSet("cs101 homework"),
				newTokenSet("cs101 homework"),
			)
			assert.True(t, ok)
			assert.InDelta(t, 1.2, score, 0.0001)
		},
	)
	t.Run(
		"one-sided code is not disqualified", func(t *testing.T) {
			score, ok := scoreCandidate(
				newTokenSet("homework due"),
				newTokenSet("cs101 homework due"),
			)
			assert.True(t, ok)
			assert.InDelta(t, 2.0/3.0, score, 0.0001)
		},
	)
}

func TestMatchTopK(t *testing.T) {
	corpus := faqCorpus()

	scored := MatchTopK("homework due date", corpus, 2)
	require.Len(t, scored, 2)
	assert.GreaterOrEqual(t, scored[0].Score, scored[1].Score)

	// exact match scores 1.0
	exact := MatchTopK("What is the homework policy?", corpus, 1)
	require.Len(t, exact, 1)
	assert.Equal(t, uint(1), exact[0].Entry.ID)
	assert.Equal(t, 1.0, exact[0].Score)

	assert.Nil(t, MatchTopK("homework", corpus, 0))
}

func TestMatchTopKExactOutranksBonus(t *testing.T) {
	// entry 1 scores a full token overlap plus the course-code bonus;
	// the later exact match must still rank first, and no score may
	// exceed 1.0
	corpus := []FAQEntry{
		{ModelUintID: ModelUintID{ID: 1}, Question: "CS101 exam?", Answer: "A"},
		{ModelUintID: ModelUintID{ID: 2}, Question: "cs101 exam", Answer: "B"},
	}

	scored := MatchTopK("cs101 exam", corpus, 2)
	require.Len(t, scored, 2)
	assert.Equal(t, uint(2), scored[0].Entry.ID)
	assert.Equal(t, 1.0, scored[0].Score)
	assert.Equal(t, uint(1), scored[1].Entry.ID)
	assert.LessOrEqual(t, scored[1].Score, 1.0)
}
