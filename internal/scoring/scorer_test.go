package scoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

var fixedNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	return NewScorer(zaptest.NewLogger(t)).WithClock(func() time.Time { return fixedNow })
}

func dateAt(year int) *time.Time {
	d := time.Date(year, time.March, 1, 0, 0, 0, 0, time.UTC)
	return &d
}

func TestScoreConfidence(t *testing.T) {
	s := newTestScorer(t)
	long := strings.Repeat("word ", 310) + "See Table 1 and the references for the framework."

	tests := []struct {
		name    string
		content string
		meta    models.ContentMetadata
		want    float64
	}{
		{
			name:    "empty content is always zero",
			content: "",
			meta:    models.ContentMetadata{Title: "t", Author: "a", Date: dateAt(2025), URL: "https://enisa.europa.eu"},
			want:    0.0,
		},
		{
			name:    "short content without metadata",
			content: "Hello world",
			want:    0.3,
		},
		{
			name:    "credible domain bonus applies once",
			content: "Hello world",
			meta:    models.ContentMetadata{URL: "https://ec.europa.eu/digital"},
			want:    0.45,
		},
		{
			name:    "old date earns presence bonus only",
			content: "Hello world",
			meta:    models.ContentMetadata{Date: dateAt(2000)},
			want:    0.35,
		},
		{
			name:    "recent date earns recency bonus",
			content: "Hello world",
			meta:    models.ContentMetadata{Date: dateAt(2022)},
			want:    0.45,
		},
		{
			name:    "everything present clamps to one",
			content: long,
			meta: models.ContentMetadata{
				Title:  "ENISA threat landscape",
				Author: "ENISA",
				Date:   dateAt(2024),
				URL:    "https://enisa.europa.eu/publications",
			},
			want: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ScoreConfidence(tt.content, tt.meta)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, got, s.ScoreConfidence(tt.content, tt.meta), "score must be deterministic")
		})
	}
}

func TestScoreConfidence_QualityIndicators(t *testing.T) {
	s := newTestScorer(t)
	base := s.ScoreConfidence("plain words only", models.ContentMetadata{})
	withRefs := s.ScoreConfidence("plain words only, see the bibliography", models.ContentMetadata{})
	withAll := s.ScoreConfidence("bibliography and figure 2 on GDPR", models.ContentMetadata{})

	assert.InDelta(t, base+0.05, withRefs, 1e-9)
	assert.InDelta(t, base+0.15, withAll, 1e-9)
}

func TestScoreConfidence_Bounds(t *testing.T) {
	s := newTestScorer(t)
	inputs := []string{
		"x",
		strings.Repeat("cybersecurity framework directive regulation table 1 cited ", 100),
		"NIS GDPR ENISA",
	}
	metas := []models.ContentMetadata{
		{},
		{Title: "a", Author: "b", Date: dateAt(2025), URL: "https://x.gov"},
	}
	for _, in := range inputs {
		for _, m := range metas {
			got := s.ScoreConfidence(in, m)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		}
	}
}

func TestRankKeyPoints(t *testing.T) {
	s := newTestScorer(t)
	text := "Short one. This is an important finding about the new policy framework. " +
		"Costs increased by 40% across the region last year. Ok."

	points := s.RankKeyPoints(text, 5)
	require.Len(t, points, 2)
	assert.Equal(t, "This is an important finding about the new policy framework.", points[0].Text)
	assert.InDelta(t, 0.5*(10.0/30.0)+0.2*0.75+0.1, points[0].Confidence, 1e-9)
	assert.Equal(t, "Costs increased by 40% across the region last year.", points[1].Text)
	assert.InDelta(t, 0.5*0.3+0.2*0.5, points[1].Confidence, 1e-9)

	top := s.RankKeyPoints(text, 1)
	require.Len(t, top, 1)
	assert.Equal(t, points[0], top[0])

	assert.Empty(t, s.RankKeyPoints(text, 0))
}

func TestRankKeyPoints_EarlierSentencesRankHigher(t *testing.T) {
	s := newTestScorer(t)
	a := "alpha beta gamma delta epsilon zeta eta theta iota kappa."
	b := "lambda mu nu xi omicron pi rho sigma tau upsilon."
	points := s.RankKeyPoints(a+" "+b, 2)
	require.Len(t, points, 2)
	assert.Equal(t, a, points[0].Text)
	assert.Equal(t, b, points[1].Text)
}

func TestRankKeyPoints_Bounds(t *testing.T) {
	s := newTestScorer(t)
	sentence := "The key cybersecurity policy framework regulation directive strategy implementation requirement compliance is critical. "
	text := strings.Repeat(sentence, 20)
	for count := 1; count <= 5; count++ {
		points := s.RankKeyPoints(text, count)
		assert.LessOrEqual(t, len(points), count)
		for _, p := range points {
			assert.GreaterOrEqual(t, p.Confidence, 0.0)
			assert.LessOrEqual(t, p.Confidence, 1.0)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := newTestScorer(t)
	text := "The EU cybersecurity framework sets key rules. Cats sleep. " +
		"The directive applies to operators of essential services across Europe."

	t.Run("greedy in score order", func(t *testing.T) {
		assert.Equal(t, "The EU cybersecurity framework sets key rules. Cats sleep.", s.Summarize(text, 9))
	})

	t.Run("overflowing sentences are skipped not fatal", func(t *testing.T) {
		assert.Equal(t, "Cats sleep.", s.Summarize(text, 5))
	})

	t.Run("fallback to leading words", func(t *testing.T) {
		assert.Equal(t, "The", s.Summarize(text, 1))
	})

	t.Run("everything fits", func(t *testing.T) {
		out := s.Summarize(text, 100)
		assert.Equal(t, 19, WordCount(out))
	})
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{"One.", "Two!", "Three?"}, SplitSentences("One. Two!  Three?"))
	assert.Equal(t, []string{"v1.2 is out.", ""}, SplitSentences("v1.2 is out. \n"))
	assert.Equal(t, []string{"no terminator"}, SplitSentences("no terminator"))
}
