// Package scoring holds the heuristic content scorers used to filter findings
// and drive retry decisions. Nothing here calls out of process.
package scoring

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// CredibleDomains is checked by substring against the source URL; the first
// hit earns the bonus.
var CredibleDomains = []string{
	"europa.eu",
	"enisa.europa.eu",
	"ec.europa.eu",
	"europarl.europa.eu",
	"gov",
	"edu",
	"org",
	"consilium.europa.eu",
}

var qualityIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:reference|bibliography|source|cite|cited)\b`),
	regexp.MustCompile(`(?i)\btable\s+\d+|\bfigure\s+\d+`),
	regexp.MustCompile(`(?i)\b(?:cybersecurity|framework|directive|regulation|NIS|GDPR|ENISA)\b`),
}

var (
	percentPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?%`)
	changePattern  = regexp.MustCompile(`\b(?:increased|decreased|grew|reduced) by\b`)
)

var importanceIndicators = []string{
	"important", "significant", "key", "main", "critical", "essential",
	"crucial", "primary", "major", "fundamental", "vital",
}

var keyPointTerms = []string{
	"framework", "cybersecurity", "policy", "regulation", "directive",
	"strategy", "implementation", "requirement", "compliance",
}

var summaryKeywords = []string{
	"framework", "cybersecurity", "policy", "key", "main", "important",
	"significant", "eu", "european", "directive", "regulation",
}

// Scorer computes confidence and ranking heuristics. The zero value is not
// usable; build one with NewScorer.
type Scorer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewScorer creates a scorer. A nil logger is replaced with a no-op logger.
func NewScorer(logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{logger: logger, now: time.Now}
}

// WithClock returns a copy of s that reads the current time from now.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	c := *s
	c.now = now
	return &c
}

// ScoreConfidence estimates content quality in [0,1]. Empty content always
// scores 0.
func (s *Scorer) ScoreConfidence(content string, meta models.ContentMetadata) float64 {
	if content == "" {
		return 0.0
	}

	score := 0.5
	words := WordCount(content)
	if words < 50 {
		score -= 0.2
	} else if words > 300 {
		score += 0.1
	}

	if meta.Title != "" {
		score += 0.05
	}
	if meta.Author != "" {
		score += 0.05
	}
	if meta.Date != nil {
		score += 0.05
		if meta.Date.Year() >= s.now().Year()-3 {
			score += 0.1
		}
	}

	if meta.URL != "" {
		for _, d := range CredibleDomains {
			if strings.Contains(meta.URL, d) {
				score += 0.15
				break
			}
		}
	}

	for _, re := range qualityIndicators {
		if re.MatchString(content) {
			score += 0.05
		}
	}

	return clamp(score, 0.0, 1.0)
}

func isKeyPointCandidate(sentence string) bool {
	words := WordCount(sentence)
	if words < 5 || words > 50 {
		return false
	}
	lower := strings.ToLower(sentence)
	for _, ind := range importanceIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	if percentPattern.MatchString(sentence) {
		return true
	}
	if changePattern.MatchString(lower) {
		return true
	}
	return words >= 10 && words <= 30
}

// RankKeyPoints returns at most count candidate sentences ordered by score,
// ties kept in document order.
func (s *Scorer) RankKeyPoints(text string, count int) []models.KeyPoint {
	if count <= 0 {
		return nil
	}
	sentences := SplitSentences(text)
	total := float64(len(sentences))

	var points []models.KeyPoint
	for idx, raw := range sentences {
		sentence := strings.TrimSpace(raw)
		if sentence == "" || !isKeyPointCandidate(sentence) {
			continue
		}
		lengthFactor := clamp(float64(WordCount(sentence))/30.0, 0.3, 1.0)
		positionFactor := 1.0 - float64(idx)/total
		conf := 0.5*lengthFactor + 0.2*positionFactor
		conf += 0.05 * float64(countTermHits(strings.ToLower(sentence), keyPointTerms))
		points = append(points, models.KeyPoint{Text: sentence, Confidence: clamp(conf, 0.0, 1.0)})
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Confidence > points[j].Confidence
	})
	if len(points) > count {
		points = points[:count]
	}
	return points
}

// Summarize builds an extractive summary of at most maxWords words. Sentences
// are taken in score order; any sentence that would overflow the budget is
// skipped. When nothing fits the first maxWords words are returned.
func (s *Scorer) Summarize(text string, maxWords int) string {
	if maxWords <= 0 {
		return ""
	}
	sentences := SplitSentences(text)
	total := float64(len(sentences))

	type scored struct {
		text  string
		words int
		score float64
	}
	var ranked []scored
	for i, raw := range sentences {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		words := WordCount(sentence)
		position := 1.0 - float64(i)/total
		length := clamp(float64(words)/25.0, 0.3, 1.0)
		keyword := 0.1 * float64(countTermHits(strings.ToLower(sentence), summaryKeywords))
		if keyword > 1.0 {
			keyword = 1.0
		}
		ranked = append(ranked, scored{
			text:  sentence,
			words: words,
			score: 0.4*position + 0.3*length + 0.3*keyword,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var parts []string
	used := 0
	for _, r := range ranked {
		if used+r.words > maxWords {
			continue
		}
		parts = append(parts, r.text)
		used += r.words
	}

	if len(parts) == 0 {
		words := strings.Fields(text)
		if len(words) > maxWords {
			words = words[:maxWords]
		}
		return strings.Join(words, " ")
	}
	return strings.Join(parts, " ")
}
