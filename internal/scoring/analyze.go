package scoring

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/util"
)

const (
	defaultKeyPoints   = 3
	defaultSummaryLen  = 50
	maxRawContentChars = 10000
	maxTitleChars      = 100
)

const monthNames = `January|February|March|April|May|June|July|August|September|October|November|December`

type datePattern struct {
	re      *regexp.Regexp
	layouts []string
}

var datePatterns = []datePattern{
	{regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`), []string{"2006-01-02"}},
	{regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})\b`), []string{"02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006", "02/01/06", "2/1/06"}},
	{regexp.MustCompile(`(?i)\b(\d{1,2}\s+(?:` + monthNames + `)\s+\d{4})\b`), []string{"2 January 2006", "02 January 2006"}},
	{regexp.MustCompile(`(?i)\b((?:` + monthNames + `)\s+\d{1,2},?\s+\d{4})\b`), []string{"January 2, 2006", "January 2 2006"}},
}

var authorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:By|Author|Written by)[:\s]+([A-Z][a-zA-Z \-.]+)`),
	regexp.MustCompile(`@([a-zA-Z0-9_]+)`),
}

// ExtractMetadata fills in missing title, date and author fields of existing
// from the text itself. Fields already present are left untouched.
func (s *Scorer) ExtractMetadata(text, url string, existing *models.ContentMetadata) models.ContentMetadata {
	meta := models.ContentMetadata{URL: url}
	if existing != nil {
		meta = *existing
		if meta.URL == "" {
			meta.URL = url
		}
	}

	if meta.Title == "" || meta.ContentType == "error" {
		first := text
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			first = text[:i]
		}
		if t := strings.TrimSpace(first); t != "" {
			meta.Title = util.TruncateString(t, maxTitleChars, false)
		}
	}

	if meta.Date == nil {
		meta.Date = ParseDate(text)
	}

	if meta.Author == "" {
		for _, re := range authorPatterns {
			if m := re.FindStringSubmatch(text); len(m) == 2 {
				meta.Author = strings.TrimSpace(m[1])
				break
			}
		}
	}

	if meta.ContentType == "" || meta.ContentType == "error" {
		meta.ContentType = "text"
	}
	return meta
}

// ParseDate returns the first recognizable calendar date in text.
func ParseDate(text string) *time.Time {
	for _, p := range datePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			raw := strings.Join(strings.Fields(m[1]), " ")
			for _, layout := range p.layouts {
				if t, err := time.Parse(layout, raw); err == nil {
					return &t
				}
			}
		}
	}
	return nil
}

// AnalyzeContent turns fetched text into a Finding with metadata, key
// points, summary and confidence.
func (s *Scorer) AnalyzeContent(source, content string, meta *models.ContentMetadata) models.Finding {
	if strings.TrimSpace(content) == "" {
		s.logger.Warn("Empty content from source", zap.String("source", source))
		return models.Finding{
			Source:     source,
			Metadata:   models.ContentMetadata{URL: source, ContentType: "error"},
			Summary:    "No content available to analyze.",
			Confidence: 0.0,
		}
	}

	enhanced := s.ExtractMetadata(content, source, meta)
	finding := models.Finding{
		Source:     source,
		Metadata:   enhanced,
		KeyPoints:  s.RankKeyPoints(content, defaultKeyPoints),
		Summary:    s.Summarize(content, defaultSummaryLen),
		Confidence: s.ScoreConfidence(content, enhanced),
		RawContent: util.TruncateRunes(content, maxRawContentChars),
	}

	s.logger.Debug("Content analysis complete",
		zap.String("source", source),
		zap.Float64("confidence", finding.Confidence),
		zap.Int("key_points", len(finding.KeyPoints)),
	)
	return finding
}
