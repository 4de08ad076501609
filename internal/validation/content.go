package validation

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/scoring"
)

const (
	minContentChars  = 100
	minContentWords  = 300
	recencyYears     = 5
	minPassingChecks = 2
	sentenceCutRatio = 0.7
)

var (
	referencesPattern = regexp.MustCompile(`(?i)\b(?:References|Bibliography|Sources|Citations)\b`)
	yearPattern       = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
)

// ContentValidator runs the cheap, model-free checks on raw text and
// findings.
type ContentValidator struct {
	now func() time.Time
}

// NewContentValidator creates a ContentValidator reading the wall clock.
func NewContentValidator() *ContentValidator {
	return &ContentValidator{now: time.Now}
}

// WithClock returns a copy of c that reads the current time from now.
func (c *ContentValidator) WithClock(now func() time.Time) *ContentValidator {
	cp := *c
	cp.now = now
	return &cp
}

// ValidateContent passes text that clears at least two of three checks:
// a references section, more than 300 words, a recent year. Text shorter
// than 100 characters fails outright. The returned reasons list every
// failed check.
func (c *ContentValidator) ValidateContent(text string) (bool, []string) {
	if len(strings.TrimSpace(text)) < minContentChars {
		return false, []string{"content too short"}
	}

	var reasons []string
	passed := 0
	if referencesPattern.MatchString(text) {
		passed++
	} else {
		reasons = append(reasons, "no references section")
	}
	if scoring.WordCount(text) > minContentWords {
		passed++
	} else {
		reasons = append(reasons, "not enough words")
	}
	if c.hasRecentYear(text) {
		passed++
	} else {
		reasons = append(reasons, "no recent year mentioned")
	}
	return passed >= minPassingChecks, reasons
}

func (c *ContentValidator) hasRecentYear(text string) bool {
	current := c.now().Year()
	for y := current - recencyYears; y <= current; y++ {
		if strings.Contains(text, strconv.Itoa(y)) {
			return true
		}
	}
	return false
}

// ExtractYear returns the latest plausible year in text. Years after next
// year are ignored.
func (c *ContentValidator) ExtractYear(text string) (int, bool) {
	limit := c.now().Year() + 1
	best := 0
	for _, m := range yearPattern.FindAllString(text, -1) {
		y, err := strconv.Atoi(m)
		if err != nil || y > limit {
			continue
		}
		if y > best {
			best = y
		}
	}
	return best, best > 0
}

// RejectedFinding is a finding that did not pass ValidateFindings.
type RejectedFinding struct {
	Finding models.Finding `json:"finding"`
	Reason  string         `json:"reason"`
}

// ValidateFindings splits findings into usable and rejected ones, keeping
// input order on both sides.
func (c *ContentValidator) ValidateFindings(findings []models.Finding, minConfidence float64) ([]models.Finding, []RejectedFinding) {
	var valid []models.Finding
	var invalid []RejectedFinding
	for _, f := range findings {
		if ok, reason := c.CheckFinding(f, minConfidence); ok {
			valid = append(valid, f)
		} else {
			invalid = append(invalid, RejectedFinding{Finding: f, Reason: reason})
		}
	}
	return valid, invalid
}

// CheckFinding reports whether f is usable and why not. Checks run in order
// and the first failure wins.
func (c *ContentValidator) CheckFinding(f models.Finding, minConfidence float64) (bool, string) {
	if f.Confidence < minConfidence {
		return false, "confidence below minimum"
	}
	if len(f.KeyPoints) == 0 {
		return false, "no key points"
	}
	if ok, _ := c.ValidateContent(f.RawContent); !ok {
		return false, "raw content failed validation"
	}
	if f.Metadata.Date != nil && f.Metadata.Date.Year() < c.now().Year()-recencyYears {
		return false, "content too old"
	}
	return true, ""
}

// IntelligentTruncate cuts text to maxChars, preferring the last sentence
// end in the final 30% of the window, then the last space. A "..." marker
// is appended whenever text was cut.
func IntelligentTruncate(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 0 {
		return "..."
	}
	truncated := text[:maxChars]
	idx := strings.LastIndexAny(truncated, ".!?")
	if float64(idx) > float64(maxChars)*sentenceCutRatio {
		return text[:idx+1] + "..."
	}
	if sp := strings.LastIndex(truncated, " "); sp > 0 {
		return text[:sp] + "..."
	}
	return truncated + "..."
}
