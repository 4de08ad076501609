// Package validation judges research results: the model-backed rubric
// verdict with its retry policy, and cheap heuristic checks on raw content
// and findings.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

const (
	retryScoreThreshold    = 0.6
	retryFactualThreshold  = 0.5
	validationTemperature  = 0.1
	validationMaxTokens    = 4000
	contentIDPrefix        = "result_"
	reasonValidationFailed = "validation failed"
	reasonLowScore         = "score below threshold"
	reasonLowFactual       = "factual accuracy too low"
	reasonInvalidSources   = "too many invalid sources"
)

var errNoJSON = errors.New("no JSON object in validator response")

// Validator scores one result against a rubric through the generator.
type Validator struct {
	gen    llm.Generator
	logger *zap.Logger
}

// NewValidator creates a Validator.
func NewValidator(gen llm.Generator, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{gen: gen, logger: logger.With(zap.String("component", "validator"))}
}

// Validate never fails: a generation or parse problem becomes a failed
// verdict with a single issue describing it.
func (v *Validator) Validate(ctx context.Context, task models.Task, result models.ResearchResult, criteria []string) models.ValidationVerdict {
	if len(criteria) == 0 {
		criteria = models.DefaultCriteria
	}
	contentID := contentIDPrefix + task.ID

	resp := v.gen.Generate(ctx, llm.Request{
		Prompt:      buildPrompt(task, result, criteria, contentID),
		Purpose:     llm.PurposeValidator,
		Temperature: validationTemperature,
		MaxTokens:   validationMaxTokens,
	})
	if resp.Error != nil {
		v.logger.Error("Validation call failed", zap.String("task_id", task.ID), zap.Error(resp.Error))
		return failedVerdict(task.ID, contentID, fmt.Sprintf("validation call failed: %v", resp.Error))
	}

	verdict, err := ParseVerdict(resp.Text)
	if err != nil {
		v.logger.Error("Validation response unparsable",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return failedVerdict(task.ID, contentID, fmt.Sprintf("validation response unparsable: %v", err))
	}
	verdict.TaskID = task.ID
	verdict.ContentID = contentID

	metrics.ValidationScore.Observe(verdict.OverallScore)
	v.logger.Info("Validation complete",
		zap.String("task_id", task.ID),
		zap.Bool("passed", verdict.Passed),
		zap.Float64("overall_score", verdict.OverallScore),
	)
	return verdict
}

func failedVerdict(taskID, contentID, issue string) models.ValidationVerdict {
	return models.ValidationVerdict{
		TaskID:         taskID,
		ContentID:      contentID,
		Passed:         false,
		OverallScore:   0.0,
		CriteriaScores: map[string]float64{},
		Issues:         []string{issue},
	}
}

// ShouldRetry applies the retry rules in order; the first match wins.
func ShouldRetry(v models.ValidationVerdict) (bool, string) {
	if !v.Passed {
		return true, reasonValidationFailed
	}
	if v.OverallScore < retryScoreThreshold {
		return true, reasonLowScore
	}
	if score, ok := v.CriteriaScores[models.CriterionFactualAccuracy]; ok && score < retryFactualThreshold {
		return true, reasonLowFactual
	}
	invalid := 0
	for _, sv := range v.SourceVerdicts {
		if !sv.Valid {
			invalid++
		}
	}
	if 2*invalid > len(v.SourceVerdicts) {
		return true, reasonInvalidSources
	}
	return false, ""
}

// wireVerdict is the JSON shape requested from the model.
type wireVerdict struct {
	Passed         *bool              `json:"validation_passed"`
	OverallScore   float64            `json:"overall_score"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
	Issues         []string           `json:"issues_found"`
	Sources        []struct {
		Source         string  `json:"source"`
		Valid          bool    `json:"is_valid"`
		RelevanceScore float64 `json:"relevance_score"`
		Comments       string  `json:"comments"`
	} `json:"sources_validation"`
	Suggestions []string `json:"improvement_suggestions"`
	NewContent  string   `json:"new_content"`
}

// ParseVerdict reads the JSON object spanning the first '{' to the last '}'
// of raw. Scores are clamped to [0,1].
func ParseVerdict(raw string) (models.ValidationVerdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.ValidationVerdict{}, errNoJSON
	}

	var w wireVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &w); err != nil {
		return models.ValidationVerdict{}, err
	}
	if w.Passed == nil {
		return models.ValidationVerdict{}, errors.New("validation_passed missing")
	}

	v := models.ValidationVerdict{
		Passed:          *w.Passed,
		OverallScore:    clamp01(w.OverallScore),
		CriteriaScores:  make(map[string]float64, len(w.CriteriaScores)),
		Issues:          w.Issues,
		Suggestions:     w.Suggestions,
		RepairedContent: strings.TrimSpace(w.NewContent),
	}
	for k, s := range w.CriteriaScores {
		v.CriteriaScores[k] = clamp01(s)
	}
	for _, s := range w.Sources {
		v.SourceVerdicts = append(v.SourceVerdicts, models.SourceVerdict{
			Source:         s.Source,
			Valid:          s.Valid,
			RelevanceScore: clamp01(s.RelevanceScore),
			Comment:        s.Comments,
		})
	}
	return v, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

var criterionQuestions = map[string]string{
	models.CriterionFactualAccuracy:     "Is the information correct and verifiable?",
	models.CriterionSourceValidity:      "Are the cited sources legitimate and relevant?",
	models.CriterionContentRelevance:    "Does the content actually answer the research question?",
	models.CriterionInternalConsistency: "Is the content logically coherent and free of contradictions?",
	models.CriterionCitationValidity:    "Do in-text citations match the listed sources?",
}

func buildPrompt(task models.Task, result models.ResearchResult, criteria []string, contentID string) string {
	var b strings.Builder
	b.WriteString("# Research content validation\n\n")
	b.WriteString("You are a strict validator of research content. Analyse the content below, score its quality and flag every problem, including possible hallucinations.\n\n")
	fmt.Fprintf(&b, "## Research question\n%s\n\n", task.Question)
	fmt.Fprintf(&b, "## Content to validate\n%s\n\n", result.Content)

	b.WriteString("## Cited sources\n")
	if len(result.SourcesUsed) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, s := range result.SourcesUsed {
		fmt.Fprintf(&b, "- %s\n", s)
	}

	b.WriteString("\n## Criteria (score each from 0.0 to 1.0)\n")
	for i, c := range criteria {
		fmt.Fprintf(&b, "%d. **%s** - %s\n", i+1, c, criterionQuestions[c])
	}

	b.WriteString("\n## Output\nReply with a single JSON object:\n")
	fmt.Fprintf(&b, `{
  "task_id": %q,
  "content_id": %q,
  "validation_passed": true,
  "overall_score": 0.0,
  "criteria_scores": {`, task.ID, contentID)
	for i, c := range criteria {
		sep := ","
		if i == len(criteria)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "\n    %q: 0.0%s", c, sep)
	}
	b.WriteString(`
  },
  "issues_found": ["..."],
  "sources_validation": [
    {"source": "URL", "is_valid": true, "relevance_score": 0.0, "comments": "..."}
  ],
  "improvement_suggestions": ["..."],
  "new_content": "corrected version of the content, only if needed"
}

Be critical. It is better to flag a potential problem than to ignore it.
`)
	return b.String()
}
