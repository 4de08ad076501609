// Package executor runs one research task: fetch the task's sources,
// analyze each page and synthesize an answer with the generator.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/browser"
	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/scoring"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
	"github.com/Kocoro-lab/research-orchestrator/internal/util"
	"github.com/Kocoro-lab/research-orchestrator/internal/validation"
)

const (
	synthesisTemperature = 0.5
	synthesisMaxTokens   = 4000
	promptContentChars   = 5000
	defaultConfidence    = 0.8

	sourceStatusSuccess = "success"
	sourceStatusFailed  = "failed"
	sourceStatusBlocked = "blocked"
)

// ErrNoSession is returned when Run is called without a browsing session.
var ErrNoSession = errors.New("executor: no browsing session")

// SourceAdmission decides whether a source URL may be fetched for a task.
type SourceAdmission interface {
	AdmitSource(ctx context.Context, task models.Task, url string) (bool, string)
}

type allowAll struct{}

func (allowAll) AdmitSource(context.Context, models.Task, string) (bool, string) { return true, "" }

// Config bounds how much work one task does.
type Config struct {
	MaxSourcesPerTask int `mapstructure:"max_sources_per_task"`
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{MaxSourcesPerTask: 5}
}

// Executor runs tasks against a browsing session.
type Executor struct {
	gen       llm.Generator
	scorer    *scoring.Scorer
	admission SourceAdmission
	cfg       Config
	logger    *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSourceAdmission installs a source admission check. Without one every
// http(s) source is fetched.
func WithSourceAdmission(a SourceAdmission) Option {
	return func(e *Executor) {
		if a != nil {
			e.admission = a
		}
	}
}

// WithScorer replaces the content scorer.
func WithScorer(s *scoring.Scorer) Option {
	return func(e *Executor) {
		if s != nil {
			e.scorer = s
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(gen llm.Generator, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSourcesPerTask <= 0 {
		cfg.MaxSourcesPerTask = DefaultConfig().MaxSourcesPerTask
	}
	e := &Executor{
		gen:       gen,
		scorer:    scoring.NewScorer(logger),
		admission: allowAll{},
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SourceLimit is the number of sources fetched for a plan depth.
func (e *Executor) SourceLimit(depth int) int {
	var n int
	switch depth {
	case 1:
		n = 2
	case 2:
		n = 4
	default:
		n = e.cfg.MaxSourcesPerTask
	}
	if n > e.cfg.MaxSourcesPerTask {
		n = e.cfg.MaxSourcesPerTask
	}
	return n
}

type fetched struct {
	url     string
	title   string
	content string
	status  string
	err     string
}

// Run executes task. A generation failure is not an error: the result
// carries a "# Research error" body with zero confidence. Errors are
// returned only for a missing session or a cancelled context.
func (e *Executor) Run(ctx context.Context, session browser.Session, task models.Task) (models.ResearchResult, error) {
	if session == nil {
		return models.ResearchResult{}, ErrNoSession
	}
	ctx, span := tracing.StartSpan(ctx, "executor.run",
		attribute.String("task.id", task.ID),
		attribute.Int("task.sources", len(task.Sources)),
	)
	defer span.End()

	start := time.Now()
	logger := e.logger.With(zap.String("task_id", task.ID))
	logger.Info("Executing task", zap.String("question", task.Question))

	result := models.ResearchResult{
		TaskID:          task.ID,
		SourcesAnalysis: make(map[string]models.SourceAnalysis),
	}

	var pages []fetched
	var sourceConfidence []float64
	limit := e.SourceLimit(task.Depth)
	attempted := 0

	for _, url := range util.DedupeStrings(task.Sources) {
		if err := ctx.Err(); err != nil {
			return models.ResearchResult{}, err
		}
		if attempted >= limit {
			break
		}
		if !util.IsHTTPURL(url) {
			logger.Warn("Skipping non-http source", zap.String("url", url))
			continue
		}
		if ok, reason := e.admission.AdmitSource(ctx, task, url); !ok {
			logger.Info("Source blocked by policy", zap.String("url", url), zap.String("reason", reason))
			result.SourcesAnalysis[url] = models.SourceAnalysis{Status: sourceStatusBlocked, Error: reason}
			pages = append(pages, fetched{url: url, status: sourceStatusBlocked, err: reason})
			continue
		}
		attempted++

		page := session.FetchAndExtract(ctx, url)
		result.SourcesUsed = append(result.SourcesUsed, url)
		if !page.OK() || strings.TrimSpace(page.TextContent) == "" {
			errText := page.Error
			if errText == "" {
				errText = "page load failed"
			}
			logger.Warn("Source fetch failed", zap.String("url", url), zap.String("error", errText))
			result.SourcesAnalysis[url] = models.SourceAnalysis{
				Title:  page.Title,
				Status: sourceStatusFailed,
				Error:  errText,
			}
			pages = append(pages, fetched{url: url, status: sourceStatusFailed, err: errText})
			continue
		}

		finding := e.scorer.AnalyzeContent(url, page.TextContent, &models.ContentMetadata{
			Title:       page.Title,
			Author:      page.Author,
			Date:        page.Date,
			URL:         url,
			ContentType: "html",
		})
		result.SourcesAnalysis[url] = models.SourceAnalysis{
			Title:      page.Title,
			Status:     sourceStatusSuccess,
			Summary:    finding.Summary,
			KeyPoints:  finding.KeyPoints,
			Confidence: finding.Confidence,
		}
		sourceConfidence = append(sourceConfidence, finding.Confidence)
		pages = append(pages, fetched{url: url, title: page.Title, content: page.TextContent, status: sourceStatusSuccess})
	}

	resp := e.gen.Generate(ctx, llm.Request{
		Prompt:      buildPrompt(task, pages),
		Purpose:     llm.PurposeExecutor,
		Temperature: synthesisTemperature,
		MaxTokens:   synthesisMaxTokens,
	})
	if resp.Error != nil {
		if err := ctx.Err(); err != nil {
			return models.ResearchResult{}, err
		}
		logger.Error("Answer synthesis failed", zap.Error(resp.Error))
		tracing.RecordError(span, resp.Error)
		result.Content = fmt.Sprintf("# Research error\n\nThe research could not be completed for the following reason:\n\n%v", resp.Error)
		result.Confidence = 0.0
	} else {
		result.Content = resp.Text
		result.Confidence = adjustedConfidence(sourceConfidence)
		result.SourcesUsed = util.DedupeStrings(append(result.SourcesUsed, ExtractURLs(resp.Text)...))
	}
	if result.SourcesUsed == nil {
		result.SourcesUsed = []string{}
	}

	result.CompletionTimeMs = time.Since(start).Milliseconds()
	logger.Info("Task executed",
		zap.Int("sources_used", len(result.SourcesUsed)),
		zap.Int("sources_loaded", len(sourceConfidence)),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("completion_time_ms", result.CompletionTimeMs),
	)
	return result, nil
}

// adjustedConfidence blends the default confidence with the mean confidence
// of the loaded sources.
func adjustedConfidence(sources []float64) float64 {
	if len(sources) == 0 {
		return defaultConfidence
	}
	sum := 0.0
	for _, c := range sources {
		sum += c
	}
	return (defaultConfidence + sum/float64(len(sources))) / 2
}

func buildPrompt(task models.Task, pages []fetched) string {
	var details strings.Builder
	for _, p := range pages {
		if p.status != sourceStatusSuccess {
			fmt.Fprintf(&details, "\n\n## Source: %s\nStatus: %s\nError: %s\n", p.url, p.status, p.err)
			continue
		}
		title := p.title
		if title == "" {
			title = p.url
		}
		fmt.Fprintf(&details, "\n\n## Source: %s\nURL: %s\nMain content:\n%s\n",
			title, p.url, validation.IntelligentTruncate(p.content, promptContentChars))
	}
	if details.Len() == 0 {
		details.WriteString("No sources available. Answer from general knowledge and say so explicitly.")
	}

	return fmt.Sprintf(`# Research and synthesis

You are an expert researcher. Analyse the information provided to answer the following research question:

QUESTION: %s

OVERALL OBJECTIVE: %s

## Context
This question belongs to the section "%s" of a larger research project.

## Sources provided:
%s

## Tasks
1. Read the sources carefully.
2. Identify the information most relevant to the question.
3. Synthesize it into a coherent, complete answer.
4. Include specific data, statistics and quotations when available.
5. Keep a neutral, objective tone.
6. Cite sources as Markdown links.

## Output
A complete Markdown answer that:
- answers the research question directly
- uses headings and subheadings
- uses bulleted or numbered lists where useful
- cites in the form [quoted text](source URL)
- runs 500-1000 words
- ends with a "Sources" section listing every source used

Base the answer ONLY on the sources provided. If they are insufficient, say so and suggest what further data would be needed.
`, task.Question, task.Objective, task.SectionTitle, details.String())
}
