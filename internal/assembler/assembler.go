// Package assembler merges validated research results into the final
// hierarchical document.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/formatting"
	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/planner"
	"github.com/Kocoro-lab/research-orchestrator/internal/scoring"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
	"github.com/Kocoro-lab/research-orchestrator/internal/util"
)

const (
	generationTemperature = 0.3
	generationMaxTokens   = 8000
	defaultAuthor         = "Research Orchestrator"
)

var (
	// ErrNoResults is returned when there is nothing to assemble.
	ErrNoResults = errors.New("no research results to assemble")
	// ErrEmptyDocument is returned when assembly produced no content.
	ErrEmptyDocument = errors.New("assembled document is empty")
)

// Config controls the optional rewrite pass.
type Config struct {
	// Generate rewrites the merged content with the generator before
	// sectioning.
	Generate bool `mapstructure:"generate"`
}

// Assembler builds documents.
type Assembler struct {
	gen    llm.Generator
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewAssembler creates an Assembler. gen may be nil when cfg.Generate is
// false.
func NewAssembler(gen llm.Generator, cfg Config, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gen == nil {
		cfg.Generate = false
	}
	return &Assembler{
		gen:    gen,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "assembler")),
		now:    time.Now,
	}
}

// Build merges results into a document following the plan's section and
// question order. Results that match no plan task are appended under
// "Additional findings".
func (a *Assembler) Build(ctx context.Context, plan models.Plan, results []models.ResearchResult) (*models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "assembler.build",
		attribute.String("plan.id", plan.ID),
		attribute.Int("results", len(results)),
	)
	defer span.End()

	if len(results) == 0 {
		return nil, ErrNoResults
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}

	merged, taskIDs, sources := merge(plan, results)

	content := merged
	if a.cfg.Generate {
		content = a.rewrite(ctx, plan, merged)
	}
	content = formatting.FormatReportWithSources(content, sources)
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyDocument
	}

	title := documentTitle(plan)
	sections := formatting.ParseSections(content)
	if len(sections) == 0 {
		sections = []models.DocumentSection{{Title: title, Content: content, Level: 1}}
	}

	doc := &models.Document{
		ID: uuid.NewString(),
		Metadata: models.DocumentMetadata{
			Title:       title,
			Description: "Research document on: " + plan.Objective,
			Authors:     []string{defaultAuthor},
			Tags:        sectionTags(plan),
			WordCount:   scoring.WordCount(content),
			SourceCount: len(sources),
		},
		Sections:  sections,
		Sources:   sources,
		TaskIDs:   taskIDs,
		Content:   content,
		CreatedAt: a.now().UTC(),
	}

	a.logger.Info("Document assembled",
		zap.String("document_id", doc.ID),
		zap.Int("sections", len(doc.Sections)),
		zap.Int("word_count", doc.Metadata.WordCount),
		zap.Int("source_count", doc.Metadata.SourceCount),
	)
	return doc, nil
}

func merge(plan models.Plan, results []models.ResearchResult) (string, []string, []string) {
	byTask := make(map[string]models.ResearchResult, len(results))
	for _, r := range results {
		byTask[r.TaskID] = r
	}

	var b strings.Builder
	var taskIDs, sources []string
	used := make(map[string]bool, len(results))

	fmt.Fprintf(&b, "# %s\n\n", documentTitle(plan))
	if plan.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", plan.Description)
	}

	tasks := planner.Decompose(plan)
	section := ""
	for _, task := range tasks {
		r, ok := byTask[task.ID]
		if !ok {
			continue
		}
		if task.SectionTitle != section {
			section = task.SectionTitle
			fmt.Fprintf(&b, "## %s\n\n", section)
		}
		writeEntry(&b, task.Question, r)
		used[task.ID] = true
		taskIDs = append(taskIDs, r.TaskID)
		sources = append(sources, r.SourcesUsed...)
	}

	extraHeader := false
	for _, r := range results {
		if used[r.TaskID] {
			continue
		}
		if !extraHeader {
			b.WriteString("## Additional findings\n\n")
			extraHeader = true
		}
		writeEntry(&b, r.TaskID, r)
		used[r.TaskID] = true
		taskIDs = append(taskIDs, r.TaskID)
		sources = append(sources, r.SourcesUsed...)
	}

	return b.String(), taskIDs, util.DedupeStrings(sources)
}

// writeEntry demotes the result's own headings below the question heading.
func writeEntry(b *strings.Builder, question string, r models.ResearchResult) {
	fmt.Fprintf(b, "### %s\n\n", question)
	fmt.Fprintf(b, "_Confidence: %.2f_\n\n", r.Confidence)
	body := demoteHeadings(strings.TrimSpace(r.Content), 3)
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
}

func demoteHeadings(text string, by int) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
		rest := trimmed[level:]
		if level == 0 || level > 6 || !strings.HasPrefix(rest, " ") {
			continue
		}
		newLevel := level + by
		if newLevel > 6 {
			newLevel = 6
		}
		lines[i] = strings.Repeat("#", newLevel) + rest
	}
	return strings.Join(lines, "\n")
}

func (a *Assembler) rewrite(ctx context.Context, plan models.Plan, merged string) string {
	resp := a.gen.Generate(ctx, llm.Request{
		Prompt:      buildPrompt(plan.Objective, merged),
		Purpose:     llm.PurposeGenerator,
		Temperature: generationTemperature,
		MaxTokens:   generationMaxTokens,
	})
	if resp.Error != nil || strings.TrimSpace(resp.Text) == "" {
		a.logger.Warn("Document rewrite failed, using merged content", zap.Error(resp.Error))
		return merged
	}
	return resp.Text
}

func documentTitle(plan models.Plan) string {
	return "Research: " + plan.Objective
}

func sectionTags(plan models.Plan) []string {
	tags := make([]string, 0, len(plan.Sections))
	for _, s := range plan.Sections {
		tags = append(tags, strings.ToLower(strings.TrimSpace(s.Title)))
	}
	return util.DedupeStrings(tags)
}

func buildPrompt(objective, contents string) string {
	return fmt.Sprintf(`# Research document generation

You are an expert at producing coherent, well structured research documents. Merge the content below into a single organic document.

## Research objective:
%s

## Content to merge:
%s

## Required structure
- Main title
- Abstract (at most 300 words)
- Introduction
- Body organised in sections and subsections
- Conclusions
- References

## Tasks
1. Organise the content into logical, coherent sections.
2. Remove redundancy and repetition.
3. Keep style, tone and terminology consistent.
4. Keep citations consistent and keep every source URL.
5. Use a clear heading hierarchy (H1, H2, H3).

Do not add information that is not in the material provided. Reply in Markdown only.
`, objective, contents)
}
