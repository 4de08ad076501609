package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

func testPlan() models.Plan {
	return models.Plan{
		ID:        "p",
		Objective: "NIS2",
		Depth:     1,
		Sections: []models.Section{
			{Title: "Legislation", Questions: []models.Question{{Text: "What changed?"}, {Text: "Who is covered?"}}},
			{Title: "Impact", Questions: []models.Question{{Text: "Costs?"}}},
		},
	}
}

func testResults() []models.ResearchResult {
	return []models.ResearchResult{
		{TaskID: "p_s1_q0", Content: "Costs rose.", Confidence: 0.0},
		{
			TaskID:      "p_s0_q0",
			Content:     "## Summary\nNIS2 widened scope. See https://eur-lex.europa.eu/nis2",
			SourcesUsed: []string{"https://eur-lex.europa.eu/nis2"},
			Confidence:  0.8,
		},
		{TaskID: "orphan", Content: "Other", SourcesUsed: []string{"https://x.eu", "https://eur-lex.europa.eu/nis2"}, Confidence: 0.5},
	}
}

func newTestAssembler(t *testing.T, gen llm.Generator, cfg Config) *Assembler {
	t.Helper()
	a := NewAssembler(gen, cfg, zaptest.NewLogger(t))
	a.now = func() time.Time { return time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestBuild_MergesInPlanOrder(t *testing.T) {
	doc, err := newTestAssembler(t, nil, Config{}).Build(context.Background(), testPlan(), testResults())
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, []string{"p_s0_q0", "p_s1_q0", "orphan"}, doc.TaskIDs)
	assert.Equal(t, []string{"https://eur-lex.europa.eu/nis2", "https://x.eu"}, doc.Sources)
	assert.Equal(t, "Research: NIS2", doc.Metadata.Title)
	assert.Equal(t, []string{"legislation", "impact"}, doc.Metadata.Tags)
	assert.Equal(t, 2, doc.Metadata.SourceCount)
	assert.Greater(t, doc.Metadata.WordCount, 0)
	assert.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), doc.CreatedAt)

	assert.Less(t, strings.Index(doc.Content, "What changed?"), strings.Index(doc.Content, "Costs?"))
	assert.Contains(t, doc.Content, "_Confidence: 0.00_\n\nCosts rose.")
	assert.Contains(t, doc.Content, "##### Summary")
	assert.Contains(t, doc.Content, "[1] https://eur-lex.europa.eu/nis2 - Used inline")
	assert.Contains(t, doc.Content, "[2] https://x.eu - Additional source")

	require.Len(t, doc.Sections, 1)
	root := doc.Sections[0]
	assert.Equal(t, "Research: NIS2", root.Title)
	var titles []string
	for _, s := range root.Subsections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Legislation", "Impact", "Additional findings", "Sources"}, titles)
	require.Len(t, root.Subsections[0].Subsections, 1)
	assert.Equal(t, "What changed?", root.Subsections[0].Subsections[0].Title)
}

func TestBuild_RewritePass(t *testing.T) {
	var seen llm.Request
	gen := llm.GeneratorFunc(func(_ context.Context, req llm.Request) llm.Response {
		seen = req
		return llm.Response{Text: "# Rewritten\n\nBody citing https://eur-lex.europa.eu/nis2\n\n## Sources\nmodel list"}
	})

	doc, err := newTestAssembler(t, gen, Config{Generate: true}).Build(context.Background(), testPlan(), testResults())
	require.NoError(t, err)

	assert.Equal(t, llm.PurposeGenerator, seen.Purpose)
	assert.InDelta(t, 0.3, seen.Temperature, 1e-9)
	assert.Equal(t, 8000, seen.MaxTokens)
	assert.Contains(t, seen.Prompt, "What changed?")

	assert.True(t, strings.HasPrefix(doc.Content, "# Rewritten"))
	assert.NotContains(t, doc.Content, "model list")
	assert.Equal(t, "Rewritten", doc.Sections[0].Title)
}

func TestBuild_RewriteFailureKeepsMergedContent(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, llm.Request) llm.Response {
		return llm.Response{Error: errors.New("timeout")}
	})
	doc, err := newTestAssembler(t, gen, Config{Generate: true}).Build(context.Background(), testPlan(), testResults())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc.Content, "# Research: NIS2"))
}

func TestBuild_Errors(t *testing.T) {
	a := newTestAssembler(t, nil, Config{})

	_, err := a.Build(context.Background(), testPlan(), nil)
	assert.ErrorIs(t, err, ErrNoResults)

	_, err = a.Build(context.Background(), models.Plan{Depth: 1}, testResults())
	assert.ErrorIs(t, err, models.ErrPlanNoSections)
}

func TestDemoteHeadings(t *testing.T) {
	in := "# Top\ntext with # hash\n#NoSpace\n#### Four"
	assert.Equal(t, "#### Top\ntext with # hash\n#NoSpace\n###### Four", demoteHeadings(in, 3))
}
