package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/browser"
	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/validation"
)

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

const goodPage = "The framework is an important regulation adopted across the union in 2024. " +
	"Adoption grew by 40% among member states during the first year of enforcement. " +
	"References: annual implementation report."

type stubPlanner struct {
	plan models.Plan
	err  error
}

func (s stubPlanner) CreatePlan(ctx context.Context, query string) (models.Plan, error) {
	return s.plan, s.err
}

type pageSession struct {
	pages   map[string]models.PageContent
	fetched *[]string
}

func (s pageSession) FetchAndExtract(ctx context.Context, url string) models.PageContent {
	*s.fetched = append(*s.fetched, url)
	if p, ok := s.pages[url]; ok {
		return p
	}
	return models.PageContent{URL: url, LoadStatus: models.LoadFailed, Error: "not found"}
}

func (s pageSession) Close() error { return nil }

type pageBrowser struct {
	pages   map[string]models.PageContent
	fetched []string
}

func (b *pageBrowser) NewSession(ctx context.Context) (browser.Session, error) {
	return pageSession{pages: b.pages, fetched: &b.fetched}, nil
}

type blockHost struct{ url string }

func (b blockHost) AdmitSource(ctx context.Context, task models.Task, url string) (bool, string) {
	if url == b.url {
		return false, "blocked"
	}
	return true, ""
}

func testPlan() models.Plan {
	return models.Plan{
		ID:        "p1",
		Objective: "EU cyber rules",
		Depth:     1,
		Sections: []models.Section{{
			Title: "Overview",
			Questions: []models.Question{
				{Text: "What changed?", SuggestedSources: []string{
					"https://example.org/a",
					"ftp://example.org/file",
					"https://example.org/short",
				}},
				{Text: "Who enforces?", SuggestedSources: []string{
					"https://example.org/a",
					"https://example.org/missing",
					"https://blocked.example.com/",
				}},
			},
		}},
	}
}

func newTestPipeline(t *testing.T, gen llm.Generator, b *pageBrowser) *Pipeline {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0.1
	p := New(stubPlanner{plan: testPlan()}, b, gen, cfg, zaptest.NewLogger(t),
		WithContentValidator(validation.NewContentValidator().WithClock(func() time.Time { return fixedNow })),
		WithSourceAdmission(blockHost{url: "https://blocked.example.com/"}))
	p.now = func() time.Time { return fixedNow }
	return p
}

func testBrowser() *pageBrowser {
	return &pageBrowser{pages: map[string]models.PageContent{
		"https://example.org/a": {
			URL: "https://example.org/a", Title: "Annual review",
			TextContent: goodPage, LoadStatus: models.LoadSuccess,
		},
		"https://example.org/short": {
			URL: "https://example.org/short", Title: "Stub",
			TextContent: "Too short.", LoadStatus: models.LoadSuccess,
		},
	}}
}

func TestResearchFiltersAndSummarizes(t *testing.T) {
	b := testBrowser()
	var prompt string
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) llm.Response {
		prompt = req.Prompt
		assert.Equal(t, llm.PurposeGenerator, req.Purpose)
		return llm.Response{Text: "  Integrated summary.  "}
	})

	out, err := newTestPipeline(t, gen, b).Research(context.Background(), "  eu cyber rules ")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.org/a",
		"https://example.org/short",
		"https://example.org/missing",
	}, b.fetched)

	assert.Equal(t, "eu cyber rules", out.Query)
	assert.Equal(t, "EU cyber rules", out.Objective)
	require.Len(t, out.Findings, 1)
	assert.Equal(t, "https://example.org/a", out.Findings[0].Source)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, Rejection{Source: "https://example.org/short", Reason: "no key points"}, out.Rejected[0])
	assert.Empty(t, out.Connections)
	assert.NotNil(t, out.Connections)
	assert.Equal(t, "Integrated summary.", out.Summary)
	assert.Contains(t, prompt, "EU cyber rules")

	assert.Equal(t, Stats{SourcesTried: 3, SourcesLoaded: 2, Accepted: 1, Rejected: 1}, out.Stats)
	assert.Equal(t, fixedNow, out.CreatedAt)
}

func TestResearchSummaryFallsBackOnGenerationError(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) llm.Response {
		return llm.Response{Error: errors.New("model offline")}
	})
	out, err := newTestPipeline(t, gen, testBrowser()).Research(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, out.Findings[0].Summary, out.Summary)
}

func TestResearchWithoutUsableSources(t *testing.T) {
	p := newTestPipeline(t, nil, &pageBrowser{})
	out, err := p.Research(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, out.Findings)
	assert.Equal(t, "No findings passed validation.", out.Summary)
	assert.Equal(t, 3, out.Stats.SourcesTried)
	assert.Equal(t, 0, out.Stats.SourcesLoaded)
}

func TestResearchErrors(t *testing.T) {
	p := newTestPipeline(t, nil, testBrowser())
	_, err := p.Research(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	p.planner = stubPlanner{err: context.Canceled}
	_, err = p.Research(context.Background(), "q")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSourceCap(t *testing.T) {
	p := newTestPipeline(t, nil, testBrowser())
	p.cfg.MaxSources = 1
	assert.Equal(t, []string{"https://example.org/a"}, p.collectSources(context.Background(), testPlan()))
}

func TestMarkdown(t *testing.T) {
	out := &Output{
		Query:     "q",
		Objective: "Objective",
		Summary:   "Short summary.",
		Findings: []models.Finding{{
			Source:     "https://example.org/a",
			Metadata:   models.ContentMetadata{Title: "Annual review"},
			KeyPoints:  []models.KeyPoint{{Text: "Point one."}},
			Confidence: 0.5,
		}},
		Connections: []models.Connection{{Relation: models.RelationSupports, Description: "shared terms"}},
		Stats:       Stats{SourcesTried: 2, SourcesLoaded: 1, Accepted: 1, Connections: 1},
	}
	md := out.Markdown()
	assert.Contains(t, md, "# Quick research: q\n")
	assert.Contains(t, md, "_Objective: Objective_")
	assert.Contains(t, md, "### Annual review\n\nSource: https://example.org/a (confidence 0.50)")
	assert.Contains(t, md, "- Point one.\n")
	assert.Contains(t, md, "- supports: shared terms\n")
	assert.Contains(t, md, "2 sources tried, 1 loaded, 1 findings kept, 0 rejected, 1 connections.")
}
