// Package pipeline runs a single-pass research: plan, fetch every suggested
// source, analyze and filter the findings, relate them and summarize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/browser"
	"github.com/Kocoro-lab/research-orchestrator/internal/connections"
	"github.com/Kocoro-lab/research-orchestrator/internal/executor"
	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/scoring"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
	"github.com/Kocoro-lab/research-orchestrator/internal/util"
	"github.com/Kocoro-lab/research-orchestrator/internal/validation"
)

var ErrEmptyQuery = errors.New("query is empty")

// Planner turns a query into a plan.
type Planner interface {
	CreatePlan(ctx context.Context, query string) (models.Plan, error)
}

// Config bounds a quick research pass.
type Config struct {
	MaxSources    int     `mapstructure:"max_sources"`
	MinConfidence float64 `mapstructure:"min_confidence"`
	Summarize     bool    `mapstructure:"summarize"`
}

// DefaultConfig fetches at most ten sources and keeps findings scoring 0.3
// or more.
func DefaultConfig() Config {
	return Config{MaxSources: 10, MinConfidence: 0.3, Summarize: true}
}

// Stats counts what happened during a pass.
type Stats struct {
	SourcesTried  int   `json:"sources_tried"`
	SourcesLoaded int   `json:"sources_loaded"`
	Accepted      int   `json:"findings_accepted"`
	Rejected      int   `json:"findings_rejected"`
	Connections   int   `json:"connections"`
	DurationMs    int64 `json:"duration_ms"`
}

// Rejection records why a finding was dropped.
type Rejection struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Output is the result of a quick research pass.
type Output struct {
	Query       string              `json:"query"`
	Objective   string              `json:"objective"`
	Findings    []models.Finding    `json:"findings"`
	Rejected    []Rejection         `json:"rejected"`
	Connections []models.Connection `json:"connections"`
	Summary     string              `json:"summary"`
	Stats       Stats               `json:"stats"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Pipeline wires the single-pass components.
type Pipeline struct {
	planner   Planner
	browser   browser.Browser
	gen       llm.Generator
	scorer    *scoring.Scorer
	finder    *connections.Finder
	validator *validation.ContentValidator
	admission executor.SourceAdmission
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSourceAdmission filters sources before they are fetched.
func WithSourceAdmission(a executor.SourceAdmission) Option {
	return func(p *Pipeline) { p.admission = a }
}

// WithContentValidator replaces the default finding validator.
func WithContentValidator(v *validation.ContentValidator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithScorer replaces the default content scorer.
func WithScorer(s *scoring.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// New creates a Pipeline. gen may be nil, in which case the summary is
// built from the finding summaries alone.
func New(pl Planner, b browser.Browser, gen llm.Generator, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = DefaultConfig().MaxSources
	}
	p := &Pipeline{
		planner:   pl,
		browser:   b,
		gen:       gen,
		scorer:    scoring.NewScorer(logger),
		finder:    connections.NewFinder(logger),
		validator: validation.NewContentValidator(),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "pipeline")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Research runs one pass for query.
func (p *Pipeline) Research(ctx context.Context, query string) (*Output, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	ctx, span := tracing.StartSpan(ctx, "pipeline.research", attribute.String("query", query))
	defer span.End()
	start := p.now()

	plan, err := p.planner.CreatePlan(ctx, query)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("planning: %w", err)
	}

	sources := p.collectSources(ctx, plan)
	out := &Output{
		Query:       query,
		Objective:   plan.Objective,
		Findings:    []models.Finding{},
		Rejected:    []Rejection{},
		Connections: []models.Connection{},
		CreatedAt:   start,
	}
	out.Stats.SourcesTried = len(sources)

	var findings []models.Finding
	if len(sources) > 0 {
		session, err := p.browser.NewSession(ctx)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("open browsing session: %w", err)
		}
		defer func() {
			if cerr := session.Close(); cerr != nil {
				p.logger.Warn("Failed to close browsing session", zap.Error(cerr))
			}
		}()

		for _, src := range sources {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			page := session.FetchAndExtract(ctx, src)
			if !page.OK() {
				p.logger.Warn("Source failed to load", zap.String("url", src), zap.String("error", page.Error))
				continue
			}
			out.Stats.SourcesLoaded++
			meta := &models.ContentMetadata{
				Title:       page.Title,
				Author:      page.Author,
				Date:        page.Date,
				URL:         src,
				ContentType: "text/html",
			}
			findings = append(findings, p.scorer.AnalyzeContent(src, page.TextContent, meta))
		}
	}

	accepted, rejected := p.validator.ValidateFindings(findings, p.cfg.MinConfidence)
	if accepted != nil {
		out.Findings = accepted
	}
	for _, r := range rejected {
		out.Rejected = append(out.Rejected, Rejection{Source: r.Finding.Source, Reason: r.Reason})
	}
	if conns := p.finder.FindConnections(out.Findings); conns != nil {
		out.Connections = conns
	}
	out.Summary = p.summarize(ctx, plan, out.Findings)

	out.Stats.Accepted = len(out.Findings)
	out.Stats.Rejected = len(out.Rejected)
	out.Stats.Connections = len(out.Connections)
	out.Stats.DurationMs = p.now().Sub(start).Milliseconds()

	p.logger.Info("Quick research complete",
		zap.String("query", query),
		zap.Int("sources", out.Stats.SourcesTried),
		zap.Int("findings", out.Stats.Accepted),
		zap.Int("connections", out.Stats.Connections))
	return out, nil
}

// collectSources gathers the plan's suggested sources in plan order,
// deduplicated, http(s) only, admitted by policy and capped.
func (p *Pipeline) collectSources(ctx context.Context, plan models.Plan) []string {
	var all []string
	for _, s := range plan.Sections {
		for _, q := range s.Questions {
			all = append(all, q.SuggestedSources...)
		}
	}
	var out []string
	for _, src := range util.DedupeStrings(all) {
		if len(out) >= p.cfg.MaxSources {
			break
		}
		if !util.IsHTTPURL(src) {
			continue
		}
		if p.admission != nil {
			task := models.Task{PlanID: plan.ID, Objective: plan.Objective, Depth: plan.Depth}
			if ok, reason := p.admission.AdmitSource(ctx, task, src); !ok {
				p.logger.Info("Source blocked", zap.String("url", src), zap.String("reason", reason))
				continue
			}
		}
		out = append(out, src)
	}
	return out
}

func (p *Pipeline) summarize(ctx context.Context, plan models.Plan, findings []models.Finding) string {
	var parts []string
	for _, f := range findings {
		if f.Summary != "" {
			parts = append(parts, f.Summary)
		}
	}
	combined := strings.Join(parts, "\n\n")
	if combined == "" {
		return "No findings passed validation."
	}
	if p.gen == nil || !p.cfg.Summarize {
		return combined
	}

	resp := p.gen.Generate(ctx, llm.Request{
		Prompt:      summaryPrompt(plan.Objective, combined),
		Purpose:     llm.PurposeGenerator,
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if resp.Error != nil || strings.TrimSpace(resp.Text) == "" {
		p.logger.Warn("Summary generation failed, using finding summaries", zap.Error(resp.Error))
		return combined
	}
	return strings.TrimSpace(resp.Text)
}

func summaryPrompt(objective, findings string) string {
	return "You are a research synthesis expert. Create a comprehensive summary from the collected findings.\n\n" +
		"Research objective: " + objective + "\n\nFindings:\n" + findings + "\n\nCreate a comprehensive summary."
}
