// Package planner turns a research query into a hierarchical plan and
// flattens plans into executable tasks.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

const (
	planTemperature = 0.3
	planMaxTokens   = 4000

	fallbackSectionTitle = "Research"
	defaultImportance    = 5
)

// Planner asks the generator for a plan and never fails on bad output:
// unparsable replies are repaired, and unrepairable ones become the
// fallback plan.
type Planner struct {
	gen    llm.Generator
	logger *zap.Logger
	newID  func() string
}

// NewPlanner creates a Planner.
func NewPlanner(gen llm.Generator, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		gen:    gen,
		logger: logger.With(zap.String("component", "planner")),
		newID:  uuid.NewString,
	}
}

// CreatePlan returns a valid plan for query. The only error it returns is
// the context's.
func (p *Planner) CreatePlan(ctx context.Context, query string) (models.Plan, error) {
	ctx, span := tracing.StartSpan(ctx, "planner.create_plan", attribute.Int("query.length", len(query)))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(string(models.StatusPlanning)).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return models.Plan{}, err
	}

	resp := p.gen.Generate(ctx, llm.Request{
		Prompt:      buildPrompt(query),
		Purpose:     llm.PurposePlanner,
		Temperature: planTemperature,
		MaxTokens:   planMaxTokens,
	})
	if resp.Error != nil {
		if err := ctx.Err(); err != nil {
			return models.Plan{}, err
		}
		p.logger.Error("Plan generation failed, using fallback plan", zap.Error(resp.Error))
		metrics.PlanFallbacks.WithLabelValues("generation_error").Inc()
		return p.finish(FallbackPlan(query), query), nil
	}

	parsed := ParsePlan(resp.Text)
	if parsed.Err == nil {
		p.logger.Info("Plan created",
			zap.Int("sections", len(parsed.Plan.Sections)),
			zap.Int("questions", parsed.Plan.QuestionCount()),
		)
		return p.finish(parsed.Plan, query), nil
	}

	p.logger.Warn("Plan reply failed schema, attempting repair", zap.String("reason", parsed.Err.Reason))
	repaired, err := RepairPlan(resp.Text)
	if err == nil {
		metrics.PlanFallbacks.WithLabelValues("repaired").Inc()
		p.logger.Info("Plan repaired",
			zap.Int("sections", len(repaired.Sections)),
			zap.Int("questions", repaired.QuestionCount()),
		)
		return p.finish(repaired, query), nil
	}

	p.logger.Error("Plan repair failed, using fallback plan",
		zap.Error(err),
		zap.String("raw", truncateForLog(resp.Text)),
	)
	metrics.PlanFallbacks.WithLabelValues("fallback").Inc()
	return p.finish(FallbackPlan(query), query), nil
}

// finish stamps a fresh id and fills the objective when the model left it
// empty.
func (p *Planner) finish(plan models.Plan, query string) models.Plan {
	plan.ID = p.newID()
	if plan.Objective == "" {
		plan.Objective = query
	}
	return plan
}

// FallbackPlan is the minimal plan used when the model cannot produce one:
// a single section whose only question is the query itself.
func FallbackPlan(query string) models.Plan {
	return models.Plan{
		ID:          uuid.NewString(),
		Objective:   query,
		Description: "Research plan for: " + query,
		Depth:       1,
		Sections: []models.Section{{
			Title:       fallbackSectionTitle,
			Description: query,
			Order:       1,
			Questions: []models.Question{{
				Text:       query,
				Importance: defaultImportance,
			}},
		}},
	}
}

// Decompose flattens plan into one pending task per (section, question),
// in plan order.
func Decompose(plan models.Plan) []models.Task {
	tasks := make([]models.Task, 0, plan.QuestionCount())
	for i, s := range plan.Sections {
		for j, q := range s.Questions {
			tasks = append(tasks, models.Task{
				ID:           fmt.Sprintf("%s_s%d_q%d", plan.ID, i, j),
				PlanID:       plan.ID,
				SectionTitle: s.Title,
				Objective:    plan.Objective,
				Question:     q.Text,
				Sources:      append([]string(nil), q.SuggestedSources...),
				Importance:   q.Importance,
				Depth:        plan.Depth,
				Status:       models.TaskPending,
			})
		}
	}
	return tasks
}

func truncateForLog(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func buildPrompt(query string) string {
	return fmt.Sprintf(`# Research planning

You are an expert research planner. Build a structured plan for in-depth documentary research on the following topic:

TOPIC: %s

## Tasks
1. Identify the main objective of the research.
2. Create 2-5 logical sections.
3. For each section write 1-3 specific research questions.
4. For each question suggest 1-5 real online sources (URLs) to consult.
5. Rate each question's importance from 1 to 10.
6. Choose the research depth from 1 to 3 (1 basic, 2 standard, 3 in-depth).

## Output
Reply with a single JSON object and nothing else:
{
  "objective": "main research objective",
  "description": "short description of the research",
  "depth": 2,
  "sections": [
    {
      "title": "section title",
      "description": "what the section covers",
      "questions": [
        {"question": "research question", "sources": ["https://..."], "importance": 7}
      ]
    }
  ]
}

Suggested sources must be realistic and relevant URLs such as academic articles, official sites or specialist publications.
`, query)
}
