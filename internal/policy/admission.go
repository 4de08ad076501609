package policy

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// SourceAdmitter answers whether a task may fetch a URL.
type SourceAdmitter struct {
	engine      Engine
	environment string
	logger      *zap.Logger
}

// NewSourceAdmitter wraps engine for use by the executor.
func NewSourceAdmitter(engine Engine, environment string, logger *zap.Logger) *SourceAdmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceAdmitter{engine: engine, environment: environment, logger: logger}
}

// AdmitSource evaluates the policy for one URL. Evaluation errors follow
// the engine's fail-open or fail-closed decision.
func (a *SourceAdmitter) AdmitSource(ctx context.Context, task models.Task, rawURL string) (bool, string) {
	input := &SourceInput{
		PlanID:      task.PlanID,
		TaskID:      task.ID,
		URL:         rawURL,
		Question:    task.Question,
		Depth:       task.Depth,
		Environment: a.environment,
		Timestamp:   time.Now(),
	}
	if u, err := url.Parse(rawURL); err == nil {
		input.Scheme = u.Scheme
		input.Domain = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}

	decision, err := a.engine.Evaluate(ctx, input)
	if err != nil {
		a.logger.Warn("Source policy evaluation failed", zap.String("url", rawURL), zap.Error(err))
	}
	if decision == nil {
		decision = &Decision{Allow: err == nil, Reason: "no decision"}
	}

	label := "allow"
	if !decision.Allow {
		label = "deny"
	}
	metrics.PolicyDecisions.WithLabelValues(label, string(a.engine.Mode())).Inc()
	return decision.Allow, decision.Reason
}
