// Package workflow sequences research runs: plan, decompose, research,
// validate and assemble, with a status record kept for every run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/browser"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/planner"
	"github.com/Kocoro-lab/research-orchestrator/internal/ratecontrol"
	"github.com/Kocoro-lab/research-orchestrator/internal/streaming"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
	"github.com/Kocoro-lab/research-orchestrator/internal/validation"
)

// Planner turns a query into a plan.
type Planner interface {
	CreatePlan(ctx context.Context, query string) (models.Plan, error)
}

// TaskRunner researches a single task.
type TaskRunner interface {
	Run(ctx context.Context, session browser.Session, task models.Task) (models.ResearchResult, error)
}

// ResultValidator grades a research result.
type ResultValidator interface {
	Validate(ctx context.Context, task models.Task, result models.ResearchResult, criteria []string) models.ValidationVerdict
}

// DocumentBuilder assembles results into the final document.
type DocumentBuilder interface {
	Build(ctx context.Context, plan models.Plan, results []models.ResearchResult) (*models.Document, error)
}

// Recorder mirrors run state somewhere outside the process. Failures are
// logged and never affect the run.
type Recorder interface {
	SaveRun(ctx context.Context, state models.WorkflowState) error
	SaveDocument(ctx context.Context, runID string, doc *models.Document) error
}

// Config holds the pacing and validation settings of the orchestrator.
type Config struct {
	TaskDelay       time.Duration `mapstructure:"task_delay"`
	ValidationDelay time.Duration `mapstructure:"validation_delay"`
	Criteria        []string      `mapstructure:"validation_criteria"`
}

// DefaultConfig pauses five seconds between tasks and between validations.
func DefaultConfig() Config {
	return Config{
		TaskDelay:       5 * time.Second,
		ValidationDelay: 5 * time.Second,
		Criteria:        append([]string(nil), models.DefaultCriteria...),
	}
}

// LimiterFactory builds the pacing limiter for one stage of one run.
type LimiterFactory func(name string, delay time.Duration) ratecontrol.Limiter

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStreaming publishes progress events to m.
func WithStreaming(m *streaming.Manager) Option {
	return func(o *Orchestrator) { o.events = m }
}

// WithRecorders adds state mirrors.
func WithRecorders(rs ...Recorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, rs...) }
}

// WithLimiterFactory replaces the default interval limiters.
func WithLimiterFactory(f LimiterFactory) Option {
	return func(o *Orchestrator) { o.newLimiter = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the run registry.
type Orchestrator struct {
	planner   Planner
	executor  TaskRunner
	validator ResultValidator
	assembler DocumentBuilder
	browser   browser.Browser

	events     *streaming.Manager
	recorders  []Recorder
	newLimiter LimiterFactory
	now        func() time.Time
	logger     *zap.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu   sync.RWMutex
	runs map[string]*run

	resultsMu sync.RWMutex
	results   map[string]models.ResearchResult
}

type run struct {
	// exec is held for the whole of ExecuteWorkflow.
	exec sync.Mutex

	mu       sync.RWMutex
	state    models.WorkflowState
	machine  *Machine
	doc      *models.Document
	limiters []ratecontrol.Limiter
}

// NewOrchestrator wires the stage components together.
func NewOrchestrator(p Planner, e TaskRunner, v ResultValidator, a DocumentBuilder, b browser.Browser, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Criteria) == 0 {
		cfg.Criteria = append([]string(nil), models.DefaultCriteria...)
	}
	o := &Orchestrator{
		planner:   p,
		executor:  e,
		validator: v,
		assembler: a,
		browser:   b,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "workflow")),
		runs:      make(map[string]*run),
		results:   make(map[string]models.ResearchResult),
		newLimiter: func(name string, d time.Duration) ratecontrol.Limiter {
			return ratecontrol.NewInterval(name, d)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDelays changes the pauses for future runs and for runs in flight.
func (o *Orchestrator) SetDelays(task, validation time.Duration) {
	o.cfgMu.Lock()
	o.cfg.TaskDelay = task
	o.cfg.ValidationDelay = validation
	o.cfgMu.Unlock()

	type delaySetter interface{ SetDelay(time.Duration) }
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range o.runs {
		r.mu.RLock()
		for i, l := range r.limiters {
			if s, ok := l.(delaySetter); ok {
				if i == 0 {
					s.SetDelay(task)
				} else {
					s.SetDelay(validation)
				}
			}
		}
		r.mu.RUnlock()
	}
	o.logger.Info("Workflow delays updated",
		zap.Duration("task_delay", task),
		zap.Duration("validation_delay", validation))
}

func (o *Orchestrator) config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	c := o.cfg
	c.Criteria = append([]string(nil), o.cfg.Criteria...)
	return c
}

// StartWorkflow registers a new run in the planning stage.
func (o *Orchestrator) StartWorkflow(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	r := &run{state: models.WorkflowState{
		RunID:     uuid.NewString(),
		Query:     query,
		StartedAt: o.now(),
	}}
	r.machine = NewMachine(&r.state, o.now)

	o.mu.Lock()
	o.runs[r.state.RunID] = r
	o.mu.Unlock()

	metrics.WorkflowsStarted.Inc()
	o.logger.Info("Workflow started", zap.String("run_id", r.state.RunID), zap.String("query", query))
	o.publish(r, streaming.Event{Type: streaming.EventStatus, Message: "run created"})
	o.record(ctx, r)
	return r.state.RunID, nil
}

// Run starts and executes a workflow for query.
func (o *Orchestrator) Run(ctx context.Context, query string) (string, *models.Document, error) {
	runID, err := o.StartWorkflow(ctx, query)
	if err != nil {
		return "", nil, err
	}
	doc, err := o.ExecuteWorkflow(ctx, runID)
	return runID, doc, err
}

// GetStatus returns a snapshot of the run's state.
func (o *Orchestrator) GetStatus(runID string) (models.WorkflowState, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return models.WorkflowState{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone(), nil
}

// ListRuns returns every run ordered by start time.
func (o *Orchestrator) ListRuns() []models.RunSummary {
	o.mu.RLock()
	out := make([]models.RunSummary, 0, len(o.runs))
	for _, r := range o.runs {
		r.mu.RLock()
		out = append(out, r.state.Summary())
		r.mu.RUnlock()
	}
	o.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetDocument returns the assembled document of a completed run.
func (o *Orchestrator) GetDocument(runID string) (*models.Document, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.doc == nil {
		return nil, ErrDocumentNotReady
	}
	return r.doc, nil
}

// GetTaskResult returns the latest result recorded for taskID.
func (o *Orchestrator) GetTaskResult(taskID string) (models.ResearchResult, bool) {
	o.resultsMu.RLock()
	defer o.resultsMu.RUnlock()
	res, ok := o.results[taskID]
	return res, ok
}

// CancelWorkflow asks a run to stop. The request is honored before the
// next task or validation; finished runs are left as they are.
func (o *Orchestrator) CancelWorkflow(runID string) error {
	r, err := o.lookup(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.state.Status.IsTerminal() {
		r.mu.Unlock()
		return ErrRunFinished
	}
	r.state.CancelRequested = true
	r.mu.Unlock()
	o.logger.Info("Workflow cancel requested", zap.String("run_id", runID))
	return nil
}

// ExecuteWorkflow runs every stage for runID and returns the document.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, runID string) (*models.Document, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	if !r.exec.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.exec.Unlock()

	r.mu.RLock()
	status, query, startedAt := r.state.Status, r.state.Query, r.state.StartedAt
	r.mu.RUnlock()
	if status != models.StatusPlanning {
		return nil, ErrRunFinished
	}

	metrics.ActiveWorkflows.Inc()
	defer metrics.ActiveWorkflows.Dec()

	ctx, span := tracing.StartSpan(ctx, "workflow.execute", attribute.String("run_id", runID))
	defer span.End()

	logger := o.logger.With(zap.String("run_id", runID))
	doc, err := o.execute(ctx, r, query, logger)
	elapsed := o.now().Sub(startedAt).Seconds()
	if err != nil {
		tracing.RecordError(span, err)
		o.fail(ctx, r, err, logger)
		metrics.RecordWorkflowMetrics(string(models.StatusFailed), elapsed)
		return nil, err
	}

	metrics.RecordWorkflowMetrics(string(models.StatusCompleted), elapsed)
	logger.Info("Workflow completed", zap.String("document_id", doc.ID), zap.Float64("seconds", elapsed))
	o.publish(r, streaming.Event{Type: streaming.EventCompleted, Message: doc.ID})
	o.record(ctx, r)
	o.recordDocument(ctx, runID, doc)
	return doc, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, query string, logger *zap.Logger) (*models.Document, error) {
	cfg := o.config()
	taskLimiter := o.newLimiter("task", cfg.TaskDelay)
	validationLimiter := o.newLimiter("validation", cfg.ValidationDelay)
	r.mu.Lock()
	r.limiters = []ratecontrol.Limiter{taskLimiter, validationLimiter}
	r.mu.Unlock()

	if err := o.checkCancel(ctx, r); err != nil {
		return nil, err
	}

	plan, err := o.planner.CreatePlan(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	if err := o.transition(r, models.StatusDecomposing, func(s *models.WorkflowState) { s.PlanID = plan.ID }); err != nil {
		return nil, err
	}

	tasks := planner.Decompose(plan)
	logger.Info("Plan decomposed", zap.String("plan_id", plan.ID), zap.Int("tasks", len(tasks)))
	if err := o.transition(r, models.StatusResearching, func(s *models.WorkflowState) { s.TasksTotal = len(tasks) }); err != nil {
		return nil, err
	}

	session, err := o.browser.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browsing session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("Failed to close browsing session", zap.Error(cerr))
		}
	}()

	stageStart := time.Now()
	results, err := o.research(ctx, r, session, tasks, taskLimiter, logger)
	metrics.StageDuration.WithLabelValues(string(models.StatusResearching)).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		return nil, err
	}
	if err := o.transition(r, models.StatusValidating, nil); err != nil {
		return nil, err
	}

	stageStart = time.Now()
	err = o.validate(ctx, r, session, tasks, results, validationLimiter, cfg.Criteria, logger)
	metrics.StageDuration.WithLabelValues(string(models.StatusValidating)).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		return nil, err
	}
	if err := o.transition(r, models.StatusAssembling, nil); err != nil {
		return nil, err
	}
	if err := o.checkCancel(ctx, r); err != nil {
		return nil, err
	}

	stageStart = time.Now()
	doc, err := o.assembler.Build(ctx, plan, results)
	metrics.StageDuration.WithLabelValues(string(models.StatusAssembling)).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("assembly: %w", err)
	}

	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	if err := o.transition(r, models.StatusCompleted, func(s *models.WorkflowState) { s.DocumentID = doc.ID }); err != nil {
		return nil, err
	}
	return doc, nil
}

func (o *Orchestrator) research(ctx context.Context, r *run, session browser.Session, tasks []models.Task, limiter ratecontrol.Limiter, logger *zap.Logger) ([]models.ResearchResult, error) {
	results := make([]models.ResearchResult, 0, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		if err := o.checkCancel(ctx, r); err != nil {
			return nil, err
		}
		if err := limiter.BeforeCall(ctx); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.state.CurrentTaskID = task.ID
		r.mu.Unlock()
		task.Status = models.TaskRunning
		o.publish(r, streaming.Event{Type: streaming.EventTaskStarted, TaskID: task.ID, Message: task.Question})

		start := time.Now()
		result, err := o.executor.Run(ctx, session, *task)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Task failed, continuing with placeholder",
				zap.String("task_id", task.ID), zap.Error(err))
			task.Status = models.TaskFailed
			result = placeholder(task.ID, err, time.Since(start))
			metrics.TasksExecuted.WithLabelValues("failed").Inc()
		} else {
			task.Status = models.TaskDone
			metrics.TasksExecuted.WithLabelValues("success").Inc()
		}

		results = append(results, result)
		o.storeResult(result)
		r.mu.Lock()
		r.state.TasksDone++
		r.mu.Unlock()
		o.publish(r, streaming.Event{Type: streaming.EventTaskCompleted, TaskID: task.ID, Message: string(task.Status)})
	}
	r.mu.Lock()
	r.state.CurrentTaskID = ""
	r.mu.Unlock()
	return results, nil
}

func (o *Orchestrator) validate(ctx context.Context, r *run, session browser.Session, tasks []models.Task, results []models.ResearchResult, limiter ratecontrol.Limiter, criteria []string, logger *zap.Logger) error {
	for i := range results {
		task := tasks[i]
		if task.Status == models.TaskFailed {
			continue
		}
		if err := o.checkCancel(ctx, r); err != nil {
			return err
		}
		if err := limiter.BeforeCall(ctx); err != nil {
			return err
		}

		verdict := o.validator.Validate(ctx, task, results[i], criteria)
		retry, reason := validation.ShouldRetry(verdict)
		if !retry {
			results[i].Confidence = verdict.OverallScore
			o.storeResult(results[i])
			continue
		}

		if verdict.RepairedContent != "" {
			metrics.TaskRetries.WithLabelValues(reason, "repair").Inc()
			logger.Info("Using repaired content", zap.String("task_id", task.ID), zap.String("reason", reason))
			o.publish(r, streaming.Event{Type: streaming.EventTaskRetry, TaskID: task.ID, Message: reason + " (repaired)"})
			results[i].Content = verdict.RepairedContent
			results[i].Confidence = verdict.OverallScore
			o.storeResult(results[i])
			continue
		}

		metrics.TaskRetries.WithLabelValues(reason, "rerun").Inc()
		logger.Info("Re-running task", zap.String("task_id", task.ID), zap.String("reason", reason))
		o.publish(r, streaming.Event{Type: streaming.EventTaskRetry, TaskID: task.ID, Message: reason})
		retryTask := task
		retryTask.ID = task.ID + "_retry"
		again, err := o.executor.Run(ctx, session, retryTask)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Retry failed, keeping first result", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		again.TaskID = task.ID
		results[i] = again
		o.storeResult(again)
	}
	return nil
}

func placeholder(taskID string, err error, took time.Duration) models.ResearchResult {
	return models.ResearchResult{
		TaskID:           taskID,
		Content:          fmt.Sprintf("Task failed: %v", err),
		SourcesUsed:      []string{},
		SourcesAnalysis:  map[string]models.SourceAnalysis{},
		Confidence:       0,
		CompletionTimeMs: took.Milliseconds(),
	}
}

func (o *Orchestrator) checkCancel(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	cancelled := r.state.CancelRequested
	r.mu.RUnlock()
	if cancelled {
		return ErrWorkflowCancelled
	}
	return nil
}

func (o *Orchestrator) transition(r *run, to models.WorkflowStatus, mutate func(*models.WorkflowState)) error {
	r.mu.Lock()
	if mutate != nil {
		mutate(&r.state)
	}
	err := r.machine.Transition(to)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	o.publish(r, streaming.Event{Type: streaming.EventStatus})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error, logger *zap.Logger) {
	r.mu.Lock()
	r.machine.Fail(err)
	r.mu.Unlock()
	if errors.Is(err, ErrWorkflowCancelled) {
		logger.Info("Workflow cancelled")
	} else {
		logger.Error("Workflow failed", zap.Error(err))
	}
	o.publish(r, streaming.Event{Type: streaming.EventFailed, Message: err.Error()})
	// The caller's ctx may be the reason for failing; mirrors still get the final state.
	o.record(context.WithoutCancel(ctx), r)
}

func (o *Orchestrator) storeResult(res models.ResearchResult) {
	o.resultsMu.Lock()
	o.results[res.TaskID] = res
	o.resultsMu.Unlock()
}

func (o *Orchestrator) lookup(runID string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func (o *Orchestrator) publish(r *run, evt streaming.Event) {
	if o.events == nil {
		return
	}
	r.mu.RLock()
	runID := r.state.RunID
	if evt.Status == "" {
		evt.Status = string(r.state.Status)
	}
	r.mu.RUnlock()
	evt.RunID = runID
	o.events.Publish(runID, evt)
}

func (o *Orchestrator) record(ctx context.Context, r *run) {
	if len(o.recorders) == 0 {
		return
	}
	r.mu.RLock()
	state := r.state.Clone()
	r.mu.RUnlock()
	for _, rec := range o.recorders {
		if err := rec.SaveRun(ctx, state); err != nil {
			o.logger.Warn("Failed to mirror run state", zap.String("run_id", state.RunID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) recordDocument(ctx context.Context, runID string, doc *models.Document) {
	for _, rec := range o.recorders {
		if err := rec.SaveDocument(ctx, runID, doc); err != nil {
			o.logger.Warn("Failed to mirror document", zap.String("run_id", runID), zap.Error(err))
		}
	}
}
