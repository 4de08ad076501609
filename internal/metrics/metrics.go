package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_workflows_started_total",
			Help: "Total number of research workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_workflows_completed_total",
			Help: "Total number of research workflows that reached a terminal state",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_stage_duration_seconds",
			Help:    "Duration of each workflow stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ActiveWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_active_workflows",
			Help: "Workflows currently executing",
		},
	)

	// Task metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_executed_total",
			Help: "Research tasks executed by outcome",
		},
		[]string{"outcome"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_task_retries_total",
			Help: "Task retries by reason and strategy",
		},
		[]string{"reason", "strategy"},
	)

	ValidationScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_validation_score",
			Help:    "Overall validation score per task",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	PlanFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_plan_fallbacks_total",
			Help: "Plans built by repair or fallback instead of direct parse",
		},
		[]string{"path"},
	)

	// Collaborator metrics
	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_fetch_results_total",
			Help: "Page fetches by load status",
		},
		[]string{"status"},
	)

	FetchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_fetch_latency_seconds",
			Help:    "Page fetch latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_generation_requests_total",
			Help: "Text generation requests by purpose and status",
		},
		[]string{"purpose", "status"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_generation_latency_seconds",
			Help:    "Text generation latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"purpose"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_rate_limit_wait_seconds",
			Help:    "Time spent waiting on rate limiters",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limiter"},
	)

	// Policy and API metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_decisions_total",
			Help: "Source admission decisions",
		},
		[]string{"decision", "mode"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_api_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	APIRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_api_rate_limited_total",
			Help: "API requests rejected by the per-client rate limit",
		},
	)

	// Persistence metrics
	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_snapshot_writes_total",
			Help: "Best-effort run snapshot writes by backend and status",
		},
		[]string{"backend", "status"},
	)
)

// RecordWorkflowMetrics records the terminal status and duration of a run.
func RecordWorkflowMetrics(status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(status).Inc()
	WorkflowDuration.Observe(durationSeconds)
}

// RecordGenerationMetrics records one generation call.
func RecordGenerationMetrics(purpose, status string, durationSeconds float64) {
	GenerationRequests.WithLabelValues(purpose, status).Inc()
	GenerationLatency.WithLabelValues(purpose).Observe(durationSeconds)
}

// RecordFetchMetrics records one page fetch.
func RecordFetchMetrics(status string, durationSeconds float64) {
	FetchResults.WithLabelValues(status).Inc()
	FetchLatency.Observe(durationSeconds)
}
