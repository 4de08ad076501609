package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating source policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_errors_total",
			Help: "Policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
		[]string{"policy_path"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_cache_lookups_total",
			Help: "Policy decision cache lookups by result",
		},
		[]string{"result", "mode"},
	)
)

func recordEvaluationDuration(mode string, seconds float64) {
	policyEvaluationDuration.WithLabelValues(mode).Observe(seconds)
}

func recordError(errorType, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

func recordPolicyLoad(path string, count int) {
	policyLoadTime.WithLabelValues(path).SetToCurrentTime()
	policyCount.WithLabelValues(path).Set(float64(count))
}

func recordCacheHit(mode string)  { policyCacheLookups.WithLabelValues("hit", mode).Inc() }
func recordCacheMiss(mode string) { policyCacheLookups.WithLabelValues("miss", mode).Inc() }
