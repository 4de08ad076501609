package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

const slowThreshold = 100 * time.Millisecond

// RedisChecker pings the run cache through its breaker.
type RedisChecker struct {
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
}

// NewRedisChecker creates a Redis checker. The cache is optional, so
// failures only degrade the service unless critical is set.
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper, critical bool) *RedisChecker {
	return &RedisChecker{wrapper: wrapper, critical: critical}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return r.critical }
func (r *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Redis circuit breaker is open"}
	}
	start := time.Now()
	err := r.wrapper.Ping(ctx).Err()
	return latencyResult("Redis", err, time.Since(start))
}

// DatabaseChecker pings the archive database through its breaker.
type DatabaseChecker struct {
	wrapper  *circuitbreaker.DatabaseWrapper
	critical bool
}

// NewDatabaseChecker creates a database checker.
func NewDatabaseChecker(wrapper *circuitbreaker.DatabaseWrapper, critical bool) *DatabaseChecker {
	return &DatabaseChecker{wrapper: wrapper, critical: critical}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return d.critical }
func (d *DatabaseChecker) Timeout() time.Duration { return 5 * time.Second }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if d.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Database circuit breaker is open"}
	}
	start := time.Now()
	err := d.wrapper.PingContext(ctx)
	res := latencyResult("Database", err, time.Since(start))
	if err == nil {
		stats := d.wrapper.DB().Stats()
		res.Details["open_connections"] = stats.OpenConnections
		res.Details["in_use"] = stats.InUse
	}
	return res
}

// HTTPChecker probes a GET endpoint; any 2xx answer is healthy.
type HTTPChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
}

// NewHTTPChecker creates a checker for url.
func NewHTTPChecker(name, url string, critical bool) *HTTPChecker {
	return &HTTPChecker{name: name, url: url, critical: critical, client: &http.Client{}}
}

// NewLLMServiceChecker probes the text-generation service. Generation
// failures are contained per task, so the check is not critical.
func NewLLMServiceChecker(url string) *HTTPChecker {
	return NewHTTPChecker("llm_service", url, false)
}

func (h *HTTPChecker) Name() string           { return h.name }
func (h *HTTPChecker) IsCritical() bool       { return h.critical }
func (h *HTTPChecker) Timeout() time.Duration { return 5 * time.Second }

func (h *HTTPChecker) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "invalid health URL"}
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}
	res := latencyResult(h.name, err, elapsed)
	res.Details["url"] = h.url
	return res
}

// FuncChecker adapts a function to Checker.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

// NewFuncChecker wraps fn.
func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (f *FuncChecker) Name() string                          { return f.name }
func (f *FuncChecker) IsCritical() bool                      { return f.critical }
func (f *FuncChecker) Timeout() time.Duration                { return f.timeout }
func (f *FuncChecker) Check(ctx context.Context) CheckResult { return f.fn(ctx) }

func latencyResult(what string, err error, elapsed time.Duration) CheckResult {
	res := CheckResult{Details: map[string]any{"latency_ms": elapsed.Milliseconds()}}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = what + " check failed"
	case elapsed > slowThreshold:
		res.Status = StatusDegraded
		res.Message = what + " responding with high latency"
	default:
		res.Status = StatusHealthy
		res.Message = what + " healthy"
	}
	return res
}
