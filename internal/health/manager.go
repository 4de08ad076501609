package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on demand and in the background.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	logger      *zap.Logger
}

// NewManager creates a manager that refreshes cached results every 30s
// once started.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    30 * time.Second,
		logger:      logger.With(zap.String("component", "health")),
	}
}

// RegisterChecker adds c under its name.
func (m *Manager) RegisterChecker(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered", zap.String("name", name), zap.Bool("critical", c.IsCritical()))
	return nil
}

// UnregisterChecker removes a checker and its cached result.
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkers[name]; !ok {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// GetDetailedHealth runs every checker concurrently.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	components := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			res := runCheck(ctx, c)
			mu.Lock()
			components[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	m.mu.Lock()
	for name, res := range components {
		m.lastResults[name] = res
	}
	m.mu.Unlock()

	return buildDetailed(components, now)
}

// GetOverallHealth returns only the aggregate of GetDetailedHealth.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	overall := m.GetDetailedHealth(ctx).Overall
	overall.Duration = time.Since(start)
	return overall
}

// IsReady reports whether no critical checker is failing.
func (m *Manager) IsReady(ctx context.Context) bool { return m.GetOverallHealth(ctx).Ready }

// IsLive reports whether the process can serve at all.
func (m *Manager) IsLive(ctx context.Context) bool { return m.GetOverallHealth(ctx).Live }

// GetLastResults returns the cached results of the latest run.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// CachedHealth aggregates the cached results without running checks.
func (m *Manager) CachedHealth() DetailedHealth {
	return buildDetailed(m.GetLastResults(), time.Now())
}

// SetCheckInterval changes the background refresh period used by Start.
func (m *Manager) SetCheckInterval(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// Start refreshes cached results until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	interval := m.interval
	m.mu.RUnlock()
	m.logger.Info("Health manager started", zap.Duration("check_interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Health manager stopped")
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				d := m.GetDetailedHealth(checkCtx)
				cancel()
				m.logger.Debug("Background health checks completed",
					zap.String("status", d.Overall.Status.String()),
					zap.Int("checks_run", d.Summary.Total))
			}
		}
	}()
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()
	start := time.Now()
	res := c.Check(checkCtx)
	res.Component = c.Name()
	res.Critical = c.IsCritical()
	res.Duration = time.Since(start)
	res.Timestamp = start
	return res
}

func buildDetailed(components map[string]CheckResult, ts time.Time) DetailedHealth {
	summary := Summary{Total: len(components)}
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	overall := overallStatus(components, summary)
	overall.Timestamp = ts
	return DetailedHealth{Overall: overall, Components: components, Summary: summary, Timestamp: ts}
}

// overallStatus: any failing critical component makes the service
// unhealthy and not ready; degraded or failing non-critical components
// only degrade it.
func overallStatus(components map[string]CheckResult, summary Summary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Ready: true, Live: true}
	}
	var criticalFailures, nonCriticalFailures, degraded int
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	out := OverallHealth{Ready: true, Live: true}
	switch {
	case criticalFailures > 0:
		out.Status = StatusUnhealthy
		out.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		out.Ready = false
	case degraded > 0:
		out.Status = StatusDegraded
		out.Message = fmt.Sprintf("%d component(s) degraded", degraded)
	case nonCriticalFailures > 0:
		out.Status = StatusDegraded
		out.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
	default:
		out.Status = StatusHealthy
		out.Message = fmt.Sprintf("All %d components healthy", summary.Total)
	}
	out.Degraded = out.Status == StatusDegraded
	return out
}
