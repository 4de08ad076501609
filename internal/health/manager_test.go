package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func staticChecker(name string, critical bool, status CheckStatus) *FuncChecker {
	return NewFuncChecker(name, critical, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name      string
		checkers  []Checker
		want      CheckStatus
		wantReady bool
	}{
		{"no checkers", nil, StatusUnknown, true},
		{"all healthy", []Checker{staticChecker("a", true, StatusHealthy), staticChecker("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical failing", []Checker{staticChecker("a", true, StatusUnhealthy), staticChecker("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"non-critical failing", []Checker{staticChecker("a", true, StatusHealthy), staticChecker("b", false, StatusUnhealthy)}, StatusDegraded, true},
		{"degraded", []Checker{staticChecker("a", true, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tt.want, overall.Status)
			assert.Equal(t, tt.wantReady, overall.Ready)
			assert.True(t, overall.Live)
			assert.Equal(t, tt.want == StatusDegraded, overall.Degraded)
		})
	}
}

func TestRegistry(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("", true, StatusHealthy)))

	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, Summary{Total: 1, Healthy: 1, Critical: 1}, d.Summary)
	res := d.Components["a"]
	assert.Equal(t, "a", res.Component)
	assert.True(t, res.Critical)
	assert.Contains(t, m.GetLastResults(), "a")

	require.NoError(t, m.UnregisterChecker("a"))
	assert.Error(t, m.UnregisterChecker("a"))
	assert.Empty(t, m.GetLastResults())
}

func TestCheckTimeoutIsApplied(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	slow := NewFuncChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})
	require.NoError(t, m.RegisterChecker(slow))

	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, d.Components["slow"].Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), d.Components["slow"].Error)
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	failing := true
	require.NoError(t, m.RegisterChecker(NewFuncChecker("db", true, time.Second, func(context.Context) CheckResult {
		if failing {
			return CheckResult{Status: StatusUnhealthy, Error: errors.New("down").Error()}
		}
		return CheckResult{Status: StatusHealthy}
	})))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	get := func(path string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])

	rec, _ = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = get("/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	failing = false
	rec, body = get("/health/detailed")
	assert.Equal(t, http.StatusOK, rec.Code)
	components := body["components"].(map[string]any)
	assert.Equal(t, "healthy", components["db"].(map[string]any)["status"])

	failing = true
	rec, body = get("/health/detailed?cached=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["overall"].(map[string]any)["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
