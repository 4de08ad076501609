package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestInterval_FirstCallIsFree(t *testing.T) {
	var waits []time.Duration
	l := NewInterval("tasks", 5*time.Second)
	l.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	ctx := context.Background()

	require.NoError(t, l.BeforeCall(ctx))
	assert.Empty(t, waits)

	require.NoError(t, l.BeforeCall(ctx))
	l.SetDelay(2 * time.Second)
	require.NoError(t, l.BeforeCall(ctx))
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, waits)
	assert.Equal(t, 2*time.Second, l.Delay())
}

func TestInterval_ZeroDelayNeverWaits(t *testing.T) {
	l := NewInterval("tasks", 0)
	l.after = func(time.Duration) <-chan time.Time {
		t.Fatal("should not wait")
		return nil
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, l.BeforeCall(context.Background()))
	}
}

func TestInterval_CancelledWhileWaiting(t *testing.T) {
	l := NewInterval("tasks", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.BeforeCall(ctx))

	cancel()
	assert.ErrorIs(t, l.BeforeCall(ctx), context.Canceled)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.BeforeCall(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Nop{}.BeforeCall(ctx), context.Canceled)
}

func TestLoadLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  default:
    rpm: 60
  purposes:
    planner:
      rpm: 10
    validator:
      rpm: 120
      tpm: 40000
`), 0o600))

	limits, err := LoadLimits(path)
	require.NoError(t, err)
	assert.Equal(t, RateLimit{RPM: 10}, limits.ForPurpose("Planner"))
	assert.Equal(t, RateLimit{RPM: 60, TPM: 40000}, limits.ForPurpose("validator"))
	assert.Equal(t, RateLimit{RPM: 60}, limits.ForPurpose("executor"))

	missing, err := LoadLimits(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Limits{}, missing)

	require.NoError(t, os.WriteFile(path, []byte("rate_limits: [oops"), 0o600))
	_, err = LoadLimits(path)
	assert.Error(t, err)
}

func TestDelayForLimit(t *testing.T) {
	assert.Equal(t, time.Second, delayForLimit(RateLimit{RPM: 60}, 0))
	assert.Equal(t, 1500*time.Millisecond, delayForLimit(RateLimit{RPM: 60, TPM: 40000}, 1000))
	assert.Equal(t, time.Minute, delayForLimit(RateLimit{TPM: 10}, 1000))
	assert.Zero(t, delayForLimit(RateLimit{}, 1000))
}

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(RateLimit{RPM: 30, TPM: 50000}, RateLimit{RPM: 20, TPM: 100000})
	assert.Equal(t, RateLimit{RPM: 20, TPM: 50000}, combined)
	assert.Equal(t, RateLimit{RPM: 5}, CombineLimits(RateLimit{}, RateLimit{RPM: 5}))
}

func TestPurposeLimiters(t *testing.T) {
	p := NewPurposeLimiters(Limits{Purposes: map[string]RateLimit{"planner": {RPM: 600}}}, 0, zaptest.NewLogger(t))

	planner := p.For("planner")
	assert.IsType(t, &RPMLimiter{}, planner)
	assert.Same(t, planner, p.For("planner"))
	assert.Equal(t, Nop{}, p.For("executor"))

	ctx := context.Background()
	require.NoError(t, planner.BeforeCall(ctx))

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	// second token is 100ms away, beyond the deadline
	assert.Error(t, planner.BeforeCall(ctx))
}
