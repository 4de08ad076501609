// Package ratecontrol paces outbound work: the fixed pauses between
// research tasks and validations, and per-purpose request rates towards
// the text-generation service.
package ratecontrol

import (
	"context"
	"sync"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
)

// Limiter is consulted before every paced call. It blocks until the call
// may proceed or ctx is done.
type Limiter interface {
	BeforeCall(ctx context.Context) error
}

// Nop never waits.
type Nop struct{}

func (Nop) BeforeCall(ctx context.Context) error { return ctx.Err() }

// Interval lets the first call through immediately and sleeps the current
// delay before each later one.
type Interval struct {
	name  string
	after func(time.Duration) <-chan time.Time

	mu    sync.Mutex
	delay time.Duration
	calls int
}

// NewInterval creates an Interval labelled name for metrics.
func NewInterval(name string, delay time.Duration) *Interval {
	return &Interval{name: name, delay: delay, after: time.After}
}

// SetDelay changes the pause applied to subsequent calls.
func (l *Interval) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

// Delay returns the configured pause.
func (l *Interval) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

func (l *Interval) BeforeCall(ctx context.Context) error {
	l.mu.Lock()
	first := l.calls == 0
	l.calls++
	delay := l.delay
	l.mu.Unlock()

	if first || delay <= 0 {
		return ctx.Err()
	}

	start := time.Now()
	defer func() {
		metrics.RateLimitWait.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.after(delay):
		return nil
	}
}
