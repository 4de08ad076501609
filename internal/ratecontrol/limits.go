package ratecontrol

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
)

// RateLimit is a requests-per-minute / tokens-per-minute pair. Zero means
// unlimited.
type RateLimit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// Limits is the content of rate_limits.yaml.
type Limits struct {
	Default  RateLimit            `yaml:"default"`
	Purposes map[string]RateLimit `yaml:"purposes"`
}

type limitsFile struct {
	RateLimits Limits `yaml:"rate_limits"`
}

// LoadLimits reads path. A missing file yields empty limits and no error.
func LoadLimits(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Limits{}, nil
		}
		return Limits{}, fmt.Errorf("read rate limits: %w", err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Limits{}, fmt.Errorf("parse rate limits %s: %w", path, err)
	}
	return f.RateLimits, nil
}

// ForPurpose combines the purpose override with the default, the stricter
// positive value winning.
func (l Limits) ForPurpose(purpose string) RateLimit {
	override, ok := l.Purposes[strings.ToLower(strings.TrimSpace(purpose))]
	if !ok {
		return l.Default
	}
	return CombineLimits(l.Default, override)
}

// CombineLimits keeps the smaller positive value of each field.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
}

// delayForLimit is the minimum spacing between requests of estimatedTokens
// under limit, capped at one minute.
func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var ms float64
	if limit.RPM > 0 {
		ms = 60000.0 / float64(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		ms = math.Max(ms, 60000.0/float64(limit.TPM)*float64(estimatedTokens))
	}
	if ms <= 0 {
		return 0
	}
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		if b < 0 {
			return 0
		}
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// PurposeLimiters hands out one token bucket per generation purpose.
type PurposeLimiters struct {
	limits          Limits
	estimatedTokens int
	logger          *zap.Logger

	mu       sync.Mutex
	limiters map[string]Limiter
}

// NewPurposeLimiters builds limiters from limits. estimatedTokens feeds the
// TPM side of the spacing computation.
func NewPurposeLimiters(limits Limits, estimatedTokens int, logger *zap.Logger) *PurposeLimiters {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurposeLimiters{
		limits:          limits,
		estimatedTokens: estimatedTokens,
		logger:          logger,
		limiters:        make(map[string]Limiter),
	}
}

// For returns the limiter for purpose, creating it on first use.
func (p *PurposeLimiters) For(purpose string) Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[purpose]; ok {
		return l
	}
	var l Limiter = Nop{}
	if every := delayForLimit(p.limits.ForPurpose(purpose), p.estimatedTokens); every > 0 {
		l = NewRPMLimiter(purpose, every)
		p.logger.Info("Generation rate limit configured",
			zap.String("purpose", purpose),
			zap.Duration("spacing", every),
		)
	}
	p.limiters[purpose] = l
	return l
}

// RPMLimiter is a token bucket with burst 1 refilling every interval.
type RPMLimiter struct {
	name string
	lim  *rate.Limiter
}

// NewRPMLimiter spaces calls at least every apart.
func NewRPMLimiter(name string, every time.Duration) *RPMLimiter {
	return &RPMLimiter{name: name, lim: rate.NewLimiter(rate.Every(every), 1)}
}

func (r *RPMLimiter) BeforeCall(ctx context.Context) error {
	start := time.Now()
	err := r.lim.Wait(ctx)
	metrics.RateLimitWait.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	return err
}
