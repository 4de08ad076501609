package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/assembler"
	"github.com/Kocoro-lab/research-orchestrator/internal/browser"
	"github.com/Kocoro-lab/research-orchestrator/internal/config"
	"github.com/Kocoro-lab/research-orchestrator/internal/db"
	"github.com/Kocoro-lab/research-orchestrator/internal/executor"
	"github.com/Kocoro-lab/research-orchestrator/internal/health"
	"github.com/Kocoro-lab/research-orchestrator/internal/httpapi"
	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/pipeline"
	"github.com/Kocoro-lab/research-orchestrator/internal/planner"
	"github.com/Kocoro-lab/research-orchestrator/internal/policy"
	"github.com/Kocoro-lab/research-orchestrator/internal/ratecontrol"
	"github.com/Kocoro-lab/research-orchestrator/internal/runcache"
	"github.com/Kocoro-lab/research-orchestrator/internal/streaming"
	"github.com/Kocoro-lab/research-orchestrator/internal/validation"
	"github.com/Kocoro-lab/research-orchestrator/internal/workflow"
)

// estimatedTokensPerCall feeds the TPM side of the generation limits.
const estimatedTokensPerCall = 2000

// app holds every long-lived component of the process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	generator *llm.HTTPClient
	fetcher   *browser.HTTPFetcher
	policy    *policy.OPAEngine
	stream    *streaming.Manager
	orch      *workflow.Orchestrator
	quick     *pipeline.Pipeline
	health    *health.Manager

	cache    *runcache.Store
	archive  *db.Client
	apiRedis *redis.Client
}

// newApp builds the component graph. Optional backends that fail to come
// up are logged and left out.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, health: health.NewManager(logger)}

	limits, err := ratecontrol.LoadLimits(cfg.RateLimitsPath)
	if err != nil {
		return nil, err
	}
	llmCfg := cfg.LLM
	if cfg.Workflow.GenerationTimeout > 0 {
		llmCfg.Timeout = cfg.Workflow.GenerationTimeout
	}
	a.generator = llm.NewHTTPClient(llmCfg, ratecontrol.NewPurposeLimiters(limits, estimatedTokensPerCall, logger), logger)
	a.fetcher = browser.NewHTTPFetcher(cfg.Browser, logger)

	a.policy, err = policy.NewOPAEngine(&cfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	admitter := policy.NewSourceAdmitter(a.policy, cfg.Environment, logger)

	a.stream = streaming.NewManager(cfg.Streaming.Capacity, logger)

	var recorders []workflow.Recorder
	if cfg.Redis.Enabled {
		store, err := runcache.Dial(ctx, runcache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Warn("Run cache unavailable, continuing without it", zap.Error(err))
		} else {
			a.cache = store
			recorders = append(recorders, store)
			_ = a.health.RegisterChecker(health.NewRedisChecker(store.Client(), false))
		}
	}
	if cfg.Database.Enabled {
		archive, err := db.Open(ctx, db.Config{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DataSource(),
		}, logger)
		if err != nil {
			logger.Warn("Archive database unavailable, continuing without it", zap.Error(err))
		} else {
			a.archive = archive
			recorders = append(recorders, archive)
			_ = a.health.RegisterChecker(health.NewDatabaseChecker(archive.Wrapper(), false))
		}
	}
	_ = a.health.RegisterChecker(health.NewLLMServiceChecker(a.generator.HealthURL()))

	pl := planner.NewPlanner(a.generator, logger)
	exec := executor.NewExecutor(a.generator, executor.Config{MaxSourcesPerTask: cfg.Workflow.MaxSourcesPerTask}, logger,
		executor.WithSourceAdmission(admitter),
	)
	asm := assembler.NewAssembler(a.generator, assembler.Config{Generate: cfg.Workflow.AssemblyRewrite}, logger)

	wcfg := workflow.DefaultConfig()
	wcfg.TaskDelay = cfg.Workflow.TaskDelay
	wcfg.ValidationDelay = cfg.Workflow.ValidationDelay
	if len(cfg.Workflow.ValidationCriteria) > 0 {
		wcfg.Criteria = cfg.Workflow.ValidationCriteria
	}
	a.orch = workflow.NewOrchestrator(pl, exec, validation.NewValidator(a.generator, logger), asm, a.fetcher, wcfg, logger,
		workflow.WithStreaming(a.stream),
		workflow.WithRecorders(recorders...),
	)
	a.quick = pipeline.New(pl, a.fetcher, a.generator, cfg.Pipeline, logger,
		pipeline.WithSourceAdmission(admitter),
	)
	return a, nil
}

// onConfigChange applies the settings that can change without a restart.
func (a *app) onConfigChange(old, next *config.Config) {
	if old.Workflow.TaskDelay != next.Workflow.TaskDelay || old.Workflow.ValidationDelay != next.Workflow.ValidationDelay {
		a.orch.SetDelays(next.Workflow.TaskDelay, next.Workflow.ValidationDelay)
	}
	if a.policy.IsEnabled() {
		if err := a.policy.LoadPolicies(); err != nil {
			a.logger.Warn("Failed to reload policies", zap.Error(err))
		}
	}
}

// archives returns the read fallbacks for runs unknown to this process,
// most durable first.
func (a *app) archives() []httpapi.Archive {
	var out []httpapi.Archive
	if a.archive != nil {
		out = append(out, a.archive)
	}
	if a.cache != nil {
		out = append(out, a.cache)
	}
	return out
}

func (a *app) close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("Failed to close archive", zap.Error(err))
		}
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.apiRedis != nil {
		_ = a.apiRedis.Close()
	}
}

// apiRateLimiter returns nil when the API limit is off.
func (a *app) apiRateLimiter() *httpapi.RateLimiter {
	if !a.cfg.APIRateLimit.Enabled {
		return nil
	}
	a.apiRedis = redis.NewClient(&redis.Options{
		Addr:         a.cfg.Redis.Addr,
		Password:     a.cfg.Redis.Password,
		DB:           a.cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return httpapi.NewRateLimiter(a.apiRedis, a.cfg.APIRateLimit.RequestsPerMinute, a.logger)
}
