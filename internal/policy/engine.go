// Package policy evaluates OPA rego policies that decide which source URLs
// a research run may fetch.
package policy

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// DecisionQuery is the rego rule every policy bundle must define.
const DecisionQuery = "data.research.source.decision"

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *SourceInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Mode() Mode
}

// SourceInput is what policies see as `input`.
type SourceInput struct {
	PlanID      string    `json:"plan_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	URL         string    `json:"url"`
	Scheme      string    `json:"scheme"`
	Domain      string    `json:"domain"`
	Question    string    `json:"question,omitempty"`
	Depth       int       `json:"depth,omitempty"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow         bool              `json:"allow"`
	Reason        string            `json:"reason,omitempty"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	version  string
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Normalize()
	engine := &OPAEngine{
		config:  config,
		logger:  logger.With(zap.String("component", "policy")),
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			engine.logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured directory
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.compiled = &compiled
	e.version = policyVersion(policies)
	e.cache.Clear()
	recordPolicyLoad(e.config.Path, len(policies))

	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("version", e.version),
	)
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *SourceInput) (*Decision, error) {
	start := time.Now()
	mode := string(e.config.Mode)

	fallback := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
	}
	if !e.enabled || e.compiled == nil {
		return fallback, nil
	}

	if d, ok := e.cache.Get(input, e.config.Environment, mode); ok {
		recordCacheHit(mode)
		return d, nil
	}
	recordCacheMiss(mode)

	inputMap, err := toMap(input)
	if err != nil {
		recordError("input_conversion", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return fallback, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		recordError("policy_evaluation", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return fallback, nil
	}

	decision := e.applyMode(parseResults(results))
	decision.PolicyVersion = e.version
	recordEvaluationDuration(mode, time.Since(start).Seconds())

	e.logger.Debug("Policy evaluated",
		zap.String("url", input.URL),
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
	)
	e.cache.Set(input, e.config.Environment, mode, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func (e *OPAEngine) applyMode(d *Decision) *Decision {
	if d.AuditTags == nil {
		d.AuditTags = make(map[string]string)
	}
	d.AuditTags["mode"] = string(e.config.Mode)

	if e.config.Mode != ModeDryRun {
		return d
	}
	if d.Allow {
		d.Reason = "DRY-RUN: would have been allowed - " + d.Reason
	} else {
		e.logger.Info("Dry-run policy denial", zap.String("reason", d.Reason))
		d.Reason = "DRY-RUN: would have been denied - " + d.Reason
		d.Allow = true
	}
	return d
}

func toMap(input *SourceInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseResults reads either a {allow, reason} object or a bare boolean.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = v
		if v {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}
