package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/ratecontrol"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

// ErrEmptyResponse is reported when the service answers without text.
var ErrEmptyResponse = errors.New("empty generation response")

// Config points the client at an Ollama-compatible generate endpoint.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LimiterSource returns the pacing limiter for a purpose.
type LimiterSource interface {
	For(purpose string) ratecontrol.Limiter
}

// HTTPClient calls POST {base}/api/generate through a circuit breaker.
type HTTPClient struct {
	cfg      Config
	http     *circuitbreaker.HTTPWrapper
	limiters LimiterSource
	logger   *zap.Logger
}

// NewHTTPClient creates a client. limiters may be nil.
func NewHTTPClient(cfg Config, limiters LimiterSource, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hw := circuitbreaker.NewHTTPWrapper(
		&http.Client{Timeout: cfg.Timeout},
		"llm-service", "generation",
		circuitbreaker.LLMSettings(),
		logger,
	)
	return &HTTPClient{cfg: cfg, http: hw, limiters: limiters, logger: logger.With(zap.String("component", "llm"))}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate implements Generator.
func (c *HTTPClient) Generate(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := c.generate(ctx, req)

	status := "success"
	if resp.Error != nil {
		status = "error"
		c.logger.Warn("Generation failed",
			zap.String("purpose", req.Purpose),
			zap.Error(resp.Error),
		)
	}
	metrics.RecordGenerationMetrics(req.Purpose, status, time.Since(start).Seconds())
	return resp
}

func (c *HTTPClient) generate(ctx context.Context, req Request) Response {
	if c.limiters != nil {
		if err := c.limiters.For(req.Purpose).BeforeCall(ctx); err != nil {
			return Response{Error: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	url := c.cfg.BaseURL + "/api/generate"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: req.Prompt,
		Options: generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return Response{Error: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{Error: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err)
		return Response{Error: fmt.Errorf("generation request: %w", err)}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		err := fmt.Errorf("generation service returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(snippet)))
		tracing.RecordError(span, err)
		return Response{Error: err}
	}

	var out generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return Response{Error: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != "" {
		return Response{Model: out.Model, Error: errors.New(out.Error)}
	}
	if strings.TrimSpace(out.Response) == "" {
		return Response{Model: out.Model, Error: ErrEmptyResponse}
	}
	return Response{Text: out.Response, Model: out.Model}
}

// HealthURL is the endpoint probed by the health checker.
func (c *HTTPClient) HealthURL() string { return c.cfg.BaseURL + "/api/version" }
