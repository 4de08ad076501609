// Package llm is the text-generation capability used by the planner,
// executor, validator and assembler.
package llm

import "context"

// Purposes label calls for rate limiting and metrics.
const (
	PurposePlanner   = "planner"
	PurposeExecutor  = "executor"
	PurposeValidator = "validator"
	PurposeGenerator = "generator"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	Purpose     string
	Temperature float64
	MaxTokens   int
}

// Response carries the generated text. Failures are reported in Error,
// never as a separate return value.
type Response struct {
	Text  string
	Model string
	Error error
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) Response
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) Response

func (f GeneratorFunc) Generate(ctx context.Context, req Request) Response { return f(ctx, req) }
