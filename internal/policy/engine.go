// Package policy evaluates the Rego policy that gates automatic retries.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	DecisionRetry = "retry"
	DecisionSkip  = "skip"
)

// Input is the document evaluated by the retry policy.
type Input struct {
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	SessionID   string `json:"session_id"`
	StreamError string `json:"stream_error"`
	ErrorCode   string `json:"error_code"`
	IsStreaming bool   `json:"is_streaming"`
	InFlight    bool   `json:"in_flight"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.retry_policy.decision"),
		rego.Module("retry_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy at path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read retry policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the policy decision (retry or skip) for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy is expected to define a default.
		return DecisionSkip, nil
	}

	val := results[0].Expressions[0].Value
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("unexpected policy result type %T", val)
	}
	return s, nil
}

// AllowRetry reports whether the policy permits a retry.
func (e *Engine) AllowRetry(ctx context.Context, input Input) (bool, error) {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return false, err
	}
	return decision == DecisionRetry, nil
}

// DefaultPolicy mirrors the built-in retry gates.
const DefaultPolicy = `
package retry_policy

default decision = "skip"

decision = "retry" {
	input.stream_error != ""
	not input.is_streaming
	not input.in_flight
	input.session_id != ""
	input.attempts < input.max_attempts
}
`
