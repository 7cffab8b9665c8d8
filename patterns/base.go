// Package patterns implements the cognitive pattern registry (spec.md
// §4.7): registration, lookup, and retrying/timeout-bounded execution of
// the six reasoning patterns (chain of thought, tree of thoughts,
// research, ReAct, debate, reflection), grounded on
// the original reference implementation's pattern registry module and its sibling pattern
// files.
package patterns

import (
	"context"
	"time"
)

// ReasoningStep is a single recorded step of a pattern's execution
// trace, surfaced to callers for observability and debugging.
type ReasoningStep struct {
	Step       int
	Content    string
	Confidence float64
	Timestamp  time.Time
}

// Source is a cited reference collected during pattern execution (used
// by Research; empty for patterns that do not cite sources).
type Source struct {
	URL       string
	Title     string
	Excerpt   string
	Relevance float64
}

// TokenUsage tracks LLM token consumption accumulated over a pattern's
// execution.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// PatternResult is the outcome of executing a cognitive pattern.
type PatternResult struct {
	Output         string
	ReasoningSteps []ReasoningStep
	Sources        []Source
	TokenUsage     *TokenUsage
}

// PatternContext carries per-invocation parameters for a pattern
// execution: identity of the workflow/user/session driving it, and
// execution bounds (max iterations, timeout).
type PatternContext struct {
	WorkflowID     string
	UserID         string
	SessionID      string
	MaxIterations  int
	TimeoutSeconds int
}

// NewPatternContext builds a PatternContext with the original's
// defaults: 5 max iterations, 300 second timeout. sessionID may be
// empty.
func NewPatternContext(workflowID, userID, sessionID string) PatternContext {
	return PatternContext{
		WorkflowID:     workflowID,
		UserID:         userID,
		SessionID:      sessionID,
		MaxIterations:  5,
		TimeoutSeconds: 300,
	}
}

// WithMaxIterations returns a copy of ctx with MaxIterations set.
func (c PatternContext) WithMaxIterations(n int) PatternContext {
	c.MaxIterations = n
	return c
}

// WithTimeout returns a copy of ctx with TimeoutSeconds set.
func (c PatternContext) WithTimeout(secs int) PatternContext {
	c.TimeoutSeconds = secs
	return c
}

// CognitivePattern is a reasoning strategy that turns a textual input
// into a PatternResult, optionally calling out to an LLM any number of
// times along the way.
type CognitivePattern interface {
	Name() string
	Description() string
	ValidateInput(input string) error
	Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error)
}
