// Package llm defines a provider-agnostic interface for completing chat
// prompts, used by the cognitive patterns to call out to a language model
// without depending on a particular vendor SDK. It is a deliberately
// narrower cut of the teacher's runtime/agent/model package (no
// multi-part messages, citations, streaming, or thinking blocks): every
// cognitive pattern that calls an LLM only ever sends a flat system
// prompt plus a list of role/text turns and reads back a single text
// completion and a token count, so the richer shape would be unused
// surface. See DESIGN.md for the full justification.
package llm

import (
	"context"
	"errors"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role
	Content string
}

// ModelClass selects a model tier when Request.Model is left empty,
// letting callers ask for "the high-reasoning model" or "the cheap
// model" without naming a provider-specific identifier.
type ModelClass string

const (
	ModelClassDefault       ModelClass = ""
	ModelClassHighReasoning ModelClass = "high_reasoning"
	ModelClassSmall         ModelClass = "small"
)

// Request captures a single completion call.
type Request struct {
	// Model is a provider-specific model identifier. Takes precedence
	// over ModelClass when set.
	Model string
	// ModelClass selects a tier when Model is empty.
	ModelClass ModelClass
	// System is the system prompt, if any.
	System string
	// Messages is the ordered conversation, oldest first.
	Messages []Message
	// Temperature controls sampling, when supported.
	Temperature float64
	// MaxTokens caps the number of output tokens.
	MaxTokens int
}

// Usage reports token consumption for a completion call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the result of a completion call.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string
}

// ErrRateLimited is returned (often wrapped) by adapters when the
// provider rejects a request for exceeding its own rate limit, so
// callers can distinguish it from other downstream failures.
var ErrRateLimited = errors.New("llm: rate limited by provider")

// Client completes chat prompts against a single configured provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
