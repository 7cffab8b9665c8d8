package patterns

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/flowforge/agentkernel/llm"
)

// ChainOfThought is an iterative reasoning pattern: at each step it
// asks the model to continue reasoning, accumulating explicit
// reasoning steps until a final answer marker appears or iterations
// are exhausted. Grounded on
// the original reference implementation's chain-of-thought pattern module.
type ChainOfThought struct {
	Client        llm.Client
	MaxIterations int
	Model         string
	Temperature   float64
}

// NewChainOfThought builds a ChainOfThought pattern with the original's
// defaults: 5 iterations, claude-sonnet-4-20250514, temperature 0.7.
func NewChainOfThought(client llm.Client) *ChainOfThought {
	return &ChainOfThought{
		Client:        client,
		MaxIterations: 5,
		Model:         "claude-sonnet-4-20250514",
		Temperature:   0.7,
	}
}

// WithMaxIterations returns a copy of c with MaxIterations set.
func (c ChainOfThought) WithMaxIterations(n int) *ChainOfThought {
	c.MaxIterations = n
	return &c
}

func (c *ChainOfThought) Name() string { return "chain_of_thought" }

func (c *ChainOfThought) Description() string {
	return "Step-by-step reasoning with explicit thought articulation"
}

func (c *ChainOfThought) ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("input cannot be empty")
	}
	if len(input) > 10_000 {
		return errors.New("input too long (max 10,000 characters)")
	}
	return nil
}

// parseReasoningSteps extracts lines that look like explicit reasoning
// markup ("Step ...", "Thought ...", or a "- " bullet).
func parseReasoningSteps(content string) []string {
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Step") || strings.HasPrefix(trimmed, "Thought") || strings.HasPrefix(trimmed, "-") {
			steps = append(steps, trimmed)
		}
	}
	return steps
}

// hasFinalAnswer reports whether content contains one of the markers
// the pattern treats as signaling a conclusive answer.
func hasFinalAnswer(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "final answer") || strings.Contains(lower, "therefore") || strings.Contains(lower, "in conclusion")
}

// extractFinalAnswer pulls the text following whichever marker
// hasFinalAnswer matched, preferring the most explicit one.
func extractFinalAnswer(content string) string {
	for _, marker := range []string{"Final Answer:", "final answer:", "Therefore,", "therefore,", "In conclusion,", "in conclusion,"} {
		if idx := strings.Index(content, marker); idx >= 0 {
			return strings.TrimSpace(content[idx+len(marker):])
		}
	}
	return strings.TrimSpace(content)
}

func (c *ChainOfThought) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	systemPrompt := "You are a careful reasoner. Think step by step, labeling each step ('Step N: ...'). " +
		"You have at most " + strconv.Itoa(c.MaxIterations) + " reasoning turns. " +
		"When you reach a conclusion, state it clearly prefixed with 'Final Answer:'."

	var history []llm.Message
	var steps []ReasoningStep
	usage := &TokenUsage{}
	var lastContent string

	for iteration := 0; iteration < c.MaxIterations; iteration++ {
		var userMsg string
		if iteration == 0 {
			userMsg = "Question: " + input
		} else {
			userMsg = "Continue reasoning, or provide your Final Answer if ready."
		}
		history = append(history, llm.Message{Role: llm.RoleUser, Content: userMsg})

		resp, err := complete(ctx, c.Client, llm.Request{
			Model:       c.Model,
			System:      systemPrompt,
			Messages:    history,
			Temperature: c.Temperature,
			MaxTokens:   1024,
		})
		if err != nil {
			return PatternResult{}, err
		}
		addUsage(usage, resp.Usage)
		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		lastContent = resp.Content

		for _, s := range parseReasoningSteps(resp.Content) {
			steps = append(steps, ReasoningStep{Step: len(steps), Content: s, Confidence: 0.8, Timestamp: now()})
		}

		if hasFinalAnswer(resp.Content) {
			return PatternResult{
				Output:         extractFinalAnswer(resp.Content),
				ReasoningSteps: steps,
				TokenUsage:     usage,
			}, nil
		}
	}

	return PatternResult{
		Output:         lastContent,
		ReasoningSteps: steps,
		TokenUsage:     usage,
	}, nil
}

func now() time.Time { return time.Now() }
