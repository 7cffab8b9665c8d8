package patterns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowforge/agentkernel/llm"
)

// Reflection generates an initial answer, critiques it against a
// quality score, and iteratively improves it until the score meets a
// threshold or iterations are exhausted. Grounded on
// the original reference implementation's reflection pattern module.
type Reflection struct {
	Client           llm.Client
	MaxIterations    int
	QualityThreshold float64
	Model            string
}

// NewReflection builds a Reflection pattern with the original's
// defaults: 3 iterations, quality threshold 0.5.
func NewReflection(client llm.Client) *Reflection {
	return &Reflection{Client: client, MaxIterations: 3, QualityThreshold: 0.5, Model: "claude-sonnet-4-20250514"}
}

// NewReflectionWithConfig clamps qualityThreshold to [0,1], matching
// the original.
func NewReflectionWithConfig(client llm.Client, maxIterations int, qualityThreshold float64) *Reflection {
	if qualityThreshold < 0 {
		qualityThreshold = 0
	}
	if qualityThreshold > 1 {
		qualityThreshold = 1
	}
	return &Reflection{Client: client, MaxIterations: maxIterations, QualityThreshold: qualityThreshold, Model: "claude-sonnet-4-20250514"}
}

func (r *Reflection) Name() string { return "reflection" }

func (r *Reflection) Description() string {
	return "Self-critique and iterative improvement for quality enhancement"
}

func (r *Reflection) ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("input cannot be empty")
	}
	if len(input) > 5_000 {
		return errors.New("input too long (max 5,000 characters)")
	}
	return nil
}

func (r *Reflection) generateInitial(ctx context.Context, query string) (string, error) {
	resp, err := complete(ctx, r.Client, llm.Request{
		Model:       r.Model,
		System:      "You are a helpful assistant. Provide a thorough initial answer.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: query}},
		Temperature: 0.7,
		MaxTokens:   1536,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *Reflection) critique(ctx context.Context, query, answer string) (string, float64, error) {
	system := "You are a critical evaluator. Identify weaknesses, gaps, or areas for improvement in the answer. Then provide a quality score (0.0-1.0)."
	prompt := fmt.Sprintf("Query: %s\n\nAnswer: %s\n\nCritique this answer, then on its own line write 'Quality Score: <0.0-1.0>'.", query, answer)
	resp, err := complete(ctx, r.Client, llm.Request{
		Model:       r.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", 0, err
	}

	score := 0.5
	for _, line := range strings.Split(resp.Content, "\n") {
		if !strings.Contains(strings.ToLower(line), "quality score") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
			score = parsed
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return resp.Content, score, nil
}

func (r *Reflection) improve(ctx context.Context, query, answer, critique string) (string, error) {
	system := "You are an improvement specialist. Given the original answer and critique, generate an improved version that addresses the identified weaknesses."
	prompt := fmt.Sprintf("Query: %s\n\nOriginal Answer: %s\n\nCritique: %s\n\nProvide an improved answer that addresses these critiques:", query, answer, critique)
	resp, err := complete(ctx, r.Client, llm.Request{
		Model:       r.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *Reflection) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	current, err := r.generateInitial(ctx, input)
	if err != nil {
		return PatternResult{}, err
	}

	var steps []ReasoningStep
	steps = append(steps, ReasoningStep{Step: 0, Content: "Initial answer generated: " + current, Confidence: 0.7, Timestamp: now()})

	for iteration := 0; iteration < r.MaxIterations; iteration++ {
		critique, score, err := r.critique(ctx, input, current)
		if err != nil {
			return PatternResult{}, err
		}
		steps = append(steps, ReasoningStep{
			Step:       iteration*2 + 1,
			Content:    fmt.Sprintf("Critique (quality=%.2f): %s", score, critique),
			Confidence: score,
			Timestamp:  now(),
		})

		if score >= r.QualityThreshold {
			break
		}

		improved, err := r.improve(ctx, input, current, critique)
		if err != nil {
			return PatternResult{}, err
		}
		steps = append(steps, ReasoningStep{Step: iteration*2 + 2, Content: "Improved answer: " + improved, Confidence: 0.75, Timestamp: now()})
		current = improved
	}

	return PatternResult{Output: current, ReasoningSteps: steps}, nil
}
