package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowforge/agentkernel/llm"
)

// Debate runs a fixed number of agents through several rounds of
// argument, then synthesizes a consensus from every perspective
// raised. Grounded on the original reference implementation's debate pattern module.
type Debate struct {
	Client    llm.Client
	NumAgents int
	MaxRounds int
	Model     string
}

// NewDebate builds a Debate pattern with the original's defaults: 2
// agents, 3 rounds.
func NewDebate(client llm.Client) *Debate {
	return &Debate{Client: client, NumAgents: 2, MaxRounds: 3, Model: "claude-sonnet-4-20250514"}
}

// NewDebateWithConfig clamps numAgents to [2,4], matching the original.
func NewDebateWithConfig(client llm.Client, numAgents, maxRounds int) *Debate {
	if numAgents < 2 {
		numAgents = 2
	}
	if numAgents > 4 {
		numAgents = 4
	}
	return &Debate{Client: client, NumAgents: numAgents, MaxRounds: maxRounds, Model: "claude-sonnet-4-20250514"}
}

func (d *Debate) Name() string { return "debate" }

func (d *Debate) Description() string {
	return "Multi-agent discussion with critique cycles and consensus synthesis"
}

func (d *Debate) ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("input cannot be empty")
	}
	if len(input) > 10_000 {
		return errors.New("input too long (max 10,000 characters)")
	}
	return nil
}

func debatePosition(agentID int) string {
	switch agentID {
	case 0:
		return "affirmative"
	case 1:
		return "negative"
	case 2:
		return "neutral/pragmatic"
	default:
		return "alternative"
	}
}

func (d *Debate) generatePerspective(ctx context.Context, query string, agentID int, previous []string) (string, error) {
	system := fmt.Sprintf("You are Debater %d taking the %s position. Present strong arguments for your stance.", agentID+1, debatePosition(agentID))
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\n\n", query)
	if len(previous) > 0 {
		prompt.WriteString("Previous arguments:\n")
		for _, p := range previous {
			fmt.Fprintf(&prompt, "- %s\n", p)
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString("Present your argument, addressing prior points where relevant.")

	resp, err := complete(ctx, d.Client, llm.Request{
		Model:       d.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt.String()}},
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (d *Debate) synthesizeConsensus(ctx context.Context, query string, arguments []string) (string, error) {
	system := "You are a neutral moderator. Synthesize a balanced consensus from the debate arguments presented, acknowledging valid points on each side."
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\n\nArguments presented:\n", query)
	for i, a := range arguments {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, a)
	}
	prompt.WriteString("\nSynthesize the consensus view:")

	resp, err := complete(ctx, d.Client, llm.Request{
		Model:       d.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt.String()}},
		Temperature: 0.5,
		MaxTokens:   1536,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (d *Debate) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	var steps []ReasoningStep
	var allArguments []string

	for round := 0; round < d.MaxRounds; round++ {
		steps = append(steps, ReasoningStep{
			Step: round * d.NumAgents, Content: fmt.Sprintf("Round %d beginning", round+1), Confidence: 0.9, Timestamp: now(),
		})

		var roundArguments []string
		for agentID := 0; agentID < d.NumAgents; agentID++ {
			perspective, err := d.generatePerspective(ctx, input, agentID, allArguments)
			if err != nil {
				return PatternResult{}, err
			}
			steps = append(steps, ReasoningStep{
				Step:       round*d.NumAgents + agentID + 1,
				Content:    fmt.Sprintf("Debater %d: %s", agentID+1, perspective),
				Confidence: 0.8,
				Timestamp:  now(),
			})
			roundArguments = append(roundArguments, perspective)
		}
		allArguments = append(allArguments, roundArguments...)
	}

	steps = append(steps, ReasoningStep{Step: len(steps), Content: "Synthesizing consensus from all perspectives...", Confidence: 0.85, Timestamp: now()})

	consensus, err := d.synthesizeConsensus(ctx, input, allArguments)
	if err != nil {
		return PatternResult{}, err
	}

	return PatternResult{Output: consensus, ReasoningSteps: steps}, nil
}
