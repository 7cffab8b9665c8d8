package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flowforge/agentkernel/llm"
	"github.com/flowforge/agentkernel/toolregistry"
)

// ReAct alternates reasoning, tool invocation, and observation until a
// final answer is produced or iterations are exhausted. Grounded on
// the original reference implementation's ReAct pattern module.
type ReAct struct {
	Client        llm.Client
	MaxIterations int
	Model         string
	// ToolExecutor runs a named tool with a raw parameter string and
	// returns its textual observation. Takes priority over Tools when
	// both are set. When neither is set, a mock executor that mirrors
	// the original's placeholder behavior is used.
	ToolExecutor func(ctx context.Context, tool, params string) (string, error)
	// Tools, when set and ToolExecutor is nil, routes tool dispatch
	// through the Tool Registry (and, for WASM-backed tools, the
	// Sandbox) via RegistryToolExecutor instead of the placeholder.
	Tools *toolregistry.Registry
}

// NewReAct builds a ReAct pattern with the original's defaults: 5
// iterations, claude-sonnet-4-20250514.
func NewReAct(client llm.Client) *ReAct {
	return &ReAct{Client: client, MaxIterations: 5, Model: "claude-sonnet-4-20250514"}
}

func (r ReAct) WithMaxIterations(n int) *ReAct {
	r.MaxIterations = n
	return &r
}

func (r *ReAct) Name() string { return "react" }

func (r *ReAct) Description() string {
	return "Reason-Act-Observe loop for multi-step tool usage with feedback"
}

func (r *ReAct) ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("input cannot be empty")
	}
	if len(input) > 5_000 {
		return errors.New("input too long (max 5,000 characters)")
	}
	return nil
}

func reactHasFinalAnswer(content string) bool {
	upper := strings.ToUpper(content)
	lower := strings.ToLower(content)
	return strings.Contains(upper, "FINAL ANSWER:") || strings.Contains(lower, "task complete") || strings.Contains(lower, "answer:")
}

// parseToolCall scans content for an "action:" or "tool:" prefixed
// line and extracts the tool name (everything before the first '(' or
// space) plus the remainder of the line.
func parseToolCall(content string) (tool, rest string, ok bool) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		var prefix string
		switch {
		case strings.HasPrefix(lower, "action:"):
			prefix = "action:"
		case strings.HasPrefix(lower, "tool:"):
			prefix = "tool:"
		default:
			continue
		}
		remainder := strings.TrimSpace(trimmed[len(prefix):])
		name := strings.FieldsFunc(remainder, func(c rune) bool { return c == '(' || c == ' ' })
		if len(name) == 0 || name[0] == "" {
			continue
		}
		return name[0], remainder, true
	}
	return "", "", false
}

func defaultToolExecutor(_ context.Context, tool, params string) (string, error) {
	switch tool {
	case "web_search":
		return fmt.Sprintf("Search results for: %s", params), nil
	case "calculator":
		return "42", nil
	default:
		return fmt.Sprintf("Tool %s executed successfully", tool), nil
	}
}

// RegistryToolExecutor adapts a toolregistry.Registry into ReAct's raw
// (tool, params string) executor shape. params is carried as the
// registry call's free-text "input" argument, and sessionID (the
// pattern invocation's PatternContext.SessionID) identifies which
// session workspace a WASM-backed tool like calculator should resolve
// against. A dispatch error is returned as-is; a tool-level failure
// (success == false) is rendered as a textual observation rather than
// an error, so the pattern's reasoning loop can react to it.
func RegistryToolExecutor(registry *toolregistry.Registry, sessionID string) func(ctx context.Context, tool, params string) (string, error) {
	return func(ctx context.Context, tool, params string) (string, error) {
		argsJSON, err := json.Marshal(struct {
			Input     string `json:"input"`
			SessionID string `json:"session_id"`
		}{Input: params, SessionID: sessionID})
		if err != nil {
			return "", err
		}

		result, success, err := registry.Dispatch(ctx, tool, argsJSON)
		if err != nil {
			return "", err
		}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			return "", err
		}
		if !success {
			return fmt.Sprintf("tool %s reported failure: %s", tool, resultJSON), nil
		}
		return string(resultJSON), nil
	}
}

func (r *ReAct) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	exec := r.ToolExecutor
	if exec == nil && r.Tools != nil {
		exec = RegistryToolExecutor(r.Tools, pctx.SessionID)
	}
	if exec == nil {
		exec = defaultToolExecutor
	}

	systemPrompt := "You are an autonomous agent using the ReAct framework. For each step:\n" +
		"1. Reason: Think about what needs to be done\n" +
		"2. Act: Specify a tool to use (format: 'Action: tool_name(params)')\n" +
		"3. Observe: Analyze the tool result\n\n" +
		"Continue until you have a final answer, then respond with 'FINAL ANSWER: <answer>'.\n\n" +
		"Available tools: web_search, calculator"

	var history []llm.Message
	var steps []ReasoningStep
	var finalAnswer string
	hasFinal := false

	for iteration := 0; iteration < r.MaxIterations; iteration++ {
		var userMsg string
		if iteration == 0 {
			userMsg = fmt.Sprintf("Task: %s\n\nLet's solve this step by step using the ReAct framework.", input)
		} else {
			userMsg = "Continue with the next step or provide FINAL ANSWER if complete."
		}
		history = append(history, llm.Message{Role: llm.RoleUser, Content: userMsg})

		resp, err := complete(ctx, r.Client, llm.Request{
			Model:       r.Model,
			System:      systemPrompt,
			Messages:    history,
			Temperature: 0.7,
			MaxTokens:   1024,
		})
		if err != nil {
			return PatternResult{}, err
		}
		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		steps = append(steps, ReasoningStep{Step: len(steps), Content: "Reason: " + resp.Content, Confidence: 0.8, Timestamp: now()})

		if reactHasFinalAnswer(resp.Content) {
			finalAnswer = extractReactAnswer(resp.Content)
			hasFinal = true
			break
		}

		if tool, params, ok := parseToolCall(resp.Content); ok {
			steps = append(steps, ReasoningStep{Step: len(steps), Content: fmt.Sprintf("Action: %s(%s)", tool, params), Confidence: 0.9, Timestamp: now()})

			observation, err := exec(ctx, tool, params)
			if err != nil {
				return PatternResult{}, err
			}
			steps = append(steps, ReasoningStep{Step: len(steps), Content: "Observation: " + observation, Confidence: 0.9, Timestamp: now()})
			history = append(history, llm.Message{Role: llm.RoleUser, Content: "Observation: " + observation})
		}
	}

	output := finalAnswer
	if !hasFinal {
		output = "Max iterations reached without final answer"
	}

	return PatternResult{Output: output, ReasoningSteps: steps, Sources: nil}, nil
}

func extractReactAnswer(content string) string {
	for _, marker := range []string{"FINAL ANSWER:", "Answer:"} {
		if idx := strings.Index(content, marker); idx >= 0 {
			return strings.TrimSpace(content[idx+len(marker):])
		}
	}
	return strings.TrimSpace(content)
}
