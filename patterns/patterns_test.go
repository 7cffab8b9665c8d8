package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/flowforge/agentkernel/llm"
	"github.com/flowforge/agentkernel/toolregistry"
)

// scriptedClient returns one canned response per Complete call, in
// order, cycling the last one if exhausted.
type scriptedClient struct {
	responses []llm.Response
	calls     int
	err       error
}

func (s *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if s.err != nil {
		return llm.Response{}, s.err
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func TestChainOfThoughtStopsOnFinalAnswer(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "Step 1: consider the problem.\nTherefore, Final Answer: 42"},
	}}
	cot := NewChainOfThought(client)
	result, err := cot.Execute(context.Background(), NewPatternContext("wf", "user", ""), "what is the answer?")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "42" {
		t.Fatalf("expected extracted final answer, got %q", result.Output)
	}
	if len(result.ReasoningSteps) == 0 {
		t.Fatal("expected at least one reasoning step")
	}
}

func TestChainOfThoughtFallsBackAfterMaxIterations(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Content: "still thinking"}}}
	cot := NewChainOfThought(client).WithMaxIterations(2)
	result, err := cot.Execute(context.Background(), NewPatternContext("wf", "user", ""), "hard question")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "still thinking" {
		t.Fatalf("expected fallback to last response, got %q", result.Output)
	}
}

func TestChainOfThoughtValidatesInput(t *testing.T) {
	cot := NewChainOfThought(&scriptedClient{})
	if err := cot.ValidateInput("  "); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestReActExecutesToolCall(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "Action: web_search(best pizza)"},
		{Content: "FINAL ANSWER: pizza place X"},
	}}
	var executed string
	react := NewReAct(client)
	react.ToolExecutor = func(ctx context.Context, tool, params string) (string, error) {
		executed = tool
		return "mock result", nil
	}
	result, err := react.Execute(context.Background(), NewPatternContext("wf", "user", ""), "find pizza")
	if err != nil {
		t.Fatal(err)
	}
	if executed != "web_search" {
		t.Fatalf("expected web_search tool executed, got %q", executed)
	}
	if result.Output != "pizza place X" {
		t.Fatalf("expected final answer extracted, got %q", result.Output)
	}
}

func TestReActDispatchesThroughToolRegistryWhenToolExecutorUnset(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "Action: echo(hello)"},
		{Content: "FINAL ANSWER: done"},
	}}

	registry := toolregistry.New()
	var gotSessionID string
	if err := registry.Register(toolregistry.ToolCapability{Name: "echo"}, func(_ context.Context, argsJSON []byte) (any, bool, error) {
		var args struct {
			Input     string `json:"input"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return nil, false, err
		}
		gotSessionID = args.SessionID
		return args.Input, true, nil
	}); err != nil {
		t.Fatal(err)
	}

	react := NewReAct(client)
	react.Tools = registry
	result, err := react.Execute(context.Background(), NewPatternContext("wf", "user", "sess-42"), "say hello")
	if err != nil {
		t.Fatal(err)
	}
	if gotSessionID != "sess-42" {
		t.Fatalf("expected the registry handler to see session ID sess-42, got %q", gotSessionID)
	}
	if result.Output != "done" {
		t.Fatalf("expected final answer extracted, got %q", result.Output)
	}
}

func TestParseToolCallExtractsName(t *testing.T) {
	tool, rest, ok := parseToolCall("Some text\nAction: calculator(2+2)\nmore text")
	if !ok {
		t.Fatal("expected a tool call to be found")
	}
	if tool != "calculator" {
		t.Fatalf("expected tool 'calculator', got %q", tool)
	}
	if rest == "" {
		t.Fatal("expected a non-empty remainder")
	}
}

func TestTreeOfThoughtsFollowsBestPath(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "1. approach A\n2. approach B"},
		{Content: "0.9"},
	}}
	tot := NewTreeOfThoughts(client)
	tot.MaxDepth = 1
	result, err := tot.Execute(context.Background(), NewPatternContext("wf", "user", ""), "plan a trip")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output == "" {
		t.Fatal("expected non-empty output")
	}
}

func TestResearchDeduplicatesSources(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "1. sub-question A\n2. sub-question B"},
		{Content: "synthesized answer"},
	}}
	r := NewResearch(client)
	r.SourceSearch = func(ctx context.Context, question string, limit int) ([]Source, error) {
		return []Source{{URL: "https://dup.example/1"}, {URL: "https://dup.example/1"}}, nil
	}
	result, err := r.Execute(context.Background(), NewPatternContext("wf", "user", ""), "research this")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Sources) != 1 {
		t.Fatalf("expected the one shared URL to collapse to 1 unique source across 2 sub-questions, got %d", len(result.Sources))
	}
}

func TestDebateRunsAllAgentsAndRounds(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Content: "argument"}, {Content: "consensus"}}}
	d := NewDebateWithConfig(client, 2, 1)
	result, err := d.Execute(context.Background(), NewPatternContext("wf", "user", ""), "topic")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output == "" {
		t.Fatal("expected non-empty consensus output")
	}
	if client.calls != 3 {
		t.Fatalf("expected 2 agent turns plus 1 synthesis call, got %d calls", client.calls)
	}
}

func TestDebateClampsAgentCount(t *testing.T) {
	d := NewDebateWithConfig(&scriptedClient{}, 10, 2)
	if d.NumAgents != 4 {
		t.Fatalf("expected agent count clamped to 4, got %d", d.NumAgents)
	}
}

func TestReflectionStopsWhenQualityMet(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "initial answer"},
		{Content: "looks solid\nQuality Score: 0.9"},
	}}
	r := NewReflection(client)
	result, err := r.Execute(context.Background(), NewPatternContext("wf", "user", ""), "write something")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "initial answer" {
		t.Fatalf("expected to keep initial answer once quality met, got %q", result.Output)
	}
}

func TestReflectionClampsQualityThreshold(t *testing.T) {
	r := NewReflectionWithConfig(&scriptedClient{}, 3, 5.0)
	if r.QualityThreshold != 1.0 {
		t.Fatalf("expected threshold clamped to 1.0, got %v", r.QualityThreshold)
	}
}

func TestRegistryExecuteRejectsUnknownPattern(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), "nope", NewPatternContext("wf", "u", ""), "input")
	if err == nil {
		t.Fatal("expected error for unregistered pattern")
	}
}

type failingPattern struct {
	calls int
	err   error
}

func (f *failingPattern) Name() string               { return "failing" }
func (f *failingPattern) Description() string        { return "" }
func (f *failingPattern) ValidateInput(string) error { return nil }
func (f *failingPattern) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	f.calls++
	return PatternResult{}, f.err
}

func TestRegistryRetriesOnTransientError(t *testing.T) {
	reg := NewRegistry()
	p := &failingPattern{err: errors.New("network timeout")}
	reg.Register(p)
	_, err := reg.Execute(context.Background(), "failing", NewPatternContext("wf", "u", "").WithTimeout(5), "in")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if p.calls != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, p.calls)
	}
}

func TestRegistryDoesNotRetryPermanentError(t *testing.T) {
	reg := NewRegistry()
	p := &failingPattern{err: errors.New("invalid credentials")}
	reg.Register(p)
	_, err := reg.Execute(context.Background(), "failing", NewPatternContext("wf", "u", "").WithTimeout(5), "in")
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", p.calls)
	}
}

func TestRegistryListAndHasPattern(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewChainOfThought(&scriptedClient{}))
	if !reg.HasPattern("chain_of_thought") {
		t.Fatal("expected chain_of_thought to be registered")
	}
	names := reg.ListPatterns()
	if len(names) != 1 || names[0] != "chain_of_thought" {
		t.Fatalf("unexpected pattern list: %v", names)
	}
}
