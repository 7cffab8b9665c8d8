package toolloop

import (
	"context"
	"strings"
	"testing"

	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/eventlog/memstore"
	"github.com/flowforge/agentkernel/llm"
	"github.com/flowforge/agentkernel/toolregistry"
)

// scriptedClient returns one canned response per Complete call, in order.
type scriptedClient struct {
	responses []llm.Response
	calls     int
}

func (s *scriptedClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func newStore(t *testing.T, workflowID string) eventlog.Store {
	t.Helper()
	store := memstore.New(10)
	err := store.CreateWorkflow(context.Background(), eventlog.Workflow{
		WorkflowID:   workflowID,
		WorkflowType: "test",
		Status:       eventlog.StatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestRunTerminatesWithoutToolCalls(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Content: "just an answer, no tools needed"}}}
	store := newStore(t, "wf1")
	orch := New(client, toolregistry.New(), store)

	output, err := orch.Run(context.Background(), "wf1", []Message{{Role: RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if output != "just an answer, no tools needed" {
		t.Fatalf("unexpected output: %q", output)
	}

	events, err := store.Replay(context.Background(), "wf1")
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Kind != eventlog.EventDone {
		t.Fatalf("expected final event Done, got %s", last.Kind)
	}
}

func TestRunDispatchesToolAndContinues(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Content: "Tool Call: search({\"query\":\"pizza\"})"},
		{Content: "final answer after tool use"},
	}}
	registry := toolregistry.New()
	var dispatchedArgs string
	err := registry.Register(toolregistry.ToolCapability{Name: "search"}, func(_ context.Context, argsJSON []byte) (any, bool, error) {
		dispatchedArgs = string(argsJSON)
		return "search results", true, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	store := newStore(t, "wf2")
	orch := New(client, registry, store)

	output, err := orch.Run(context.Background(), "wf2", []Message{{Role: RoleUser, Content: "find pizza"}})
	if err != nil {
		t.Fatal(err)
	}
	if output != "final answer after tool use" {
		t.Fatalf("unexpected output: %q", output)
	}
	if dispatchedArgs != `{"query":"pizza"}` {
		t.Fatalf("unexpected dispatched args: %q", dispatchedArgs)
	}

	events, err := store.Replay(context.Background(), "wf2")
	if err != nil {
		t.Fatal(err)
	}
	var sawToolResult bool
	for _, e := range events {
		if e.Kind == eventlog.EventToolResult {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatal("expected a ToolResult event to have been appended")
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Content: "Tool Call: loop({})"}}}
	registry := toolregistry.New()
	err := registry.Register(toolregistry.ToolCapability{Name: "loop"}, func(_ context.Context, _ []byte) (any, bool, error) {
		return "again", true, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	store := newStore(t, "wf3")
	orch := New(client, registry, store)
	orch.MaxIterations = 2

	_, err = orch.Run(context.Background(), "wf3", []Message{{Role: RoleUser, Content: "loop forever"}})
	if err == nil {
		t.Fatal("expected an error once the iteration cap is reached")
	}
	if !strings.Contains(err.Error(), "Maximum tool iterations") {
		t.Fatalf("expected error to mention Maximum tool iterations, got %q", err.Error())
	}

	events, err := store.Replay(context.Background(), "wf3")
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Kind != eventlog.EventDone {
		t.Fatalf("expected terminal Done event, got %s", last.Kind)
	}
}

func TestParseToolCallsExtractsMultiple(t *testing.T) {
	content := "Tool Call: search({\"q\":\"a\"})\nsome reasoning\nTool Call: calculator({\"expr\":\"1+1\"})"
	calls := parseToolCalls(content)
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].Name != "search" || calls[1].Name != "calculator" {
		t.Fatalf("unexpected call names: %+v", calls)
	}
}

func TestParseToolCallsDefaultsEmptyArguments(t *testing.T) {
	calls := parseToolCalls("Tool Call: ping()")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments != "{}" {
		t.Fatalf("expected default empty-object arguments, got %q", calls[0].Arguments)
	}
}

func TestAssignIDsIsDeterministic(t *testing.T) {
	calls := []ToolCall{{Name: "search"}, {Name: "search"}}
	assigned := assignIDs("wf", 0, calls)
	if assigned[0].ID == assigned[1].ID {
		t.Fatal("expected distinct IDs for distinct call indices")
	}
	again := assignIDs("wf", 0, []ToolCall{{Name: "search"}, {Name: "search"}})
	if assigned[0].ID != again[0].ID {
		t.Fatal("expected deterministic ID generation across runs with the same inputs")
	}
}
