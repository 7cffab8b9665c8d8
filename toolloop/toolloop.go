// Package toolloop implements the Tool-Loop Orchestrator (spec.md §4.8):
// it drives a single conversation-plus-tools session, alternating LLM
// completions with tool dispatch through the Tool Registry until the
// model stops requesting tools or the iteration cap is reached.
//
// The teacher's own tool-call batching (runtime/agent/runtime/tool_calls.go,
// workflow_loop.go) is built directly on its durable-workflow engine's
// Future/ChildWorkflowHandle primitives and a streaming multi-part LLM
// client; this module has neither, by the deliberate simplification
// documented for the llm package. What is kept from the teacher is the
// control-flow shape: calls are collected into an ordered batch, given
// deterministic IDs when the model omits one (normalizeToolCall /
// generateDeterministicToolCallID), dispatched, and merged back in
// original call order. Because llm.Client.Complete returns one full
// response rather than a chunk stream, each iteration here fabricates the
// normalized event sequence a true streaming driver would have produced —
// a single MessageDelta carrying the full content, immediately followed
// by MessageComplete — rather than genuinely incremental chunks.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/kerrors"
	"github.com/flowforge/agentkernel/llm"
	"github.com/flowforge/agentkernel/toolregistry"
)

// DefaultMaxIterations is MAX_TOOL_ITERATIONS's default (spec.md §4.8).
const DefaultMaxIterations = 10

// Role mirrors llm.Role plus a Tool role for tool-result messages, which
// the bare llm.Message shape has no slot for.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one complete tool invocation assembled from (possibly
// streamed) deltas.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// Message is one turn in the loop's running transcript. ToolCalls is set
// only on assistant messages that requested tools; ToolCallID/Name are set
// only on tool-result messages.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Orchestrator drives one tool-loop run.
type Orchestrator struct {
	Client        llm.Client
	Tools         *toolregistry.Registry
	EventLog      eventlog.Store
	Model         string
	System        string
	MaxIterations int

	// Checkpoint, when set, is called at the top of every iteration — the
	// loop's natural suspension point (spec.md §5 lists tool invocations
	// and LLM calls as suspension points). It lets a caller like the
	// Workflow Engine gate a paused run or observe a cancellation between
	// iterations without the orchestrator knowing anything about pause
	// state itself. A returned error aborts the run with that error.
	Checkpoint func(ctx context.Context) error
}

// New builds an Orchestrator with the spec's default iteration cap.
func New(client llm.Client, tools *toolregistry.Registry, log eventlog.Store) *Orchestrator {
	return &Orchestrator{Client: client, Tools: tools, EventLog: log, MaxIterations: DefaultMaxIterations}
}

func (o *Orchestrator) maxIterations() int {
	if o.MaxIterations > 0 {
		return o.MaxIterations
	}
	return DefaultMaxIterations
}

// Run drives the loop for workflowID starting from an initial transcript,
// appending every normalized event to the event log as it goes, and
// returns the final assistant content once no further tool calls are
// requested.
func (o *Orchestrator) Run(ctx context.Context, workflowID string, initial []Message) (string, error) {
	history := append([]Message(nil), initial...)

	for iteration := 0; iteration < o.maxIterations(); iteration++ {
		if o.Checkpoint != nil {
			if err := o.Checkpoint(ctx); err != nil {
				_ = o.append(ctx, workflowID, eventlog.EventError, errorPayload(err.Error()))
				_ = o.append(ctx, workflowID, eventlog.EventDone, donePayload("cancelled"))
				return "", err
			}
		}

		if err := o.append(ctx, workflowID, eventlog.EventLlmPrompt, nil); err != nil {
			return "", err
		}

		resp, err := o.Client.Complete(ctx, llm.Request{
			Model:    o.Model,
			System:   o.System,
			Messages: toLLMMessages(history),
		})
		if err != nil {
			_ = o.append(ctx, workflowID, eventlog.EventError, errorPayload(err.Error()))
			_ = o.append(ctx, workflowID, eventlog.EventDone, donePayload("error"))
			return "", err
		}

		if err := o.append(ctx, workflowID, eventlog.EventMessageDelta, messagePayload(resp.Content, string(RoleAssistant))); err != nil {
			return "", err
		}
		if err := o.append(ctx, workflowID, eventlog.EventMessageComplete, messageCompletePayload(resp.Content, string(RoleAssistant), resp.StopReason)); err != nil {
			return "", err
		}
		if err := o.append(ctx, workflowID, eventlog.EventUsage, usagePayload(resp.Usage)); err != nil {
			return "", err
		}

		calls := assignIDs(workflowID, iteration, parseToolCalls(resp.Content))
		if len(calls) == 0 {
			if err := o.append(ctx, workflowID, eventlog.EventDone, donePayload("completed")); err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		for i, call := range calls {
			if err := o.append(ctx, workflowID, eventlog.EventToolCallDelta, toolCallDeltaPayload(i, call)); err != nil {
				return "", err
			}
		}
		for _, call := range calls {
			if err := o.append(ctx, workflowID, eventlog.EventToolCallComplete, toolCallCompletePayload(call)); err != nil {
				return "", err
			}
		}

		history = append(history, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			result, success, dispatchErr := o.dispatch(ctx, call)
			if err := o.append(ctx, workflowID, eventlog.EventToolResult, toolResultPayload(call, result, success)); err != nil {
				return "", err
			}
			content := result
			if dispatchErr != nil {
				content = dispatchErr.Error()
			}
			history = append(history, Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name})
		}
	}

	maxIterationsMsg := fmt.Sprintf("Maximum tool iterations (%d) exceeded", o.maxIterations())
	_ = o.append(ctx, workflowID, eventlog.EventError, errorPayload(maxIterationsMsg))
	_ = o.append(ctx, workflowID, eventlog.EventDone, donePayload("max_iterations"))
	return "", kerrors.New(kerrors.Rejected, maxIterationsMsg)
}

// dispatch invokes call through the Tool Registry, serializing its
// arguments for the handler and its result back to a string for the
// ensuing tool-result message.
func (o *Orchestrator) dispatch(ctx context.Context, call ToolCall) (string, bool, error) {
	if o.Tools == nil {
		return "", false, kerrors.New(kerrors.Internal, "tool loop has no tool registry configured")
	}
	result, success, err := o.Tools.Dispatch(ctx, call.Name, []byte(call.Arguments))
	if err != nil {
		return "", false, err
	}
	serialized, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return fmt.Sprintf("%v", result), success, nil
	}
	return string(serialized), success, nil
}

func (o *Orchestrator) append(ctx context.Context, workflowID string, kind eventlog.EventKind, payload any) error {
	if o.EventLog == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	_, err = o.EventLog.Append(ctx, workflowID, kind, raw)
	return err
}

func toLLMMessages(history []Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		content := m.Content
		if m.Role == RoleTool {
			// The bare llm.Message has no tool-result slot; fold the
			// originating tool name into the content the same way a
			// flattened transcript would render it.
			content = fmt.Sprintf("[tool result from %s (%s)]: %s", m.Name, m.ToolCallID, m.Content)
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}
	return msgs
}

// assignIDs fills in a deterministic ID for any call the model left
// unidentified, grounded on the teacher's
// generateDeterministicToolCallID: <workflow>/<iteration>/<tool>/<index>.
func assignIDs(workflowID string, iteration int, calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID != "" {
			continue
		}
		calls[i].ID = deterministicToolCallID(workflowID, iteration, calls[i].Name, i)
	}
	return calls
}

func deterministicToolCallID(workflowID string, iteration int, toolName string, index int) string {
	if workflowID == "" {
		workflowID = "unknown"
	}
	if toolName == "" {
		toolName = "tool"
	}
	return workflowID + "/" + strconv.Itoa(iteration) + "/" + toolName + "/" + strconv.Itoa(index)
}
