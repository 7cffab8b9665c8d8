// Package replay implements the Replay & Debugger (spec.md §4.10): it
// consumes an engine.Envelope export, derives a point-in-time Snapshot by
// folding over the ordered event history, and drives three replay modes
// (Full, StepThrough, Breakpoint) plus a determinism check that verifies a
// workflow's latest checkpoint, re-executes the workflow from its original
// input, and compares outcomes; it does not resume from the checkpoint's
// state.
//
// The snapshot projection is grounded on the teacher's newRunSnapshot
// (runtime/runtime/run_snapshot.go): a single ordered fold over events with
// a type switch per kind, decoding each payload into a small local struct
// and updating running state — generalized here from the teacher's
// agent-run event taxonomy to this module's normalized EventKind set.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/flowforge/agentkernel/engine"
	"github.com/flowforge/agentkernel/eventlog"
)

// Snapshot is a derived, human-inspectable view of a workflow computed by
// folding over its event history. It is never stored directly; callers
// recompute it from the canonical envelope or live event log.
type Snapshot struct {
	WorkflowID   string
	WorkflowType string
	Status       eventlog.Status
	LastMessage  string
	ToolCalls    []*ToolCallSnapshot
	Usage        []UsageSnapshot
	LastError    string
}

// ToolCallSnapshot summarizes one observed tool invocation.
type ToolCallSnapshot struct {
	ToolCallID string
	ToolName   string
	Arguments  string
	Result     string
	Success    bool
	Completed  bool
}

// UsageSnapshot summarizes one observed Usage event.
type UsageSnapshot struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type messageCompletePayload struct {
	Content      string `json:"content"`
	Role         string `json:"role"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type usagePayload struct {
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

type toolCallCompletePayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
}

type errorEventPayload struct {
	Message string `json:"message"`
}

// NewSnapshot folds events in ascending sequence order into a Snapshot. It
// returns an error only if a payload fails to decode; unrecognized event
// kinds are skipped, matching the teacher's "most event types do not
// affect the snapshot" default case.
func NewSnapshot(workflowID, workflowType string, status eventlog.Status, events []eventlog.Event) (*Snapshot, error) {
	snap := &Snapshot{WorkflowID: workflowID, WorkflowType: workflowType, Status: status}
	calls := make(map[string]*ToolCallSnapshot)
	var order []string

	for _, evt := range events {
		switch evt.Kind {
		case eventlog.EventMessageComplete:
			var p messageCompletePayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload at sequence %d: %w", evt.Kind, evt.Sequence, err)
			}
			snap.LastMessage = p.Content

		case eventlog.EventUsage:
			var p usagePayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload at sequence %d: %w", evt.Kind, evt.Sequence, err)
			}
			snap.Usage = append(snap.Usage, UsageSnapshot{Model: p.Model, PromptTokens: p.PromptTokens, CompletionTokens: p.CompletionTokens, TotalTokens: p.TotalTokens})

		case eventlog.EventToolCallComplete:
			var p toolCallCompletePayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload at sequence %d: %w", evt.Kind, evt.Sequence, err)
			}
			tc, ok := calls[p.ID]
			if !ok {
				tc = &ToolCallSnapshot{ToolCallID: p.ID}
				calls[p.ID] = tc
				order = append(order, p.ID)
			}
			tc.ToolName = p.Name
			tc.Arguments = p.Arguments

		case eventlog.EventToolResult:
			var p toolResultPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload at sequence %d: %w", evt.Kind, evt.Sequence, err)
			}
			tc, ok := calls[p.ToolCallID]
			if !ok {
				tc = &ToolCallSnapshot{ToolCallID: p.ToolCallID}
				calls[p.ToolCallID] = tc
				order = append(order, p.ToolCallID)
			}
			tc.ToolName = p.Name
			tc.Result = p.Content
			tc.Success = p.Success
			tc.Completed = true

		case eventlog.EventError:
			var p errorEventPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload at sequence %d: %w", evt.Kind, evt.Sequence, err)
			}
			snap.LastError = p.Message
		}
	}

	if len(order) > 0 {
		snap.ToolCalls = make([]*ToolCallSnapshot, len(order))
		for i, id := range order {
			snap.ToolCalls[i] = calls[id]
		}
	}

	return snap, nil
}

// SnapshotFromEnvelope derives a Snapshot directly from an exported
// envelope, the common entry point for offline debugging of an exported
// workflow.
func SnapshotFromEnvelope(env *engine.Envelope) (*Snapshot, error) {
	events := make([]eventlog.Event, len(env.Events))
	for i, e := range env.Events {
		events[i] = eventlog.Event{WorkflowID: env.Workflow.ID, Sequence: e.Sequence, Kind: eventlog.EventKind(e.Kind), Timestamp: e.Timestamp, Payload: e.Payload}
	}
	return NewSnapshot(env.Workflow.ID, env.Workflow.Type, eventlog.Status(env.Workflow.Status), events)
}
