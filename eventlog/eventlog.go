// Package eventlog defines the durable event-sourced workflow store
// described in spec.md §3 (Workflow, Event, Checkpoint) and §4.1 (Event
// Log & Workflow Store). It is the system of record every other
// component replays from after a crash.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a Workflow's lifecycle state. Completed, Failed, and Cancelled
// are absorbing: once reached, no further transition is permitted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is one of the absorbing states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Workflow is the durable header row for one workflow run (spec.md §3).
type Workflow struct {
	WorkflowID   string
	WorkflowType string // pattern name
	UserID       string
	SessionID    string // optional, empty if absent
	Status       Status
	Input        json.RawMessage
	Output       *string
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// EventKind enumerates the normalized event taxonomy (spec.md §3, §6).
type EventKind string

const (
	EventWorkflowStarted    EventKind = "WorkflowStarted"
	EventWorkflowCompleted  EventKind = "WorkflowCompleted"
	EventWorkflowFailed     EventKind = "WorkflowFailed"
	EventWorkflowPausing    EventKind = "WorkflowPausing"
	EventWorkflowPaused     EventKind = "WorkflowPaused"
	EventWorkflowResumed    EventKind = "WorkflowResumed"
	EventWorkflowCancelling EventKind = "WorkflowCancelling"
	EventWorkflowCancelled  EventKind = "WorkflowCancelled"

	EventProgress EventKind = "Progress"

	EventActivityStarted  EventKind = "ActivityStarted"
	EventActivityCompleted EventKind = "ActivityCompleted"
	EventActivityFailed   EventKind = "ActivityFailed"

	EventLlmPrompt       EventKind = "LlmPrompt"
	EventMessageDelta    EventKind = "MessageDelta"
	EventMessageComplete EventKind = "MessageComplete"
	EventUsage           EventKind = "Usage"

	EventToolCallDelta    EventKind = "ToolCallDelta"
	EventToolCallComplete EventKind = "ToolCallComplete"
	EventToolResult       EventKind = "ToolResult"

	EventBudgetThreshold  EventKind = "BudgetThreshold"
	EventSynthesis        EventKind = "Synthesis"
	EventReflection       EventKind = "Reflection"
	EventApprovalRequested EventKind = "ApprovalRequested"
	EventApprovalDecision EventKind = "ApprovalDecision"

	EventRoleAssigned EventKind = "RoleAssigned"
	EventDelegation   EventKind = "Delegation"
	EventTeamRecruited EventKind = "TeamRecruited"
	EventTeamRetired  EventKind = "TeamRetired"
	EventTeamStatus   EventKind = "TeamStatus"

	EventDone  EventKind = "Done"
	EventError EventKind = "Error"
)

// terminalKinds is the exactly-one-of set every workflow's event sequence
// must end with, per spec.md §3 ("ends at exactly one of
// Completed/Failed/Cancelled").
var terminalKinds = map[EventKind]bool{
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,
}

// IsTerminal reports whether kind is one of the workflow-ending kinds.
func IsTerminal(kind EventKind) bool { return terminalKinds[kind] }

// Event is one entry in a workflow's append-only ordered log (spec.md §3).
type Event struct {
	WorkflowID string
	Sequence   uint64
	Kind       EventKind
	Timestamp  time.Time
	Payload    json.RawMessage
}

// Checkpoint is a compressed, checksummed snapshot of workflow state at a
// specific sequence number (spec.md §3, §4.2).
type Checkpoint struct {
	WorkflowID     string
	Sequence       uint64
	DataBlob       []byte // zstd-compressed when compression is enabled, raw state otherwise; empty if not retained
	Checksum       uint32 // CRC32 over DataBlob
	OriginalSize   int
	CompressedSize int
	IsIncremental  bool
	BaseSequence   *uint64
	CreatedAt      time.Time
}

// Page describes pagination input for list operations.
type Page struct {
	Offset int
	Limit  int
}

// ErrNotFound is returned by Store methods when the requested workflow or
// checkpoint does not exist.
type ErrNotFound struct{ What string }

func (e *ErrNotFound) Error() string { return "eventlog: not found: " + e.What }

// Store is the Event Log & Workflow Store contract from spec.md §4.1.
// Implementations MUST serialize sequence assignment per workflow_id
// (single-writer-per-id) and MUST reject duplicate appends of the same
// (workflow_id, sequence) pair.
type Store interface {
	// Append assigns the next sequence number for workflow_id and durably
	// records event, returning the assigned sequence. Appending to a
	// terminal workflow with a non-idempotent event fails.
	Append(ctx context.Context, workflowID string, kind EventKind, payload json.RawMessage) (uint64, error)

	// Replay streams the full ordered event history for workflowID from
	// sequence 0, restartable and finite.
	Replay(ctx context.Context, workflowID string) ([]Event, error)

	// ReplayFrom streams the ordered event history for workflowID starting
	// at fromSequence (inclusive) — used by workflow recovery (spec.md
	// §4.6) to resume forward from a checkpoint.
	ReplayFrom(ctx context.Context, workflowID string, fromSequence uint64) ([]Event, error)

	// CreateWorkflow inserts the initial header row. Called exactly once,
	// in the same transactional unit as the WorkflowStarted append.
	CreateWorkflow(ctx context.Context, wf Workflow) error

	// GetWorkflow returns the current header row for workflowID.
	GetWorkflow(ctx context.Context, workflowID string) (Workflow, error)

	// UpdateStatus transitions a workflow's status. Implementations MUST
	// reject transitions out of a terminal status.
	UpdateStatus(ctx context.Context, workflowID string, status Status) error

	// UpdateOutput sets the terminal output string and, atomically,
	// transitions status to Completed.
	UpdateOutput(ctx context.Context, workflowID string, output string) error

	// UpdateError sets the terminal error string and, atomically,
	// transitions status to Failed.
	UpdateError(ctx context.Context, workflowID string, errMsg string) error

	// ListBySession returns workflows for a session, newest first, paginated.
	ListBySession(ctx context.Context, sessionID string, page Page) ([]Workflow, error)

	// ListByUser returns workflows for a user, newest first, paginated.
	ListByUser(ctx context.Context, userID string, page Page) ([]Workflow, error)

	// SaveCheckpoint durably stores cp, pruning older checkpoints beyond
	// the store's retention policy.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LoadCheckpoint returns the latest checksum-verified checkpoint for
	// workflowID, skipping newer checkpoints whose CRC32 does not match.
	// Returns *ErrNotFound if none exist, and a kerrors.Corruption error if
	// none passes the check.
	LoadCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error)

	// ListCheckpoints returns all retained checkpoints, newest first.
	ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error)

	// DeleteCheckpoint removes one checkpoint by sequence.
	DeleteCheckpoint(ctx context.Context, workflowID string, sequence uint64) error
}
