package replay

import (
	"context"
	"fmt"

	"github.com/flowforge/agentkernel/checkpoint"
	"github.com/flowforge/agentkernel/engine"
	"github.com/flowforge/agentkernel/eventlog"
)

// DeterminismResult reports whether a re-execution reproduced the
// recorded outcome.
type DeterminismResult struct {
	CheckpointVerified bool
	RecordedStatus     eventlog.Status
	ReplayedStatus     eventlog.Status
	RecordedOutput     string
	ReplayedOutput     string
	Match              bool
}

// CheckDeterminism loads workflowID's latest checkpoint (if any) from eng
// and verifies its checksum, then re-executes env.Workflow.Type/input from
// scratch and compares the resulting status and output against what the
// envelope recorded. The checkpoint is loaded from the engine's store
// rather than env.Checkpoint, since the export envelope intentionally
// omits the compressed DataBlob a checksum check needs.
//
// A true resume-from-serialized-state replay would require every Executor
// to accept a restored state blob; none of this module's executors do
// (patterns and tool loops are re-derived from the conversation history,
// not from opaque snapshots), so this determinism check re-runs from the
// workflow's original input rather than from the checkpoint's midpoint —
// it answers "does this workflow still reach the same outcome," not
// "does replay from exactly this byte-for-byte state match."
func CheckDeterminism(ctx context.Context, env *engine.Envelope, workflowID string, mgr *checkpoint.Manager, eng *engine.Engine, input string) (*DeterminismResult, error) {
	result := &DeterminismResult{
		RecordedStatus: eventlog.Status(env.Workflow.Status),
	}
	if env.Workflow.Output != nil {
		result.RecordedOutput = *env.Workflow.Output
	}

	if env.Checkpoint != nil {
		cp, err := eng.LoadCheckpoint(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("replay: load checkpoint for integrity check: %w", err)
		}
		if _, err := mgr.Load(cp); err != nil {
			return nil, fmt.Errorf("replay: checkpoint integrity check failed: %w", err)
		}
		result.CheckpointVerified = true
	}

	h, err := eng.Submit(ctx, env.Workflow.Type, "", env.Workflow.UserID, env.Workflow.SessionID, input)
	if err != nil {
		return nil, fmt.Errorf("replay: resubmit for determinism check: %w", err)
	}
	output, runErr := h.Result(ctx)
	replayedWf, err := eng.Status(ctx, h.WorkflowID)
	if err != nil {
		return nil, err
	}

	result.ReplayedStatus = replayedWf.Status
	if runErr == nil {
		result.ReplayedOutput = output
	}
	result.Match = result.ReplayedStatus == result.RecordedStatus && result.ReplayedOutput == result.RecordedOutput
	return result, nil
}
