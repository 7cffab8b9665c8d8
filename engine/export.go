package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowforge/agentkernel/eventlog"
)

// Envelope is the self-describing export format from spec.md §6.
type Envelope struct {
	Version    string            `json:"version"`
	Workflow   WorkflowExport    `json:"workflow"`
	Events     []EventExport     `json:"events"`
	Checkpoint *CheckpointExport `json:"checkpoint,omitempty"`
}

// EnvelopeVersion is the only export format version this engine produces
// or accepts on import.
const EnvelopeVersion = "1.0"

// WorkflowExport is the envelope's workflow header.
type WorkflowExport struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input"`
	Output      *string         `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EventExport is one envelope event entry.
type EventExport struct {
	Sequence  uint64          `json:"sequence"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// CheckpointExport is the envelope's latest-checkpoint summary. DataBlob
// is intentionally omitted from the export: spec.md §6's envelope shape
// carries only the checkpoint's descriptive fields, not its compressed
// bytes.
type CheckpointExport struct {
	Sequence       uint64    `json:"sequence"`
	CompressedSize int       `json:"compressed_size"`
	OriginalSize   int       `json:"original_size"`
	Checksum       uint32    `json:"checksum"`
	IsIncremental  bool      `json:"is_incremental"`
	BaseSequence   *uint64   `json:"base_sequence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExportWorkflow builds the export envelope for workflowID: its header,
// full ordered event history, and latest checkpoint if one exists.
func (e *Engine) ExportWorkflow(ctx context.Context, workflowID string) (*Envelope, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.Replay(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version: EnvelopeVersion,
		Workflow: WorkflowExport{
			ID:          wf.WorkflowID,
			Type:        wf.WorkflowType,
			UserID:      wf.UserID,
			SessionID:   wf.SessionID,
			Status:      string(wf.Status),
			Input:       wf.Input,
			Output:      wf.Output,
			Error:       wf.Error,
			CreatedAt:   wf.CreatedAt,
			UpdatedAt:   wf.UpdatedAt,
			CompletedAt: wf.CompletedAt,
		},
		Events: make([]EventExport, len(events)),
	}
	for i, evt := range events {
		env.Events[i] = EventExport{Sequence: evt.Sequence, Kind: string(evt.Kind), Timestamp: evt.Timestamp, Payload: evt.Payload}
	}

	cp, err := e.store.LoadCheckpoint(ctx, workflowID)
	var notFound *eventlog.ErrNotFound
	switch {
	case err == nil:
		env.Checkpoint = &CheckpointExport{
			Sequence:       cp.Sequence,
			CompressedSize: cp.CompressedSize,
			OriginalSize:   cp.OriginalSize,
			Checksum:       cp.Checksum,
			IsIncremental:  cp.IsIncremental,
			BaseSequence:   cp.BaseSequence,
			CreatedAt:      cp.CreatedAt,
		}
	case errors.As(err, &notFound):
		// No checkpoint yet; the envelope's checkpoint field is omitted.
	default:
		return nil, err
	}

	return env, nil
}
