package engine

import (
	"context"

	"github.com/flowforge/agentkernel/patterns"
	"github.com/flowforge/agentkernel/toolloop"
)

// Executor turns a submission's input into a final output string. run
// exposes the workflow's identity and cooperative pause/cancel gate to
// implementations capable of checking it between units of work.
type Executor interface {
	Execute(ctx context.Context, run *Run, input string) (string, error)
}

// Run is the execution-time handle an Executor receives. It intentionally
// exposes only what an Executor needs, not the Engine's bookkeeping.
type Run struct {
	workflowID string
	ctl        *control
}

// WorkflowID returns the identity of the run currently executing.
func (r *Run) WorkflowID() string { return r.workflowID }

// Checkpoint blocks while the run is paused and returns an error once
// cancelled. Executors with a natural iteration boundary (tool loops,
// multi-round patterns) should call this once per iteration; an Executor
// with no such boundary is only interruptible at its next context check.
func (r *Run) Checkpoint(ctx context.Context) error { return r.ctl.checkpoint(ctx) }

// PatternExecutor adapts a registered cognitive pattern into an Executor,
// grounding workflow execution directly on the Cognitive Pattern Registry
// (spec.md §4.7) rather than reimplementing pattern dispatch.
type PatternExecutor struct {
	Registry    *patterns.Registry
	PatternName string
	UserID      string
	SessionID   string
}

// Execute runs the configured pattern through its registry, translating
// the run's identity into a PatternContext. Pause is honored only at the
// registry's own per-call timeout/retry boundaries, since a pattern's
// internal reasoning loop has no suspension point visible from here.
func (p *PatternExecutor) Execute(ctx context.Context, run *Run, input string) (string, error) {
	if err := run.Checkpoint(ctx); err != nil {
		return "", err
	}
	pctx := patterns.NewPatternContext(run.WorkflowID(), p.UserID, p.SessionID)
	result, err := p.Registry.Execute(ctx, p.PatternName, pctx, input)
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

// ToolLoopExecutor adapts a Tool-Loop Orchestrator into an Executor,
// wiring the run's pause/cancel gate into the orchestrator's per-iteration
// Checkpoint hook so pause genuinely suspends a tool-loop-driven workflow
// between iterations.
type ToolLoopExecutor struct {
	Orchestrator *toolloop.Orchestrator
	Initial      []toolloop.Message
}

// Execute runs the tool loop to completion, appending input as the final
// user turn after any configured initial transcript.
func (t *ToolLoopExecutor) Execute(ctx context.Context, run *Run, input string) (string, error) {
	t.Orchestrator.Checkpoint = run.Checkpoint
	messages := append(append([]toolloop.Message(nil), t.Initial...), toolloop.Message{Role: toolloop.RoleUser, Content: input})
	return t.Orchestrator.Run(ctx, run.WorkflowID(), messages)
}
