// Package engine implements the Workflow Engine / Embedded Worker
// (spec.md §4.9): it turns a submission into a running pattern or
// tool-loop execution with durable identity, broadcasting its normalized
// event stream to subscribers and exposing submit/status/cancel/pause/
// resume/replay/export_workflow.
//
// The state machine, broadcast fan-out, and cooperative single-task
// execution are grounded on the teacher's in-memory engine
// (runtime/agent/engine/inmem/engine.go: a handle with a done channel and
// a goroutine driving def.Handler, a status map guarded by a mutex) and
// its event bus (runtime/agent/hooks/bus.go) for the Register/Subscription
// shape — adapted from a synchronous fail-fast fan-out to a buffered,
// never-blocking one per spec.md §5's lagging-subscriber semantics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/agentkernel/checkpoint"
	"github.com/flowforge/agentkernel/enforcement"
	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/kerrors"
	"github.com/flowforge/agentkernel/recovery"
)

// DefaultWorkerBroadcastCapacity and DefaultRunManagerBroadcastCapacity
// are the buffer sizes spec.md §4.9 names for per-workflow and
// aggregate subscribers respectively.
const (
	DefaultWorkerBroadcastCapacity     = 64
	DefaultRunManagerBroadcastCapacity = 256
)

type runState struct {
	workflowType string
	userID       string
	ctl          *control
	cancelFn     context.CancelFunc
	bc           *broadcaster
	ckptMgr      *checkpoint.Manager

	done   chan struct{}
	result string
	runErr error
}

// Deps bundles the Workflow Engine's optional collaborators: the
// Enforcement Gateway each run executes under, the Recovery Manager that
// reconstructs an incomplete workflow's state on resubmission, and the
// Checkpoint Manager configuration used to build one Manager per running
// workflow (spec.md §4.2's "not safe to share across workflows" rule). A
// zero Deps disables all three — a submission then runs unenforced, with
// no checkpointing and no resume-from-recovery.
type Deps struct {
	Enforcer      *enforcement.Enforcer
	Recovery      *recovery.Manager
	CheckpointCfg *checkpoint.Config
}

// Engine is the Workflow Engine / Embedded Worker.
type Engine struct {
	store         eventlog.Store
	maxConcurrent int
	enforcer      *enforcement.Enforcer
	recovery      *recovery.Manager
	checkpointCfg *checkpoint.Config

	mu        sync.Mutex
	executors map[string]Executor
	runs      map[string]*runState
	running   int

	allEvents *broadcaster // run-manager-wide fan-out, capacity 256
}

// New builds an Engine backed by store, enforcing at most maxConcurrent
// Running workflows at a time. maxConcurrent <= 0 means unbounded. deps'
// fields are each independently optional.
func New(store eventlog.Store, maxConcurrent int, deps Deps) *Engine {
	return &Engine{
		store:         store,
		maxConcurrent: maxConcurrent,
		enforcer:      deps.Enforcer,
		recovery:      deps.Recovery,
		checkpointCfg: deps.CheckpointCfg,
		executors:     make(map[string]Executor),
		runs:          make(map[string]*runState),
		allEvents:     newBroadcaster(DefaultRunManagerBroadcastCapacity),
	}
}

// RegisterExecutor makes workflowType submittable, dispatching its runs
// to ex.
func (e *Engine) RegisterExecutor(workflowType string, ex Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[workflowType] = ex
}

// Handle is returned by Submit and lets a caller await the run's result
// or subscribe to its event stream.
type Handle struct {
	WorkflowID string
	engine     *Engine
}

// Result blocks until the run reaches a terminal state and returns its
// output, or the error it failed or was cancelled with.
func (h *Handle) Result(ctx context.Context) (string, error) {
	h.engine.mu.Lock()
	rs, ok := h.engine.runs[h.WorkflowID]
	h.engine.mu.Unlock()
	if !ok {
		return "", kerrors.New(kerrors.InvalidInput, "unknown workflow: "+h.WorkflowID)
	}
	select {
	case <-rs.done:
		return rs.result, rs.runErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe returns a channel of this workflow's events (buffered at
// DefaultWorkerBroadcastCapacity) and an unsubscribe function. A full
// buffer drops the subscriber's oldest undelivered event rather than
// blocking the run.
func (h *Handle) Subscribe() (<-chan eventlog.Event, func()) {
	h.engine.mu.Lock()
	rs, ok := h.engine.runs[h.WorkflowID]
	h.engine.mu.Unlock()
	if !ok {
		ch := make(chan eventlog.Event)
		close(ch)
		return ch, func() {}
	}
	return rs.bc.subscribe()
}

// SubscribeAll returns every workflow's events fanned into one channel,
// buffered at DefaultRunManagerBroadcastCapacity — the run-manager-wide
// subscription spec.md §4.9 distinguishes from a single worker's.
func (e *Engine) SubscribeAll() (<-chan eventlog.Event, func()) {
	return e.allEvents.subscribe()
}

// Submit allocates workflowID (generating a uuid if empty), enforces
// max_concurrent counted at submission time, durably records
// WorkflowStarted, and spawns cooperative execution. If workflowID names
// an existing, non-terminal workflow and a Recovery Manager is configured
// (Deps.Recovery), Submit instead treats this as a resubmission of an
// incomplete run: it drives Manager.RecoverWorkflow to reconstruct the
// workflow's type/input/identity from the durable log, emits
// WorkflowResumed in place of WorkflowStarted, and resumes execution from
// there — the "on engine startup/resubmission of an incomplete workflow"
// recovery path spec.md §4.9 names.
func (e *Engine) Submit(ctx context.Context, workflowType, workflowID, userID, sessionID, input string) (*Handle, error) {
	e.mu.Lock()
	ex, ok := e.executors[workflowType]
	if workflowID == "" || e.recovery == nil {
		if !ok {
			e.mu.Unlock()
			return nil, kerrors.New(kerrors.InvalidInput, "no executor registered for workflow type: "+workflowType)
		}
	}
	if e.maxConcurrent > 0 && e.running >= e.maxConcurrent {
		e.mu.Unlock()
		return nil, kerrors.New(kerrors.Rejected, "max_concurrent workflows already running")
	}
	e.running++
	e.mu.Unlock()

	resuming := false
	if workflowID != "" && e.recovery != nil {
		if existing, err := e.store.GetWorkflow(ctx, workflowID); err == nil && !existing.Status.Terminal() {
			recovered, err := e.recovery.RecoverWorkflow(ctx, workflowID)
			if err != nil {
				e.releaseSlot()
				return nil, kerrors.Wrap(kerrors.Internal, "recover incomplete workflow "+workflowID, err)
			}
			workflowType = recovered.Workflow.WorkflowType
			userID = recovered.Workflow.UserID
			sessionID = recovered.Workflow.SessionID
			if err := json.Unmarshal(recovered.Workflow.Input, &input); err != nil {
				e.releaseSlot()
				return nil, kerrors.Wrap(kerrors.InvalidInput, "unmarshal recovered workflow input", err)
			}
			ex, ok = e.executors[workflowType]
			if !ok {
				e.releaseSlot()
				return nil, kerrors.New(kerrors.InvalidInput, "no executor registered for recovered workflow type: "+workflowType)
			}
			resuming = true
		}
	}
	if !resuming && !ok {
		e.releaseSlot()
		return nil, kerrors.New(kerrors.InvalidInput, "no executor registered for workflow type: "+workflowType)
	}

	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	rs := &runState{workflowType: workflowType, userID: userID, ctl: newControl(), bc: newBroadcaster(DefaultWorkerBroadcastCapacity), done: make(chan struct{})}
	if e.checkpointCfg != nil {
		mgr, err := checkpoint.New(*e.checkpointCfg)
		if err != nil {
			e.releaseSlot()
			return nil, kerrors.Wrap(kerrors.Internal, "build checkpoint manager for "+workflowID, err)
		}
		rs.ckptMgr = mgr
	}

	if resuming {
		e.mu.Lock()
		e.runs[workflowID] = rs
		e.mu.Unlock()

		if err := e.appendAndPublish(ctx, rs, workflowID, eventlog.EventWorkflowResumed, nil); err != nil {
			e.releaseSlot()
			return nil, err
		}
		if err := e.store.UpdateStatus(ctx, workflowID, eventlog.StatusRunning); err != nil {
			e.releaseSlot()
			return nil, err
		}

		runCtx, cancel := context.WithCancel(context.Background())
		rs.cancelFn = cancel
		go e.run(runCtx, ex, workflowID, rs, input)
		return &Handle{WorkflowID: workflowID, engine: e}, nil
	}

	now := time.Now()
	inputJSON, err := json.Marshal(input)
	if err != nil {
		e.releaseSlot()
		return nil, kerrors.Wrap(kerrors.InvalidInput, "marshal workflow input", err)
	}
	if err := e.store.CreateWorkflow(ctx, eventlog.Workflow{
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		UserID:       userID,
		SessionID:    sessionID,
		Status:       eventlog.StatusPending,
		Input:        inputJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		e.releaseSlot()
		return nil, err
	}

	e.mu.Lock()
	e.runs[workflowID] = rs
	e.mu.Unlock()

	if err := e.appendAndPublish(ctx, rs, workflowID, eventlog.EventWorkflowStarted, nil); err != nil {
		e.releaseSlot()
		return nil, err
	}
	if err := e.store.UpdateStatus(ctx, workflowID, eventlog.StatusRunning); err != nil {
		e.releaseSlot()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs.cancelFn = cancel

	go e.run(runCtx, ex, workflowID, rs, input)

	return &Handle{WorkflowID: workflowID, engine: e}, nil
}

// estimateTokens gives the Enforcement Gateway a per-request token
// estimate in the absence of a model-specific tokenizer anywhere in this
// module: roughly four characters per token, the common stand-in used
// before a real count is available.
func estimateTokens(input string) int {
	return len(input)/4 + 1
}

func (e *Engine) run(ctx context.Context, ex Executor, workflowID string, rs *runState, input string) {
	defer close(rs.done)
	defer e.releaseSlot()

	var output string
	var err error
	if e.enforcer != nil {
		key := rs.userID
		if key == "" {
			key = workflowID
		}
		result, enfErr := e.enforcer.Enforce(ctx, key, estimateTokens(input), func(ctx context.Context) (any, error) {
			return ex.Execute(ctx, &Run{workflowID: workflowID, ctl: rs.ctl}, input)
		})
		if enfErr != nil {
			err = enfErr
		} else if s, ok := result.(string); ok {
			output = s
		}
	} else {
		output, err = ex.Execute(ctx, &Run{workflowID: workflowID, ctl: rs.ctl}, input)
	}

	bg := context.Background()
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || rs.ctl.cancelled):
		rs.runErr = err
		e.appendAndPublish(bg, rs, workflowID, eventlog.EventWorkflowCancelled, nil)
		_ = e.store.UpdateStatus(bg, workflowID, eventlog.StatusCancelled)
	case err != nil:
		rs.runErr = err
		e.appendAndPublish(bg, rs, workflowID, eventlog.EventWorkflowFailed, errorPayload(err.Error()))
		_ = e.store.UpdateError(bg, workflowID, err.Error())
	default:
		rs.result = output
		e.appendAndPublish(bg, rs, workflowID, eventlog.EventWorkflowCompleted, nil)
		_ = e.store.UpdateOutput(bg, workflowID, output)
	}
}

func (e *Engine) releaseSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running > 0 {
		e.running--
	}
}

type errorPayloadT struct {
	Message string `json:"message"`
}

func errorPayload(msg string) errorPayloadT { return errorPayloadT{Message: msg} }

// appendAndPublish durably appends kind with payload for workflowID and
// fans the resulting event out to both the run's own subscribers and the
// run-manager-wide subscription. Callers on the hot completion path
// (run's terminal transition) intentionally ignore a returned error: the
// workflow has already reached its outcome, and a broadcast failure must
// not be allowed to mask it.
func (e *Engine) appendAndPublish(ctx context.Context, rs *runState, workflowID string, kind eventlog.EventKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	seq, err := e.store.Append(ctx, workflowID, kind, raw)
	if err != nil {
		return err
	}
	evt := eventlog.Event{WorkflowID: workflowID, Sequence: seq, Kind: kind, Timestamp: time.Now(), Payload: raw}
	rs.bc.publish(evt)
	e.allEvents.publish(evt)
	e.maybeCheckpoint(ctx, rs, workflowID, seq)
	return nil
}

// checkpointState is the minimal snapshot the embedded worker persists: just
// enough for RecoverWorkflow to re-establish a recovered run's identity
// without replaying every event from sequence zero.
type checkpointState struct {
	WorkflowType string `json:"workflow_type"`
	UserID       string `json:"user_id"`
	Sequence     uint64 `json:"sequence"`
}

// maybeCheckpoint records the just-appended event against rs's Checkpoint
// Manager and, if cadence says it's time, snapshots the run so Recovery can
// resume near this point rather than from the beginning of the log.
// Failures are swallowed, matching appendAndPublish's own policy: a missed
// checkpoint degrades recovery granularity, it doesn't invalidate the event
// that was just durably appended.
func (e *Engine) maybeCheckpoint(ctx context.Context, rs *runState, workflowID string, seq uint64) {
	if rs.ckptMgr == nil {
		return
	}
	rs.ckptMgr.RecordEvent()
	if !rs.ckptMgr.ShouldCheckpoint() {
		return
	}
	state, err := json.Marshal(checkpointState{WorkflowType: rs.workflowType, UserID: rs.userID, Sequence: seq})
	if err != nil {
		return
	}
	cp, err := rs.ckptMgr.Create(workflowID, seq, state, nil)
	if err != nil {
		return
	}
	_ = e.store.SaveCheckpoint(ctx, cp)
}

// Status returns the current durable header for workflowID.
func (e *Engine) Status(ctx context.Context, workflowID string) (eventlog.Workflow, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// Cancel transitions a Running or Paused workflow to Cancelling and
// requests its executing task observe cancellation at the next
// suspension point. Returns false if the workflow is unknown or already
// terminal.
func (e *Engine) Cancel(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	rs, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil || wf.Status.Terminal() {
		return false
	}

	rs.ctl.cancel()
	e.appendAndPublish(ctx, rs, workflowID, eventlog.EventWorkflowCancelling, nil)
	_ = e.store.UpdateStatus(ctx, workflowID, eventlog.StatusCancelling)
	rs.cancelFn()
	return true
}

// Pause requests a Running workflow suspend at its next checkpoint.
// Returns false if the workflow is unknown or not currently Running.
func (e *Engine) Pause(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	rs, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil || wf.Status != eventlog.StatusRunning {
		return false
	}

	e.appendAndPublish(ctx, rs, workflowID, eventlog.EventWorkflowPausing, nil)
	rs.ctl.pause()
	// The executor's next Checkpoint call is where suspension actually
	// takes effect; the persisted status is set optimistically here
	// since the engine has no other signal for when that happens.
	e.appendAndPublish(ctx, rs, workflowID, eventlog.EventWorkflowPaused, nil)
	_ = e.store.UpdateStatus(ctx, workflowID, eventlog.StatusPaused)
	return true
}

// Resume releases a Paused workflow, letting its executing task continue
// past the checkpoint it's blocked at. Returns false if the workflow is
// unknown or not currently Paused.
func (e *Engine) Resume(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	rs, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil || wf.Status != eventlog.StatusPaused {
		return false
	}

	e.appendAndPublish(ctx, rs, workflowID, eventlog.EventWorkflowResumed, nil)
	rs.ctl.resume()
	_ = e.store.UpdateStatus(ctx, workflowID, eventlog.StatusRunning)
	return true
}

// Replay returns the full ordered event history for workflowID.
func (e *Engine) Replay(ctx context.Context, workflowID string) ([]eventlog.Event, error) {
	return e.store.Replay(ctx, workflowID)
}

// LoadCheckpoint returns the latest retained checkpoint for workflowID,
// DataBlob included, for callers (such as a determinism check) that need
// the compressed bytes the export envelope intentionally omits.
func (e *Engine) LoadCheckpoint(ctx context.Context, workflowID string) (eventlog.Checkpoint, error) {
	return e.store.LoadCheckpoint(ctx, workflowID)
}
