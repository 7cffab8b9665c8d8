package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/agentkernel/checkpoint"
	"github.com/flowforge/agentkernel/enforcement"
	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/kerrors"
)

// Config configures retry behavior for a Manager.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt (a
	// value of 3 means up to 4 total attempts), matching the original's
	// default.
	MaxRetries int
	// MaxDelay caps the exponential backoff regardless of error type.
	MaxDelay time.Duration
	// CheckpointOnRetry requests a checkpoint be taken before each retry
	// attempt. Manager does not read this field: WithRetry takes no
	// checkpoint and records nothing for it, so acting on it with a
	// checkpoint.Manager is the caller's responsibility.
	CheckpointOnRetry bool
	// CircuitBreakerFailureThreshold and CircuitBreakerCooldown size the
	// manager's own breaker, independent of the enforcement gateway's.
	CircuitBreakerFailureThreshold uint32
	CircuitBreakerCooldown         time.Duration
}

// DefaultConfig matches the original's defaults: 3 retries, 60s cap,
// breaker opens after 5 failures with a 60s cooldown.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                     3,
		MaxDelay:                       60 * time.Second,
		CheckpointOnRetry:              true,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerCooldown:         60 * time.Second,
	}
}

// RecoveredWorkflow is the result of replaying a workflow's durable state
// forward from its last checkpoint (or from the beginning, if none
// exists).
type RecoveredWorkflow struct {
	Workflow       eventlog.Workflow
	FromCheckpoint *eventlog.Checkpoint // nil if recovered from sequence 0
	Events         []eventlog.Event
}

// Manager is the Retry & Recovery Manager: it wraps arbitrary operations
// in classified, breaker-protected retries, and reconstructs a
// workflow's state from the event log after a crash.
type Manager struct {
	cfg     Config
	store   eventlog.Store
	breaker *enforcement.CircuitBreaker
	// ckpt verifies a checkpoint's checksum before RecoverWorkflow trusts
	// it. A single Manager is safe to share across every recovery.Manager
	// call: RecoverWorkflow only ever calls Load, which reads the shared
	// Stats counters under ckpt's own mutex and never touches the
	// per-workflow checkpoint-cadence state (RecordEvent/ShouldCheckpoint)
	// that checkpoint.Manager's own doc comment warns is unsafe to share.
	// May be nil, in which case checkpoints are trusted unverified.
	ckpt *checkpoint.Manager
}

// New builds a Manager backed by store, using cfg's retry/breaker
// parameters. ckpt, if non-nil, is used to checksum-verify a checkpoint
// before RecoverWorkflow resumes from it, falling back to the next-older
// checkpoint on a detected corruption.
func New(store eventlog.Store, cfg Config, ckpt *checkpoint.Manager) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		breaker: enforcement.NewCircuitBreaker(cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerCooldown),
		ckpt:    ckpt,
	}
}

// CircuitBreakerState exposes the manager's breaker state for monitoring
// and tests.
func (m *Manager) CircuitBreakerState() enforcement.BreakerState {
	return m.breaker.State()
}

// ResetCircuitBreaker forces the manager's breaker back to Closed.
func (m *Manager) ResetCircuitBreaker() {
	m.breaker.Reset()
}

// WithRetry runs fn, classifying any error and retrying per Config until
// it succeeds, hits a non-retryable error, or exhausts MaxRetries. The
// whole call is gated by the manager's circuit breaker: if the breaker is
// open, fn is never attempted. The breaker's outcome is recorded once
// per call, against the call's terminal result, not per attempt.
func (m *Manager) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	if !m.breaker.IsRequestAllowed() {
		return kerrors.New(kerrors.Rejected, "circuit breaker open").WithReason(enforcement.ReasonCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			m.breaker.RecordSuccess()
			return nil
		}
		lastErr = err

		errType := Classify(err)
		if !errType.IsRetryable() {
			m.breaker.RecordFailure()
			return err
		}
		if attempt == m.cfg.MaxRetries {
			break
		}

		delay := errType.RetryDelay(attempt, m.cfg.MaxDelay)
		select {
		case <-ctx.Done():
			m.breaker.RecordFailure()
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	m.breaker.RecordFailure()
	return lastErr
}

// RecoverWorkflow reconstructs workflowID's current state: its header
// row, its latest verified checkpoint (if any), and every event appended
// since that checkpoint's sequence. The header lookup is itself retry-
// protected, since it is the first thing a restarted worker does and is
// exactly the kind of transient-failure-prone call WithRetry exists for.
//
// Checkpoints are tried newest first. Each candidate is checksum-verified
// through the Checkpoint Manager (when one is configured); a checkpoint
// that fails verification is treated as corrupt and skipped in favor of
// the next-older one, rather than failing recovery outright or trusting
// unverified data.
func (m *Manager) RecoverWorkflow(ctx context.Context, workflowID string) (RecoveredWorkflow, error) {
	var wf eventlog.Workflow
	err := m.WithRetry(ctx, func(ctx context.Context) error {
		got, err := m.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		wf = got
		return nil
	})
	if err != nil {
		return RecoveredWorkflow{}, err
	}

	var fromSeq uint64
	var checkpoint *eventlog.Checkpoint
	candidates, err := m.store.ListCheckpoints(ctx, workflowID)
	var notFound *eventlog.ErrNotFound
	if err != nil && !errors.As(err, &notFound) {
		return RecoveredWorkflow{}, err
	}
	for i := range candidates {
		cp := candidates[i]
		if m.ckpt != nil {
			if _, loadErr := m.ckpt.Load(cp); loadErr != nil {
				if kerrors.KindOf(loadErr) == kerrors.Corruption {
					continue // fall back to the next-older checkpoint
				}
				return RecoveredWorkflow{}, loadErr
			}
		}
		checkpoint = &cp
		fromSeq = cp.Sequence + 1
		break
	}

	var events []eventlog.Event
	err = m.WithRetry(ctx, func(ctx context.Context) error {
		got, err := m.store.ReplayFrom(ctx, workflowID, fromSeq)
		if err != nil {
			return err
		}
		events = got
		return nil
	})
	if err != nil {
		return RecoveredWorkflow{}, err
	}

	return RecoveredWorkflow{Workflow: wf, FromCheckpoint: checkpoint, Events: events}, nil
}
