package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowforge/agentkernel/checkpoint"
	"github.com/flowforge/agentkernel/enforcement"
	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/eventlog/memstore"
)

func fastConfig() Config {
	return Config{
		MaxRetries:                     3,
		MaxDelay:                       10 * time.Millisecond,
		CheckpointOnRetry:              false,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerCooldown:         50 * time.Millisecond,
	}
}

func TestClassifyErrorTypes(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorType
	}{
		{"Connection refused", ErrNetwork},
		{"Operation timed out", ErrTimeout},
		{"Too many requests (429)", ErrRateLimit},
		{"Unauthorized (401)", ErrPermanent},
	}
	for _, c := range cases {
		got := Classify(errors.New(c.msg))
		if got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

// jitterBounds returns the [min, max] range cenkalti/backoff/v4's default
// RandomizationFactor (0.5) allows around center.
func jitterBounds(center time.Duration) (time.Duration, time.Duration) {
	delta := time.Duration(0.5 * float64(center))
	return center - delta, center + delta
}

func TestRetryDelayExponentialBackoff(t *testing.T) {
	centers := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, center := range centers {
		got := ErrNetwork.RetryDelay(attempt, 60*time.Second)
		min, max := jitterBounds(center)
		if got < min || got > max {
			t.Errorf("attempt %d: got %v, want within [%v, %v]", attempt, got, min, max)
		}
	}
}

func TestRetryDelayCappedAtMax(t *testing.T) {
	got := ErrNetwork.RetryDelay(10, 60*time.Second)
	if got > 60*time.Second {
		t.Fatalf("expected delay capped at 60s, got %v", got)
	}
}

func TestRetryDelayDiffersByType(t *testing.T) {
	checkWithinJitter := func(t *testing.T, got, center time.Duration) {
		t.Helper()
		min, max := jitterBounds(center)
		if got < min || got > max {
			t.Fatalf("expected delay within [%v, %v] of base %v, got %v", min, max, center, got)
		}
	}
	checkWithinJitter(t, ErrNetwork.RetryDelay(0, time.Minute), time.Second)
	checkWithinJitter(t, ErrTimeout.RetryDelay(0, time.Minute), 2*time.Second)
	checkWithinJitter(t, ErrRateLimit.RetryDelay(0, time.Minute), 5*time.Second)
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	store := memstore.New(3)
	m := New(store, fastConfig(), nil)

	var attempts int32
	err := m.WithRetry(context.Background(), func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("Connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryFailsAfterMaxRetries(t *testing.T) {
	store := memstore.New(3)
	cfg := fastConfig()
	m := New(store, cfg, nil)

	var attempts int32
	err := m.WithRetry(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("Connection refused")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if int(attempts) != cfg.MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxRetries+1, attempts)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	store := memstore.New(3)
	m := New(store, fastConfig(), nil)

	var attempts int32
	err := m.WithRetry(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("Unauthorized (401)")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", attempts)
	}
}

func TestCircuitBreakerOpensAfterRepeatedWithRetryFailures(t *testing.T) {
	store := memstore.New(3)
	cfg := fastConfig()
	m := New(store, cfg, nil)

	for i := uint32(0); i < cfg.CircuitBreakerFailureThreshold; i++ {
		_ = m.WithRetry(context.Background(), func(ctx context.Context) error {
			return errors.New("Connection refused")
		})
	}
	if m.CircuitBreakerState() != enforcement.Open {
		t.Fatalf("expected breaker open after %d failing calls", cfg.CircuitBreakerFailureThreshold)
	}

	err := m.WithRetry(context.Background(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected open breaker to reject the call")
	}
}

func TestCircuitBreakerResetAllowsRequests(t *testing.T) {
	store := memstore.New(3)
	cfg := fastConfig()
	m := New(store, cfg, nil)

	for i := uint32(0); i < cfg.CircuitBreakerFailureThreshold; i++ {
		_ = m.WithRetry(context.Background(), func(ctx context.Context) error {
			return errors.New("Connection refused")
		})
	}
	m.ResetCircuitBreaker()
	if m.CircuitBreakerState() != enforcement.Closed {
		t.Fatal("expected reset to close the breaker")
	}

	err := m.WithRetry(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected call to succeed after reset, got %v", err)
	}
}

func TestRecoverWorkflowWithNoCheckpointReplaysFromStart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3)
	m := New(store, fastConfig(), nil)

	wf := eventlog.Workflow{
		WorkflowID:   "wf-retry",
		WorkflowType: "chain_of_thought",
		UserID:       "user-1",
		Status:       eventlog.StatusPending,
		Input:        json.RawMessage(`{}`),
	}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "wf-retry", eventlog.EventWorkflowStarted, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStatus(ctx, "wf-retry", eventlog.StatusRunning); err != nil {
		t.Fatal(err)
	}

	recovered, err := m.RecoverWorkflow(ctx, "wf-retry")
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Workflow.WorkflowID != "wf-retry" {
		t.Fatalf("expected recovered workflow id wf-retry, got %s", recovered.Workflow.WorkflowID)
	}
	if recovered.FromCheckpoint != nil {
		t.Fatal("expected no checkpoint for a workflow that never checkpointed")
	}
	if len(recovered.Events) != 1 {
		t.Fatalf("expected 1 replayed event, got %d", len(recovered.Events))
	}
	if m.CircuitBreakerState() != enforcement.Closed {
		t.Fatal("expected breaker to remain closed after a successful recovery")
	}
}

func TestRecoverWorkflowResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3)
	ckptMgr, err := checkpoint.New(checkpoint.Config{MaxCheckpoints: 3})
	if err != nil {
		t.Fatal(err)
	}
	m := New(store, fastConfig(), ckptMgr)

	wf := eventlog.Workflow{WorkflowID: "wf-cp", WorkflowType: "react", UserID: "user-1", Status: eventlog.StatusPending, Input: json.RawMessage(`{}`)}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "wf-cp", eventlog.EventProgress, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	cp, err := ckptMgr.Create("wf-cp", 1, []byte("x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}

	recovered, err := m.RecoverWorkflow(ctx, "wf-cp")
	if err != nil {
		t.Fatal(err)
	}
	if recovered.FromCheckpoint == nil || recovered.FromCheckpoint.Sequence != 1 {
		t.Fatalf("expected recovery from checkpoint at sequence 1, got %+v", recovered.FromCheckpoint)
	}
	for _, e := range recovered.Events {
		if e.Sequence <= 1 {
			t.Fatalf("expected only events after sequence 1, saw sequence %d", e.Sequence)
		}
	}
}

func TestRecoverWorkflowSkipsCorruptCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3)
	ckptMgr, err := checkpoint.New(checkpoint.Config{MaxCheckpoints: 3})
	if err != nil {
		t.Fatal(err)
	}
	m := New(store, fastConfig(), ckptMgr)

	wf := eventlog.Workflow{WorkflowID: "wf-corrupt", WorkflowType: "react", UserID: "user-1", Status: eventlog.StatusPending, Input: json.RawMessage(`{}`)}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, "wf-corrupt", eventlog.EventProgress, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	good, err := ckptMgr.Create("wf-corrupt", 1, []byte("good"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint(ctx, good); err != nil {
		t.Fatal(err)
	}

	bad, err := ckptMgr.Create("wf-corrupt", 3, []byte("bad"), nil)
	if err != nil {
		t.Fatal(err)
	}
	bad.Checksum++ // corrupt the checksum of the newer checkpoint
	if err := store.SaveCheckpoint(ctx, bad); err != nil {
		t.Fatal(err)
	}

	recovered, err := m.RecoverWorkflow(ctx, "wf-corrupt")
	if err != nil {
		t.Fatal(err)
	}
	if recovered.FromCheckpoint == nil || recovered.FromCheckpoint.Sequence != 1 {
		t.Fatalf("expected fallback to the older, uncorrupted checkpoint at sequence 1, got %+v", recovered.FromCheckpoint)
	}
}
