package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/agentkernel/eventlog"
)

func newWorkflow(id string) eventlog.Workflow {
	return eventlog.Workflow{
		WorkflowID:   id,
		WorkflowType: "chain_of_thought",
		UserID:       "user-1",
		SessionID:    "session-1",
		Status:       eventlog.StatusPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestAppendAssignsMonotoneSequence(t *testing.T) {
	ctx := context.Background()
	s := New(3)
	wf := newWorkflow("wf-1")
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		seq, err := s.Append(ctx, "wf-1", eventlog.EventProgress, nil)
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, seq)
		}
	}
	events, err := s.Replay(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
}

func TestAppendConcurrentIsSerialized(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	if err := s.CreateWorkflow(ctx, newWorkflow("wf-2")); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	seqs := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.Append(ctx, "wf-2", eventlog.EventProgress, nil)
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)
	seen := make(map[uint64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate sequence %d assigned", seq)
		}
		seen[seq] = true
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 unique sequences, got %d", len(seen))
	}
}

func TestTerminalWorkflowRejectsFurtherAppends(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	if err := s.CreateWorkflow(ctx, newWorkflow("wf-3")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutput(ctx, "wf-3", "done"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "wf-3", eventlog.EventProgress, nil); err == nil {
		t.Fatal("expected append to terminal workflow to fail")
	}
	// Terminal events themselves are still accepted (e.g. idempotent resend).
	if _, err := s.Append(ctx, "wf-3", eventlog.EventWorkflowCompleted, nil); err != nil {
		t.Fatalf("expected terminal-kind append to succeed, got %v", err)
	}
}

func TestUpdateStatusRejectsTransitionOutOfTerminal(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	if err := s.CreateWorkflow(ctx, newWorkflow("wf-4")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateError(ctx, "wf-4", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "wf-4", eventlog.StatusRunning); err == nil {
		t.Fatal("expected transition out of terminal status to fail")
	}
	wf, err := s.GetWorkflow(ctx, "wf-4")
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != eventlog.StatusFailed {
		t.Fatalf("expected status to remain failed, got %s", wf.Status)
	}
}

func TestReplayFromResumesAtSequence(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	if err := s.CreateWorkflow(ctx, newWorkflow("wf-5")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, "wf-5", eventlog.EventProgress, nil); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.ReplayFrom(ctx, "wf-5", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events from sequence 7, got %d", len(events))
	}
	if events[0].Sequence != 7 {
		t.Fatalf("expected first replayed sequence to be 7, got %d", events[0].Sequence)
	}
}

func TestCheckpointRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	s := New(2)
	if err := s.CreateWorkflow(ctx, newWorkflow("wf-6")); err != nil {
		t.Fatal(err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		cp := eventlog.Checkpoint{WorkflowID: "wf-6", Sequence: seq, CreatedAt: time.Now()}
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}
	cps, err := s.ListCheckpoints(ctx, "wf-6")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 {
		t.Fatalf("expected retention to prune to 2 checkpoints, got %d", len(cps))
	}
	if cps[0].Sequence != 3 || cps[1].Sequence != 2 {
		t.Fatalf("expected newest checkpoints retained, got %+v", cps)
	}
	latest, err := s.LoadCheckpoint(ctx, "wf-6")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Sequence != 3 {
		t.Fatalf("expected latest checkpoint sequence 3, got %d", latest.Sequence)
	}
}

func TestLoadCheckpointNotFound(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	if err := s.CreateWorkflow(ctx, newWorkflow("wf-7")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadCheckpoint(ctx, "wf-7"); err == nil {
		t.Fatal("expected not-found error for workflow with no checkpoints")
	}
}

func TestListBySessionOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	first := newWorkflow("wf-8")
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := newWorkflow("wf-9")
	second.CreatedAt = time.Now()
	if err := s.CreateWorkflow(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateWorkflow(ctx, second); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListBySession(ctx, "session-1", eventlog.Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].WorkflowID != "wf-9" {
		t.Fatalf("expected wf-9 first, got %+v", list)
	}
}
