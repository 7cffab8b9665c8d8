package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/eventlog/memstore"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, _ *Run, input string) (string, error) {
	return "echo: " + input, nil
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(_ context.Context, _ *Run, _ string) (string, error) {
	return "", f.err
}

type blockingExecutor struct {
	started  chan struct{}
	unblock  chan struct{}
	sawCheck chan error
}

func (b *blockingExecutor) Execute(ctx context.Context, run *Run, _ string) (string, error) {
	close(b.started)
	<-b.unblock
	err := run.Checkpoint(ctx)
	b.sawCheck <- err
	if err != nil {
		return "", err
	}
	return "done", nil
}

func newEngine(maxConcurrent int) *Engine {
	return New(memstore.New(10), maxConcurrent, Deps{})
}

func TestSubmitRunsToCompletion(t *testing.T) {
	e := newEngine(0)
	e.RegisterExecutor("echo", echoExecutor{})

	h, err := e.Submit(context.Background(), "echo", "", "user1", "", "hello")
	if err != nil {
		t.Fatal(err)
	}
	output, err := h.Result(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if output != "echo: hello" {
		t.Fatalf("unexpected output: %q", output)
	}

	wf, err := e.Status(context.Background(), h.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != eventlog.StatusCompleted {
		t.Fatalf("expected completed status, got %s", wf.Status)
	}
}

func TestSubmitRejectsUnknownWorkflowType(t *testing.T) {
	e := newEngine(0)
	_, err := e.Submit(context.Background(), "nope", "", "u", "", "in")
	if err == nil {
		t.Fatal("expected error for unregistered workflow type")
	}
}

func TestSubmitEnforcesMaxConcurrent(t *testing.T) {
	e := newEngine(1)
	started := make(chan struct{})
	unblock := make(chan struct{})
	e.RegisterExecutor("block", &blockingExecutor{started: started, unblock: unblock, sawCheck: make(chan error, 1)})

	_, err := e.Submit(context.Background(), "block", "wf1", "u", "", "in")
	if err != nil {
		t.Fatal(err)
	}
	<-started

	_, err = e.Submit(context.Background(), "block", "wf2", "u", "", "in")
	if err == nil {
		t.Fatal("expected second submission to be rejected at max_concurrent")
	}
	close(unblock)
}

func TestFailingExecutorMarksWorkflowFailed(t *testing.T) {
	e := newEngine(0)
	e.RegisterExecutor("fail", failingExecutor{err: errors.New("boom")})

	h, err := e.Submit(context.Background(), "fail", "", "u", "", "in")
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Result(context.Background())
	if err == nil {
		t.Fatal("expected failure result")
	}

	wf, err := e.Status(context.Background(), h.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != eventlog.StatusFailed {
		t.Fatalf("expected failed status, got %s", wf.Status)
	}
}

func TestPauseBlocksAtCheckpointAndResumeReleases(t *testing.T) {
	e := newEngine(0)
	started := make(chan struct{})
	unblock := make(chan struct{})
	sawCheck := make(chan error, 1)
	e.RegisterExecutor("block", &blockingExecutor{started: started, unblock: unblock, sawCheck: sawCheck})

	h, err := e.Submit(context.Background(), "block", "wf-pause", "u", "", "in")
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if !e.Pause(context.Background(), h.WorkflowID) {
		t.Fatal("expected pause to succeed on a running workflow")
	}

	close(unblock) // let the executor reach run.Checkpoint while paused

	select {
	case <-sawCheck:
		t.Fatal("checkpoint should still be blocked while paused")
	case <-time.After(50 * time.Millisecond):
	}

	if !e.Resume(context.Background(), h.WorkflowID) {
		t.Fatal("expected resume to succeed on a paused workflow")
	}

	select {
	case err := <-sawCheck:
		if err != nil {
			t.Fatalf("expected checkpoint to return nil after resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for checkpoint to unblock after resume")
	}

	output, err := h.Result(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if output != "done" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestCancelStopsABlockedRun(t *testing.T) {
	e := newEngine(0)
	started := make(chan struct{})
	unblock := make(chan struct{})
	sawCheck := make(chan error, 1)
	e.RegisterExecutor("block", &blockingExecutor{started: started, unblock: unblock, sawCheck: sawCheck})

	h, err := e.Submit(context.Background(), "block", "wf-cancel", "u", "", "in")
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if !e.Cancel(context.Background(), h.WorkflowID) {
		t.Fatal("expected cancel to succeed on a running workflow")
	}
	close(unblock) // only now let the executor reach run.Checkpoint, after cancellation is recorded

	_, err = h.Result(context.Background())
	if err == nil {
		t.Fatal("expected an error result for a cancelled run")
	}

	wf, err := e.Status(context.Background(), h.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != eventlog.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", wf.Status)
	}
}

func TestCancelReturnsFalseForUnknownWorkflow(t *testing.T) {
	e := newEngine(0)
	if e.Cancel(context.Background(), "nope") {
		t.Fatal("expected cancel of an unknown workflow to return false")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	e := newEngine(0)
	e.RegisterExecutor("echo", echoExecutor{})

	h, err := e.Submit(context.Background(), "echo", "", "u", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	if _, err := h.Result(context.Background()); err != nil {
		t.Fatal(err)
	}

	var sawCompleted bool
	timeout := time.After(time.Second)
	for !sawCompleted {
		select {
		case evt := <-ch:
			if evt.Kind == eventlog.EventWorkflowCompleted {
				sawCompleted = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for WorkflowCompleted event")
		}
	}
}

func TestReplayReturnsFullHistory(t *testing.T) {
	e := newEngine(0)
	e.RegisterExecutor("echo", echoExecutor{})

	h, err := e.Submit(context.Background(), "echo", "", "u", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Result(context.Background()); err != nil {
		t.Fatal(err)
	}

	events, err := e.Replay(context.Background(), h.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least Started and Completed events, got %d", len(events))
	}
	if events[0].Kind != eventlog.EventWorkflowStarted {
		t.Fatalf("expected first event to be WorkflowStarted, got %s", events[0].Kind)
	}
}
