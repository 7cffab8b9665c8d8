package engine

import (
	"context"
	"sync"

	"github.com/flowforge/agentkernel/kerrors"
)

// control is a per-run pause/cancel gate. Checkpoint is the suspension
// point an Executor calls between units of work (spec.md §5); pause
// blocks the caller there until resume or cancellation, grounded on the
// teacher's signalChan (a channel gate rebuilt on each wait, guarded by a
// mutex) rather than its synchronous hooks.Bus, since what's needed here
// is a gate a goroutine blocks on, not a fan-out notification.
type control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	resumeCh  chan struct{}
}

func newControl() *control {
	return &control{}
}

// checkpoint blocks while the run is paused and returns an error once the
// run has been cancelled. A zero-cost no-op when neither applies.
func (c *control) checkpoint(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return kerrors.New(kerrors.Rejected, "workflow cancelled")
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	ch := c.resumeCh
	c.mu.Unlock()

	select {
	case <-ch:
		return c.checkpoint(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *control) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.cancelled {
		return
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
}

func (c *control) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resumeCh)
}

func (c *control) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

func (c *control) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
