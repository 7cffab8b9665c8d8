package enforcement

import (
	"container/list"
	"sync"
	"time"
)

type windowEvent struct {
	at time.Time
	ok bool
}

// rollingWindow is a trailing-window error-rate estimator: every recorded
// outcome older than windowSecs is pruned before each read or write, so
// total/errors always reflect only the last windowSecs of traffic.
type rollingWindow struct {
	mu         sync.Mutex
	windowSecs uint64
	events     *list.List // of windowEvent, oldest at Front
	total      int
	errors     int
}

func newRollingWindow(windowSecs uint64) *rollingWindow {
	return &rollingWindow{windowSecs: windowSecs, events: list.New()}
}

func (w *rollingWindow) prune() {
	cutoff := time.Now().Add(-time.Duration(w.windowSecs) * time.Second)
	for e := w.events.Front(); e != nil; {
		ev := e.Value.(windowEvent)
		if ev.at.Before(cutoff) {
			next := e.Next()
			w.events.Remove(e)
			w.total--
			if !ev.ok {
				w.errors--
			}
			e = next
			continue
		}
		break
	}
}

func (w *rollingWindow) push(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune()
	w.events.PushBack(windowEvent{at: time.Now(), ok: ok})
	w.total++
	if !ok {
		w.errors++
	}
}

func (w *rollingWindow) errorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune()
	if w.total == 0 {
		return 0
	}
	return float64(w.errors) / float64(w.total)
}

func (w *rollingWindow) totalCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return w.total
}
