package replay

import (
	"fmt"

	"github.com/flowforge/agentkernel/engine"
	"github.com/flowforge/agentkernel/eventlog"
)

// Mode selects how a Session advances through an imported envelope's
// events (spec.md §4.10).
type Mode int

const (
	// Full replays the entire event history in one call to Run.
	Full Mode = iota
	// StepThrough yields control to the caller once per event.
	StepThrough
	// Breakpoint runs freely until a configured sequence number or event
	// kind is reached, then yields.
	Breakpoint
)

// Breakpoints configures where a Breakpoint-mode Session pauses.
type Breakpoints struct {
	Sequences []uint64
	Kinds     []eventlog.EventKind
}

func (b Breakpoints) matches(evt eventlog.Event) bool {
	for _, seq := range b.Sequences {
		if seq == evt.Sequence {
			return true
		}
	}
	for _, kind := range b.Kinds {
		if kind == evt.Kind {
			return true
		}
	}
	return false
}

// Session drives a replay of an imported envelope's event history.
type Session struct {
	envelope    *engine.Envelope
	mode        Mode
	breakpoints Breakpoints
	cursor      int
}

// Import validates env's version and builds a Session ready to drive
// replay in mode. bp is only consulted in Breakpoint mode.
func Import(env *engine.Envelope, mode Mode, bp Breakpoints) (*Session, error) {
	if env.Version != engine.EnvelopeVersion {
		return nil, fmt.Errorf("replay: unsupported envelope version %q (expected %q)", env.Version, engine.EnvelopeVersion)
	}
	return &Session{envelope: env, mode: mode, breakpoints: bp}, nil
}

// Done reports whether every event has been consumed.
func (s *Session) Done() bool { return s.cursor >= len(s.envelope.Events) }

// next returns the next event and advances the cursor, or reports done
// once the history is exhausted. It does not interpret Mode; callers
// drive StepThrough/Breakpoint semantics via Step/Run below.
func (s *Session) next() (eventlog.Event, bool) {
	if s.Done() {
		return eventlog.Event{}, false
	}
	e := s.envelope.Events[s.cursor]
	s.cursor++
	return eventlog.Event{WorkflowID: s.envelope.Workflow.ID, Sequence: e.Sequence, Kind: eventlog.EventKind(e.Kind), Timestamp: e.Timestamp, Payload: e.Payload}, true
}

// Step advances exactly one event regardless of Mode and returns it. Used
// by StepThrough callers that want explicit one-at-a-time control.
func (s *Session) Step() (eventlog.Event, bool) {
	return s.next()
}

// Run drives the session according to its Mode, invoking onEvent for every
// event encountered. In Full mode it runs to completion in one call. In
// Breakpoint mode it stops (returning stopped=true) the first time an
// event matches s.breakpoints, without consuming further events; a
// subsequent Run call resumes from there. StepThrough mode always stops
// after exactly one event.
func (s *Session) Run(onEvent func(eventlog.Event)) (stopped bool) {
	for {
		evt, ok := s.next()
		if !ok {
			return false
		}
		onEvent(evt)

		switch s.mode {
		case StepThrough:
			return true
		case Breakpoint:
			if s.breakpoints.matches(evt) {
				return true
			}
		case Full:
			// keep draining
		}
	}
}

// FinalSnapshot folds the full envelope's event history (ignoring any
// in-progress cursor position) into a Snapshot of the workflow's terminal
// state.
func (s *Session) FinalSnapshot() (*Snapshot, error) {
	return SnapshotFromEnvelope(s.envelope)
}
