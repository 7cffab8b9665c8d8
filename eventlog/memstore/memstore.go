// Package memstore is an in-memory implementation of eventlog.Store,
// grounded on the in-process registry store pattern (runtime/registry
// store/memory/memory.go): a single coarse mutex guarding plain maps. It is
// the default backend for development, tests, and single-node deployments
// where durability across process restarts is not required.
package memstore

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/kerrors"
)

type workflowRecord struct {
	header      eventlog.Workflow
	events      []eventlog.Event
	checkpoints []eventlog.Checkpoint
}

// Store is an in-memory eventlog.Store. It is safe for concurrent use.
type Store struct {
	mu             sync.RWMutex
	workflows      map[string]*workflowRecord
	maxCheckpoints int
}

var _ eventlog.Store = (*Store)(nil)

// New creates an empty in-memory store. maxCheckpoints bounds the number of
// retained checkpoints per workflow (spec.md §4.2); values <= 0 mean
// unbounded retention.
func New(maxCheckpoints int) *Store {
	return &Store{
		workflows:      make(map[string]*workflowRecord),
		maxCheckpoints: maxCheckpoints,
	}
}

func (s *Store) record(workflowID string) (*workflowRecord, bool) {
	r, ok := s.workflows[workflowID]
	return r, ok
}

// Append assigns the next sequence number for workflowID under the store's
// lock, serializing writers per the single-writer-per-workflow-id
// requirement, and rejects appends to terminal workflows unless the event
// itself is of a terminal kind (accepted as an idempotent resend).
func (s *Store) Append(ctx context.Context, workflowID string, kind eventlog.EventKind, payload json.RawMessage) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.record(workflowID)
	if !ok {
		return 0, &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	if r.header.Status.Terminal() && !eventlog.IsTerminal(kind) {
		return 0, &eventlog.ErrNotFound{What: "workflow " + workflowID + " is terminal"}
	}

	seq := uint64(len(r.events))
	r.events = append(r.events, eventlog.Event{
		WorkflowID: workflowID,
		Sequence:   seq,
		Kind:       kind,
		Timestamp:  time.Now(),
		Payload:    payload,
	})
	return seq, nil
}

// Replay returns the full ordered event history for workflowID.
func (s *Store) Replay(ctx context.Context, workflowID string) ([]eventlog.Event, error) {
	return s.ReplayFrom(ctx, workflowID, 0)
}

// ReplayFrom returns the ordered event history for workflowID starting at
// fromSequence (inclusive).
func (s *Store) ReplayFrom(ctx context.Context, workflowID string, fromSequence uint64) ([]eventlog.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.record(workflowID)
	if !ok {
		return nil, &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	if fromSequence >= uint64(len(r.events)) {
		return []eventlog.Event{}, nil
	}
	out := make([]eventlog.Event, len(r.events)-int(fromSequence))
	copy(out, r.events[fromSequence:])
	return out, nil
}

// CreateWorkflow inserts the initial header row for a workflow.
func (s *Store) CreateWorkflow(ctx context.Context, wf eventlog.Workflow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.record(wf.WorkflowID); ok {
		return &eventlog.ErrNotFound{What: "workflow " + wf.WorkflowID + " already exists"}
	}
	s.workflows[wf.WorkflowID] = &workflowRecord{header: wf}
	return nil
}

// GetWorkflow returns the current header row for workflowID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (eventlog.Workflow, error) {
	select {
	case <-ctx.Done():
		return eventlog.Workflow{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.record(workflowID)
	if !ok {
		return eventlog.Workflow{}, &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	return r.header, nil
}

// UpdateStatus transitions a workflow's status, rejecting any transition out
// of a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, workflowID string, status eventlog.Status) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(workflowID)
	if !ok {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	if r.header.Status.Terminal() {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID + " is terminal"}
	}
	r.header.Status = status
	r.header.UpdatedAt = time.Now()
	return nil
}

// UpdateOutput sets the terminal output and transitions status to Completed.
func (s *Store) UpdateOutput(ctx context.Context, workflowID string, output string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(workflowID)
	if !ok {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	if r.header.Status.Terminal() {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID + " is terminal"}
	}
	now := time.Now()
	r.header.Output = &output
	r.header.Status = eventlog.StatusCompleted
	r.header.UpdatedAt = now
	r.header.CompletedAt = &now
	return nil
}

// UpdateError sets the terminal error and transitions status to Failed.
func (s *Store) UpdateError(ctx context.Context, workflowID string, errMsg string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(workflowID)
	if !ok {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	if r.header.Status.Terminal() {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID + " is terminal"}
	}
	now := time.Now()
	r.header.Error = &errMsg
	r.header.Status = eventlog.StatusFailed
	r.header.UpdatedAt = now
	r.header.CompletedAt = &now
	return nil
}

func paginate[T any](items []T, page eventlog.Page) []T {
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}

// ListBySession returns workflows for a session, newest first, paginated.
func (s *Store) ListBySession(ctx context.Context, sessionID string, page eventlog.Page) ([]eventlog.Workflow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]eventlog.Workflow, 0)
	for _, r := range s.workflows {
		if r.header.SessionID == sessionID {
			matches = append(matches, r.header)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return paginate(matches, page), nil
}

// ListByUser returns workflows for a user, newest first, paginated.
func (s *Store) ListByUser(ctx context.Context, userID string, page eventlog.Page) ([]eventlog.Workflow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]eventlog.Workflow, 0)
	for _, r := range s.workflows {
		if r.header.UserID == userID {
			matches = append(matches, r.header)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return paginate(matches, page), nil
}

// SaveCheckpoint stores cp, pruning older checkpoints beyond maxCheckpoints.
func (s *Store) SaveCheckpoint(ctx context.Context, cp eventlog.Checkpoint) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(cp.WorkflowID)
	if !ok {
		return &eventlog.ErrNotFound{What: "workflow " + cp.WorkflowID}
	}
	r.checkpoints = append(r.checkpoints, cp)
	sort.Slice(r.checkpoints, func(i, j int) bool { return r.checkpoints[i].Sequence > r.checkpoints[j].Sequence })
	if s.maxCheckpoints > 0 && len(r.checkpoints) > s.maxCheckpoints {
		r.checkpoints = r.checkpoints[:s.maxCheckpoints]
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint for workflowID whose CRC32
// matches its stored checksum.
func (s *Store) LoadCheckpoint(ctx context.Context, workflowID string) (eventlog.Checkpoint, error) {
	select {
	case <-ctx.Done():
		return eventlog.Checkpoint{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.record(workflowID)
	if !ok || len(r.checkpoints) == 0 {
		return eventlog.Checkpoint{}, &eventlog.ErrNotFound{What: "checkpoint for " + workflowID}
	}
	for _, cp := range r.checkpoints {
		if crc32.ChecksumIEEE(cp.DataBlob) == cp.Checksum {
			return cp, nil
		}
	}
	return eventlog.Checkpoint{}, kerrors.New(kerrors.Corruption, "no checkpoint for "+workflowID+" passes its checksum")
}

// ListCheckpoints returns all retained checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID string) ([]eventlog.Checkpoint, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.record(workflowID)
	if !ok {
		return nil, &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	out := make([]eventlog.Checkpoint, len(r.checkpoints))
	copy(out, r.checkpoints)
	return out, nil
}

// DeleteCheckpoint removes one checkpoint by sequence number.
func (s *Store) DeleteCheckpoint(ctx context.Context, workflowID string, sequence uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(workflowID)
	if !ok {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID}
	}
	for i, cp := range r.checkpoints {
		if cp.Sequence == sequence {
			r.checkpoints = append(r.checkpoints[:i], r.checkpoints[i+1:]...)
			return nil
		}
	}
	return &eventlog.ErrNotFound{What: "checkpoint"}
}
