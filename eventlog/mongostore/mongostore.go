// Package mongostore is a MongoDB-backed implementation of eventlog.Store,
// grounded on the persistence pattern used by the registry's Mongo store
// (registry/store/mongo/mongo.go): one collection per document kind,
// ReplaceOne-with-upsert for headers, and fmt.Errorf-wrapped driver errors.
// It persists workflow headers, events, and checkpoints to MongoDB for
// durability across process restarts (spec.md §4.1).
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/kerrors"
)

// Store is a MongoDB implementation of eventlog.Store.
type Store struct {
	workflows   *mongo.Collection
	events      *mongo.Collection
	checkpoints *mongo.Collection

	maxCheckpoints int
}

var _ eventlog.Store = (*Store)(nil)

// New creates a Store over the given database's workflows, events, and
// checkpoints collections. Callers are expected to have created the
// collections' indexes (unique on (workflow_id, sequence) for both events
// and checkpoints) as part of deployment bootstrap.
func New(db *mongo.Database, maxCheckpoints int) *Store {
	return &Store{
		workflows:      db.Collection("workflows"),
		events:         db.Collection("events"),
		checkpoints:    db.Collection("checkpoints"),
		maxCheckpoints: maxCheckpoints,
	}
}

// workflowDocument is the MongoDB document representation of a Workflow. It
// carries a NextSequence counter so Append can assign sequence numbers with
// a single atomic $inc, giving single-writer-per-workflow-id serialization
// without a separate lock service.
type workflowDocument struct {
	ID           string     `bson:"_id"`
	WorkflowType string     `bson:"workflow_type"`
	UserID       string     `bson:"user_id"`
	SessionID    string     `bson:"session_id,omitempty"`
	Status       string     `bson:"status"`
	Input        []byte     `bson:"input,omitempty"`
	Output       *string    `bson:"output,omitempty"`
	Error        *string    `bson:"error,omitempty"`
	NextSequence uint64     `bson:"next_sequence"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
}

func toWorkflowDocument(wf eventlog.Workflow) workflowDocument {
	return workflowDocument{
		ID:           wf.WorkflowID,
		WorkflowType: wf.WorkflowType,
		UserID:       wf.UserID,
		SessionID:    wf.SessionID,
		Status:       string(wf.Status),
		Input:        wf.Input,
		Output:       wf.Output,
		Error:        wf.Error,
		CreatedAt:    wf.CreatedAt,
		UpdatedAt:    wf.UpdatedAt,
		CompletedAt:  wf.CompletedAt,
	}
}

func fromWorkflowDocument(doc workflowDocument) eventlog.Workflow {
	return eventlog.Workflow{
		WorkflowID:   doc.ID,
		WorkflowType: doc.WorkflowType,
		UserID:       doc.UserID,
		SessionID:    doc.SessionID,
		Status:       eventlog.Status(doc.Status),
		Input:        doc.Input,
		Output:       doc.Output,
		Error:        doc.Error,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		CompletedAt:  doc.CompletedAt,
	}
}

// eventDocument is the MongoDB document representation of an Event.
type eventDocument struct {
	WorkflowID string    `bson:"workflow_id"`
	Sequence   uint64    `bson:"sequence"`
	Kind       string    `bson:"kind"`
	Timestamp  time.Time `bson:"timestamp"`
	Payload    []byte    `bson:"payload,omitempty"`
}

func fromEventDocument(doc eventDocument) eventlog.Event {
	return eventlog.Event{
		WorkflowID: doc.WorkflowID,
		Sequence:   doc.Sequence,
		Kind:       eventlog.EventKind(doc.Kind),
		Timestamp:  doc.Timestamp,
		Payload:    doc.Payload,
	}
}

// checkpointDocument is the MongoDB document representation of a Checkpoint.
type checkpointDocument struct {
	WorkflowID     string  `bson:"workflow_id"`
	Sequence       uint64  `bson:"sequence"`
	DataBlob       []byte  `bson:"data_blob"`
	Checksum       uint32  `bson:"checksum"`
	OriginalSize   int     `bson:"original_size"`
	CompressedSize int     `bson:"compressed_size"`
	IsIncremental  bool    `bson:"is_incremental"`
	BaseSequence   *uint64 `bson:"base_sequence,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toCheckpointDocument(cp eventlog.Checkpoint) checkpointDocument {
	return checkpointDocument{
		WorkflowID:     cp.WorkflowID,
		Sequence:       cp.Sequence,
		DataBlob:       cp.DataBlob,
		Checksum:       cp.Checksum,
		OriginalSize:   cp.OriginalSize,
		CompressedSize: cp.CompressedSize,
		IsIncremental:  cp.IsIncremental,
		BaseSequence:   cp.BaseSequence,
		CreatedAt:      cp.CreatedAt,
	}
}

func fromCheckpointDocument(doc checkpointDocument) eventlog.Checkpoint {
	return eventlog.Checkpoint{
		WorkflowID:     doc.WorkflowID,
		Sequence:       doc.Sequence,
		DataBlob:       doc.DataBlob,
		Checksum:       doc.Checksum,
		OriginalSize:   doc.OriginalSize,
		CompressedSize: doc.CompressedSize,
		IsIncremental:  doc.IsIncremental,
		BaseSequence:   doc.BaseSequence,
		CreatedAt:      doc.CreatedAt,
	}
}

// Append atomically increments the workflow's next_sequence counter and
// inserts the event at the pre-increment value, using a single findOneAndUpdate
// round trip so concurrent appenders never race on sequence assignment.
func (s *Store) Append(ctx context.Context, workflowID string, kind eventlog.EventKind, payload json.RawMessage) (uint64, error) {
	filter := bson.M{"_id": workflowID}
	if !eventlog.IsTerminal(kind) {
		filter["status"] = bson.M{"$nin": []string{
			string(eventlog.StatusCompleted), string(eventlog.StatusFailed), string(eventlog.StatusCancelled),
		}}
	}
	update := bson.M{"$inc": bson.M{"next_sequence": uint64(1)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before workflowDocument
	err := s.workflows.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, &eventlog.ErrNotFound{What: "workflow " + workflowID + " (missing or terminal)"}
		}
		return 0, fmt.Errorf("mongodb append sequence for %q: %w", workflowID, err)
	}
	seq := before.NextSequence

	doc := eventDocument{
		WorkflowID: workflowID,
		Sequence:   seq,
		Kind:       string(kind),
		Timestamp:  time.Now(),
		Payload:    payload,
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("mongodb insert event for %q seq %d: %w", workflowID, seq, err)
	}
	return seq, nil
}

// Replay returns the full ordered event history for workflowID.
func (s *Store) Replay(ctx context.Context, workflowID string) ([]eventlog.Event, error) {
	return s.ReplayFrom(ctx, workflowID, 0)
}

// ReplayFrom returns the ordered event history for workflowID starting at
// fromSequence (inclusive).
func (s *Store) ReplayFrom(ctx context.Context, workflowID string, fromSequence uint64) ([]eventlog.Event, error) {
	filter := bson.M{"workflow_id": workflowID, "sequence": bson.M{"$gte": fromSequence}}
	cursor, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb replay %q from %d: %w", workflowID, fromSequence, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb replay %q decode: %w", workflowID, err)
	}
	out := make([]eventlog.Event, len(docs))
	for i, doc := range docs {
		out[i] = fromEventDocument(doc)
	}
	return out, nil
}

// CreateWorkflow inserts the initial header row, seeding next_sequence at 0.
func (s *Store) CreateWorkflow(ctx context.Context, wf eventlog.Workflow) error {
	doc := toWorkflowDocument(wf)
	doc.NextSequence = 0
	if _, err := s.workflows.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb create workflow %q: %w", wf.WorkflowID, err)
	}
	return nil
}

// GetWorkflow returns the current header row for workflowID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (eventlog.Workflow, error) {
	var doc workflowDocument
	err := s.workflows.FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return eventlog.Workflow{}, &eventlog.ErrNotFound{What: "workflow " + workflowID}
		}
		return eventlog.Workflow{}, fmt.Errorf("mongodb get workflow %q: %w", workflowID, err)
	}
	return fromWorkflowDocument(doc), nil
}

func (s *Store) updateNonTerminal(ctx context.Context, workflowID string, update bson.M) error {
	filter := bson.M{"_id": workflowID, "status": bson.M{"$nin": []string{
		string(eventlog.StatusCompleted), string(eventlog.StatusFailed), string(eventlog.StatusCancelled),
	}}}
	result, err := s.workflows.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb update workflow %q: %w", workflowID, err)
	}
	if result.MatchedCount == 0 {
		return &eventlog.ErrNotFound{What: "workflow " + workflowID + " (missing or terminal)"}
	}
	return nil
}

// UpdateStatus transitions a workflow's status, rejecting any transition out
// of a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, workflowID string, status eventlog.Status) error {
	return s.updateNonTerminal(ctx, workflowID, bson.M{"$set": bson.M{
		"status": string(status), "updated_at": time.Now(),
	}})
}

// UpdateOutput sets the terminal output and transitions status to Completed.
func (s *Store) UpdateOutput(ctx context.Context, workflowID string, output string) error {
	now := time.Now()
	return s.updateNonTerminal(ctx, workflowID, bson.M{"$set": bson.M{
		"output": output, "status": string(eventlog.StatusCompleted),
		"updated_at": now, "completed_at": now,
	}})
}

// UpdateError sets the terminal error and transitions status to Failed.
func (s *Store) UpdateError(ctx context.Context, workflowID string, errMsg string) error {
	now := time.Now()
	return s.updateNonTerminal(ctx, workflowID, bson.M{"$set": bson.M{
		"error": errMsg, "status": string(eventlog.StatusFailed),
		"updated_at": now, "completed_at": now,
	}})
}

func (s *Store) listBy(ctx context.Context, field, value string, page eventlog.Page) ([]eventlog.Workflow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if page.Offset > 0 {
		opts.SetSkip(int64(page.Offset))
	}
	if page.Limit > 0 {
		opts.SetLimit(int64(page.Limit))
	}
	cursor, err := s.workflows.Find(ctx, bson.M{field: value}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list workflows by %s: %w", field, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []workflowDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list workflows decode: %w", err)
	}
	out := make([]eventlog.Workflow, len(docs))
	for i, doc := range docs {
		out[i] = fromWorkflowDocument(doc)
	}
	return out, nil
}

// ListBySession returns workflows for a session, newest first, paginated.
func (s *Store) ListBySession(ctx context.Context, sessionID string, page eventlog.Page) ([]eventlog.Workflow, error) {
	return s.listBy(ctx, "session_id", sessionID, page)
}

// ListByUser returns workflows for a user, newest first, paginated.
func (s *Store) ListByUser(ctx context.Context, userID string, page eventlog.Page) ([]eventlog.Workflow, error) {
	return s.listBy(ctx, "user_id", userID, page)
}

// SaveCheckpoint stores cp, then prunes older checkpoints beyond
// maxCheckpoints for that workflow.
func (s *Store) SaveCheckpoint(ctx context.Context, cp eventlog.Checkpoint) error {
	doc := toCheckpointDocument(cp)
	filter := bson.M{"workflow_id": cp.WorkflowID, "sequence": cp.Sequence}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.checkpoints.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("mongodb save checkpoint %q seq %d: %w", cp.WorkflowID, cp.Sequence, err)
	}
	if s.maxCheckpoints <= 0 {
		return nil
	}
	return s.pruneCheckpoints(ctx, cp.WorkflowID)
}

func (s *Store) pruneCheckpoints(ctx context.Context, workflowID string) error {
	cursor, err := s.checkpoints.Find(ctx, bson.M{"workflow_id": workflowID},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}}).SetSkip(int64(s.maxCheckpoints)))
	if err != nil {
		return fmt.Errorf("mongodb prune checkpoints %q: %w", workflowID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var stale []checkpointDocument
	if err := cursor.All(ctx, &stale); err != nil {
		return fmt.Errorf("mongodb prune checkpoints decode %q: %w", workflowID, err)
	}
	for _, doc := range stale {
		_, err := s.checkpoints.DeleteOne(ctx, bson.M{"workflow_id": workflowID, "sequence": doc.Sequence})
		if err != nil {
			return fmt.Errorf("mongodb delete stale checkpoint %q seq %d: %w", workflowID, doc.Sequence, err)
		}
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint for workflowID whose CRC32
// matches its stored checksum.
func (s *Store) LoadCheckpoint(ctx context.Context, workflowID string) (eventlog.Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return eventlog.Checkpoint{}, fmt.Errorf("mongodb load checkpoint %q: %w", workflowID, err)
	}
	if len(cps) == 0 {
		return eventlog.Checkpoint{}, &eventlog.ErrNotFound{What: "checkpoint for " + workflowID}
	}
	for _, cp := range cps {
		if crc32.ChecksumIEEE(cp.DataBlob) == cp.Checksum {
			return cp, nil
		}
	}
	return eventlog.Checkpoint{}, kerrors.New(kerrors.Corruption, "no checkpoint for "+workflowID+" passes its checksum")
}

// ListCheckpoints returns all retained checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID string) ([]eventlog.Checkpoint, error) {
	cursor, err := s.checkpoints.Find(ctx, bson.M{"workflow_id": workflowID},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list checkpoints %q: %w", workflowID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []checkpointDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list checkpoints decode %q: %w", workflowID, err)
	}
	out := make([]eventlog.Checkpoint, len(docs))
	for i, doc := range docs {
		out[i] = fromCheckpointDocument(doc)
	}
	return out, nil
}

// DeleteCheckpoint removes one checkpoint by sequence number.
func (s *Store) DeleteCheckpoint(ctx context.Context, workflowID string, sequence uint64) error {
	result, err := s.checkpoints.DeleteOne(ctx, bson.M{"workflow_id": workflowID, "sequence": sequence})
	if err != nil {
		return fmt.Errorf("mongodb delete checkpoint %q seq %d: %w", workflowID, sequence, err)
	}
	if result.DeletedCount == 0 {
		return &eventlog.ErrNotFound{What: "checkpoint"}
	}
	return nil
}

// EnsureIndexes creates the unique indexes mongostore relies on. Call once
// during deployment bootstrap, not on the request path.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	events := db.Collection("events")
	_, err := events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure events index: %w", err)
	}
	checkpoints := db.Collection("checkpoints")
	_, err = checkpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure checkpoints index: %w", err)
	}
	return nil
}
