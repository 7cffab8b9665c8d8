// Package checkpoint implements the Checkpoint Manager (spec.md §4.2):
// adaptive-frequency, zstd-compressed, CRC32-checksummed snapshots of
// workflow state, with bounded retention and corruption detection on load.
// It is ported from the adaptive checkpoint manager of the original worker
// runtime, replacing zstd/crc32fast with their Go ecosystem equivalents.
package checkpoint

import (
	"bytes"
	"hash/crc32"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/flowforge/agentkernel/eventlog"
	"github.com/flowforge/agentkernel/kerrors"
)

// Config controls checkpoint cadence, compression, and retention. Field
// meanings and defaults mirror config.CheckpointConfig.
type Config struct {
	MinEvents         uint32
	MaxInterval       time.Duration
	MaxCheckpoints    int
	EnableCompression bool
	EnableIncremental bool
}

// Stats accumulates lifetime counters for observability (spec.md §4.2
// mentions compression-ratio and byte-savings reporting).
type Stats struct {
	TotalCreated         uint64
	TotalBytesCompressed  uint64
	TotalBytesSaved        uint64
	AvgCompressionRatio    float64
	TotalCompressionTime   time.Duration
	TotalDecompressionTime time.Duration
}

// Manager tracks checkpoint cadence for a single workflow and produces
// compressed, checksummed Checkpoint values. It is not safe to share across
// workflows; the Workflow Engine holds one Manager per running workflow.
type Manager struct {
	cfg Config

	mu                   sync.Mutex
	lastCheckpoint       time.Time
	eventsSinceCheckpoint uint32
	stats                Stats

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New builds a Manager. Compression codecs are constructed once and reused
// across checkpoints, per the klauspost/compress guidance against
// per-call encoder/decoder construction.
func New(cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg}
	if cfg.EnableCompression {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, "build zstd encoder", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, "build zstd decoder", err)
		}
		m.encoder = enc
		m.decoder = dec
	}
	return m, nil
}

// ShouldCheckpoint reports whether enough events or enough wall-clock time
// has elapsed since the last checkpoint to warrant creating a new one.
func (m *Manager) ShouldCheckpoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventsSinceCheckpoint >= m.cfg.MinEvents {
		return true
	}
	if m.lastCheckpoint.IsZero() {
		return true
	}
	return time.Since(m.lastCheckpoint) >= m.cfg.MaxInterval
}

// RecordEvent notes that one more event was appended to the workflow's log.
func (m *Manager) RecordEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsSinceCheckpoint++
}

// Create compresses and checksums stateData into a durable Checkpoint at the
// given sequence. base, if non-nil, anchors an incremental checkpoint;
// the MVP-grade delta encoding here (matching the source manager's own
// documented shortcut) still stores the full state, recording base_sequence
// for bookkeeping without computing an actual delta.
func (m *Manager) Create(workflowID string, sequence uint64, stateData []byte, base *eventlog.Checkpoint) (eventlog.Checkpoint, error) {
	start := time.Now()
	originalSize := len(stateData)

	var baseSeq *uint64
	isIncremental := false
	if m.cfg.EnableIncremental && base != nil {
		seq := base.Sequence
		baseSeq = &seq
		isIncremental = true
	}

	data := stateData
	if m.cfg.EnableCompression {
		data = m.encoder.EncodeAll(stateData, nil)
	}
	checksum := crc32.ChecksumIEEE(data)

	m.mu.Lock()
	m.stats.TotalCreated++
	m.stats.TotalBytesCompressed += uint64(originalSize)
	if originalSize >= len(data) {
		m.stats.TotalBytesSaved += uint64(originalSize - len(data))
	}
	m.stats.TotalCompressionTime += time.Since(start)
	if originalSize > 0 {
		m.stats.AvgCompressionRatio = float64(len(data)) / float64(originalSize) * 100.0
	}
	m.lastCheckpoint = time.Now()
	m.eventsSinceCheckpoint = 0
	m.mu.Unlock()

	return eventlog.Checkpoint{
		WorkflowID:     workflowID,
		Sequence:       sequence,
		DataBlob:       data,
		Checksum:       checksum,
		OriginalSize:   originalSize,
		CompressedSize: len(data),
		IsIncremental:  isIncremental,
		BaseSequence:   baseSeq,
		CreatedAt:      time.Now(),
	}, nil
}

// Load verifies cp's checksum and decompresses its payload, returning a
// kerrors.Corruption error (retryable, per spec.md §4.2's "treat checksum
// mismatch as corruption" rule) on mismatch.
func (m *Manager) Load(cp eventlog.Checkpoint) ([]byte, error) {
	start := time.Now()

	calculated := crc32.ChecksumIEEE(cp.DataBlob)
	if calculated != cp.Checksum {
		return nil, kerrors.New(kerrors.Corruption, "checkpoint corruption detected: checksum mismatch").
			WithReason("expected checksum did not match recomputed checksum of the stored blob")
	}

	data := cp.DataBlob
	if m.cfg.EnableCompression {
		decoded, err := m.decoder.DecodeAll(cp.DataBlob, nil)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Corruption, "decompress checkpoint", err)
		}
		data = decoded
	}

	m.mu.Lock()
	m.stats.TotalDecompressionTime += time.Since(start)
	m.mu.Unlock()

	return bytes.Clone(data), nil
}

// Prune keeps only the newest MaxCheckpoints entries by sequence, matching
// the source manager's prune_checkpoints behavior. A non-positive
// MaxCheckpoints means unbounded retention.
func (m *Manager) Prune(checkpoints []eventlog.Checkpoint) []eventlog.Checkpoint {
	if m.cfg.MaxCheckpoints <= 0 || len(checkpoints) <= m.cfg.MaxCheckpoints {
		return checkpoints
	}
	sorted := make([]eventlog.Checkpoint, len(checkpoints))
	copy(sorted, checkpoints)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Sequence < sorted[j].Sequence; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[:m.cfg.MaxCheckpoints]
}

// Stats returns a snapshot of lifetime checkpoint statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetStats zeroes the lifetime statistics counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}
