// Package log implements the segmented, append-only metadata log.
//
// Layout of the repository directory:
//
//	checkpoint                      CBOR {seq, snapshot}
//	snapshot-<seq>.zst              live records as of seq (zstd CBOR stream)
//	segment-<firstSeq>.log          frames appended after the snapshot
//
// Appends go to the active segment. Compaction rotates the active segment,
// folds the closed segments into a new snapshot off the append lock, then
// swaps the checkpoint and deletes what it replaced.
package log

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Config configures a LogRepository.
type Config struct {
	// Dir holds the segments, snapshots and checkpoint
	Dir string `mapstructure:"dir" validate:"required"`

	// Sync fsyncs every appended frame before Append returns
	Sync bool `mapstructure:"sync"`

	// MaxSegmentBytes triggers a compaction when the active segment grows
	// past it (default: 64MiB)
	MaxSegmentBytes int64 `mapstructure:"max_segment_bytes" validate:"omitempty,gt=0"`

	// CompactEntries triggers a compaction after this many entries
	// (default: 100000)
	CompactEntries int64 `mapstructure:"compact_entries" validate:"omitempty,gt=0"`

	// CompactInterval runs a compaction periodically when entries were
	// appended since the last one (0 = disabled)
	CompactInterval time.Duration `mapstructure:"compact_interval"`

	Logger  *logger.Logger     `mapstructure:"-"`
	Metrics repository.Metrics `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = 64 << 20
	}
	if c.CompactEntries <= 0 {
		c.CompactEntries = 100000
	}
	if c.Metrics == nil {
		c.Metrics = repository.NoopMetrics()
	}
}

// LogRepository implements repository.Repository on segmented log files.
//
// Thread Safety:
// mu serializes appends and guards the index, the active segment and the
// segment list. compactMu keeps compactions exclusive; a compaction holds
// mu only while rotating the active segment and while swapping in the new
// checkpoint.
type LogRepository struct {
	cfg Config
	log *logger.Logger

	mu           sync.RWMutex
	index        *repository.Index
	seq          uint64
	active       *segmentWriter
	closed       []segmentInfo
	cp           checkpoint
	sinceCompact int64
	compactions  int64
	corruptions  int64
	isClosed     bool

	compactMu sync.Mutex

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the log in cfg.Dir and replays it.
//
// Replay applies the snapshot named by the checkpoint, then every segment
// in order, skipping entries already covered by the checkpoint. A damaged
// frame ends its segment: the segment is truncated to its last intact frame
// and replay continues with the next one.
func Open(ctx context.Context, cfg Config) (*LogRepository, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log repository: dir is required")
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := removeTempFiles(cfg.Dir); err != nil {
		return nil, fmt.Errorf("failed to clean log directory: %w", err)
	}

	r := &LogRepository{
		cfg:       cfg,
		log:       cfg.Logger.With("repository"),
		index:     repository.NewIndex(),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if err := r.recover(ctx); err != nil {
		return nil, err
	}

	active, err := openSegmentWriter(cfg.Dir, r.seq+1, cfg.Sync)
	if err != nil {
		return nil, fmt.Errorf("failed to open active segment: %w", err)
	}
	r.active = active

	go r.compactor()

	r.log.Info("Log repository opened: dir=%s records=%d seq=%d segments=%d",
		cfg.Dir, r.index.Len(), r.seq, len(r.closed)+1)
	return r, nil
}

// recover rebuilds the index from the snapshot and segments.
func (r *LogRepository) recover(ctx context.Context) error {
	// ========================================================================
	// Step 1: Checkpoint and snapshot
	// ========================================================================

	cp, err := readCheckpoint(r.cfg.Dir)
	if err != nil {
		return flowerr.Wrap(flowerr.RepositoryCorruption, "log.Open", err)
	}
	r.cp = cp
	r.seq = cp.Seq

	if cp.Snapshot != "" {
		n, err := readSnapshot(filepath.Join(r.cfg.Dir, cp.Snapshot), r.index.Apply)
		if err != nil {
			return flowerr.Wrap(flowerr.RepositoryCorruption, "log.Open",
				fmt.Errorf("snapshot %s: %w", cp.Snapshot, err))
		}
		r.log.Debug("Loaded snapshot %s: %d records", cp.Snapshot, n)
	}

	// ========================================================================
	// Step 2: Segments after the checkpoint
	// ========================================================================

	segments, err := listSegments(r.cfg.Dir)
	if err != nil {
		return flowerr.Wrap(flowerr.RepositoryIO, "log.Open", err)
	}

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := scanSegment(seg.path, func(batch []repository.Entry) error {
			for _, e := range batch {
				if e.Seq <= cp.Seq {
					continue
				}
				r.index.Apply(e)
				if e.Seq > r.seq {
					r.seq = e.Seq
				}
				r.sinceCompact++
			}
			return nil
		})
		if err != nil {
			return flowerr.Wrap(flowerr.RepositoryIO, "log.Open", fmt.Errorf("segment %s: %w", seg.path, err))
		}

		if res.corruption != nil {
			r.corruptions++
			r.cfg.Metrics.RecordCorruption()
			r.log.Warn("Discarding tail of segment %s: %v", filepath.Base(seg.path), res.corruption)
			if err := os.Truncate(seg.path, res.valid); err != nil {
				return flowerr.Wrap(flowerr.RepositoryIO, "log.Open", err)
			}
		}

		// Empty segments and segments fully covered by the checkpoint are
		// leftovers of a crash; nothing in them is needed.
		if res.frames == 0 || res.maxSeq <= cp.Seq {
			if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return flowerr.Wrap(flowerr.RepositoryIO, "log.Open", err)
			}
			continue
		}
		r.closed = append(r.closed, seg)
	}

	return nil
}

// Append writes a batch as one frame to the active segment.
func (r *LogRepository) Append(ctx context.Context, entries []repository.Entry) (last uint64, err error) {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveAppend(len(entries), time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "log.Append", err)
	}
	if err = repository.ValidateBatch(entries); err != nil {
		return 0, err
	}

	r.mu.Lock()

	if r.isClosed {
		r.mu.Unlock()
		return 0, flowerr.New(flowerr.RepositoryIO, "log.Append", "repository closed")
	}

	batch := make([]repository.Entry, len(entries))
	for i, e := range entries {
		e.Seq = r.seq + uint64(i) + 1
		batch[i] = e
	}

	frame, err := encodeFrame(batch)
	if err != nil {
		r.mu.Unlock()
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "log.Append", err)
	}

	if err = r.active.append(frame); err != nil {
		r.mu.Unlock()
		r.log.Error("Append of %d entries failed: %v", len(batch), err)
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "log.Append", err)
	}

	for _, e := range batch {
		r.index.Apply(e)
	}
	r.seq += uint64(len(batch))
	r.sinceCompact += int64(len(batch))
	last = r.seq

	due := r.sinceCompact >= r.cfg.CompactEntries || r.active.size >= r.cfg.MaxSegmentBytes
	r.mu.Unlock()

	if due {
		select {
		case r.triggerCh <- struct{}{}:
		default:
		}
	}
	return last, nil
}

// Get returns a copy of the live record.
func (r *LogRepository) Get(ctx context.Context, id flowfile.ID) (*flowfile.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.index.Get(id)
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "log.Get", "record %s", id)
	}
	return rec, nil
}

// Delete appends a DELETE tombstone for a live record.
func (r *LogRepository) Delete(ctx context.Context, id flowfile.ID) error {
	r.mu.RLock()
	live := r.index.Contains(id)
	r.mu.RUnlock()

	if !live {
		return flowerr.New(flowerr.NotFound, "log.Delete", "record %s", id)
	}
	_, err := r.Append(ctx, []repository.Entry{repository.NewDelete(id)})
	return err
}

// Replay calls fn with a copy of every live record. The index is copied
// under the read lock and iterated without it.
func (r *LogRepository) Replay(ctx context.Context, fn func(*flowfile.Record) error) error {
	r.mu.RLock()
	records := r.index.Records()
	r.mu.RUnlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns repository statistics.
func (r *LogRepository) Stats() repository.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return repository.Stats{
		Records:                r.index.Len(),
		LastSeq:                r.seq,
		CheckpointSeq:          r.cp.Seq,
		Segments:               len(r.closed) + 1,
		EntriesSinceCompaction: r.sinceCompact,
		Compactions:            r.compactions,
		Corruptions:            r.corruptions,
	}
}

// compactor runs compactions when Append signals a threshold or the
// interval ticker fires.
func (r *LogRepository) compactor() {
	defer close(r.doneCh)

	var tick <-chan time.Time
	if r.cfg.CompactInterval > 0 {
		ticker := time.NewTicker(r.cfg.CompactInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.triggerCh:
			r.backgroundCompact()
		case <-tick:
			r.mu.RLock()
			pending := r.sinceCompact
			r.mu.RUnlock()
			if pending > 0 {
				r.backgroundCompact()
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *LogRepository) backgroundCompact() {
	err := r.Compact(context.Background())
	if err != nil && !errors.Is(err, repository.ErrCompactionInProgress) {
		r.log.Error("Background compaction failed: %v", err)
	}
}

// Close stops the compactor and closes the active segment.
func (r *LogRepository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		// Wait for a compaction started by a caller.
		r.compactMu.Lock()
		defer r.compactMu.Unlock()

		r.mu.Lock()
		defer r.mu.Unlock()

		r.isClosed = true
		if cerr := r.active.close(); cerr != nil {
			err = fmt.Errorf("failed to close active segment: %w", cerr)
		}
		r.log.Info("Log repository closed: seq=%d", r.seq)
	})
	return err
}
