// Package memory implements the volatile metadata log.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Config configures the in-memory repository.
type Config struct {
	// MaxRecords caps the number of live records (0 = unlimited). A batch
	// that would exceed the cap fails with flowerr.RepositoryIO.
	MaxRecords int `mapstructure:"max_records"`

	Metrics repository.Metrics `mapstructure:"-"`
}

// MemoryRepository implements repository.Repository in memory.
//
// Nothing survives a restart; Replay only reflects the current process.
type MemoryRepository struct {
	mu         sync.RWMutex
	index      *repository.Index
	seq        uint64
	sinceCheck int64
	maxRecords int
	closed     bool

	compactMu   sync.Mutex
	compactions int64

	metrics repository.Metrics
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository(cfg Config) *MemoryRepository {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = repository.NoopMetrics()
	}
	return &MemoryRepository{
		index:      repository.NewIndex(),
		maxRecords: cfg.MaxRecords,
		metrics:    metrics,
	}
}

// Append applies a batch atomically.
func (r *MemoryRepository) Append(ctx context.Context, entries []repository.Entry) (last uint64, err error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveAppend(len(entries), time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "memory.Append", err)
	}
	if err = repository.ValidateBatch(entries); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, flowerr.New(flowerr.RepositoryIO, "memory.Append", "repository closed")
	}

	if r.maxRecords > 0 {
		if projected := r.projectedLen(entries); projected > r.maxRecords {
			return 0, flowerr.New(flowerr.RepositoryIO, "memory.Append",
				"repository full: %d records exceeds max_records %d", projected, r.maxRecords)
		}
	}

	for i := range entries {
		r.seq++
		e := entries[i]
		e.Seq = r.seq
		r.index.Apply(e)
	}
	r.sinceCheck += int64(len(entries))

	return r.seq, nil
}

// projectedLen computes the live count after applying entries.
func (r *MemoryRepository) projectedLen(entries []repository.Entry) int {
	n := r.index.Len()
	seen := make(map[flowfile.ID]bool, len(entries))
	for _, e := range entries {
		live, ok := seen[e.RecordID]
		if !ok {
			live = r.index.Contains(e.RecordID)
		}
		switch {
		case e.Op == repository.OpDelete && live:
			n--
			live = false
		case e.Op != repository.OpDelete && !live:
			n++
			live = true
		}
		seen[e.RecordID] = live
	}
	return n
}

// Get returns a copy of the record.
func (r *MemoryRepository) Get(ctx context.Context, id flowfile.ID) (*flowfile.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.index.Get(id)
	if !ok {
		return nil, flowerr.New(flowerr.NotFound, "memory.Get", "record %s", id)
	}
	return rec, nil
}

// Delete appends a tombstone.
func (r *MemoryRepository) Delete(ctx context.Context, id flowfile.ID) error {
	r.mu.RLock()
	live := r.index.Contains(id)
	r.mu.RUnlock()

	if !live {
		return flowerr.New(flowerr.NotFound, "memory.Delete", "record %s", id)
	}
	_, err := r.Append(ctx, []repository.Entry{repository.NewDelete(id)})
	return err
}

// Replay calls fn for every live record.
func (r *MemoryRepository) Replay(ctx context.Context, fn func(*flowfile.Record) error) error {
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

// Compact has nothing to rewrite; it only resets the entry counter.
func (r *MemoryRepository) Compact(ctx context.Context) (err error) {
	if !r.compactMu.TryLock() {
		return repository.ErrCompactionInProgress
	}
	defer r.compactMu.Unlock()

	start := time.Now()
	r.mu.Lock()
	r.sinceCheck = 0
	r.compactions++
	live := r.index.Len()
	r.mu.Unlock()

	r.metrics.ObserveCompaction(live, time.Since(start), nil)
	return nil
}

// Stats returns repository statistics.
func (r *MemoryRepository) Stats() repository.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return repository.Stats{
		Records:                r.index.Len(),
		LastSeq:                r.seq,
		EntriesSinceCompaction: r.sinceCheck,
		Compactions:            r.compactions,
	}
}

// Close marks the repository closed.
func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
