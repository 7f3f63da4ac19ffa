// Package repository defines the metadata log: the durable, append-only
// record of flow file snapshots from which the live record set is rebuilt
// after a restart.
//
// Every mutation is an Entry (ADD, UPDATE or DELETE) carrying a monotonic
// sequence number. A batch passed to Append is atomic: after a crash either
// every entry of the batch is replayed or none is.
//
// Backends:
//   - memory: volatile, for tests and ephemeral agents
//   - log: segmented append-only files with checkpoints and compaction
//   - badger: one key per live record in an embedded database
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// ErrCompactionInProgress is returned by Compact when another compaction
// is already running.
var ErrCompactionInProgress = errors.New("compaction already in progress")

// Repository is the capability set every metadata log backend implements.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Appends are serialized
// internally; Get and Replay may run concurrently with Append.
type Repository interface {
	// Append durably writes a batch of entries and returns the sequence
	// number assigned to the last one. Entry.Seq is assigned by the
	// repository and ignored on input.
	//
	// Returns:
	//   - uint64: Last assigned sequence number
	//   - error: flowerr.RepositoryIO if the batch could not be made
	//     durable (nothing from the batch is visible), flowerr.InvalidArgument
	//     for malformed entries
	Append(ctx context.Context, entries []Entry) (uint64, error)

	// Get returns a copy of the live record.
	//
	// Returns:
	//   - error: flowerr.NotFound when the record is absent or deleted
	Get(ctx context.Context, id flowfile.ID) (*flowfile.Record, error)

	// Delete appends a DELETE tombstone for id.
	//
	// Returns:
	//   - error: flowerr.NotFound when the record is not live
	Delete(ctx context.Context, id flowfile.ID) error

	// Replay calls fn with a copy of every live record. Iteration stops at
	// the first error returned by fn.
	Replay(ctx context.Context, fn func(*flowfile.Record) error) error

	// Compact shrinks the persisted log. Never runs concurrently with
	// itself: a second caller gets ErrCompactionInProgress.
	Compact(ctx context.Context) error

	// Stats returns repository statistics.
	Stats() Stats

	// Close flushes and releases resources.
	Close() error
}

// Stats describes a repository.
type Stats struct {
	// Records is the number of live records
	Records int

	// LastSeq is the last assigned sequence number
	LastSeq uint64

	// CheckpointSeq is the sequence number covered by the last compaction
	CheckpointSeq uint64

	// Segments is the number of log segment files (log backend only)
	Segments int

	// EntriesSinceCompaction counts entries appended since the last
	// compaction
	EntriesSinceCompaction int64

	Compactions int64
	Corruptions int64
}

// Metrics observes repository activity. Optional.
type Metrics interface {
	ObserveAppend(entries int, duration time.Duration, err error)
	ObserveCompaction(live int, duration time.Duration, err error)
	RecordCorruption()
}

type noopMetrics struct{}

func (noopMetrics) ObserveAppend(int, time.Duration, error)     {}
func (noopMetrics) ObserveCompaction(int, time.Duration, error) {}
func (noopMetrics) RecordCorruption()                           {}

// NoopMetrics returns a Metrics that discards everything.
func NoopMetrics() Metrics {
	return noopMetrics{}
}
