// Package content defines the content store: append-only byte blobs
// addressed by resource claim ids.
//
// The content store manages only raw bytes. Flow file records reference a
// range inside a claim through flowfile.ContentRef; the claim manager keeps
// reference counts and asks the store to Remove a claim once nothing
// references it.
//
// Backends:
//   - memory: volatile, for tests and ephemeral agents
//   - fs: one file per claim with a bounded cache of open handles
//   - badger: chunked values in an embedded database, lz4 compressed
//   - s3: one object per claim
package content

import (
	"context"
	"io"
	"time"

	"github.com/marmos91/edgeflow/pkg/claim"
)

// Store is the capability set every content backend implements.
//
// Content Lifecycle:
//  1. Create allocates a new claim id and its (empty) physical unit
//  2. OpenWriter appends bytes while the claim is being written
//  3. Once the writer is closed the bytes already written are immutable
//  4. Remove deletes the unit when the claim's reference count hits zero
//
// Thread Safety:
// Implementations must be safe for concurrent use. At most one writer per
// claim may be open; a second OpenWriter returns ErrClaimBusy. Readers may
// run concurrently with the writer and observe the bytes written so far.
type Store interface {
	// Create allocates a fresh claim.
	//
	// Returns:
	//   - claim.ID: The new claim identity (generated key + counter)
	//   - error: Backend failure or context cancellation
	Create(ctx context.Context) (claim.ID, error)

	// OpenWriter opens an append stream at the current end of the claim.
	//
	// Parameters:
	//   - ctx: Context for cancellation (checked before opening)
	//   - id: Claim to append to
	//
	// Returns:
	//   - io.WriteCloser: Append stream (must be closed by caller)
	//   - error: ErrContentNotFound, ErrClaimBusy, or backend errors
	OpenWriter(ctx context.Context, id claim.ID) (io.WriteCloser, error)

	// OpenReader opens a reader over [offset, offset+length). A negative
	// length reads to the end of the claim.
	//
	// Returns:
	//   - io.ReadCloser: Range reader (must be closed by caller)
	//   - error: ErrContentNotFound, ErrInvalidOffset, or backend errors
	OpenReader(ctx context.Context, id claim.ID, offset, length int64) (io.ReadCloser, error)

	// Read returns the bytes of [offset, offset+length).
	Read(ctx context.Context, id claim.ID, offset, length int64) ([]byte, error)

	// Size returns the number of bytes written to the claim so far.
	Size(ctx context.Context, id claim.ID) (int64, error)

	// Exists reports whether the claim's physical unit is present.
	Exists(ctx context.Context, id claim.ID) (bool, error)

	// Remove deletes the claim's bytes. Removing a missing claim is not an
	// error.
	Remove(ctx context.Context, id claim.ID) error

	// List returns every claim present in the store. Used by the orphan
	// collector.
	List(ctx context.Context) ([]claim.ID, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources.
	Close() error
}

// IdleEvicter is implemented by stores that keep open handles.
type IdleEvicter interface {
	// EvictIdle closes handles not used for longer than idle and returns how
	// many were closed.
	EvictIdle(idle time.Duration) int
}

// BatchRemover is implemented by stores that can delete many claims in one
// round trip. The orphan collector prefers it over Remove.
type BatchRemover interface {
	// RemoveBatch returns the per-claim failures; a non-nil error means the
	// batch was aborted.
	RemoveBatch(ctx context.Context, ids []claim.ID) (map[claim.ID]error, error)
}

// Stats describes a content store.
type Stats struct {
	// Claims is the number of claims present
	Claims int64

	// TotalBytes is the sum of all claim sizes
	TotalBytes int64

	// OpenHandles is the number of cached open handles (fs only)
	OpenHandles int

	// MaxOpenHandles is the handle cache bound (fs only)
	MaxOpenHandles int
}
