package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// MemoryContentStore implements content.Store using in-memory storage.
//
// This is the volatile content repository. It's designed for:
//   - Testing and development
//   - Ephemeral agents whose flow files need not survive a restart
//
// Characteristics:
//   - Fast: All operations are memory-speed
//   - Volatile: Data lost on restart
//   - Memory-bound: Limited by available RAM
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Readers receive a view of
// the bytes present when the reader was opened; later appends are not
// visible through an already-open reader.
type MemoryContentStore struct {
	// blobs stores claim content keyed by claim id
	blobs map[claim.ID]*blob

	// mu protects blobs and closed
	mu sync.RWMutex

	gen    claim.Generator
	closed bool
}

type blob struct {
	data    []byte
	writing bool
}

// NewMemoryContentStore creates a new in-memory content store.
//
// Parameters:
//   - ctx: Context for cancellation (checked before initialization)
//
// Returns:
//   - *MemoryContentStore: Initialized store
//   - error: Only returns error if context is cancelled
func NewMemoryContentStore(ctx context.Context) (*MemoryContentStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &MemoryContentStore{
		blobs: make(map[claim.ID]*blob),
	}, nil
}

// Create allocates a new, empty claim.
func (s *MemoryContentStore) Create(ctx context.Context) (claim.ID, error) {
	if err := ctx.Err(); err != nil {
		return claim.ID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return claim.ID{}, content.ErrStoreClosed
	}

	id := s.gen.Next()
	s.blobs[id] = &blob{}
	return id, nil
}

// Size returns the number of bytes in the claim.
func (s *MemoryContentStore) Size(ctx context.Context, id claim.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[id]
	if !ok {
		return 0, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
	}
	return int64(len(b.data)), nil
}

// Exists reports whether the claim is present.
func (s *MemoryContentStore) Exists(ctx context.Context, id claim.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blobs[id]
	return ok, nil
}

// Remove deletes the claim. Idempotent.
func (s *MemoryContentStore) Remove(ctx context.Context, id claim.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, id)
	return nil
}

// List returns all claims present.
func (s *MemoryContentStore) List(ctx context.Context) ([]claim.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]claim.ID, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	return ids, nil
}

// Stats returns statistics computed on the fly.
func (s *MemoryContentStore) Stats(ctx context.Context) (*content.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, b := range s.blobs {
		total += int64(len(b.data))
	}

	return &content.Stats{
		Claims:     int64(len(s.blobs)),
		TotalBytes: total,
	}, nil
}

// Close drops all content.
func (s *MemoryContentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.blobs = make(map[claim.ID]*blob)
	return nil
}
