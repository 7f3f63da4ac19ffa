package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// OpenWriter opens an append stream on the claim.
//
// Returns:
//   - io.WriteCloser: Append stream
//   - error: ErrContentNotFound if the claim does not exist, ErrClaimBusy if
//     another writer is open
func (s *MemoryContentStore) OpenWriter(ctx context.Context, id claim.ID) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
	}
	if b.writing {
		return nil, fmt.Errorf("claim %s: %w", id, content.ErrClaimBusy)
	}
	b.writing = true

	return &memoryWriter{store: s, id: id, blob: b}, nil
}

// OpenReader returns a reader over a snapshot of the requested range.
func (s *MemoryContentStore) OpenReader(ctx context.Context, id claim.ID, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
	}

	n, err := content.ResolveRange(int64(len(b.data)), offset, length)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}

	// Slicing without copying is safe: appends never modify bytes below
	// the current length.
	view := b.data[offset : offset+n : offset+n]
	return io.NopCloser(bytes.NewReader(view)), nil
}

// Read returns a copy of the requested range.
func (s *MemoryContentStore) Read(ctx context.Context, id claim.ID, offset, length int64) ([]byte, error) {
	return content.ReadRange(ctx, s, id, offset, length)
}

type memoryWriter struct {
	store  *MemoryContentStore
	id     claim.ID
	blob   *blob
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("claim %s: write on closed writer", w.id)
	}
	if cur, ok := w.store.blobs[w.id]; !ok || cur != w.blob {
		return 0, fmt.Errorf("claim %s: %w", w.id, content.ErrContentNotFound)
	}

	w.blob.data = append(w.blob.data, p...)
	return len(p), nil
}

func (w *memoryWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.blob.writing = false
	return nil
}
