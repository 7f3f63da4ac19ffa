package badger

import (
	"context"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// OpenWriter opens an append stream. The trailing partial chunk, if any,
// is loaded into the write buffer and rewritten on the next flush.
func (s *BadgerContentStore) OpenWriter(ctx context.Context, id claim.ID) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, content.ErrStoreClosed
	}

	if _, busy := s.writers.LoadOrStore(id, struct{}{}); busy {
		return nil, fmt.Errorf("claim %s: %w", id, content.ErrClaimBusy)
	}

	w := &chunkWriter{store: s, id: id}
	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := getMeta(txn, id)
		if err != nil {
			return err
		}

		w.index = uint64(meta.Size / int64(s.chunkSize))
		if meta.Size%int64(s.chunkSize) == 0 {
			return nil
		}

		tail, err := getChunk(txn, id, w.index)
		if err != nil {
			return err
		}
		w.buf = append(make([]byte, 0, s.chunkSize), tail...)
		return nil
	})
	if err != nil {
		s.writers.Delete(id)
		return nil, err
	}

	return w, nil
}

// OpenReader returns a reader that loads chunks lazily.
func (s *BadgerContentStore) OpenReader(ctx context.Context, id claim.ID, offset, length int64) (io.ReadCloser, error) {
	size, err := s.Size(ctx, id)
	if err != nil {
		return nil, err
	}

	n, err := content.ResolveRange(size, offset, length)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}

	return io.NopCloser(&chunkReader{store: s, id: id, pos: offset, end: offset + n}), nil
}

// Read returns the requested range.
func (s *BadgerContentStore) Read(ctx context.Context, id claim.ID, offset, length int64) ([]byte, error) {
	return content.ReadRange(ctx, s, id, offset, length)
}

func getChunk(txn *badger.Txn, id claim.ID, index uint64) ([]byte, error) {
	item, err := txn.Get(keyChunk(id, index))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("claim %s chunk %d: %w", id, index, content.ErrContentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %d of %s: %w", index, id, err)
	}

	var data []byte
	err = item.Value(func(val []byte) error {
		var err error
		data, err = decodeChunk(val)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %d of %s: %w", index, id, err)
	}
	return data, nil
}

type chunkWriter struct {
	store  *BadgerContentStore
	id     claim.ID
	index  uint64 // index of the chunk held in buf
	buf    []byte
	dirty  bool
	closed bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("claim %s: write on closed writer", w.id)
	}

	written := 0
	for len(p) > 0 {
		room := w.store.chunkSize - len(w.buf)
		n := min(room, len(p))
		w.buf = append(w.buf, p[:n]...)
		w.dirty = true
		p = p[n:]
		written += n

		if len(w.buf) == w.store.chunkSize {
			if err := w.flush(); err != nil {
				return written, err
			}
			w.index++
			w.buf = w.buf[:0]
			w.dirty = false
		}
	}
	return written, nil
}

// flush writes the buffered chunk and the new size in one transaction.
func (w *chunkWriter) flush() error {
	value := encodeChunk(w.buf, w.store.compression)
	size := int64(w.index)*int64(w.store.chunkSize) + int64(len(w.buf))

	err := w.store.db.Update(func(txn *badger.Txn) error {
		if _, err := getMeta(txn, w.id); err != nil {
			return err
		}
		if err := txn.Set(keyChunk(w.id, w.index), value); err != nil {
			return err
		}
		return putMeta(txn, w.id, claimMeta{Size: size})
	})
	if err != nil {
		return fmt.Errorf("failed to write chunk %d of %s: %w", w.index, w.id, err)
	}
	return nil
}

func (w *chunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.store.writers.Delete(w.id)

	if !w.dirty || len(w.buf) == 0 {
		return nil
	}
	return w.flush()
}

type chunkReader struct {
	store *BadgerContentStore
	id    claim.ID
	pos   int64
	end   int64

	cached      []byte
	cachedIndex uint64
	hasCache    bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= r.end {
		return 0, io.EOF
	}

	chunkSize := int64(r.store.chunkSize)
	index := uint64(r.pos / chunkSize)

	if !r.hasCache || r.cachedIndex != index {
		err := r.store.db.View(func(txn *badger.Txn) error {
			data, err := getChunk(txn, r.id, index)
			if err != nil {
				return err
			}
			r.cached = data
			return nil
		})
		if err != nil {
			return 0, err
		}
		r.cachedIndex = index
		r.hasCache = true
	}

	within := r.pos - int64(index)*chunkSize
	if within >= int64(len(r.cached)) {
		return 0, io.ErrUnexpectedEOF
	}

	avail := r.cached[within:]
	if remaining := r.end - r.pos; int64(len(avail)) > remaining {
		avail = avail[:remaining]
	}

	n := copy(p, avail)
	r.pos += int64(n)
	return n, nil
}
