package content

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/marmos91/edgeflow/pkg/claim"
)

// ResolveRange validates a read range against the claim size and returns
// the concrete number of bytes to read. A negative length means "to the
// end". A range running past the end is clipped.
func ResolveRange(size, offset, length int64) (int64, error) {
	if offset < 0 || offset > size {
		return 0, fmt.Errorf("offset %d (size %d): %w", offset, size, ErrInvalidOffset)
	}
	remaining := size - offset
	if length < 0 || length > remaining {
		return remaining, nil
	}
	return length, nil
}

// ReadRange reads a range fully through s.OpenReader. Backends use it to
// implement Read.
func ReadRange(ctx context.Context, s Store, id claim.ID, offset, length int64) ([]byte, error) {
	r, err := s.OpenReader(ctx, id, offset, length)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if length > 0 {
		buf.Grow(int(length))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read claim %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

// readCloser pairs a reader with a close function.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error {
	if r.close == nil {
		return nil
	}
	err := r.close()
	r.close = nil
	return err
}

// NewReadCloser wraps r with a close callback. The callback runs at most
// once.
func NewReadCloser(r io.Reader, close func() error) io.ReadCloser {
	return &readCloser{Reader: r, close: close}
}
