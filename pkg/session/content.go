package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// contentError maps content store errors onto the session taxonomy.
func contentError(op string, id claim.ID, err error) error {
	if errors.Is(err, content.ErrContentNotFound) {
		return &flowerr.Error{Code: flowerr.ClaimNotFound, Op: op, Message: "claim " + id.String(), Err: err}
	}
	return flowerr.Wrap(flowerr.TransientIO, op, fmt.Errorf("claim %s: %w", id, err))
}

// ============================================================================
// Read
// ============================================================================

// Streams are used outside the session lock, while the Sweeper may abort
// them under it. Lock order: Session.mu, then the stream's mu.
type readStream struct {
	s     *Session
	inner io.ReadCloser

	mu     sync.Mutex
	closed bool
}

func (r *readStream) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, flowerr.New(flowerr.ContractViolation, "session.Read", "read on closed stream")
	}
	return r.inner.Read(p)
}

func (r *readStream) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	delete(r.s.streams, r)
	return r.inner.Close()
}

// abort closes the stream on rollback. Caller holds Session.mu.
func (r *readStream) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	_ = r.inner.Close()
}

// Read opens a stream over the content of rec. A record without content
// reads as empty. The stream must be closed before Commit.
func (s *Session) Read(ctx context.Context, rec *flowfile.Record) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.Read", rec)
	if err != nil {
		return nil, err
	}
	if e.writing {
		return nil, flowerr.New(flowerr.ContractViolation, "session.Read", "record %s has an open write stream", rec.ID)
	}

	var inner io.ReadCloser
	if ref := e.current.Content; ref == nil || ref.Length == 0 {
		inner = io.NopCloser(bytes.NewReader(nil))
	} else {
		inner, err = s.repos.Content.OpenReader(ctx, ref.Claim, ref.Offset, ref.Length)
		if err != nil {
			return nil, contentError("session.Read", ref.Claim, err)
		}
	}

	rs := &readStream{s: s, inner: inner}
	s.streams[rs] = struct{}{}
	return rs, nil
}

// Export copies the content of rec to w.
func (s *Session) Export(ctx context.Context, rec *flowfile.Record, w io.Writer) (int64, error) {
	r, err := s.Read(ctx, rec)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, flowerr.Wrap(flowerr.TransientIO, "session.Export", err)
	}
	return n, nil
}

// ============================================================================
// Write
// ============================================================================

type writeStream struct {
	s     *Session
	e     *entry
	fc    *freshClaim
	inner io.WriteCloser

	// start and existing describe the content the stream extends: the
	// record's final range is [start, start+existing+n)
	start    int64
	existing int64

	mu     sync.Mutex
	n      int64
	closed bool
}

func (w *writeStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, flowerr.New(flowerr.ContractViolation, "session.Write", "write on closed stream")
	}
	n, err := w.inner.Write(p)
	w.n += int64(n)
	return n, err
}

// Close seals the stream and points the record at the written range.
func (w *writeStream) Close() error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	delete(w.s.streams, w)
	w.e.writing = false
	w.fc.writing = false

	if err := w.inner.Close(); err != nil {
		return contentError("session.Write", w.fc.claim.ID(), err)
	}

	length := w.existing + w.n
	w.e.current.Content = &flowfile.ContentRef{
		Claim:  w.fc.claim.ID(),
		Offset: w.start,
		Length: length,
	}
	w.e.current.Size = length
	w.fc.size = w.start + length
	w.fc.owner = w.e.current.ID
	return nil
}

// discard closes the stream without touching the record.
func (w *writeStream) discard() {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	delete(w.s.streams, w)
	w.abort()
}

// abort closes the stream on rollback. Caller holds Session.mu.
func (w *writeStream) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.e.writing = false
	w.fc.writing = false
	_ = w.inner.Close()
}

// Write opens a stream replacing the content of rec. The bytes go to a
// fresh claim; the previous claim is left untouched and its reference is
// released only at commit.
func (s *Session) Write(ctx context.Context, rec *flowfile.Record) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupForWrite("session.Write", rec)
	if err != nil {
		return nil, err
	}
	return s.openFresh(ctx, "session.Write", e, nil)
}

// Append opens a stream extending the content of rec.
//
// When rec's content is the tail of a claim allocated by this session, the
// bytes are appended in place. Otherwise the current content is copied
// into a fresh claim first, so bytes shared with other records never
// change.
func (s *Session) Append(ctx context.Context, rec *flowfile.Record) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupForWrite("session.Append", rec)
	if err != nil {
		return nil, err
	}

	ref := e.current.Content
	if ref == nil {
		return s.openFresh(ctx, "session.Append", e, nil)
	}

	if fc, ok := s.fresh[ref.Claim]; ok && !fc.writing && fc.owner == e.current.ID && ref.Offset+ref.Length == fc.size {
		inner, err := s.repos.Content.OpenWriter(ctx, ref.Claim)
		if err != nil {
			return nil, contentError("session.Append", ref.Claim, err)
		}
		return s.track(&writeStream{s: s, e: e, fc: fc, inner: inner, start: ref.Offset, existing: ref.Length}), nil
	}

	return s.openFresh(ctx, "session.Append", e, ref)
}

func (s *Session) lookupForWrite(op string, rec *flowfile.Record) (*entry, error) {
	e, err := s.lookup(op, rec)
	if err != nil {
		return nil, err
	}
	if e.writing {
		return nil, flowerr.New(flowerr.ContractViolation, op, "record %s already has an open write stream", rec.ID)
	}
	return e, nil
}

// openFresh allocates a claim and opens a writer on it. When copyFrom is
// set its bytes are copied into the new claim first. Caller holds mu.
func (s *Session) openFresh(ctx context.Context, op string, e *entry, copyFrom *flowfile.ContentRef) (io.WriteCloser, error) {
	rc, err := s.repos.Claims.New(ctx)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.TransientIO, op, err)
	}
	fc := &freshClaim{claim: rc}
	s.fresh[rc.ID()] = fc

	inner, err := s.repos.Content.OpenWriter(ctx, rc.ID())
	if err != nil {
		return nil, contentError(op, rc.ID(), err)
	}

	var existing int64
	if copyFrom != nil && copyFrom.Length > 0 {
		src, err := s.repos.Content.OpenReader(ctx, copyFrom.Claim, copyFrom.Offset, copyFrom.Length)
		if err != nil {
			_ = inner.Close()
			return nil, contentError(op, copyFrom.Claim, err)
		}
		existing, err = io.Copy(inner, src)
		_ = src.Close()
		if err != nil {
			_ = inner.Close()
			return nil, flowerr.Wrap(flowerr.TransientIO, op, fmt.Errorf("copy %s: %w", copyFrom, err))
		}
	}

	return s.track(&writeStream{s: s, e: e, fc: fc, inner: inner, existing: existing}), nil
}

func (s *Session) track(w *writeStream) *writeStream {
	w.e.writing = true
	w.fc.writing = true
	s.streams[w] = struct{}{}
	return w
}

// Import replaces the content of rec with everything read from r.
func (s *Session) Import(ctx context.Context, rec *flowfile.Record, r io.Reader) (int64, error) {
	w, err := s.Write(ctx, rec)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.(*writeStream).discard()
		if _, ok := flowerr.CodeOf(err); ok {
			return n, err
		}
		return n, flowerr.Wrap(flowerr.TransientIO, "session.Import", err)
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}
