package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// OpenReader reads [offset, offset+length) with a byte-range GET.
//
// Context Cancellation:
// The S3 GetObject operation respects context cancellation.
func (s *S3ContentStore) OpenReader(ctx context.Context, id claim.ID, offset, length int64) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("OpenReader", time.Since(start), err)
	}()

	size, err := s.Size(ctx, id)
	if err != nil {
		return nil, err
	}

	n, err := content.ResolveRange(size, offset, length)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if n == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getObjectKey(id)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+n-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	return &metricsReadCloser{
		ReadCloser: result.Body,
		metrics:    s.metrics,
		operation:  "read",
	}, nil
}

// Read returns the requested range.
func (s *S3ContentStore) Read(ctx context.Context, id claim.ID, offset, length int64) ([]byte, error) {
	return content.ReadRange(ctx, s, id, offset, length)
}

// OpenWriter returns a buffering writer. The existing object, if not
// empty, is downloaded first so the upload on Close appends to it.
func (s *S3ContentStore) OpenWriter(ctx context.Context, id claim.ID) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, busy := s.writers.LoadOrStore(id, struct{}{}); busy {
		return nil, fmt.Errorf("claim %s: %w", id, content.ErrClaimBusy)
	}

	existing, err := s.Read(ctx, id, 0, -1)
	if err != nil {
		s.writers.Delete(id)
		return nil, err
	}

	w := &s3Writer{store: s, ctx: ctx, id: id, base: len(existing)}
	w.buf.Write(existing)
	return w, nil
}

// s3Writer buffers writes and uploads the whole object on Close.
type s3Writer struct {
	store  *S3ContentStore
	ctx    context.Context
	id     claim.ID
	buf    bytes.Buffer
	base   int
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("claim %s: write on closed writer", w.id)
	}
	return w.buf.Write(p)
}

func (w *s3Writer) Close() (err error) {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.store.writers.Delete(w.id)

	appended := w.buf.Len() - w.base
	if appended == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		w.store.metrics.ObserveOperation("PutObject", time.Since(start), err)
	}()

	// The claim may have been removed while the writer was open.
	if _, err = w.store.Size(w.ctx, w.id); err != nil {
		return err
	}

	_, err = w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.store.getObjectKey(w.id)),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	w.store.metrics.RecordBytes("write", int64(appended))
	return nil
}
