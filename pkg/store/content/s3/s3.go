// Package s3 implements S3-based content storage.
//
// Each claim is one object under <prefix><key>.<seq>. Objects are written
// in one PutObject when the claim writer is closed, so an object is never
// observed half-written. Appending to an existing claim re-uploads the
// object with the new bytes at the end.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// Client is the subset of the S3 API used by the store. *s3.Client
// satisfies it.
type Client interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3ContentStore implements content.Store on an S3 bucket.
type S3ContentStore struct {
	client    Client
	bucket    string
	keyPrefix string // Optional prefix for all keys
	metrics   S3Metrics
	log       *logger.Logger
	gen       claim.Generator
	writers   sync.Map // claim.ID -> struct{}
}

// S3ContentStoreConfig contains configuration for the S3 content store.
type S3ContentStoreConfig struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys (e.g., "claims/")
	KeyPrefix string

	// Metrics is optional
	Metrics S3Metrics

	Logger *logger.Logger
}

// NewS3ContentStore creates a new S3-based content store.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Store configuration
//
// Returns:
//   - *S3ContentStore: Initialized store
//   - error: Returns error if the configuration is invalid
func NewS3ContentStore(ctx context.Context, cfg S3ContentStoreConfig) (*S3ContentStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &S3ContentStore{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   metrics,
		log:       cfg.Logger.With("content-s3"),
	}, nil
}

func (s *S3ContentStore) getObjectKey(id claim.ID) string {
	return s.keyPrefix + id.String()
}

func (s *S3ContentStore) parseObjectKey(key string) (claim.ID, bool) {
	if !strings.HasPrefix(key, s.keyPrefix) {
		return claim.ID{}, false
	}
	id, err := claim.ParseID(key[len(s.keyPrefix):])
	if err != nil {
		return claim.ID{}, false
	}
	return id, true
}

// Create uploads an empty object for a fresh claim.
func (s *S3ContentStore) Create(ctx context.Context) (id claim.ID, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("Create", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return claim.ID{}, err
	}

	id = s.gen.Next()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getObjectKey(id)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return claim.ID{}, fmt.Errorf("failed to create object: %w", err)
	}
	return id, nil
}

// Size returns the object size from HeadObject.
func (s *S3ContentStore) Size(ctx context.Context, id claim.ID) (size int64, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("Size", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return 0, err
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getObjectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
		}
		return 0, fmt.Errorf("failed to head object: %w", err)
	}

	return aws.ToInt64(result.ContentLength), nil
}

// Exists reports whether the object exists.
func (s *S3ContentStore) Exists(ctx context.Context, id claim.ID) (bool, error) {
	_, err := s.Size(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, content.ErrContentNotFound) {
		return false, nil
	}
	return false, err
}

// Remove deletes the object. S3 deletes are idempotent.
func (s *S3ContentStore) Remove(ctx context.Context, id claim.ID) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("Remove", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getObjectKey(id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Stats lists the bucket prefix and sums object sizes.
func (s *S3ContentStore) Stats(ctx context.Context) (*content.Stats, error) {
	stats := &content.Stats{}
	err := s.listObjects(ctx, func(_ claim.ID, size int64) {
		stats.Claims++
		stats.TotalBytes += size
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *S3ContentStore) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
