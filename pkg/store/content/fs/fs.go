// Package fs implements filesystem-based content storage.
//
// Each claim is one file under <path>/<key[0:2]>/<key>.<seq>. Open
// descriptors are shared through an LRU FDCache bounded by MaxOpenFiles;
// descriptors idle longer than the configured timeout are closed by
// EvictIdle.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// FSContentStoreConfig configures the filesystem content store.
type FSContentStoreConfig struct {
	// Path is the root directory for claim files
	Path string

	// MaxOpenFiles bounds the descriptor cache (default: 512)
	MaxOpenFiles int

	// Sync fsyncs claim files when a writer is closed
	Sync bool

	Logger *logger.Logger
}

// FSContentStore implements content.Store using the local filesystem.
//
// Thread Safety:
// Safe for concurrent use. A per-claim writer lock enforces a single
// writer; readers share the cached descriptor through positional reads.
type FSContentStore struct {
	basePath string
	sync     bool
	fdCache  *FDCache
	gen      claim.Generator
	log      *logger.Logger
	closed   atomic.Bool
}

// NewFSContentStore creates a new filesystem-based content store.
//
// This initializes the store by creating the base directory if it doesn't
// exist. The base directory will be created with permissions 0755.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Store configuration
//
// Returns:
//   - *FSContentStore: Initialized store
//   - error: Returns error if directory creation fails or context is cancelled
func NewFSContentStore(ctx context.Context, cfg FSContentStoreConfig) (*FSContentStore, error) {
	// ========================================================================
	// Step 1: Check context before filesystem operation
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("content path is required")
	}

	// ========================================================================
	// Step 2: Create the base directory if it doesn't exist
	// ========================================================================

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	const defaultFDCacheSize = 512
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = defaultFDCacheSize
	}

	return &FSContentStore{
		basePath: cfg.Path,
		sync:     cfg.Sync,
		fdCache:  NewFDCache(cfg.MaxOpenFiles),
		log:      cfg.Logger.With("content-fs"),
	}, nil
}

// getFilePath returns the full path for a claim. Claims are sharded by the
// first two characters of their key to keep directories small.
func (r *FSContentStore) getFilePath(id claim.ID) string {
	shard := id.Key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(r.basePath, shard, id.String())
}

func openExisting(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// Create allocates a new claim and its empty file.
func (r *FSContentStore) Create(ctx context.Context) (claim.ID, error) {
	if err := ctx.Err(); err != nil {
		return claim.ID{}, err
	}
	if r.closed.Load() {
		return claim.ID{}, content.ErrStoreClosed
	}

	id := r.gen.Next()
	path := r.getFilePath(id)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return claim.ID{}, fmt.Errorf("failed to create shard directory: %w", err)
	}

	_, err := r.fdCache.Acquire(id, path, func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	})
	if err != nil {
		return claim.ID{}, fmt.Errorf("failed to create claim file: %w", err)
	}
	r.fdCache.Release(id)

	return id, nil
}

// Size stats the claim file.
func (r *FSContentStore) Size(ctx context.Context, id claim.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := os.Stat(r.getFilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
		}
		return 0, fmt.Errorf("failed to stat content: %w", err)
	}

	return info.Size(), nil
}

// Exists reports whether the claim file exists.
func (r *FSContentStore) Exists(ctx context.Context, id claim.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(r.getFilePath(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check content existence: %w", err)
}

// Remove closes any cached descriptor and deletes the claim file.
// Removing a missing claim is not an error.
func (r *FSContentStore) Remove(ctx context.Context, id claim.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.fdCache.Remove(id); err != nil {
		r.log.Warn("Failed to close cached descriptor for %s: %v", id, err)
	}

	if err := os.Remove(r.getFilePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove content: %w", err)
	}
	return nil
}

// List walks the shard directories.
func (r *FSContentStore) List(ctx context.Context) ([]claim.ID, error) {
	var ids []claim.ID
	err := r.walk(ctx, func(id claim.ID, _ fs.FileInfo) {
		ids = append(ids, id)
	})
	return ids, err
}

// Stats walks the store and reports descriptor cache usage.
func (r *FSContentStore) Stats(ctx context.Context) (*content.Stats, error) {
	stats := &content.Stats{}
	err := r.walk(ctx, func(_ claim.ID, info fs.FileInfo) {
		stats.Claims++
		stats.TotalBytes += info.Size()
	})
	if err != nil {
		return nil, err
	}
	stats.OpenHandles, stats.MaxOpenHandles = r.fdCache.Stats()
	return stats, nil
}

func (r *FSContentStore) walk(ctx context.Context, fn func(claim.ID, fs.FileInfo)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := filepath.WalkDir(r.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}

		id, parseErr := claim.ParseID(d.Name())
		if parseErr != nil {
			r.log.Debug("Ignoring foreign file in content directory: %s", path)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		fn(id, info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk content directory: %w", err)
	}
	return nil
}

// EvictIdle closes descriptors unused for longer than idle.
func (r *FSContentStore) EvictIdle(idle time.Duration) int {
	n := r.fdCache.EvictIdle(idle)
	if n > 0 {
		r.log.Debug("Evicted %d idle file descriptors", n)
	}
	return n
}

// Close closes every cached descriptor.
func (r *FSContentStore) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.fdCache.Close()
}
