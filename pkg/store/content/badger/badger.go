// Package badger implements the database-backed content store on BadgerDB.
//
// Claim bytes are stored as fixed size chunks, each optionally compressed
// with lz4. See keys.go for the key layout.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/edgeflow/internal/codec"
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

const defaultChunkSize = 64 * 1024

// BadgerContentStoreConfig configures the database content store.
type BadgerContentStoreConfig struct {
	// DBPath is the BadgerDB directory. Ignored when InMemory is set.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk (tests)
	InMemory bool `mapstructure:"in_memory"`

	// ChunkSize is the size of each stored chunk (default: 64KiB)
	ChunkSize int `mapstructure:"chunk_size"`

	// Compression enables lz4 block compression of chunks
	Compression bool `mapstructure:"compression"`

	// BadgerOptions overrides every option above except ChunkSize and
	// Compression
	BadgerOptions *badger.Options `mapstructure:"-"`

	Logger *logger.Logger `mapstructure:"-"`
}

// claimMeta is the value stored under m:<claim>.
type claimMeta struct {
	Size int64 `cbor:"1,keyasint"`
}

// BadgerContentStore implements content.Store on BadgerDB.
//
// Thread Safety:
// Safe for concurrent use. BadgerDB transactions provide isolation; a
// per-claim writer flag enforces the single-writer rule. Bytes become
// visible to readers as each chunk is flushed and when the writer closes.
type BadgerContentStore struct {
	db          *badger.DB
	chunkSize   int
	compression bool
	gen         claim.Generator
	writers     sync.Map // claim.ID -> struct{}
	log         *logger.Logger
	closed      atomic.Bool
}

// NewBadgerContentStore opens (or creates) the database.
//
// Parameters:
//   - ctx: Context for cancellation (checked before opening)
//   - cfg: Store configuration
//
// Returns:
//   - *BadgerContentStore: Opened store
//   - error: Returns error if the database cannot be opened
func NewBadgerContentStore(ctx context.Context, cfg BadgerContentStoreConfig) (*BadgerContentStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	switch {
	case cfg.BadgerOptions != nil:
		opts = *cfg.BadgerOptions
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	default:
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	if cfg.BadgerOptions == nil {
		opts = opts.WithLoggingLevel(badger.WARNING) // Reduce log noise
		opts = opts.WithCompression(options.None)    // Chunks carry their own lz4 framing
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	return &BadgerContentStore{
		db:          db,
		chunkSize:   chunkSize,
		compression: cfg.Compression,
		log:         cfg.Logger.With("content-badger"),
	}, nil
}

// Create allocates a claim with an empty meta entry.
func (s *BadgerContentStore) Create(ctx context.Context) (claim.ID, error) {
	if err := ctx.Err(); err != nil {
		return claim.ID{}, err
	}
	if s.closed.Load() {
		return claim.ID{}, content.ErrStoreClosed
	}

	id := s.gen.Next()
	err := s.db.Update(func(txn *badger.Txn) error {
		return putMeta(txn, id, claimMeta{})
	})
	if err != nil {
		return claim.ID{}, fmt.Errorf("failed to create claim: %w", err)
	}
	return id, nil
}

// Size returns the committed size of the claim.
func (s *BadgerContentStore) Size(ctx context.Context, id claim.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var meta claimMeta
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		meta, err = getMeta(txn, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// Exists reports whether the claim meta entry exists.
func (s *BadgerContentStore) Exists(ctx context.Context, id claim.ID) (bool, error) {
	_, err := s.Size(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, content.ErrContentNotFound) {
		return false, nil
	}
	return false, err
}

// Remove deletes the claim meta and all its chunks. Idempotent.
func (s *BadgerContentStore) Remove(ctx context.Context, id claim.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// ========================================================================
	// Step 1: Collect chunk keys
	// ========================================================================

	keys := [][]byte{keyMeta(id)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyChunkPrefix(id)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan chunks of %s: %w", id, err)
	}

	// ========================================================================
	// Step 2: Delete in a write batch (claims may exceed one transaction)
	// ========================================================================

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// List iterates the meta namespace.
func (s *BadgerContentStore) List(ctx context.Context) ([]claim.ID, error) {
	var ids []claim.ID
	err := s.scanMeta(ctx, func(id claim.ID, _ claimMeta) {
		ids = append(ids, id)
	})
	return ids, err
}

// Stats sums claim sizes from the meta namespace.
func (s *BadgerContentStore) Stats(ctx context.Context) (*content.Stats, error) {
	stats := &content.Stats{}
	err := s.scanMeta(ctx, func(_ claim.ID, meta claimMeta) {
		stats.Claims++
		stats.TotalBytes += meta.Size
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BadgerContentStore) scanMeta(ctx context.Context, fn func(claim.ID, claimMeta)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMeta)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			id, ok := parseMetaKey(item.Key())
			if !ok {
				s.log.Warn("Skipping malformed meta key %q", item.Key())
				continue
			}

			var meta claimMeta
			if err := item.Value(func(val []byte) error {
				return codec.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("failed to decode meta of %s: %w", id, err)
			}
			fn(id, meta)
		}
		return nil
	})
}

// RunGC runs BadgerDB value log garbage collection until nothing is left
// to rewrite.
func (s *BadgerContentStore) RunGC(discardRatio float64) {
	for {
		if err := s.db.RunValueLogGC(discardRatio); err != nil {
			return
		}
	}
}

// Close closes the database.
func (s *BadgerContentStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

func getMeta(txn *badger.Txn, id claim.ID) (claimMeta, error) {
	var meta claimMeta

	item, err := txn.Get(keyMeta(id))
	if err == badger.ErrKeyNotFound {
		return meta, fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
	}
	if err != nil {
		return meta, fmt.Errorf("failed to get meta of %s: %w", id, err)
	}

	err = item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &meta)
	})
	if err != nil {
		return meta, fmt.Errorf("failed to decode meta of %s: %w", id, err)
	}
	return meta, nil
}

func putMeta(txn *badger.Txn, id claim.ID, meta claimMeta) error {
	data, err := codec.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	return txn.Set(keyMeta(id), data)
}
