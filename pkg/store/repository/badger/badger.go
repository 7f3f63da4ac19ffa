// Package badger implements the metadata log on BadgerDB.
//
// Each live record is one key; an Append batch is one BadgerDB
// transaction, which gives the batch atomicity for free.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/edgeflow/internal/codec"
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Config configures a BadgerRepository.
type Config struct {
	// DBPath is the BadgerDB directory. Ignored when InMemory is set.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk (tests)
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites fsyncs every transaction commit
	SyncWrites bool `mapstructure:"sync_writes"`

	// GCDiscardRatio is passed to RunValueLogGC by Compact (default: 0.5)
	GCDiscardRatio float64 `mapstructure:"gc_discard_ratio" validate:"omitempty,gt=0,lt=1"`

	Logger  *logger.Logger     `mapstructure:"-"`
	Metrics repository.Metrics `mapstructure:"-"`
}

// BadgerRepository implements repository.Repository on BadgerDB.
//
// Thread Safety:
// appendMu serializes sequence assignment; BadgerDB provides MVCC
// isolation for readers, so Get and Replay never take the lock.
type BadgerRepository struct {
	db      *badger.DB
	log     *logger.Logger
	metrics repository.Metrics
	ratio   float64

	appendMu     sync.Mutex
	seq          uint64
	records      int
	sinceCompact int64
	closed       bool

	compactMu   sync.Mutex
	compactions int64
}

// Open opens (or creates) the database and loads the sequence number and
// record count.
func Open(ctx context.Context, cfg Config) (*BadgerRepository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING).WithSyncWrites(cfg.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	r := &BadgerRepository{
		db:      db,
		log:     cfg.Logger.With("repository-badger"),
		metrics: cfg.Metrics,
		ratio:   cfg.GCDiscardRatio,
	}
	if r.metrics == nil {
		r.metrics = repository.NoopMetrics()
	}
	if r.ratio <= 0 {
		r.ratio = 0.5
	}

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySeq))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				r.seq = decodeSeq(val)
				return nil
			}); err != nil {
				return err
			}
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixRecord)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			r.records++
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, flowerr.Wrap(flowerr.RepositoryIO, "badger.Open", err)
	}

	r.log.Info("Badger repository opened: records=%d seq=%d", r.records, r.seq)
	return r, nil
}

// Append applies a batch in one transaction.
func (r *BadgerRepository) Append(ctx context.Context, entries []repository.Entry) (last uint64, err error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveAppend(len(entries), time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "badger.Append", err)
	}
	if err = repository.ValidateBatch(entries); err != nil {
		return 0, err
	}

	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	if r.closed {
		return 0, flowerr.New(flowerr.RepositoryIO, "badger.Append", "repository closed")
	}

	delta := 0
	err = r.db.Update(func(txn *badger.Txn) error {
		for i, e := range entries {
			key := keyRecord(e.RecordID)

			existed := true
			if _, gerr := txn.Get(key); errors.Is(gerr, badger.ErrKeyNotFound) {
				existed = false
			} else if gerr != nil {
				return gerr
			}

			switch e.Op {
			case repository.OpDelete:
				if existed {
					delta--
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
			default:
				if !existed {
					delta++
				}
				data, err := codec.Marshal(e.Record)
				if err != nil {
					return fmt.Errorf("encode entry %d: %w", i, err)
				}
				if err := txn.Set(key, data); err != nil {
					return err
				}
			}
		}
		return txn.Set([]byte(keySeq), encodeSeq(r.seq+uint64(len(entries))))
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			r.log.Warn("Append batch of %d entries exceeds transaction limits", len(entries))
		}
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "badger.Append", err)
	}

	r.seq += uint64(len(entries))
	r.records += delta
	r.sinceCompact += int64(len(entries))
	return r.seq, nil
}

// Get returns the live record.
func (r *BadgerRepository) Get(ctx context.Context, id flowfile.ID) (*flowfile.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec flowfile.Record
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRecord(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return codec.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, flowerr.New(flowerr.NotFound, "badger.Get", "record %s", id)
	}
	if err != nil {
		return nil, flowerr.Wrap(flowerr.RepositoryIO, "badger.Get", err)
	}
	return &rec, nil
}

// Delete removes a live record.
func (r *BadgerRepository) Delete(ctx context.Context, id flowfile.ID) error {
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyRecord(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return flowerr.New(flowerr.NotFound, "badger.Delete", "record %s", id)
	}
	if err != nil {
		return flowerr.Wrap(flowerr.RepositoryIO, "badger.Delete", err)
	}

	_, err = r.Append(ctx, []repository.Entry{repository.NewDelete(id)})
	return err
}

// Replay iterates a consistent snapshot of the database. fn may append to
// the repository; the iteration does not observe those writes.
func (r *BadgerRepository) Replay(ctx context.Context, fn func(*flowfile.Record) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefixRecord),
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec := new(flowfile.Record)
			err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, rec)
			})
			if err != nil {
				r.log.Warn("Skipping undecodable record %s: %v", it.Item().Key(), err)
				r.metrics.RecordCorruption()
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Compact reclaims value log space.
func (r *BadgerRepository) Compact(ctx context.Context) (err error) {
	if !r.compactMu.TryLock() {
		return repository.ErrCompactionInProgress
	}
	defer r.compactMu.Unlock()

	start := time.Now()
	defer func() {
		r.metrics.ObserveCompaction(r.Stats().Records, time.Since(start), err)
	}()

	rewrites := 0
	for {
		if err = ctx.Err(); err != nil {
			return err
		}
		gcErr := r.db.RunValueLogGC(r.ratio)
		if gcErr == nil {
			rewrites++
			continue
		}
		if errors.Is(gcErr, badger.ErrNoRewrite) ||
			errors.Is(gcErr, badger.ErrRejected) ||
			errors.Is(gcErr, badger.ErrGCInMemoryMode) {
			break
		}
		err = flowerr.Wrap(flowerr.RepositoryIO, "badger.Compact", gcErr)
		return err
	}

	r.appendMu.Lock()
	r.sinceCompact = 0
	r.compactions++
	r.appendMu.Unlock()

	r.log.Debug("Value log GC complete: rewrites=%d duration=%s", rewrites, time.Since(start))
	return nil
}

// Stats returns repository statistics.
func (r *BadgerRepository) Stats() repository.Stats {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	return repository.Stats{
		Records:                r.records,
		LastSeq:                r.seq,
		CheckpointSeq:          r.seq - uint64(r.sinceCompact),
		EntriesSinceCompaction: r.sinceCompact,
		Compactions:            r.compactions,
	}
}

// Close closes the database.
func (r *BadgerRepository) Close() error {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}
