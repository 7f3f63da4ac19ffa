package log

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Compact folds every closed segment into a new snapshot.
//
// Appends are blocked only while the active segment is rotated and while
// the new checkpoint is swapped in; the snapshot itself is built from the
// closed segments without holding the append lock.
func (r *LogRepository) Compact(ctx context.Context) (err error) {
	if !r.compactMu.TryLock() {
		return repository.ErrCompactionInProgress
	}
	defer r.compactMu.Unlock()

	start := time.Now()
	live := 0
	defer func() {
		r.cfg.Metrics.ObserveCompaction(live, time.Since(start), err)
	}()

	// ========================================================================
	// Step 1: Rotate the active segment
	// ========================================================================

	r.mu.Lock()
	if r.isClosed {
		r.mu.Unlock()
		return flowerr.New(flowerr.RepositoryIO, "log.Compact", "repository closed")
	}
	if r.active.size > 0 {
		if err = r.rotateLocked(); err != nil {
			r.mu.Unlock()
			return flowerr.Wrap(flowerr.RepositoryIO, "log.Compact", err)
		}
	}
	upto := r.seq
	segments := append([]segmentInfo(nil), r.closed...)
	prev := r.cp
	r.mu.Unlock()

	if upto == prev.Seq && len(segments) == 0 {
		r.mu.Lock()
		r.sinceCompact = 0
		r.compactions++
		live = r.index.Len()
		r.mu.Unlock()
		return nil
	}

	// ========================================================================
	// Step 2: Rebuild the live set up to the rotation point
	// ========================================================================

	index := repository.NewIndex()
	if prev.Snapshot != "" {
		if _, err = readSnapshot(filepath.Join(r.cfg.Dir, prev.Snapshot), index.Apply); err != nil {
			return flowerr.Wrap(flowerr.RepositoryCorruption, "log.Compact", err)
		}
	}

	for _, seg := range segments {
		if err = ctx.Err(); err != nil {
			return err
		}
		res, scanErr := scanSegment(seg.path, func(batch []repository.Entry) error {
			for _, e := range batch {
				if e.Seq > prev.Seq && e.Seq <= upto {
					index.Apply(e)
				}
			}
			return nil
		})
		if scanErr != nil {
			err = flowerr.Wrap(flowerr.RepositoryIO, "log.Compact", scanErr)
			return err
		}
		if res.corruption != nil {
			r.log.Warn("Compaction found damaged frame in %s: %v", filepath.Base(seg.path), res.corruption)
		}
	}
	live = index.Len()

	// ========================================================================
	// Step 3: Write snapshot, then checkpoint
	// ========================================================================

	name := snapshotName(upto)
	if err = writeSnapshot(r.cfg.Dir, name, upto, index.Records()); err != nil {
		return flowerr.Wrap(flowerr.RepositoryIO, "log.Compact", err)
	}

	cp := checkpoint{Seq: upto, Snapshot: name}
	if err = writeCheckpoint(r.cfg.Dir, cp); err != nil {
		if name != prev.Snapshot {
			_ = os.Remove(filepath.Join(r.cfg.Dir, name))
		}
		return flowerr.Wrap(flowerr.RepositoryIO, "log.Compact", err)
	}

	// ========================================================================
	// Step 4: Swap and delete what the checkpoint replaced
	// ========================================================================

	r.mu.Lock()
	r.cp = cp
	r.closed = r.closed[len(segments):]
	r.sinceCompact = int64(r.seq - upto)
	r.compactions++
	r.mu.Unlock()

	for _, seg := range segments {
		if rmErr := os.Remove(seg.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.log.Warn("Failed to remove compacted segment %s: %v", seg.path, rmErr)
		}
	}
	if prev.Snapshot != "" && prev.Snapshot != name {
		if rmErr := os.Remove(filepath.Join(r.cfg.Dir, prev.Snapshot)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.log.Warn("Failed to remove old snapshot %s: %v", prev.Snapshot, rmErr)
		}
	}

	r.log.Info("Compaction complete: seq=%d live=%d segments=%d duration=%s",
		upto, live, len(segments), time.Since(start))
	return nil
}

// rotateLocked closes the active segment and starts a new one at the next
// sequence number. Caller holds mu.
func (r *LogRepository) rotateLocked() error {
	next, err := openSegmentWriter(r.cfg.Dir, r.seq+1, r.cfg.Sync)
	if err != nil {
		return err
	}
	if err := r.active.close(); err != nil {
		_ = next.f.Close()
		_ = os.Remove(next.path)
		return err
	}
	r.closed = append(r.closed, segmentInfo{firstSeq: r.active.firstSeq, path: r.active.path})
	r.active = next
	return nil
}
