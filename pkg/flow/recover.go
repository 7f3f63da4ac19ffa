package flow

import (
	"context"
	"fmt"
	"sort"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// deleteBatchSize bounds the tombstone batches written by recovery.
const deleteBatchSize = 512

// RecoveryStats summarizes a recovery run.
type RecoveryStats struct {
	// Restored is the number of records put back on their connection
	Restored int

	// MissingContent counts records dropped because their claim is gone
	MissingContent int

	// Unplaced counts records dropped because their connection no longer
	// exists
	Unplaced int

	// Claims is the number of claims with a restored reference
	Claims int
}

// Recover rebuilds the in-memory state from the repository after a
// restart: every live record is put back on the connection it was placed
// on, and the claim reference counts are rebuilt from the records.
//
// Records whose content is gone, or whose connection is no longer
// configured, are dropped with a warning and a DELETE tombstone. Neither is
// fatal.
//
// Must run before any session is opened.
func Recover(ctx context.Context, reg *Registry, repos Repositories, log *logger.Logger) (RecoveryStats, error) {
	log = log.With("recovery")
	var stats RecoveryStats

	// ========================================================================
	// Step 1: Replay and classify
	// ========================================================================

	exists := make(map[claim.ID]bool)
	byConn := make(map[string][]*flowfile.Record)
	var drop []flowfile.ID

	err := repos.FlowFiles.Replay(ctx, func(rec *flowfile.Record) error {
		if rec.Content != nil {
			ok, seen := exists[rec.Content.Claim]
			if !seen {
				var err error
				ok, err = repos.Content.Exists(ctx, rec.Content.Claim)
				if err != nil {
					return fmt.Errorf("check claim %s: %w", rec.Content.Claim, err)
				}
				exists[rec.Content.Claim] = ok
			}
			if !ok {
				log.Warn("Dropping %s: content claim %s no longer exists", rec.ID, rec.Content.Claim)
				stats.MissingContent++
				drop = append(drop, rec.ID)
				return nil
			}
		}

		if _, ok := reg.Connection(rec.Connection); !ok {
			log.Warn("Dropping %s: connection %q is not configured", rec.ID, rec.Connection)
			stats.Unplaced++
			drop = append(drop, rec.ID)
			return nil
		}

		byConn[rec.Connection] = append(byConn[rec.Connection], rec)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("replay failed: %w", err)
	}

	// ========================================================================
	// Step 2: Tombstones for dropped records
	// ========================================================================

	for start := 0; start < len(drop); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(drop))
		entries := make([]repository.Entry, 0, end-start)
		for _, id := range drop[start:end] {
			entries = append(entries, repository.NewDelete(id))
		}
		if _, err := repos.FlowFiles.Append(ctx, entries); err != nil {
			return stats, fmt.Errorf("failed to delete dropped records: %w", err)
		}
	}

	// ========================================================================
	// Step 3: Requeue in queue order and rebuild claim counts
	// ========================================================================

	counts := make(map[claim.ID]int64)
	for connID, recs := range byConn {
		conn, _ := reg.Connection(connID)
		sort.SliceStable(recs, func(i, j int) bool {
			if !recs[i].QueueDate.Equal(recs[j].QueueDate) {
				return recs[i].QueueDate.Before(recs[j].QueueDate)
			}
			if recs[i].QueueSeq != recs[j].QueueSeq {
				return recs[i].QueueSeq < recs[j].QueueSeq
			}
			return recs[i].EntryDate.Before(recs[j].EntryDate)
		})
		for _, rec := range recs {
			if rec.Content != nil {
				counts[rec.Content.Claim]++
			}
		}
		conn.EnqueueAll(recs)
		stats.Restored += len(recs)
	}

	for id, n := range counts {
		repos.Claims.Track(id, n)
	}
	stats.Claims = len(counts)

	log.Info("Recovery complete: restored=%d missing_content=%d unplaced=%d claims=%d",
		stats.Restored, stats.MissingContent, stats.Unplaced, stats.Claims)
	return stats, nil
}
