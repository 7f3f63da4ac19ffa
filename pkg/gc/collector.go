// Package gc removes orphaned content: claims present in the content store
// that no live flow file record references and the claim manager does not
// track.
//
// Orphans are left behind by:
//   - Crashes between allocating a claim and committing the session
//   - Removals scheduled by the claim manager but lost on shutdown
//   - Records dropped by recovery because their connection disappeared
//
// The collector complements the claim manager; it never races it for a
// live claim because anything the manager tracks is skipped.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/internal/ratelimiter"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Tracker reports the claims currently known to the claim manager.
// Snapshot must include every claim whose allocation in the store has
// completed.
type Tracker interface {
	Snapshot() map[claim.ID]int64
}

// Collector performs periodic orphan collection on a content store.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	repo    repository.Repository
	store   content.Store
	tracker Tracker
	config  Config
	log     *logger.Logger
	limiter *ratelimiter.Limiter
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config contains configuration for the orphan collector.
type Config struct {
	// Enabled controls whether background collection is active
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run collection (default: 1h)
	Interval time.Duration `mapstructure:"interval"`

	// BatchSize is how many orphans to remove per batch (default: 1000).
	// S3 accepts up to 1000 keys per DeleteObjects call.
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1,max=1000"`

	// DryRun logs what would be removed without removing it
	DryRun bool `mapstructure:"dry_run"`

	// RemovalRate caps removed claims per second (0 = unlimited)
	RemovalRate uint `mapstructure:"removal_rate"`

	Logger *logger.Logger `mapstructure:"-"`
}

// NewCollector creates a collector. Call Start to begin background
// collection.
//
// Parameters:
//   - repo: Flow file repository, replayed to find referenced claims
//   - store: Content store to scan
//   - tracker: Claim manager; tracked claims are never collected
//   - config: Collection configuration
func NewCollector(repo repository.Repository, store content.Store, tracker Tracker, config Config) *Collector {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}

	return &Collector{
		repo:    repo,
		store:   store,
		tracker: tracker,
		config:  config,
		log:     config.Logger.With("gc"),
		limiter: ratelimiter.New(config.RemovalRate, uint(config.BatchSize)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background collection. A disabled collector does nothing.
func (c *Collector) Start() {
	if !c.config.Enabled {
		c.log.Info("Orphan collection disabled")
		return
	}

	c.log.Info("Starting orphan collector: interval=%s batch_size=%d dry_run=%v",
		c.config.Interval, c.config.BatchSize, c.config.DryRun)

	go c.worker()
}

// Stop stops the collector and waits for an in-progress run.
//
// Returns:
//   - error: ctx.Err() if ctx expires before the worker exits
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		c.log.Warn("Orphan collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				c.log.Error("Orphan collection failed: %v", err)
			} else {
				c.log.Info("Orphan collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect performs a single run.
//
// The store is listed before the references are gathered, so a claim
// created during the run is either absent from the listing or tracked by
// the manager: Tracker.Snapshot waits for allocations in progress.
//
//  1. List every claim in the content store
//  2. Gather claims referenced by live records and tracked by the manager
//  3. Orphans = listed - referenced
//  4. Remove orphans in batches
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	existing, err := c.store.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list content: %w", err)
	}
	stats.ExistingCount = uint64(len(existing))

	referenced := make(map[claim.ID]struct{})
	err = c.repo.Replay(ctx, func(rec *flowfile.Record) error {
		if rec.Content != nil {
			referenced[rec.Content.Claim] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to replay repository: %w", err)
	}
	if c.tracker != nil {
		for id := range c.tracker.Snapshot() {
			referenced[id] = struct{}{}
		}
	}
	stats.ReferencedCount = uint64(len(referenced))

	var orphaned []claim.ID
	for _, id := range existing {
		if _, ok := referenced[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		c.log.Debug("No orphaned content found")
		return stats, nil
	}

	if c.config.DryRun {
		c.log.Info("DRY RUN: would remove %d claims", len(orphaned))
		for i, id := range orphaned {
			if i == 10 {
				c.log.Info("  ... and %d more", len(orphaned)-10)
				break
			}
			c.log.Info("  - %s", id)
		}
		return stats, nil
	}

	batcher, batched := c.store.(content.BatchRemover)

	for i := 0; i < len(orphaned); i += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := min(i+c.config.BatchSize, len(orphaned))
		batch := orphaned[i:end]

		if err := c.limiter.WaitN(ctx, len(batch)); err != nil {
			return stats, err
		}

		if !batched {
			for _, id := range batch {
				if err := c.store.Remove(ctx, id); err != nil {
					c.log.Debug("Failed to remove %s: %v", id, err)
					stats.FailedCount++
					continue
				}
				stats.DeletedCount++
			}
			continue
		}

		failures, err := batcher.RemoveBatch(ctx, batch)
		if err != nil {
			c.log.Warn("Batch removal failed: %v", err)
			stats.FailedCount += uint64(len(batch))
			continue
		}
		stats.DeletedCount += uint64(len(batch) - len(failures))
		stats.FailedCount += uint64(len(failures))
		for id, ferr := range failures {
			c.log.Debug("Failed to remove %s: %v", id, ferr)
		}
	}

	c.log.Info("Removed %d orphaned claims, %d failed", stats.DeletedCount, stats.FailedCount)
	return stats, nil
}

// Stats contains statistics from a collection run.
type Stats struct {
	StartTime       time.Time // When collection started
	EndTime         time.Time // When collection ended
	ReferencedCount uint64    // Claims referenced by records or tracked
	ExistingCount   uint64    // Claims present in the content store
	OrphanedCount   uint64    // Claims found unreferenced
	DeletedCount    uint64    // Orphans removed
	FailedCount     uint64    // Orphans that failed to be removed
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("referenced=%d existing=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.ReferencedCount, s.ExistingCount, s.OrphanedCount,
		s.DeletedCount, s.FailedCount, s.Duration())
}
