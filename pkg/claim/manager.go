package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
)

// ErrUnderflow is returned when a decrement would make a count negative.
var ErrUnderflow = errors.New("claim reference count underflow")

// ErrUnknownClaim is returned for operations on a claim the manager does
// not track.
var ErrUnknownClaim = errors.New("unknown claim")

// Store is the subset of a content store the manager needs.
type Store interface {
	Create(ctx context.Context) (ID, error)
	Remove(ctx context.Context, id ID) error
}

// Metrics observes claim lifecycle events. Optional.
type Metrics interface {
	ObserveRemoval(count int, failed int, duration time.Duration)
	SetActiveClaims(count int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRemoval(int, int, time.Duration) {}
func (noopMetrics) SetActiveClaims(int64)                  {}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// FlushInterval is how often scheduled removals are processed (default: 1s)
	FlushInterval time.Duration

	// BatchSize triggers an early flush when this many removals are pending
	// (default: 128)
	BatchSize int

	// ShutdownTimeout bounds how long Close waits for the worker (default: 30s)
	ShutdownTimeout time.Duration

	Logger  *logger.Logger
	Metrics Metrics
}

// Manager owns the reference counts of every claim known to the process.
//
// Content removal triggered by a count reaching zero is never performed
// inline: the id is queued and a background worker deletes the bytes, so a
// session commit never pauses on content I/O.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	store   Store
	claims  sync.Map // ID -> *ResourceClaim
	active  atomic.Int64
	log     *logger.Logger
	metrics Metrics

	removal struct {
		mu              sync.Mutex
		pending         []ID
		batchSize       int
		flushInterval   time.Duration
		shutdownTimeout time.Duration
		flushCh         chan struct{}
		stopCh          chan struct{}
		doneCh          chan struct{}
		closeOnce       sync.Once
	}

	flushMu sync.Mutex

	// createMu is read-held from store.Create until the claim is tracked,
	// so Snapshot never misses a claim that already exists in the store.
	createMu sync.RWMutex
}

// NewManager creates a manager and starts its removal worker.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	m := &Manager{
		store:   store,
		log:     cfg.Logger.With("claims"),
		metrics: cfg.Metrics,
	}
	m.removal.batchSize = cfg.BatchSize
	m.removal.flushInterval = cfg.FlushInterval
	m.removal.shutdownTimeout = cfg.ShutdownTimeout
	m.removal.flushCh = make(chan struct{}, 1)
	m.removal.stopCh = make(chan struct{})
	m.removal.doneCh = make(chan struct{})

	go m.removalWorker()

	return m
}

// New allocates a fresh claim in the content store. The claim starts with
// a zero reference count and in the writing state; it only gains
// references when a session commits a record pointing at it.
func (m *Manager) New(ctx context.Context) (*ResourceClaim, error) {
	m.createMu.RLock()
	defer m.createMu.RUnlock()

	id, err := m.store.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim: %w", err)
	}

	c := newResourceClaim(id, 0, true)
	m.claims.Store(id, c)
	m.metrics.SetActiveClaims(m.active.Add(1))
	return c, nil
}

// Get returns the tracked claim for id.
func (m *Manager) Get(id ID) (*ResourceClaim, bool) {
	v, ok := m.claims.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*ResourceClaim), true
}

// Count returns the reference count of id (0 when untracked).
func (m *Manager) Count(id ID) int64 {
	c, ok := m.Get(id)
	if !ok {
		return 0
	}
	return c.Count()
}

// Track installs a sealed claim with a known reference count. Used by
// recovery after replaying the metadata log.
func (m *Manager) Track(id ID, count int64) *ResourceClaim {
	c := newResourceClaim(id, count, false)
	actual, loaded := m.claims.LoadOrStore(id, c)
	if loaded {
		existing := actual.(*ResourceClaim)
		existing.count.Store(count)
		existing.Seal()
		return existing
	}
	m.metrics.SetActiveClaims(m.active.Add(1))
	return c
}

// Increment adds a reference to id, tracking the claim if needed.
func (m *Manager) Increment(id ID) int64 {
	v, loaded := m.claims.LoadOrStore(id, newResourceClaim(id, 0, false))
	if !loaded {
		m.metrics.SetActiveClaims(m.active.Add(1))
	}
	return v.(*ResourceClaim).increment()
}

// Decrement removes a reference from id. When the count reaches zero the
// content is scheduled for asynchronous removal.
func (m *Manager) Decrement(id ID) (int64, error) {
	c, ok := m.Get(id)
	if !ok {
		return 0, fmt.Errorf("decrement %s: %w", id, ErrUnknownClaim)
	}

	n, ok := c.decrement()
	if !ok {
		m.log.Error("Reference count underflow on %s", id)
		return n, fmt.Errorf("decrement %s: %w", id, ErrUnderflow)
	}

	if n == 0 {
		m.schedule(id)
	}
	return n, nil
}

// Release drops a claim that was never committed (session rollback or a
// fresh claim left unreferenced at commit). The bytes are scheduled for
// removal when nothing references the claim.
func (m *Manager) Release(c *ResourceClaim) {
	c.Seal()
	if c.Count() == 0 {
		m.schedule(c.ID())
	}
}

// Snapshot returns the current reference counts. It waits for claims
// being allocated, so every claim present in the store before the call is
// included.
func (m *Manager) Snapshot() map[ID]int64 {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	out := make(map[ID]int64)
	m.claims.Range(func(key, value any) bool {
		out[key.(ID)] = value.(*ResourceClaim).Count()
		return true
	})
	return out
}

// Pending returns the number of removals waiting for the worker.
func (m *Manager) Pending() int {
	m.removal.mu.Lock()
	defer m.removal.mu.Unlock()
	return len(m.removal.pending)
}

func (m *Manager) schedule(id ID) {
	m.removal.mu.Lock()
	m.removal.pending = append(m.removal.pending, id)
	full := len(m.removal.pending) >= m.removal.batchSize
	m.removal.mu.Unlock()

	if full {
		select {
		case m.removal.flushCh <- struct{}{}:
		default:
		}
	}
}

// removalWorker processes scheduled removals periodically, when the batch
// threshold is reached, and once more on shutdown.
func (m *Manager) removalWorker() {
	defer close(m.removal.doneCh)

	ticker := time.NewTicker(m.removal.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(context.Background())
		case <-m.removal.flushCh:
			m.Flush(context.Background())
		case <-m.removal.stopCh:
			m.Flush(context.Background())
			return
		}
	}
}

// Flush processes every pending removal now and returns the number of
// claims whose content was removed. Claims that regained a reference after
// being scheduled are kept.
func (m *Manager) Flush(ctx context.Context) int {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.removal.mu.Lock()
	pending := m.removal.pending
	m.removal.pending = nil
	m.removal.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	start := time.Now()
	removed, failed := 0, 0
	seen := make(map[ID]struct{}, len(pending))

	for _, id := range pending {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		c, ok := m.Get(id)
		if ok && (c.Count() > 0 || c.Writing()) {
			m.log.Debug("Skipping removal of %s: claim is live again", id)
			continue
		}
		if ok {
			if !m.claims.CompareAndDelete(id, c) {
				continue
			}
			m.active.Add(-1)
		}

		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := m.store.Remove(flushCtx, id)
		cancel()
		if err != nil {
			failed++
			m.log.Warn("Failed to remove content for %s: %v", id, err)
			continue
		}
		removed++
	}

	m.metrics.ObserveRemoval(removed, failed, time.Since(start))
	m.metrics.SetActiveClaims(m.active.Load())
	m.log.Debug("Claim removal flush: removed=%d failed=%d", removed, failed)
	return removed
}

// Close stops the removal worker after flushing pending removals. Safe to
// call multiple times.
func (m *Manager) Close() error {
	m.removal.closeOnce.Do(func() {
		close(m.removal.stopCh)

		select {
		case <-m.removal.doneCh:
		case <-time.After(m.removal.shutdownTimeout):
			m.log.Warn("Claim removal worker shutdown timeout after %s", m.removal.shutdownTimeout)
		}
	})
	return nil
}
