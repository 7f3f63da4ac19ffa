package session

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
)

// Sweeper rolls back sessions held open longer than a lease, returning
// their inputs to the queues. It covers processing units that crashed or
// hung without finishing their session.
//
// Thread Safety: Safe for concurrent use.
type Sweeper struct {
	lease time.Duration
	log   *logger.Logger
	now   func() time.Time

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewSweeper creates a sweeper with the given lease (default: 5m).
func NewSweeper(lease time.Duration, log *logger.Logger) *Sweeper {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Sweeper{
		lease:    lease,
		log:      log.With("sweeper"),
		now:      time.Now,
		sessions: make(map[*Session]struct{}),
	}
}

func (w *Sweeper) track(s *Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions[s] = struct{}{}
}

func (w *Sweeper) untrack(s *Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, s)
}

// Open returns the number of tracked sessions.
func (w *Sweeper) Open() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// Sweep rolls back every session older than the lease and returns how many
// it rolled back.
func (w *Sweeper) Sweep(ctx context.Context) int {
	return w.sweep(ctx, w.now().Add(-w.lease))
}

// SweepAll rolls back every open session regardless of its age. Used on
// shutdown.
func (w *Sweeper) SweepAll(ctx context.Context) int {
	return w.sweep(ctx, time.Time{})
}

// sweep rolls back sessions started before deadline; a zero deadline
// matches every session.
func (w *Sweeper) sweep(ctx context.Context, deadline time.Time) int {
	w.mu.Lock()
	var stale []*Session
	for s := range w.sessions {
		if deadline.IsZero() || s.started.Before(deadline) {
			stale = append(stale, s)
		}
	}
	w.mu.Unlock()

	swept := 0
	for _, s := range stale {
		if err := s.Rollback(ctx); err != nil {
			// Committed or rolled back by its owner in the meantime.
			continue
		}
		swept++
		w.log.Warn("Rolled back session %s of unit %s", s.id, s.unit)
	}
	return swept
}
