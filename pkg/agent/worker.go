package agent

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/flow"
	"github.com/marmos91/edgeflow/pkg/gc"
	"github.com/marmos91/edgeflow/pkg/metrics"
	"github.com/marmos91/edgeflow/pkg/session"
	"github.com/marmos91/edgeflow/pkg/store/content"
)

// Worker is a background task managed by the Agent.
//
// Lifecycle:
//  1. Serve blocks until the context is cancelled or the worker fails
//  2. Stop may be called concurrently with Serve and must be idempotent
//
// If Serve returns an error before the context is cancelled, the Agent treats
// it as fatal and stops every other worker.
type Worker interface {
	// Serve runs the worker. Returns nil or context.Canceled on shutdown.
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown, bounded by ctx.
	Stop(ctx context.Context) error

	// Name returns the worker name for logging.
	Name() string
}

// tickerWorker runs fn every interval until stopped.
type tickerWorker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newTickerWorker(name string, interval time.Duration, fn func(ctx context.Context)) *tickerWorker {
	return &tickerWorker{
		name:     name,
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
}

func (w *tickerWorker) Name() string { return w.name }

func (w *tickerWorker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			w.fn(ctx)
		}
	}
}

func (w *tickerWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return nil
}

// newSweepWorker rolls back sessions that outlived their lease.
func newSweepWorker(sw *session.Sweeper, interval time.Duration) Worker {
	return newTickerWorker("sweeper", interval, func(ctx context.Context) {
		sw.Sweep(ctx)
	})
}

// newExpireWorker prunes expired records from every connection. Pruned
// records reach the registry's expiration handler.
func newExpireWorker(reg *flow.Registry, interval time.Duration) Worker {
	return newTickerWorker("expiration", interval, func(ctx context.Context) {
		for _, conn := range reg.Connections() {
			if ctx.Err() != nil {
				return
			}
			conn.Expire()
		}
	})
}

// valueLogCollector is implemented by database-backed content stores.
type valueLogCollector interface {
	RunGC(discardRatio float64)
}

// newMaintenanceWorker closes idle content handles and reclaims database
// space. Returns nil when the store needs neither.
func newMaintenanceWorker(store content.Store, idle time.Duration, log *logger.Logger) Worker {
	evicter, evicts := store.(content.IdleEvicter)
	collector, collects := store.(valueLogCollector)
	if !evicts && !collects {
		return nil
	}

	log = log.With("maintenance")
	return newTickerWorker("maintenance", idle, func(ctx context.Context) {
		if evicts {
			if n := evicter.EvictIdle(idle); n > 0 {
				log.Debug("Closed %d idle content handles", n)
			}
		}
		if collects && ctx.Err() == nil {
			collector.RunGC(0.5)
		}
	})
}

// gcWorker adapts the orphan collector, which runs its own goroutine.
type gcWorker struct {
	collector *gc.Collector

	mu      sync.Mutex
	started bool
	stopped bool
}

func (w *gcWorker) Name() string { return "gc" }

func (w *gcWorker) Serve(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.collector.Start()
		w.started = true
	}
	w.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// Stop waits for an in-progress collection. A collector that was never
// started has nothing to wait for.
func (w *gcWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if !started {
		return nil
	}
	return w.collector.Stop(ctx)
}

// metricsWorker serves /metrics until the context is cancelled.
type metricsWorker struct {
	server *metrics.Server
}

func (w *metricsWorker) Name() string { return "metrics" }

func (w *metricsWorker) Serve(ctx context.Context) error {
	return w.server.Start(ctx)
}

func (w *metricsWorker) Stop(ctx context.Context) error {
	return w.server.Stop(ctx)
}
