// Package agent wires a configuration into a running edgeflow agent.
//
// Startup order:
//  1. Content store and flow file repository
//  2. Claim manager
//  3. Registry: connections and auto-terminated relationships
//  4. Recovery: replay the repository into the connections
//  5. Background workers: session sweeper, expiration, gc, metrics
//
// Shutdown runs in reverse: workers stop, then the claim manager flushes its
// pending removals, then the repository and content store are closed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/config"
	"github.com/marmos91/edgeflow/pkg/flow"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/gc"
	"github.com/marmos91/edgeflow/pkg/session"
	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Agent owns every long-lived component of a single-node flow.
//
// Thread safety:
// NewSession may be called concurrently from any number of processing
// goroutines. Serve must be called once.
type Agent struct {
	cfg *config.Config
	log *logger.Logger

	store   content.Store
	repo    repository.Repository
	claims  *claim.Manager
	reg     *flow.Registry
	repos   flow.Repositories
	sweeper *session.Sweeper
	metrics *config.MetricsResult

	recovery flow.RecoveryStats
	workers  []Worker

	serveOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New builds an agent from cfg and recovers the state persisted by a
// previous run.
//
// Parameters:
//   - ctx: Bounds store initialization and recovery
//   - cfg: Loaded and validated configuration
//   - log: Root logger (nil = package default)
//
// Returns:
//   - *Agent: Ready to open sessions; background workers start with Serve
//   - error: Store, repository or recovery failure. Everything opened so
//     far is closed again.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg: cfg,
		log: log.With("agent"),
	}
	a.metrics = config.InitializeMetrics(cfg, log)

	// ========================================================================
	// Step 1: Stores
	// ========================================================================

	store, err := config.CreateContentStore(ctx, &cfg.Content, log, a.metrics.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to create content store: %w", err)
	}
	a.store = store
	a.log.Info("Content store: %s", cfg.Content.Type)

	repo, err := config.CreateRepository(ctx, &cfg.FlowFiles, log, a.metrics.Repository)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create flow file repository: %w", err)
	}
	a.repo = repo
	a.log.Info("Flow file repository: %s", cfg.FlowFiles.Type)

	a.claims = claim.NewManager(store, claim.ManagerConfig{
		FlushInterval:   cfg.Claims.FlushInterval,
		BatchSize:       cfg.Claims.BatchSize,
		ShutdownTimeout: cfg.Agent.ShutdownTimeout,
		Logger:          log,
		Metrics:         a.metrics.Claims,
	})
	a.repos = flow.Repositories{FlowFiles: repo, Content: store, Claims: a.claims}

	// ========================================================================
	// Step 2: Registry
	// ========================================================================

	if err := a.buildRegistry(log); err != nil {
		a.closeStores()
		return nil, err
	}

	// ========================================================================
	// Step 3: Recovery
	// ========================================================================

	stats, err := flow.Recover(ctx, a.reg, a.repos, log)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	a.recovery = stats

	// ========================================================================
	// Step 4: Background workers
	// ========================================================================

	a.sweeper = session.NewSweeper(cfg.Agent.SessionLease, log)
	a.workers = a.buildWorkers(log)

	return a, nil
}

func (a *Agent) buildRegistry(log *logger.Logger) error {
	conns, err := config.CreateConnections(a.cfg.Connections, log, a.metrics.Connections)
	if err != nil {
		return fmt.Errorf("failed to create connections: %w", err)
	}

	a.reg = flow.NewRegistry()
	a.reg.SetExpirationHandler(flow.NewExpirationHandler(a.repos, log))

	for _, c := range conns {
		if err := a.reg.AddConnection(c); err != nil {
			return err
		}
		a.log.Debug("Connection %s: %s -> %s %v", c.Name(), c.Source(), c.Destination(), c.Relationships())
	}

	// Sorted for stable startup logs.
	units := make([]string, 0, len(a.cfg.AutoTerminate))
	for unit := range a.cfg.AutoTerminate {
		units = append(units, unit)
	}
	sort.Strings(units)
	for _, unit := range units {
		a.reg.SetAutoTerminated(unit, a.cfg.AutoTerminate[unit]...)
	}

	a.log.Info("Registry: %d units, %d connections", len(a.reg.Units()), len(conns))
	return nil
}

func (a *Agent) buildWorkers(log *logger.Logger) []Worker {
	workers := []Worker{
		newSweepWorker(a.sweeper, a.cfg.Agent.SweepInterval),
		newExpireWorker(a.reg, a.cfg.Agent.ExpireInterval),
	}

	if w := newMaintenanceWorker(a.store, a.cfg.Agent.HandleIdleTimeout, log); w != nil {
		workers = append(workers, w)
	}

	if a.cfg.GC.Enabled {
		workers = append(workers, &gcWorker{
			collector: gc.NewCollector(a.repo, a.store, a.claims, gc.Config{
				Enabled:     true,
				Interval:    a.cfg.GC.Interval,
				BatchSize:   a.cfg.GC.BatchSize,
				DryRun:      a.cfg.GC.DryRun,
				RemovalRate: a.cfg.GC.RemovalRate,
				Logger:      log,
			}),
		})
	}

	if a.metrics.Server != nil {
		workers = append(workers, &metricsWorker{server: a.metrics.Server})
	}
	return workers
}

// NewSession opens a processing session for unit.
//
// Returns:
//   - *session.Session: Open session, tracked by the sweeper
//   - error: flowerr.NotFound if the unit is not part of any connection
func (a *Agent) NewSession(unit string) (*session.Session, error) {
	if _, ok := a.reg.Unit(unit); !ok {
		return nil, flowerr.New(flowerr.NotFound, "agent.NewSession", "unknown unit %q", unit)
	}

	pc := flow.NewProcessContext(unit, a.reg, a.repos, a.log)
	return session.New(pc, session.Config{
		PenaltyDuration: a.cfg.Agent.PenaltyDuration,
		Sweeper:         a.sweeper,
		Metrics:         a.metrics.Sessions,
	}), nil
}

// Registry returns the unit and connection registry.
func (a *Agent) Registry() *flow.Registry { return a.reg }

// Repositories returns the stores shared by every session.
func (a *Agent) Repositories() flow.Repositories { return a.repos }

// Recovery returns the statistics of the startup recovery.
func (a *Agent) Recovery() flow.RecoveryStats { return a.recovery }

// Workers returns the names of the background workers, in start order.
func (a *Agent) Workers() []string {
	names := make([]string, len(a.workers))
	for i, w := range a.workers {
		names[i] = w.Name()
	}
	return names
}

// Serve runs the background workers and blocks until ctx is cancelled or a
// worker fails. Workers are then stopped in reverse order and the stores
// are closed.
//
// Returns:
//   - nil on graceful shutdown
//   - error if a worker failed
func (a *Agent) Serve(ctx context.Context) error {
	err := errors.New("agent: Serve called more than once")
	a.serveOnce.Do(func() {
		err = a.serve(ctx)
	})
	return err
}

type workerError struct {
	name string
	err  error
}

func (a *Agent) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan workerError, len(a.workers))
	var wg sync.WaitGroup

	for _, w := range a.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()

			a.log.Debug("Starting %s worker", w.Name())
			err := w.Serve(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				a.log.Error("%s worker failed: %v", w.Name(), err)
				errChan <- workerError{name: w.Name(), err: err}
				return
			}
			a.log.Debug("%s worker stopped", w.Name())
		}(w)
	}

	a.log.Info("Agent running: %d workers, %d connections", len(a.workers), len(a.reg.Connections()))

	var shutdownErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutdown signal received")
	case we := <-errChan:
		shutdownErr = fmt.Errorf("%s worker error: %w", we.name, we.err)
	}

	cancel()
	a.stopWorkers()
	wg.Wait()

	if err := a.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	a.log.Info("Agent stopped")
	return shutdownErr
}

// stopWorkers stops the workers in reverse start order.
func (a *Agent) stopWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Agent.ShutdownTimeout)
	defer cancel()

	for i := len(a.workers) - 1; i >= 0; i-- {
		w := a.workers[i]
		if err := w.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("Error stopping %s worker: %v", w.Name(), err)
		}
	}
}

// Close rolls back every open session, flushes pending claim removals and
// closes the stores. Safe to call multiple times; Serve calls it on
// shutdown.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Agent.ShutdownTimeout)
		defer cancel()

		if n := a.sweeper.SweepAll(ctx); n > 0 {
			a.log.Warn("Rolled back %d open sessions on shutdown", n)
		}
		a.closeErr = a.closeStores()
	})
	return a.closeErr
}

func (a *Agent) closeStores() error {
	var errs []error
	if a.claims != nil {
		_ = a.claims.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close repository: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close content store: %w", err))
		}
	}
	return errors.Join(errs...)
}
