package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
	"github.com/affandar/toygres/pkg/metrics"
)

// Dispatcher runs a fixed-size pool of orchestration workers polling the
// History Store for ready turns, replaying them via Run, and committing the
// result (spec §4.1 C2, §4.2). Grounded on internal/reconciler.Manager's
// worker pool: a fixed worker count, each blocked on queue.Get in a loop,
// generalized here from an in-process channel queue to historystore-backed
// leases with an idle-poll sleep instead of a blocking channel receive.
type Dispatcher struct {
	store      *historystore.Store
	registry   *Registry
	leaseTTL   time.Duration
	idleSleep  time.Duration
	numWorkers int

	wg sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. leaseTTL is the orchestration
// lease duration (config EngineOrchestratorLockMS); idleSleep is how long a
// worker sleeps after finding no ready work (config EngineDispatchIdleMS).
func NewDispatcher(store *historystore.Store, registry *Registry, numWorkers int, leaseTTL, idleSleep time.Duration) *Dispatcher {
	return &Dispatcher{store: store, registry: registry, leaseTTL: leaseTTL, idleSleep: idleSleep, numWorkers: numWorkers}
}

// Start launches the worker pool; it returns immediately. Cancel ctx to shut
// down, then call Wait for workers to drain.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	logging.Info("engine", "dispatcher started with %d orchestration workers", d.numWorkers)
}

// Wait blocks until every worker goroutine has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// StartTimerPoller launches the goroutine that turns expired durable timers
// into TimerFired events (spec §4.2 schedule_timer) — the poller
// CreateTimer's doc comment refers to. It runs independently of the
// orchestration worker pool: a due timer is fired directly against the
// store rather than leased out to a worker.
func (d *Dispatcher) StartTimerPoller(ctx context.Context, pollInterval time.Duration) {
	d.wg.Add(1)
	go d.pollTimers(ctx, pollInterval)
}

func (d *Dispatcher) pollTimers(ctx context.Context, pollInterval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				fired, err := d.store.FireDueTimers(ctx, 100)
				if err != nil {
					logging.Warn("engine", "timer poll: %v", err)
					break
				}
				if fired == 0 {
					break
				}
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logging.Debug("engine", "orchestration worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			logging.Debug("engine", "orchestration worker %d shutting down", id)
			return
		default:
		}

		processed, err := d.processOne(ctx)
		if err != nil {
			logging.Warn("engine", "orchestration worker %d: %v", id, err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.idleSleep):
			}
		}
	}
}

// processOne fetches and runs at most one ready orchestration turn,
// reporting whether any work was found.
func (d *Dispatcher) processOne(ctx context.Context) (bool, error) {
	leased, err := d.store.FetchReadyOrchestration(ctx, d.leaseTTL)
	if err != nil {
		return false, err
	}
	if leased == nil {
		return false, nil
	}

	fn, err := d.registry.Lookup(leased.OrchestrationName, leased.Version)
	if err != nil {
		return true, err
	}

	delta, runErr := Run(fn, leased)
	if runErr != nil {
		return true, runErr
	}

	m := metrics.Get()
	outcome := "committed"
	commitErr := d.store.AppendAndSchedule(ctx, leased.InstanceID, leased.ExecutionID, leased.HighWater, leased.FencingToken, delta)
	if commitErr != nil {
		outcome = "error"
		if errors.Is(commitErr, errs.ErrOptimisticConflict) {
			outcome = "conflict"
			m.OptimisticConflicts.WithLabelValues(leased.OrchestrationName).Inc()
		}
	}
	m.TurnsCommitted.WithLabelValues(leased.OrchestrationName, outcome).Inc()
	if delta.ContinueAsNew {
		m.ContinueAsNew.WithLabelValues(leased.OrchestrationName).Inc()
	}

	if commitErr != nil && !errors.Is(commitErr, errs.ErrOptimisticConflict) {
		return true, commitErr
	}
	return true, nil
}
