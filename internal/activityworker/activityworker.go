// Package activityworker executes leased activity tasks against a
// user-registered catalog of activity functions (spec §4.3 C7), applying
// retrypolicy's backoff decisions and classifying failures via pkg/errs
// into App/Infra/Config outcomes (spec §4.3: only Infra failures are
// retried automatically).
//
// Grounded on the same internal/reconciler.Manager worker-pool shape
// internal/engine.Dispatcher generalizes, applied here to the activity
// queue instead of the orchestration queue; per-attempt timeouts via
// context.WithTimeout follow internal/reconciler.Manager.processRequest's
// "wrap Reconcile in a timeout context" pattern.
package activityworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/internal/retrypolicy"
	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
	"github.com/affandar/toygres/pkg/metrics"
)

// Func is a single activity implementation. It should be idempotent or
// safe to retry (spec §2: activities execute at-least-once).
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps activity name to its Func.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any existing registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Worker polls the History Store's activity queue and executes leased
// tasks with a fixed-size goroutine pool.
type Worker struct {
	store      *historystore.Store
	registry   *Registry
	leaseTTL   time.Duration
	idleSleep  time.Duration
	numWorkers int

	wg sync.WaitGroup
}

// New constructs a Worker pool. leaseTTL is config.ActivityLockDuration();
// idleSleep is config.DispatchIdleDuration().
func New(store *historystore.Store, registry *Registry, numWorkers int, leaseTTL, idleSleep time.Duration) *Worker {
	return &Worker{store: store, registry: registry, leaseTTL: leaseTTL, idleSleep: idleSleep, numWorkers: numWorkers}
}

// Start launches the worker pool; it returns immediately.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	logging.Info("activityworker", "started with %d workers", w.numWorkers)
}

// Wait blocks until every worker goroutine has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	logging.Debug("activityworker", "worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			logging.Debug("activityworker", "worker %d shutting down", id)
			return
		default:
		}

		processed, err := w.processOne(ctx)
		if err != nil {
			logging.Warn("activityworker", "worker %d: %v", id, err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idleSleep):
			}
		}
	}
}

// processOne fetches and executes at most one ready activity, reporting
// whether any work was found.
func (w *Worker) processOne(ctx context.Context) (bool, error) {
	leased, err := w.store.FetchReadyActivity(ctx, w.leaseTTL)
	if err != nil {
		return false, err
	}
	if leased == nil {
		return false, nil
	}

	fn, ok := w.registry.lookup(leased.Name)
	if !ok {
		return true, w.settleTerminal(ctx, leased, false, nil, fmt.Sprintf("no activity registered for %q", leased.Name), errs.KindConfig)
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if leased.Policy.PerAttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, leased.Policy.PerAttemptTimeout)
		defer cancel()
	}

	m := metrics.Get()
	start := time.Now()
	output, runErr := fn(attemptCtx, leased.Input)
	elapsed := time.Since(start).Seconds()

	if runErr == nil {
		m.ActivityDuration.WithLabelValues(leased.Name, "success").Observe(elapsed)
		m.ActivityExecutions.WithLabelValues(leased.Name, "success", fmt.Sprint(leased.Attempt)).Inc()
		return true, w.settleTerminal(ctx, leased, true, output, "", "")
	}

	kind := errs.ClassOf(runErr)
	outcome := "failure_app"
	if kind == errs.KindInfra {
		outcome = "failure_infra"
	}
	m.ActivityDuration.WithLabelValues(leased.Name, outcome).Observe(elapsed)
	m.ActivityExecutions.WithLabelValues(leased.Name, outcome, fmt.Sprint(leased.Attempt)).Inc()

	if kind != errs.KindInfra || !retrypolicy.ShouldRetry(leased.Policy, leased.Attempt) {
		return true, w.settleTerminal(ctx, leased, false, nil, runErr.Error(), kind)
	}

	delay := retrypolicy.NextDelay(leased.Policy, leased.Attempt+1)
	logging.Debug("activityworker", "retrying %s for %s in %s (attempt %d)", leased.Name, leased.InstanceID, delay, leased.Attempt+1)
	err := w.store.RescheduleActivity(ctx, leased.QueueID, leased.FencingToken, leased.InstanceID, leased.ExecutionID, leased.SourceEventID,
		leased.Name, leased.Input, leased.Policy, leased.Attempt+1, time.Now().Add(delay))
	if err != nil && !errors.Is(err, errs.ErrOptimisticConflict) {
		return true, fmt.Errorf("activityworker: reschedule %s: %w", leased.Name, err)
	}
	return true, nil
}

func (w *Worker) settleTerminal(ctx context.Context, leased *historystore.LeasedActivity, success bool, output json.RawMessage, reason string, kind errs.Kind) error {
	err := w.store.AckActivity(ctx, leased.QueueID, leased.FencingToken, leased.InstanceID, leased.ExecutionID, leased.SourceEventID, historystore.ActivityOutcome{
		Success:       success,
		Output:        output,
		FailureReason: reason,
		ErrorKind:     string(kind),
		Attempts:      leased.Attempt,
	})
	if err != nil && !errors.Is(err, errs.ErrOptimisticConflict) {
		return fmt.Errorf("activityworker: ack %s: %w", leased.Name, err)
	}
	return nil
}
