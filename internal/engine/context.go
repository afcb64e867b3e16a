// Package engine implements the deterministic orchestration runtime: the
// Context/Future API orchestration programs use to schedule activities,
// timers, sub-orchestrations, and external waits (spec §4.2), the replay
// loop that re-derives a program's state from history on every turn, and
// the Dispatcher that pulls ready turns off the History Store and commits
// their TurnDelta.
//
// Grounded on the teacher's internal/workflow.WorkflowExecutor.ExecuteWorkflow
// step loop (execute one step, record its metadata, store its result,
// continue) generalized from "replay a fixed step list once" to "replay a
// growing history, stop at the first unresolved future, resume next turn
// where it left off" — the defining property of a durable-task runtime
// (spec §2). The worker-pool shape (poll a queue, process, ack) is
// internal/reconciler.Manager.worker, generalized from an in-process
// channel queue to the historystore-backed lease queue.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/pkg/errs"
)

// schedulingKinds are the history event kinds that correspond to a
// deterministic scheduling call (ScheduleActivity, CreateTimer, ...).
// Orchestration code must issue these calls in the same order on every
// replay (spec §2 determinism requirement); Context matches call N on this
// replay to history event N of these kinds from a prior turn.
var schedulingKinds = map[historystore.EventKind]bool{
	historystore.KindActivityScheduled:       true,
	historystore.KindTimerCreated:             true,
	historystore.KindSubOrchestrationScheduled: true,
	historystore.KindExternalSubscribed:      true,
}

// yieldSignal unwinds the orchestration function's call stack when it
// blocks on a Future that has no result yet this turn. It is recovered in a
// single place (Run, in runner.go) and never escapes the engine package;
// this is the same "panic to abort a deep call stack, recover at the top"
// shape encoding/json uses internally for early decode termination, applied
// here so orchestration code can write ordinary blocking-looking Go
// (future.Get(ctx)) without a goroutine-per-turn scheduler.
type yieldSignal struct{}

// nondeterminismSignal unwinds the turn the same way yieldSignal does, but
// carries a terminal error: replay observed a history event whose kind
// doesn't match the scheduling call that was supposed to reproduce it (spec
// §7). Recovered in Run alongside yieldSignal, but ends the turn as Failed
// instead of blocked.
type nondeterminismSignal struct{ err error }

// Context is passed to every OrchestrationFunc. All scheduling methods are
// deterministic replay points: calling them in a different order or a
// different number of times across turns is a correctness bug the caller
// must avoid. Replay detects only a call whose kind differs from the
// recorded event at the same position (see nextScheduled); other
// divergences, such as different arguments, go unnoticed.
type Context struct {
	instanceID  string
	executionID int64

	scheduled  []historystore.HistoryEvent // history events in schedulingKinds, in order
	callCursor int

	history        []historystore.HistoryEvent
	nextNewEventID int64
	isReplaying    bool

	delta historystore.TurnDelta
}

func newContext(leased *historystore.LeasedOrchestration) *Context {
	c := &Context{
		instanceID:     leased.InstanceID,
		executionID:    leased.ExecutionID,
		history:        leased.History,
		nextNewEventID: leased.HighWater + 1,
		isReplaying:    true,
	}
	for _, ev := range leased.History {
		if schedulingKinds[ev.Kind] {
			c.scheduled = append(c.scheduled, ev)
		}
	}
	return c
}

// InstanceID is the current orchestration instance's identifier.
func (c *Context) InstanceID() string { return c.instanceID }

// IsReplaying reports whether the call happened during replay of
// already-committed history (true) or is new work for this turn (false).
// Orchestration code must not branch on this for correctness — it exists
// only for logging, matching the spirit of Temporal/DTFx's equivalent flag.
func (c *Context) IsReplaying() bool { return c.isReplaying }

func (c *Context) allocateEventID() int64 {
	id := c.nextNewEventID
	c.nextNewEventID++
	return id
}

// nextScheduled returns the call's corresponding history event from a prior
// turn, if one exists at this position in the deterministic call sequence.
// want is the history event kind this particular scheduling method is
// allowed to consume at this position; a recorded event of any other kind
// means the program issued a different scheduling call than it did on the
// turn that produced this history, and the execution can no longer be
// trusted to replay correctly (spec §7).
func (c *Context) nextScheduled(want historystore.EventKind) (historystore.HistoryEvent, bool) {
	if c.callCursor < len(c.scheduled) {
		ev := c.scheduled[c.callCursor]
		c.callCursor++
		c.isReplaying = true
		if ev.Kind != want {
			panic(nondeterminismSignal{fmt.Errorf(
				"%w: call %d expected %s but history event %d is %s",
				errs.ErrNondeterminism, c.callCursor-1, want, ev.EventID, ev.Kind)})
		}
		return ev, true
	}
	c.callCursor++
	c.isReplaying = false
	return historystore.HistoryEvent{}, false
}

// findBySource scans history for the first event of one of kinds whose
// SourceEventID matches sourceEventID.
func (c *Context) findBySource(sourceEventID int64, kinds ...historystore.EventKind) (historystore.HistoryEvent, bool) {
	want := make(map[historystore.EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	for _, ev := range c.history {
		if want[ev.Kind] && ev.SourceEventID != nil && *ev.SourceEventID == sourceEventID {
			return ev, true
		}
	}
	return historystore.HistoryEvent{}, false
}

// ScheduleActivity schedules an activity call (spec §4.2 schedule_activity)
// and returns a Future for its result. The returned Future may already be
// resolved (if this is a replay of a turn whose activity has since
// completed) or pending.
func (c *Context) ScheduleActivity(name string, input any, policy historystore.RetryPolicy) *Future {
	payload, _ := json.Marshal(input)

	if ev, ok := c.nextScheduled(historystore.KindActivityScheduled); ok {
		sourceEventID := ev.EventID
		if done, isDone := c.findBySource(sourceEventID, historystore.KindActivityCompleted, historystore.KindActivityFailed); isDone {
			if done.Kind == historystore.KindActivityCompleted {
				return &Future{resolved: true, value: done.Payload}
			}
			var fail struct {
				Message   string `json:"message"`
				ErrorKind string `json:"error_kind"`
				Attempts  int    `json:"attempts"`
			}
			_ = json.Unmarshal(done.Payload, &fail)
			baseErr := fmt.Errorf("activity %s failed after %d attempt(s): %s", name, fail.Attempts, fail.Message)
			switch errs.Kind(fail.ErrorKind) {
			case errs.KindInfra:
				return &Future{resolved: true, err: errs.Infra(baseErr)}
			default:
				return &Future{resolved: true, err: errs.App(baseErr)}
			}
		}
		return &Future{resolved: false, sourceEventID: sourceEventID}
	}

	sourceEventID := c.allocateEventID()
	scheduledPayload, _ := json.Marshal(map[string]any{"name": name, "input": json.RawMessage(payload)})
	c.delta.NewEvents = append(c.delta.NewEvents, historystore.HistoryEvent{
		Kind: historystore.KindActivityScheduled, EventID: sourceEventID, Payload: scheduledPayload,
	})
	c.delta.ScheduledWork = append(c.delta.ScheduledWork, historystore.ScheduledActivity{
		SourceEventID: sourceEventID, Name: name, Input: payload, Policy: policy,
	})
	return &Future{resolved: false, sourceEventID: sourceEventID}
}

// CreateTimer schedules a durable timer that fires after the engine's
// dispatch loop observes its due time has passed (spec §4.2 schedule_timer,
// implemented as a TimerCreated/TimerFired event pair; the actual due-time
// polling lives in Dispatcher.pollTimers).
func (c *Context) CreateTimer(fireAfterMS int64) *Future {
	if ev, ok := c.nextScheduled(historystore.KindTimerCreated); ok {
		sourceEventID := ev.EventID
		if _, fired := c.findBySource(sourceEventID, historystore.KindTimerFired); fired {
			return &Future{resolved: true}
		}
		return &Future{resolved: false, sourceEventID: sourceEventID}
	}

	sourceEventID := c.allocateEventID()
	payload, _ := json.Marshal(map[string]int64{"fire_after_ms": fireAfterMS})
	c.delta.NewEvents = append(c.delta.NewEvents, historystore.HistoryEvent{
		Kind: historystore.KindTimerCreated, EventID: sourceEventID, Payload: payload,
	})
	c.delta.ScheduledTimers = append(c.delta.ScheduledTimers, historystore.ScheduledTimer{
		SourceEventID: sourceEventID, FireAfterMS: fireAfterMS,
	})
	return &Future{resolved: false, sourceEventID: sourceEventID}
}

// ScheduleSubOrchestration starts a child orchestration instance (spec §4.2
// schedule_sub_orchestration) and returns a Future for its result.
func (c *Context) ScheduleSubOrchestration(childInstanceID, name string, version int, input any) *Future {
	payload, _ := json.Marshal(input)

	if ev, ok := c.nextScheduled(historystore.KindSubOrchestrationScheduled); ok {
		sourceEventID := ev.EventID
		if done, isDone := c.findBySource(sourceEventID, historystore.KindSubOrchestrationCompleted, historystore.KindSubOrchestrationFailed); isDone {
			if done.Kind == historystore.KindSubOrchestrationCompleted {
				return &Future{resolved: true, value: done.Payload}
			}
			return &Future{resolved: true, err: fmt.Errorf("sub-orchestration %s failed", childInstanceID)}
		}
		return &Future{resolved: false, sourceEventID: sourceEventID}
	}

	sourceEventID := c.allocateEventID()
	scheduledPayload, _ := json.Marshal(map[string]any{"child_instance_id": childInstanceID, "name": name, "version": version})
	c.delta.NewEvents = append(c.delta.NewEvents, historystore.HistoryEvent{
		Kind: historystore.KindSubOrchestrationScheduled, EventID: sourceEventID, Payload: scheduledPayload,
	})
	c.delta.ScheduledChildren = append(c.delta.ScheduledChildren, historystore.ScheduledChild{
		SourceEventID: sourceEventID, ChildInstanceID: childInstanceID, Name: name, Version: version, Input: payload,
	})
	return &Future{resolved: false, sourceEventID: sourceEventID}
}

// WaitExternal waits for the next external event named name raised against
// this instance via raise_event (spec §4.2 wait_external). Each call opens
// its own ExternalSubscribed subscription; raise_event ties an incoming
// ExternalEvent to the earliest still-unmatched subscription of that name
// via source_event_id (spec invariant I2), so a program that resubscribes
// to the same name every loop iteration (InstanceActor's Cancel wait) still
// resolves the specific subscription open on this replay, not a stale one
// from an earlier iteration.
func (c *Context) WaitExternal(name string) *Future {
	if ev, ok := c.nextScheduled(historystore.KindExternalSubscribed); ok {
		sourceEventID := ev.EventID
		if match, matched := c.findBySource(sourceEventID, historystore.KindExternalEvent); matched {
			var decoded struct {
				Payload json.RawMessage `json:"payload"`
			}
			_ = json.Unmarshal(match.Payload, &decoded)
			return &Future{resolved: true, value: decoded.Payload}
		}
		return &Future{resolved: false, sourceEventID: sourceEventID}
	}

	sourceEventID := c.allocateEventID()
	payload, _ := json.Marshal(map[string]string{"name": name})
	c.delta.NewEvents = append(c.delta.NewEvents, historystore.HistoryEvent{
		Kind: historystore.KindExternalSubscribed, EventID: sourceEventID, Payload: payload,
	})
	c.delta.Subscriptions = append(c.delta.Subscriptions, historystore.ExternalSubscription{SourceEventID: sourceEventID, Name: name})
	return &Future{resolved: false, sourceEventID: sourceEventID}
}

// ContinueAsNew ends the current execution and starts execution_id+1 with
// input as its new OrchestrationStarted input (spec §4.2 continue_as_new).
// Orchestration code must call this as its final act and return immediately
// afterward.
func (c *Context) ContinueAsNew(input any) {
	payload, _ := json.Marshal(input)
	c.delta.ContinueAsNew = true
	c.delta.ContinueAsNewInput = payload
}
