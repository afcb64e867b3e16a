// Package historystore implements the History Store and Work Queue (spec
// §4.1): a durable, append-only per-instance event log plus two FIFO-with-
// lease queues, sharing one Postgres-backed transactional store so that a
// turn commit is atomic across "append events", "mark new work ready", and
// "ack the current work item".
//
// Grounded on the teacher's internal/workflow/execution_storage.go
// interface-plus-impl split, generalized from muster's per-execution JSON
// file store to a real SQL backing store (github.com/jackc/pgx/v5), because
// spec §3/§6 requires transactional compare-and-swap commits and row-level
// leases with fencing tokens that a flat file store cannot provide.
package historystore

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the history event kinds of spec §3.
type EventKind string

const (
	KindOrchestrationStarted       EventKind = "OrchestrationStarted"
	KindActivityScheduled          EventKind = "ActivityScheduled"
	KindActivityCompleted          EventKind = "ActivityCompleted"
	KindActivityFailed             EventKind = "ActivityFailed"
	KindTimerCreated                EventKind = "TimerCreated"
	KindTimerFired                  EventKind = "TimerFired"
	KindSubOrchestrationScheduled    EventKind = "SubOrchestrationScheduled"
	KindSubOrchestrationCompleted    EventKind = "SubOrchestrationCompleted"
	KindSubOrchestrationFailed       EventKind = "SubOrchestrationFailed"
	KindExternalSubscribed          EventKind = "ExternalSubscribed"
	KindExternalEvent               EventKind = "ExternalEvent"
	KindOrchestrationCompleted      EventKind = "OrchestrationCompleted"
	KindOrchestrationFailed         EventKind = "OrchestrationFailed"
	KindOrchestrationContinuedAsNew EventKind = "OrchestrationContinuedAsNew"
	KindSystemCall                  EventKind = "SystemCall"
)

// Status is an orchestration instance's current logical status (spec §3).
type Status string

const (
	StatusRunning         Status = "Running"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusContinuedAsNew  Status = "ContinuedAsNew"
)

// HistoryEvent is one append-only record, keyed by (instance_id,
// execution_id, event_id) with event_id strictly increasing and dense
// within an execution (invariant I1).
type HistoryEvent struct {
	InstanceID    string          `json:"instance_id"`
	ExecutionID   int64           `json:"execution_id"`
	EventID       int64           `json:"event_id"`
	Kind          EventKind       `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	SourceEventID *int64          `json:"source_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OrchestrationInstance is the execution-id-keyed run record of spec §3.
type OrchestrationInstance struct {
	InstanceID        string          `json:"instance_id"`
	OrchestrationName string          `json:"orchestration_name"`
	Version           int             `json:"version"`
	ExecutionID       int64           `json:"execution_id"`
	Status            Status          `json:"status"`
	Input             json.RawMessage `json:"input"`
	Output            json.RawMessage `json:"output,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RetryPolicy is attached to a scheduled activity task (spec §4.3).
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	Backoff         BackoffKind   `json:"backoff"`
	BackoffBase     time.Duration `json:"backoff_base,omitempty"`
	BackoffMult     float64       `json:"backoff_mult,omitempty"`
	BackoffCap      time.Duration `json:"backoff_cap,omitempty"`
	PerAttemptTimeout time.Duration `json:"per_attempt_timeout"`
}

// BackoffKind enumerates the four retry backoff strategies of spec §4.3.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// ScheduledActivity is a newly-scheduled activity task produced by a turn.
type ScheduledActivity struct {
	SourceEventID int64           `json:"source_event_id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input"`
	Policy        RetryPolicy     `json:"policy"`
}

// ScheduledChild is a newly-scheduled sub-orchestration start.
type ScheduledChild struct {
	SourceEventID   int64           `json:"source_event_id"`
	ChildInstanceID string          `json:"child_instance_id"`
	Name            string          `json:"name"`
	Version         int             `json:"version"`
	Input           json.RawMessage `json:"input"`
}

// ExternalSubscription records a new wait_external subscription opened by a
// turn, so raise_event can match an incoming event to the earliest pending
// subscription with that name (spec §4.4).
type ExternalSubscription struct {
	SourceEventID int64  `json:"source_event_id"`
	Name          string `json:"name"`
}

// ScheduledTimer is a newly-created durable timer produced by a turn. FireAt
// is computed by the store at commit time (now() + FireAfterMS), never by
// the deterministic orchestration program, so two replays of the same turn
// always request the same duration without either one reading the clock.
type ScheduledTimer struct {
	SourceEventID int64 `json:"source_event_id"`
	FireAfterMS   int64 `json:"fire_after_ms"`
}

// TurnDelta is the atomically-committed output of one runtime invocation
// (spec §3 "Turn Delta"): new events to append, newly scheduled activity
// tasks, new child-orchestration starts, new external-event subscriptions,
// and the run's new logical status. Continue-as-new is requested by setting
// ContinueAsNew and ContinueAsNewInput; the store then opens execution_id+1
// and writes its OrchestrationStarted event itself.
type TurnDelta struct {
	NewEvents       []HistoryEvent
	ScheduledWork   []ScheduledActivity
	ScheduledChildren []ScheduledChild
	Subscriptions   []ExternalSubscription
	ScheduledTimers []ScheduledTimer
	NewStatus       Status
	Output          json.RawMessage // set when NewStatus is terminal

	// ContinueAsNew, when true, instructs the store to close the current
	// execution and open execution_id+1 with OrchestrationStarted{Input:
	// ContinueAsNewInput} as its first event (spec §4.2).
	ContinueAsNew     bool
	ContinueAsNewInput json.RawMessage
}

// WorkItemKind distinguishes the two queues of spec §2 C2.
type WorkItemKind string

const (
	WorkItemOrchestration WorkItemKind = "orchestration"
	WorkItemActivity      WorkItemKind = "activity"
)

// LeasedOrchestration is the result of fetch_ready_orchestration: the full
// current-execution history (so the runtime can replay deterministically)
// plus the fencing token the runtime must present on commit.
type LeasedOrchestration struct {
	InstanceID        string
	OrchestrationName string
	Version           int
	ExecutionID       int64
	History           []HistoryEvent
	HighWater         int64 // current max event_id, used as prior_version on commit
	FencingToken      int64
}

// LeasedActivity is the result of fetch_ready_activity.
type LeasedActivity struct {
	QueueID       int64
	InstanceID    string
	ExecutionID   int64
	SourceEventID int64
	Name          string
	Input         json.RawMessage
	Attempt       int
	Policy        RetryPolicy
	FencingToken  int64
}

// ListFilter narrows List's results.
type ListFilter struct {
	OrchestrationName string
	Status            Status
	Limit             int
}
