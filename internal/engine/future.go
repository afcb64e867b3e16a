package engine

import "encoding/json"

// Future is the result of a scheduling call (spec §4.2). Get blocks the
// current turn — by unwinding it via yieldSignal — until the value is
// known; a resolved Future returns immediately.
type Future struct {
	resolved      bool
	value         json.RawMessage
	err           error
	sourceEventID int64
}

// Get returns the future's value, or blocks (ending this turn) if it is not
// yet resolved. Orchestration code calls this to consume a scheduled
// activity/timer/sub-orchestration/external-wait result.
func (f *Future) Get() (json.RawMessage, error) {
	if !f.resolved {
		panic(yieldSignal{})
	}
	return f.value, f.err
}

// IsReady reports whether Get would return immediately, for code that wants
// to race several futures without blocking on any single one (Select).
func (f *Future) IsReady() bool { return f.resolved }

// Select blocks until at least one of futures is resolved, returning its
// index. If none are resolved, the turn ends here and resumes once any of
// them settles in a future turn (spec §4.2 select, used by InstanceActor to
// race a health-check timer against a Cancel external event).
func Select(futures ...*Future) int {
	for i, f := range futures {
		if f.resolved {
			return i
		}
	}
	panic(yieldSignal{})
}
