package engine

import (
	"encoding/json"

	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
)

// OrchestrationFunc is an orchestration program: deterministic, replayed in
// full from the start of its current execution on every turn, using ctx's
// scheduling calls to make progress (spec §4.2). Must return promptly once
// it has either produced a terminal result or blocked on a Future.
type OrchestrationFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// Run replays leased's history against fn and returns the TurnDelta to
// commit. A Future.Get/Select call that blocks ends the turn early (caught
// here) with whatever was scheduled so far; fn returning normally marks the
// execution Completed or Failed.
func Run(fn OrchestrationFunc, leased *historystore.LeasedOrchestration) (delta historystore.TurnDelta, err error) {
	ctx := newContext(leased)

	var input json.RawMessage
	if len(leased.History) > 0 && leased.History[0].Kind == historystore.KindOrchestrationStarted {
		var started struct {
			Input json.RawMessage `json:"input"`
		}
		if unmarshalErr := json.Unmarshal(leased.History[0].Payload, &started); unmarshalErr == nil {
			input = started.Input
		}
	}

	blocked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(yieldSignal); ok {
					blocked = true
					return
				}
				if nd, ok := r.(nondeterminismSignal); ok {
					ctx.delta.NewStatus = historystore.StatusFailed
					ctx.delta.Output, _ = json.Marshal(map[string]string{
						"reason":     nd.err.Error(),
						"error_kind": string(errs.KindNondeterminism),
					})
					logging.Warn("engine", "orchestration %s: %v", ctx.instanceID, nd.err)
					return
				}
				panic(r)
			}
		}()

		output, runErr := fn(ctx, input)
		if ctx.delta.ContinueAsNew {
			return
		}
		if runErr != nil {
			ctx.delta.NewStatus = historystore.StatusFailed
			failurePayload, _ := json.Marshal(map[string]string{"reason": runErr.Error()})
			ctx.delta.Output = failurePayload
			logging.Warn("engine", "orchestration %s failed: %v", ctx.instanceID, runErr)
			return
		}
		ctx.delta.NewStatus = historystore.StatusCompleted
		ctx.delta.Output = output
	}()

	if blocked {
		logging.Debug("engine", "turn for %s yielded awaiting more events", ctx.instanceID)
	}

	return ctx.delta, nil
}
