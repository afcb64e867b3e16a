package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/internal/historystore"
)

func startedEvent(input string) historystore.HistoryEvent {
	payload, _ := json.Marshal(map[string]any{"input": json.RawMessage(`"` + input + `"`)})
	return historystore.HistoryEvent{EventID: 0, Kind: historystore.KindOrchestrationStarted, Payload: payload}
}

// sequential is an orchestration that schedules one activity, waits for it,
// then completes with its result.
func sequential(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
	f := ctx.ScheduleActivity("do_thing", input, historystore.RetryPolicy{MaxAttempts: 1})
	result, err := f.Get()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func TestRun_FirstTurnSchedulesAndYields(t *testing.T) {
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "inst-1",
		ExecutionID: 1,
		History:     []historystore.HistoryEvent{startedEvent("hello")},
		HighWater:   0,
	}

	delta, err := Run(sequential, leased)
	require.NoError(t, err)
	assert.Empty(t, delta.NewStatus, "must not complete before the activity result is known")
	require.Len(t, delta.NewEvents, 1)
	assert.Equal(t, historystore.KindActivityScheduled, delta.NewEvents[0].Kind)
	require.Len(t, delta.ScheduledWork, 1)
	assert.Equal(t, "do_thing", delta.ScheduledWork[0].Name)
}

func TestRun_SecondTurnCompletesAfterActivityResult(t *testing.T) {
	sourceID := int64(1)
	completionPayload, _ := json.Marshal("world")
	history := []historystore.HistoryEvent{
		startedEvent("hello"),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"do_thing"}`)},
		{EventID: 2, Kind: historystore.KindActivityCompleted, Payload: completionPayload, SourceEventID: &sourceID},
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "inst-1",
		ExecutionID: 1,
		History:     history,
		HighWater:   2,
	}

	delta, err := Run(sequential, leased)
	require.NoError(t, err)
	assert.Equal(t, historystore.StatusCompleted, delta.NewStatus)

	var output string
	require.NoError(t, json.Unmarshal(delta.Output, &output))
	assert.Equal(t, "world", output)
}

// TestRun_NondeterminismDetectedOnKindMismatch checks that replaying a
// program whose first scheduling call is ScheduleActivity against history
// recorded by a different call shape (a timer, here) fails the turn rather
// than silently treating the timer event as the activity's own.
func TestRun_NondeterminismDetectedOnKindMismatch(t *testing.T) {
	history := []historystore.HistoryEvent{
		startedEvent("hello"),
		{EventID: 1, Kind: historystore.KindTimerCreated, Payload: []byte(`{"fire_after_ms":1000}`)},
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "inst-3",
		ExecutionID: 1,
		History:     history,
		HighWater:   1,
	}

	delta, err := Run(sequential, leased)
	require.NoError(t, err)
	assert.Equal(t, historystore.StatusFailed, delta.NewStatus)

	var out map[string]string
	require.NoError(t, json.Unmarshal(delta.Output, &out))
	assert.Equal(t, "nondeterminism", out["error_kind"])
}

func continueLoop(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
	f := ctx.CreateTimer(1000)
	if _, err := f.Get(); err != nil {
		return nil, err
	}
	ctx.ContinueAsNew(input)
	return nil, nil
}

func TestRun_ContinueAsNewAfterTimerFires(t *testing.T) {
	sourceID := int64(1)
	history := []historystore.HistoryEvent{
		startedEvent("loop"),
		{EventID: 1, Kind: historystore.KindTimerCreated, Payload: []byte(`{"fire_after_ms":1000}`)},
		{EventID: 2, Kind: historystore.KindTimerFired, SourceEventID: &sourceID},
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "inst-2",
		ExecutionID: 1,
		History:     history,
		HighWater:   2,
	}

	delta, err := Run(continueLoop, leased)
	require.NoError(t, err)
	assert.True(t, delta.ContinueAsNew)
}
