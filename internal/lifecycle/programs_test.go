package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/internal/engine"
	"github.com/affandar/toygres/internal/historystore"
)

func startedEvent(input any) historystore.HistoryEvent {
	payload, _ := json.Marshal(input)
	started, _ := json.Marshal(map[string]any{"input": json.RawMessage(payload)})
	return historystore.HistoryEvent{EventID: 0, Kind: historystore.KindOrchestrationStarted, Payload: started}
}

func activityCompleted(id int64, source int64, result any) historystore.HistoryEvent {
	payload, _ := json.Marshal(result)
	return historystore.HistoryEvent{EventID: id, Kind: historystore.KindActivityCompleted, Payload: payload, SourceEventID: &source}
}

// TestCreateInstance_FirstTurnSchedulesCMSInsert verifies the program's very
// first scheduling call, matching spec §4.5's order: CMS bookkeeping before
// any Kubernetes call is made.
func TestCreateInstance_FirstTurnSchedulesCMSInsert(t *testing.T) {
	in := CreateInstanceInput{K8sName: "pg-1", UserName: "alice", Region: "us-east-1"}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-1",
		ExecutionID: 1,
		History:     []historystore.HistoryEvent{startedEvent(in)},
		HighWater:   0,
	}

	delta, err := engine.Run(CreateInstance, leased)
	require.NoError(t, err)
	assert.Empty(t, delta.NewStatus)
	require.Len(t, delta.ScheduledWork, 1)
	assert.Equal(t, "cms_insert_pending", delta.ScheduledWork[0].Name)
}

// TestCreateInstance_CompletesAfterFullSequence replays a history where every
// scheduled activity has already completed, and checks the program reaches
// StatusCompleted, schedules the InstanceActor child, and persists the
// actor's orchestration id back to CMS on its way out (spec §4.5.1). The
// child is scheduled by the turn that follows cms_update (history up to
// event 12); on the full replay event 13 already records it, so that turn
// must not schedule it again.
func TestCreateInstance_CompletesAfterFullSequence(t *testing.T) {
	in := CreateInstanceInput{K8sName: "pg-1", UserName: "alice", Region: "us-east-1"}
	endpointResult := map[string]string{
		"connection_endpoint":   "pg-1.default.svc.cluster.local:5432",
		"ip_connection_string":  "postgres://10.0.0.5:5432",
		"dns_connection_string": "postgres://pg-1.default.svc.cluster.local:5432",
	}
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_insert_pending"}`)},
		activityCompleted(2, 1, map[string]string{}),
		{EventID: 3, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_deploy_postgres"}`)},
		activityCompleted(4, 3, map[string]string{"k8s_name": "pg-1"}),
		{EventID: 5, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_wait_ready"}`)},
		activityCompleted(6, 5, map[string]bool{"ready": true}),
		{EventID: 7, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_get_connection_endpoint"}`)},
		activityCompleted(8, 7, endpointResult),
		{EventID: 9, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_test_connection"}`)},
		activityCompleted(10, 9, map[string]bool{"healthy": true}),
		{EventID: 11, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_update"}`)},
		activityCompleted(12, 11, map[string]string{}),
		{EventID: 13, Kind: historystore.KindSubOrchestrationScheduled, Payload: []byte(`{"child_instance_id":"pg-1-actor"}`)},
		{EventID: 14, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_set_actor"}`)},
		activityCompleted(15, 14, map[string]string{}),
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-1",
		ExecutionID: 1,
		History:     history,
		HighWater:   15,
	}

	delta, err := engine.Run(CreateInstance, leased)
	require.NoError(t, err)
	assert.Equal(t, historystore.StatusCompleted, delta.NewStatus)

	var out CreateInstanceOutput
	require.NoError(t, json.Unmarshal(delta.Output, &out))
	assert.Equal(t, "postgres://10.0.0.5:5432", out.IPConnectionString)
	assert.Equal(t, "postgres://pg-1.default.svc.cluster.local:5432", out.DNSConnectionString)
	assert.Empty(t, delta.ScheduledChildren)

	scheduling, err := engine.Run(CreateInstance, &historystore.LeasedOrchestration{
		InstanceID:  "pg-1",
		ExecutionID: 1,
		History:     history[:13],
		HighWater:   12,
	})
	require.NoError(t, err)
	require.Len(t, scheduling.ScheduledChildren, 1)
	assert.Equal(t, "pg-1-actor", scheduling.ScheduledChildren[0].ChildInstanceID)
	assert.Equal(t, OrchestrationInstanceActor, scheduling.ScheduledChildren[0].Name)
}

// TestCreateInstance_TestConnectionFailureFailsCreate checks spec §8
// scenario 3: test_connection exhausting its retries fails CreateInstance
// outright instead of reporting the instance Running.
func TestCreateInstance_TestConnectionFailureFailsCreate(t *testing.T) {
	in := CreateInstanceInput{K8sName: "pg-4", UserName: "carol", Region: "us-east-1"}
	endpointResult := map[string]string{
		"connection_endpoint":   "pg-4.default.svc.cluster.local:5432",
		"ip_connection_string":  "postgres://10.0.0.9:5432",
		"dns_connection_string": "postgres://pg-4.default.svc.cluster.local:5432",
	}
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_insert_pending"}`)},
		activityCompleted(2, 1, map[string]string{}),
		{EventID: 3, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_deploy_postgres"}`)},
		activityCompleted(4, 3, map[string]string{"k8s_name": "pg-4"}),
		{EventID: 5, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_wait_ready"}`)},
		activityCompleted(6, 5, map[string]bool{"ready": true}),
		{EventID: 7, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_get_connection_endpoint"}`)},
		activityCompleted(8, 7, endpointResult),
		{EventID: 9, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_test_connection"}`)},
		{EventID: 10, Kind: historystore.KindActivityFailed, Payload: []byte(`{"message":"connection refused","error_kind":"infra","attempts":5}`), SourceEventID: int64Ptr(9)},
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-4",
		ExecutionID: 1,
		History:     history,
		HighWater:   10,
	}

	delta, err := engine.Run(CreateInstance, leased)
	require.NoError(t, err)
	assert.Empty(t, delta.NewStatus, "must yield until cms_mark_failed itself completes")
	require.Len(t, delta.ScheduledWork, 1)
	assert.Equal(t, "cms_mark_failed", delta.ScheduledWork[0].Name)
}

// TestCreateInstance_DeployFailureSchedulesMarkFailed checks the
// deploy-failure branch: a failed kube_deploy_postgres stops the sequence
// short of wait_ready and schedules cms_mark_failed. The turn yields here
// rather than completing immediately, since cms_mark_failed itself must run
// to completion (and be observed on a later turn) before the orchestration
// can report Failed.
func TestCreateInstance_DeployFailureSchedulesMarkFailed(t *testing.T) {
	in := CreateInstanceInput{K8sName: "pg-2", UserName: "bob", Region: "us-east-1"}
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_insert_pending"}`)},
		activityCompleted(2, 1, map[string]string{}),
		{EventID: 3, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_deploy_postgres"}`)},
		{EventID: 4, Kind: historystore.KindActivityFailed, Payload: []byte(`{"message":"quota exceeded","error_kind":"infra","attempts":3}`), SourceEventID: int64Ptr(3)},
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-2",
		ExecutionID: 1,
		History:     history,
		HighWater:   4,
	}

	delta, err := engine.Run(CreateInstance, leased)
	require.NoError(t, err)
	assert.Empty(t, delta.NewStatus, "must yield until cms_mark_failed itself completes")
	require.Len(t, delta.ScheduledWork, 1)
	assert.Equal(t, "cms_mark_failed", delta.ScheduledWork[0].Name)
}

// TestCreateInstance_DeployFailureCompletesFailedAfterMarkFailed covers the
// following turn: once cms_mark_failed has completed, the orchestration
// reports StatusFailed with the original deploy error.
func TestCreateInstance_DeployFailureCompletesFailedAfterMarkFailed(t *testing.T) {
	in := CreateInstanceInput{K8sName: "pg-2", UserName: "bob", Region: "us-east-1"}
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_insert_pending"}`)},
		activityCompleted(2, 1, map[string]string{}),
		{EventID: 3, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_deploy_postgres"}`)},
		{EventID: 4, Kind: historystore.KindActivityFailed, Payload: []byte(`{"message":"quota exceeded","error_kind":"infra","attempts":3}`), SourceEventID: int64Ptr(3)},
		{EventID: 5, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_mark_failed"}`)},
		activityCompleted(6, 5, map[string]string{}),
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-2",
		ExecutionID: 1,
		History:     history,
		HighWater:   6,
	}

	delta, err := engine.Run(CreateInstance, leased)
	require.NoError(t, err)
	assert.Equal(t, historystore.StatusFailed, delta.NewStatus)
}

func int64Ptr(v int64) *int64 { return &v }

// TestInstanceActor_CancelStopsBeforeContinueAsNew checks that a delivered
// Cancel event wins the race against the health-check timer and ends the
// execution instead of looping.
func TestInstanceActor_CancelStopsBeforeContinueAsNew(t *testing.T) {
	in := InstanceActorInput{K8sName: "pg-1", HealthCheckIntervalMS: 30_000}
	cancelPayload, _ := json.Marshal(map[string]any{"name": "Cancel", "payload": nil})
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindTimerCreated, Payload: []byte(`{"fire_after_ms":30000}`)},
		{EventID: 2, Kind: historystore.KindExternalSubscribed, Payload: []byte(`{"name":"Cancel"}`)},
		{EventID: 3, Kind: historystore.KindExternalEvent, Payload: cancelPayload, SourceEventID: int64Ptr(2)},
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-1-actor",
		ExecutionID: 1,
		History:     history,
		HighWater:   3,
	}

	delta, err := engine.Run(InstanceActor, leased)
	require.NoError(t, err)
	assert.Equal(t, historystore.StatusCompleted, delta.NewStatus)

	var out map[string]string
	require.NoError(t, json.Unmarshal(delta.Output, &out))
	assert.Equal(t, "cancelled", out["status"])
}

// TestInstanceActor_FirstTurnCreatesTimerAndSubscription checks the very
// first turn's deterministic call order: a timer, then a Cancel
// subscription, both yielding (nothing resolved yet).
func TestInstanceActor_FirstTurnCreatesTimerAndSubscription(t *testing.T) {
	in := InstanceActorInput{K8sName: "pg-3", HealthCheckIntervalMS: 5_000}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-3-actor",
		ExecutionID: 1,
		History:     []historystore.HistoryEvent{startedEvent(in)},
		HighWater:   0,
	}

	delta, err := engine.Run(InstanceActor, leased)
	require.NoError(t, err)
	assert.Empty(t, delta.NewStatus)
	require.Len(t, delta.NewEvents, 2)
	assert.Equal(t, historystore.KindTimerCreated, delta.NewEvents[0].Kind)
	assert.Equal(t, historystore.KindExternalSubscribed, delta.NewEvents[1].Kind)
	require.Len(t, delta.Subscriptions, 1)
	assert.Equal(t, "Cancel", delta.Subscriptions[0].Name)
}

// TestDeleteInstance_WaitsForActorAckBeforeDeletingResources checks the
// deterministic call order spec §4.5.2 requires: CMS mark-deleting, signal
// the actor, wait (bounded) for its acknowledgment, only then delete the
// Kubernetes resources and mark the CMS row deleted.
func TestDeleteInstance_WaitsForActorAckBeforeDeletingResources(t *testing.T) {
	in := DeleteInstanceInput{K8sName: "pg-5"}
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_mark_deleting"}`)},
		activityCompleted(2, 1, map[string]string{}),
		{EventID: 3, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"signal_actor_cancel"}`)},
		activityCompleted(4, 3, map[string]string{}),
		{EventID: 5, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"signal_wait_actor_ack"}`)},
		activityCompleted(6, 5, map[string]bool{"acknowledged": true}),
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-5",
		ExecutionID: 1,
		History:     history,
		HighWater:   6,
	}

	delta, err := engine.Run(DeleteInstance, leased)
	require.NoError(t, err)
	assert.Empty(t, delta.NewStatus, "must still schedule delete_postgres/cms_mark_deleted")
	require.Len(t, delta.ScheduledWork, 1)
	assert.Equal(t, "kube_delete_postgres", delta.ScheduledWork[0].Name)
}

// TestDeleteInstance_ProceedsAfterAckTimeout checks that a non-acknowledging
// actor (WaitActorAck's "acknowledged": false, not an error) doesn't block
// deletion.
func TestDeleteInstance_ProceedsAfterAckTimeout(t *testing.T) {
	in := DeleteInstanceInput{K8sName: "pg-6"}
	history := []historystore.HistoryEvent{
		startedEvent(in),
		{EventID: 1, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_mark_deleting"}`)},
		activityCompleted(2, 1, map[string]string{}),
		{EventID: 3, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"signal_actor_cancel"}`)},
		activityCompleted(4, 3, map[string]string{}),
		{EventID: 5, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"signal_wait_actor_ack"}`)},
		activityCompleted(6, 5, map[string]bool{"acknowledged": false}),
		{EventID: 7, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"kube_delete_postgres"}`)},
		activityCompleted(8, 7, map[string]string{}),
		{EventID: 9, Kind: historystore.KindActivityScheduled, Payload: []byte(`{"name":"cms_mark_deleted"}`)},
		activityCompleted(10, 9, map[string]string{}),
	}
	leased := &historystore.LeasedOrchestration{
		InstanceID:  "pg-6",
		ExecutionID: 1,
		History:     history,
		HighWater:   10,
	}

	delta, err := engine.Run(DeleteInstance, leased)
	require.NoError(t, err)
	assert.Equal(t, historystore.StatusCompleted, delta.NewStatus)
}
