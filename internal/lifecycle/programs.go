package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/affandar/toygres/internal/activities"
	"github.com/affandar/toygres/internal/engine"
	"github.com/affandar/toygres/internal/historystore"
)

// defaultRetry is the standard infra-failure retry policy this module
// attaches to CMS/signal activity calls that have no step-specific policy
// of their own: three attempts, exponential backoff starting at one second,
// capped at thirty seconds (spec §4.3 defaults).
var defaultRetry = historystore.RetryPolicy{
	MaxAttempts:       3,
	Backoff:           historystore.BackoffExponential,
	BackoffBase:       1_000_000_000,  // 1s, in time.Duration nanoseconds
	BackoffMult:       2,
	BackoffCap:        30_000_000_000, // 30s
	PerAttemptTimeout: 15_000_000_000, // 15s
}

// waitReadyRetry bounds kube_wait_ready to a 10-minute total wait, polling
// every 2s (spec §4.5.1 step 3): StatefulSet pods can legitimately take
// minutes to become Ready, and spec §8's open question decided only a
// Pending wait_ready outcome is retried (an InfraError) — Failed is treated
// as an immediate, non-retried AppError by the activity itself, so
// MaxAttempts only bounds how long a merely-still-starting instance is
// given. 300 attempts * 2s poll interval = 10 minutes.
var waitReadyRetry = historystore.RetryPolicy{
	MaxAttempts:       300,
	Backoff:           historystore.BackoffFixed,
	BackoffBase:       2_000_000_000, // 2s
	PerAttemptTimeout: 10_000_000_000,
}

// getConnectionEndpointRetry is spec §4.5.1 step 4's policy: linear backoff
// starting at 2s and capped at 10s, five attempts, each allowed up to 2
// minutes (a Service's external IP can take a while to be assigned by the
// cloud provider's load balancer controller).
var getConnectionEndpointRetry = historystore.RetryPolicy{
	MaxAttempts:       5,
	Backoff:           historystore.BackoffLinear,
	BackoffBase:       2_000_000_000,   // 2s
	BackoffCap:        10_000_000_000,  // 10s
	PerAttemptTimeout: 120_000_000_000, // 120s
}

// testConnectionRetry is spec §4.5.1 step 5's policy: exponential backoff
// starting at 2s, doubling, capped at 30s, five attempts each allowed up to
// 60s. Exhausting this policy fails CreateInstance outright (spec §8
// scenario 3) rather than marking the instance Running with an
// unauthenticated/unreachable Postgres.
var testConnectionRetry = historystore.RetryPolicy{
	MaxAttempts:       5,
	Backoff:           historystore.BackoffExponential,
	BackoffBase:       2_000_000_000,  // 2s
	BackoffMult:       2,
	BackoffCap:        30_000_000_000, // 30s
	PerAttemptTimeout: 60_000_000_000, // 60s
}

// actorAckRetry gives DeleteInstance's wait-for-actor-acknowledgment step a
// single 30s attempt (spec §4.5.2 step 2): WaitActorAck itself never
// returns an error on timeout, it just reports whether it observed the
// actor reach a terminal status, so there is nothing to retry here.
var actorAckRetry = historystore.RetryPolicy{
	MaxAttempts:       1,
	PerAttemptTimeout: 30_000_000_000, // 30s
}

func schedule(ctx *engine.Context, activity string, input any) (json.RawMessage, error) {
	f := ctx.ScheduleActivity(activity, input, defaultRetry)
	return f.Get()
}

func scheduleWith(ctx *engine.Context, activity string, input any, policy historystore.RetryPolicy) (json.RawMessage, error) {
	f := ctx.ScheduleActivity(activity, input, policy)
	return f.Get()
}

type insertPendingInput struct {
	CreateInstanceInput
	CreateOrchestrationID string `json:"create_orchestration_id"`
}

type setActorInput struct {
	K8sName                      string `json:"k8s_name"`
	InstanceActorOrchestrationID string `json:"instance_actor_orchestration_id"`
}

type updateInput struct {
	CreateInstanceInput
	IPConnectionString  string `json:"ip_connection_string"`
	DNSConnectionString string `json:"dns_connection_string"`
	ConnectionEndpoint  string `json:"connection_endpoint"`
	Status              string `json:"status"`
}

// CreateInstance provisions a new Postgres instance end to end and kicks
// off its InstanceActor (spec §4.5.1).
func CreateInstance(ctx *engine.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in CreateInstanceInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("create_instance: decode input: %w", err)
	}

	insertInput := insertPendingInput{CreateInstanceInput: in, CreateOrchestrationID: ctx.InstanceID()}
	if _, err := schedule(ctx, activities.CMSInsertPending, insertInput); err != nil {
		return nil, fmt.Errorf("create_instance: cms insert: %w", err)
	}

	if _, err := schedule(ctx, activities.DeployPostgres, in); err != nil {
		_, _ = ctx.ScheduleActivity(activities.CMSMarkFailed, in, defaultRetry).Get()
		return nil, fmt.Errorf("create_instance: deploy: %w", err)
	}

	waitFuture := ctx.ScheduleActivity(activities.WaitReady, in, waitReadyRetry)
	if _, err := waitFuture.Get(); err != nil {
		_, _ = ctx.ScheduleActivity(activities.CMSMarkFailed, in, defaultRetry).Get()
		return nil, fmt.Errorf("create_instance: wait ready: %w", err)
	}

	endpointPayload, err := scheduleWith(ctx, activities.GetConnectionEndpoint, in, getConnectionEndpointRetry)
	if err != nil {
		_, _ = ctx.ScheduleActivity(activities.CMSMarkFailed, in, defaultRetry).Get()
		return nil, fmt.Errorf("create_instance: get endpoint: %w", err)
	}
	var endpoint struct {
		ConnectionEndpoint  string `json:"connection_endpoint"`
		IPConnectionString  string `json:"ip_connection_string"`
		DNSConnectionString string `json:"dns_connection_string"`
	}
	_ = json.Unmarshal(endpointPayload, &endpoint)

	// spec §4.5.1 step 5: a reachable, authenticating Postgres is a
	// precondition for reporting Running, not just a passive health signal
	// (spec §8 scenario 3).
	testInput := struct {
		K8sName            string `json:"k8s_name"`
		ConnectionEndpoint string `json:"connection_endpoint"`
		Password           string `json:"password"`
	}{K8sName: in.K8sName, ConnectionEndpoint: endpoint.ConnectionEndpoint, Password: in.Password}
	if _, err := scheduleWith(ctx, activities.TestConnection, testInput, testConnectionRetry); err != nil {
		_, _ = ctx.ScheduleActivity(activities.CMSMarkFailed, in, defaultRetry).Get()
		return nil, fmt.Errorf("create_instance: test connection: %w", err)
	}

	update := updateInput{
		CreateInstanceInput: in,
		IPConnectionString:  endpoint.IPConnectionString,
		DNSConnectionString: endpoint.DNSConnectionString,
		ConnectionEndpoint:  endpoint.ConnectionEndpoint,
		Status:              "Running",
	}
	if _, err := schedule(ctx, activities.CMSUpdate, update); err != nil {
		return nil, fmt.Errorf("create_instance: cms update: %w", err)
	}

	actorID := actorInstanceID(in.K8sName)
	actorInput := InstanceActorInput{K8sName: in.K8sName, HealthCheckIntervalMS: 30_000}
	ctx.ScheduleSubOrchestration(actorID, OrchestrationInstanceActor, Version, actorInput)

	if _, err := schedule(ctx, activities.CMSSetActor, setActorInput{K8sName: in.K8sName, InstanceActorOrchestrationID: actorID}); err != nil {
		return nil, fmt.Errorf("create_instance: cms set actor: %w", err)
	}

	out, _ := json.Marshal(CreateInstanceOutput{
		IPConnectionString:  endpoint.IPConnectionString,
		DNSConnectionString: endpoint.DNSConnectionString,
	})
	return out, nil
}

// DeleteInstance tears an instance down and signals its InstanceActor to
// stop (spec §4.5.2).
func DeleteInstance(ctx *engine.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in DeleteInstanceInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("delete_instance: decode input: %w", err)
	}

	if _, err := schedule(ctx, activities.CMSMarkDeleting, in); err != nil {
		return nil, fmt.Errorf("delete_instance: cms mark deleting: %w", err)
	}

	cancelInput := struct {
		ActorInstanceID string `json:"actor_instance_id"`
	}{ActorInstanceID: actorInstanceID(in.K8sName)}
	if _, err := schedule(ctx, activities.SignalActorCancel, cancelInput); err != nil {
		return nil, fmt.Errorf("delete_instance: signal actor: %w", err)
	}

	// spec §4.5.2 step 2: give the actor up to 30s to acknowledge by
	// completing before proceeding regardless — WaitActorAck itself never
	// fails, it only reports whether it saw that happen.
	if _, err := scheduleWith(ctx, activities.WaitActorAck, cancelInput, actorAckRetry); err != nil {
		return nil, fmt.Errorf("delete_instance: wait actor ack: %w", err)
	}

	if _, err := schedule(ctx, activities.DeletePostgres, in); err != nil {
		return nil, fmt.Errorf("delete_instance: delete postgres: %w", err)
	}

	if _, err := schedule(ctx, activities.CMSMarkDeleted, in); err != nil {
		return nil, fmt.Errorf("delete_instance: cms mark deleted: %w", err)
	}

	return json.Marshal(map[string]string{"status": "deleted"})
}

// InstanceActor runs an instance's periodic health-check loop until
// cancelled, continuing as new every ContinueAsNewThreshold checks to keep
// its own history bounded (spec §4.5.3).
func InstanceActor(ctx *engine.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in InstanceActorInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("instance_actor: decode input: %w", err)
	}
	if in.HealthCheckIntervalMS <= 0 {
		in.HealthCheckIntervalMS = 30_000
	}

	for checks := int64(0); checks < ContinueAsNewThreshold; checks++ {
		timerFuture := ctx.CreateTimer(in.HealthCheckIntervalMS)
		cancelFuture := ctx.WaitExternal("Cancel")

		const (
			idxTimer = iota
			idxCancel
		)
		switch engine.Select(timerFuture, cancelFuture) {
		case idxCancel:
			if _, err := cancelFuture.Get(); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"status": "cancelled"})
		case idxTimer:
			if _, err := timerFuture.Get(); err != nil {
				return nil, err
			}
		}

		testInput := struct {
			K8sName string `json:"k8s_name"`
		}{K8sName: in.K8sName}
		if _, err := schedule(ctx, activities.TestConnection, testInput); err != nil {
			_, _ = ctx.ScheduleActivity(activities.CMSRecordHealthCheck, healthCheckResult{K8sName: in.K8sName, Healthy: false, Detail: err.Error()}, defaultRetry).Get()
			continue
		}
		_, _ = ctx.ScheduleActivity(activities.CMSRecordHealthCheck, healthCheckResult{K8sName: in.K8sName, Healthy: true}, defaultRetry).Get()
		in.ChecksSinceStart++
	}

	ctx.ContinueAsNew(in)
	return nil, nil
}

type healthCheckResult struct {
	K8sName string `json:"k8s_name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

func actorInstanceID(k8sName string) string {
	return k8sName + "-actor"
}

// Register adds all three lifecycle programs to reg under their names and
// Version, for engine.Dispatcher to invoke.
func Register(reg *engine.Registry) {
	reg.Register(OrchestrationCreateInstance, Version, CreateInstance)
	reg.Register(OrchestrationDeleteInstance, Version, DeleteInstance)
	reg.Register(OrchestrationInstanceActor, Version, InstanceActor)
}
