package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/affandar/toygres/internal/activityworker"
	"github.com/affandar/toygres/internal/client"
	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/pkg/errs"
)

// actorAckPollInterval is how often WaitActorAck re-checks the actor
// instance's status while it still has budget left (bounded by the
// activity's own PerAttemptTimeout, set by internal/lifecycle to 30s per
// spec §4.5.2 step 2).
const actorAckPollInterval = 2 * time.Second

// SignalCatalog implements engine-level signaling activities: activities
// that call back into the orchestration client rather than an external
// system. Kept apart from internal/activities/kube and
// internal/activities/cms since it has neither client-go nor pgx as a
// dependency — only internal/client.
type SignalCatalog struct {
	client *client.Client
}

// NewSignalCatalog wraps an already-constructed client.
func NewSignalCatalog(c *client.Client) *SignalCatalog {
	return &SignalCatalog{client: c}
}

// RegisterAll adds the signaling activities to reg.
func (s *SignalCatalog) RegisterAll(reg *activityworker.Registry) {
	reg.Register(SignalActorCancel, s.Cancel)
	reg.Register(WaitActorAck, s.WaitActorAck)
}

type cancelInput struct {
	ActorInstanceID string `json:"actor_instance_id"`
}

// Cancel raises the well-known Cancel event against an InstanceActor
// execution, used by DeleteInstance to stop a running actor before tearing
// down its Kubernetes resources.
func (s *SignalCatalog) Cancel(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in cancelInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.App(fmt.Errorf("activities: decode input: %w", err))
	}

	if err := s.client.Cancel(ctx, in.ActorInstanceID); err != nil {
		return nil, errs.Infra(fmt.Errorf("activities: cancel %s: %w", in.ActorInstanceID, err))
	}
	return json.Marshal(map[string]string{"actor_instance_id": in.ActorInstanceID})
}

// WaitActorAck polls an InstanceActor execution until it reaches a terminal
// status or the caller's context is done (spec §4.5.2 step 2: wait up to
// 30s for the actor to acknowledge Cancel by completing, otherwise proceed
// regardless). Running out of time is not itself a failure — the caller
// proceeds to delete the instance's Kubernetes resources either way — so
// this never returns an error; it reports whether it actually observed
// acknowledgment.
func (s *SignalCatalog) WaitActorAck(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in cancelInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.App(fmt.Errorf("activities: decode input: %w", err))
	}

	ticker := time.NewTicker(actorAckPollInterval)
	defer ticker.Stop()

	for {
		inst, err := s.client.Get(ctx, in.ActorInstanceID)
		switch {
		case client.IsNotFound(err):
			return json.Marshal(map[string]bool{"acknowledged": true})
		case err != nil:
			return nil, errs.Infra(fmt.Errorf("activities: get %s: %w", in.ActorInstanceID, err))
		case isTerminal(inst.Status):
			return json.Marshal(map[string]bool{"acknowledged": true})
		}

		select {
		case <-ctx.Done():
			return json.Marshal(map[string]bool{"acknowledged": false})
		case <-ticker.C:
		}
	}
}

func isTerminal(status historystore.Status) bool {
	switch status {
	case historystore.StatusCompleted, historystore.StatusFailed:
		return true
	default:
		return false
	}
}
