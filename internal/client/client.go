// Package client is the orchestration-facing API surface (spec §4.6 C9):
// Start, RaiseEvent, Cancel, Get, List, backed directly by the History
// Store. internal/httpapi and cmd/* are both thin adapters over this
// package — neither talks to historystore directly, matching the teacher's
// internal/api package sitting between cmd/internal/cli and the runtime.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
)

// Client is a thin façade over historystore.Store.
type Client struct {
	store *historystore.Store
}

// New wraps store.
func New(store *historystore.Store) *Client {
	return &Client{store: store}
}

// Start begins a new orchestration instance (spec §4.6 start). name/version
// must be registered in the engine's Registry; the client does not itself
// validate this, since it may run in a process with no registry at all
// (e.g. the CLI or HTTP boundary talking to a remote engine's database).
func (c *Client) Start(ctx context.Context, instanceID, orchestrationName string, version int, input any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("client: encode input: %w", err)
	}
	if err := c.store.Start(ctx, instanceID, orchestrationName, version, payload); err != nil {
		return err
	}
	logging.Info("client", "started %s (%s v%d)", instanceID, orchestrationName, version)
	return nil
}

// RaiseEvent delivers an external event to a running instance (spec §4.6
// raise_event). If the instance already reached a terminal status the event
// is dropped: no error is returned, only a warning is logged.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode payload: %w", err)
	}
	dropped, err := c.store.RaiseEvent(ctx, instanceID, name, data)
	if err != nil {
		return err
	}
	if dropped {
		logging.Warn("client", "event %q dropped for %s: instance already terminal", name, instanceID)
	}
	return nil
}

// Cancel raises the well-known "Cancel" external event, which InstanceActor
// waits for (spec §4.5); DeleteInstance raises the same event through the
// signal_actor_cancel activity.
func (c *Client) Cancel(ctx context.Context, instanceID string) error {
	return c.RaiseEvent(ctx, instanceID, "Cancel", nil)
}

// Get returns an instance's current status summary (spec §4.6 get_status).
func (c *Client) Get(ctx context.Context, instanceID string) (*historystore.OrchestrationInstance, error) {
	inst, err := c.store.Status(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// History returns an instance's current-execution event log (spec §4.6
// get_history).
func (c *Client) History(ctx context.Context, instanceID string) ([]historystore.HistoryEvent, error) {
	inst, err := c.store.Status(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return c.store.ReadHistory(ctx, instanceID, inst.ExecutionID)
}

// List returns instance summaries matching filter (spec §4.6).
func (c *Client) List(ctx context.Context, filter historystore.ListFilter) ([]historystore.OrchestrationInstance, error) {
	return c.store.List(ctx, filter)
}

// IsNotFound reports whether err is historystore's not-found sentinel, so
// callers (HTTP handlers, CLI) can map it to their own "not found" response
// without importing pkg/errs themselves.
func IsNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}
