//go:build integration

package client_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/internal/client"
	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/internal/migrate"
)

func openTestClient(t *testing.T) *client.Client {
	t.Helper()
	dsn := os.Getenv("TOYGRES_TEST_DB_URL")
	if dsn == "" {
		t.Skip("TOYGRES_TEST_DB_URL not set; skipping client integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrate.ApplyWorkflowSchema(ctx, dsn))
	return client.New(historystore.New(pool))
}

func TestClient_StartGetList(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "client-inst-1", "create_instance", 1, map[string]string{"k8s_name": "client-inst-1"}))

	err := c.Start(ctx, "client-inst-1", "create_instance", 1, map[string]string{"k8s_name": "client-inst-1"})
	assert.Error(t, err, "starting the same instance id twice must conflict")

	inst, err := c.Get(ctx, "client-inst-1")
	require.NoError(t, err)
	assert.Equal(t, "client-inst-1", inst.InstanceID)
	assert.Equal(t, "create_instance", inst.OrchestrationName)

	history, err := c.History(ctx, "client-inst-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, historystore.KindOrchestrationStarted, history[0].Kind)

	list, err := c.List(ctx, historystore.ListFilter{OrchestrationName: "create_instance", Limit: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, list)
}

func TestClient_GetUnknownInstanceIsNotFound(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "no-such-instance")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestClient_CancelRaisesExternalEvent(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "client-inst-actor", "instance_actor", 1, map[string]string{"k8s_name": "client-inst-actor"}))
	require.NoError(t, c.Cancel(ctx, "client-inst-actor"))

	history, err := c.History(ctx, "client-inst-actor")
	require.NoError(t, err)

	var found bool
	for _, ev := range history {
		if ev.Kind != historystore.KindExternalEvent {
			continue
		}
		var decoded struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
		if decoded.Name == "Cancel" {
			found = true
		}
	}
	assert.True(t, found, "Cancel must be delivered as an ExternalEvent in history")
}
