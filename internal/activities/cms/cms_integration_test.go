//go:build integration

package cms

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/internal/lifecycle"
	"github.com/affandar/toygres/internal/migrate"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dsn := os.Getenv("TOYGRES_TEST_DB_URL")
	if dsn == "" {
		t.Skip("TOYGRES_TEST_DB_URL not set, skipping CMS integration test")
	}

	ctx := context.Background()
	require.NoError(t, migrate.ApplyCMSSchema(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return New(pool)
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCatalog_CreateUpdateDeleteLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	in := lifecycle.CreateInstanceInput{K8sName: "db-cms-1", UserName: "cms-user-1", Region: "local"}

	_, err := c.InsertPending(ctx, marshal(t, in))
	require.NoError(t, err)

	_, err = c.Update(ctx, marshal(t, updateInput{K8sName: in.K8sName, ConnectionEndpoint: "db-cms-1.svc:5432", Status: "Running"}))
	require.NoError(t, err)

	rec, err := c.GetByUserName(ctx, marshal(t, struct {
		UserName string `json:"user_name"`
	}{UserName: in.UserName}))
	require.NoError(t, err)
	var decoded InstanceRecord
	require.NoError(t, json.Unmarshal(rec, &decoded))
	require.Equal(t, "Running", decoded.Status)
	require.Equal(t, "db-cms-1.svc:5432", decoded.ConnectionEndpoint)

	_, err = c.RecordHealthCheck(ctx, marshal(t, healthCheckInput{K8sName: in.K8sName, Healthy: true}))
	require.NoError(t, err)

	_, err = c.MarkDeleting(ctx, marshal(t, lifecycle.DeleteInstanceInput{K8sName: in.K8sName}))
	require.NoError(t, err)
	_, err = c.MarkDeleted(ctx, marshal(t, lifecycle.DeleteInstanceInput{K8sName: in.K8sName}))
	require.NoError(t, err)

	_, err = c.GetByUserName(ctx, marshal(t, struct {
		UserName string `json:"user_name"`
	}{UserName: in.UserName}))
	require.Error(t, err, "deleted instance must no longer resolve by user_name")
}
