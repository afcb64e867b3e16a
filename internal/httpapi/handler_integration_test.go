//go:build integration

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/internal/client"
	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/internal/migrate"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dsn := os.Getenv("TOYGRES_TEST_DB_URL")
	if dsn == "" {
		t.Skip("TOYGRES_TEST_DB_URL not set, skipping httpapi integration test")
	}

	ctx := context.Background()
	require.NoError(t, migrate.ApplyWorkflowSchema(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	c := client.New(historystore.New(pool))
	return NewHandler(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandler_CreateThenGet(t *testing.T) {
	h := newTestHandler(t)

	body := strings.NewReader(`{"k8s_name":"db-http-1","user_name":"http-user-1","region":"local"}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/db-http-1", nil)
	getRec := httptest.NewRecorder()
	h.Routes().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var inst historystore.OrchestrationInstance
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &inst))
	assert.Equal(t, "db-http-1", inst.InstanceID)
}

func TestHandler_CreateTwiceConflicts(t *testing.T) {
	h := newTestHandler(t)

	body := `{"k8s_name":"db-http-2","user_name":"http-user-2","region":"local"}`
	req1 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec1 := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusAccepted, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec2 := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestHandler_GetUnknownInstanceIsNotFound(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
