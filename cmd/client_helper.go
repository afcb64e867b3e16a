package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/affandar/toygres/internal/client"
	"github.com/affandar/toygres/internal/config"
	"github.com/affandar/toygres/internal/historystore"
)

// newClient opens a connection to the workflow store directly and wraps it
// in a client.Client, the same façade internal/httpapi uses — the CLI talks
// to the same database the server does rather than through an extra network
// hop, matching spec.md's "toygres create/delete/get/list" being offered as
// both an HTTP surface and an operator CLI over one shared client package.
func newClient(ctx context.Context) (*client.Client, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.WorkflowDBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open workflow pool: %w", err)
	}

	return client.New(historystore.New(pool)), pool.Close, nil
}
