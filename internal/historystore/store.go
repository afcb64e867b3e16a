package historystore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/affandar/toygres/pkg/logging"
)

// Store is the transactional History Store and Work Queue of spec §4.1.
// One Store serves one Postgres schema ("workflow"); the CMS lives in a
// separate schema reached only through activities, never through Store.
//
// Grounded on the teacher's internal/workflow/execution_storage.go
// storageImpl, which wraps a single backing handle and exposes the same
// append/read/list surface this type exposes over pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgxpool.Pool. Callers obtain the pool via
// pgxpool.New against config.Config.WorkflowDBURL and run migrations
// (internal/migrate) before passing it here.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool. Safe to call once, at shutdown.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity to the workflow database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("historystore: ping: %w", err)
	}
	return nil
}

func logStore(subsystem string) func(format string, args ...any) {
	return func(format string, args ...any) {
		logging.Debug(subsystem, format, args...)
	}
}
