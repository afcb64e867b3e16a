package historystore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/affandar/toygres/pkg/errs"
)

// ReadHistory returns an execution's full event log in event_id order, used
// by get_history (spec §4.6) and by the engine's replay loop.
func (s *Store) ReadHistory(ctx context.Context, instanceID string, executionID int64) ([]HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, execution_id, event_id, kind, payload, source_event_id, created_at
		FROM history_events
		WHERE instance_id = $1 AND execution_id = $2
		ORDER BY event_id`, instanceID, executionID)
	if err != nil {
		return nil, fmt.Errorf("historystore: read history: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func readHistoryTx(ctx context.Context, tx pgx.Tx, instanceID string, executionID int64) ([]HistoryEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT instance_id, execution_id, event_id, kind, payload, source_event_id, created_at
		FROM history_events
		WHERE instance_id = $1 AND execution_id = $2
		ORDER BY event_id`, instanceID, executionID)
	if err != nil {
		return nil, fmt.Errorf("historystore: read history (tx): %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]HistoryEvent, error) {
	var out []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		if err := rows.Scan(&ev.InstanceID, &ev.ExecutionID, &ev.EventID, &ev.Kind, &ev.Payload, &ev.SourceEventID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("historystore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("historystore: iterate events: %w", err)
	}
	return out, nil
}

// Status returns an instance's current summary row, used by get_status
// (spec §4.6) and the CLI's `get` command.
func (s *Store) Status(ctx context.Context, instanceID string) (*OrchestrationInstance, error) {
	var inst OrchestrationInstance
	err := s.pool.QueryRow(ctx, `
		SELECT instance_id, orchestration_name, version, execution_id, status, input, output, created_at, updated_at
		FROM orchestration_instances
		WHERE instance_id = $1`, instanceID).Scan(
		&inst.InstanceID, &inst.OrchestrationName, &inst.Version, &inst.ExecutionID,
		&inst.Status, &inst.Input, &inst.Output, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("historystore: status: %w", err)
	}
	return &inst, nil
}

// List returns instance summaries matching filter, most-recently-updated
// first, used by the CLI's `list` command and the HTTP handler's GET /
// route.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]OrchestrationInstance, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, orchestration_name, version, execution_id, status, input, output, created_at, updated_at
		FROM orchestration_instances
		WHERE ($1 = '' OR orchestration_name = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY updated_at DESC
		LIMIT $3`, filter.OrchestrationName, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("historystore: list: %w", err)
	}
	defer rows.Close()

	var out []OrchestrationInstance
	for rows.Next() {
		var inst OrchestrationInstance
		if err := rows.Scan(&inst.InstanceID, &inst.OrchestrationName, &inst.Version, &inst.ExecutionID,
			&inst.Status, &inst.Input, &inst.Output, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("historystore: scan list row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("historystore: iterate list: %w", err)
	}
	return out, nil
}
