package historystore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// FireDueTimers leases up to batchSize timer_queue rows whose fire_at has
// passed (SELECT ... FOR UPDATE SKIP LOCKED, the same leasing shape
// FetchReadyActivity uses), appends a TimerFired event for each directly —
// there is no executor to hand a result back to, unlike an activity — and
// re-enqueues the owning orchestration's turn. Returns the number fired.
func (s *Store) FireDueTimers(ctx context.Context, batchSize int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("historystore: begin fire timers: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, instance_id, execution_id, source_event_id
		FROM timer_queue
		WHERE fire_at <= now()
		ORDER BY fire_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT $1`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("historystore: scan due timers: %w", err)
	}

	type dueTimer struct {
		id            int64
		instanceID    string
		executionID   int64
		sourceEventID int64
	}
	var due []dueTimer
	for rows.Next() {
		var t dueTimer
		if err := rows.Scan(&t.id, &t.instanceID, &t.executionID, &t.sourceEventID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("historystore: scan due timer row: %w", err)
		}
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("historystore: iterate due timers: %w", err)
	}

	fired := 0
	for _, t := range due {
		var highWater int64
		err := tx.QueryRow(ctx, `SELECT high_water FROM orchestration_instances WHERE instance_id = $1 FOR UPDATE`, t.instanceID).Scan(&highWater)
		if err == pgx.ErrNoRows {
			// Owning instance is gone (e.g. history pruned); drop the orphaned timer.
			if _, delErr := tx.Exec(ctx, `DELETE FROM timer_queue WHERE id = $1`, t.id); delErr != nil {
				return 0, fmt.Errorf("historystore: drop orphaned timer %d: %w", t.id, delErr)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("historystore: lock instance for timer fire: %w", err)
		}

		eventID := highWater + 1
		if _, err := tx.Exec(ctx, `
			INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, source_event_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			t.instanceID, t.executionID, eventID, KindTimerFired, json.RawMessage("{}"), t.sourceEventID); err != nil {
			return 0, fmt.Errorf("historystore: insert TimerFired: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE orchestration_instances SET high_water = $2, updated_at = now() WHERE instance_id = $1`, t.instanceID, eventID); err != nil {
			return 0, fmt.Errorf("historystore: bump high_water on timer fire: %w", err)
		}
		if err := enqueueOrchestrationTurn(ctx, tx, t.instanceID, t.executionID); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM timer_queue WHERE id = $1`, t.id); err != nil {
			return 0, fmt.Errorf("historystore: delete fired timer %d: %w", t.id, err)
		}
		fired++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("historystore: commit fire timers: %w", err)
	}
	return fired, nil
}
