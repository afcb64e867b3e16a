package historystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
)

// Start inserts a brand-new orchestration instance (execution_id=1,
// high_water=0) and its OrchestrationStarted event, then enqueues its first
// orchestration turn. Returns errs.ErrAlreadyExists if instance_id is
// already taken (spec invariant: instance_id is globally unique), whether or
// not the existing run has the same name, version and input; it never
// returns errs.ErrConflictingStart.
func (s *Store) Start(ctx context.Context, instanceID, orchestrationName string, version int, input json.RawMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("historystore: begin start: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO orchestration_instances
			(instance_id, orchestration_name, version, execution_id, status, input, high_water, fencing_token, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, 0, 0, now(), now())
		ON CONFLICT (instance_id) DO NOTHING`,
		instanceID, orchestrationName, version, StatusRunning, input)
	if err != nil {
		return fmt.Errorf("historystore: insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}

	startedPayload, _ := json.Marshal(map[string]any{"input": input, "orchestration_name": orchestrationName, "version": version})
	if _, err := tx.Exec(ctx, `
		INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, created_at)
		VALUES ($1, 1, 0, $2, $3, now())`,
		instanceID, KindOrchestrationStarted, startedPayload); err != nil {
		return fmt.Errorf("historystore: insert OrchestrationStarted: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orchestration_instances SET high_water = 0 WHERE instance_id = $1`, instanceID); err != nil {
		return fmt.Errorf("historystore: set high_water: %w", err)
	}

	if err := enqueueOrchestrationTurn(ctx, tx, instanceID, 1); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("historystore: commit start: %w", err)
	}
	logging.Debug("historystore", "started instance %s (%s v%d)", instanceID, orchestrationName, version)
	return nil
}

// AppendAndSchedule is the single atomic commit point of a runtime turn
// (spec §4.2): it validates the caller's fencing token and prior high-water
// mark against the current row, appends delta.NewEvents starting at
// high_water+1, inserts any newly scheduled activity/child work, opens a
// new execution on continue-as-new, and releases the orchestration lease.
//
// priorHighWater and fencingToken must match the values returned by the
// fetch that produced this turn; a mismatch means another runtime process
// already committed this turn (or holds a newer lease) and returns
// errs.ErrOptimisticConflict without side effects.
func (s *Store) AppendAndSchedule(ctx context.Context, instanceID string, executionID, priorHighWater, fencingToken int64, delta TurnDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("historystore: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var curHighWater, curFencing, curExecution int64
	var curStatus Status
	err = tx.QueryRow(ctx, `
		SELECT high_water, fencing_token, execution_id, status
		FROM orchestration_instances
		WHERE instance_id = $1
		FOR UPDATE`, instanceID).Scan(&curHighWater, &curFencing, &curExecution, &curStatus)
	if err != nil {
		if err == pgx.ErrNoRows {
			return errs.ErrNotFound
		}
		return fmt.Errorf("historystore: lock instance: %w", err)
	}

	if curExecution != executionID || curHighWater != priorHighWater || curFencing != fencingToken {
		return errs.ErrOptimisticConflict
	}

	nextEventID := curHighWater + 1
	for i := range delta.NewEvents {
		ev := delta.NewEvents[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, source_event_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			instanceID, executionID, nextEventID, ev.Kind, ev.Payload, ev.SourceEventID); err != nil {
			return fmt.Errorf("historystore: insert event %d: %w", nextEventID, err)
		}
		nextEventID++
	}
	newHighWater := nextEventID - 1

	for _, act := range delta.ScheduledWork {
		policyJSON, _ := json.Marshal(act.Policy)
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_items (kind, instance_id, execution_id, source_event_id, name, input, attempt, policy, visible_at, created_at)
			VALUES ('activity', $1, $2, $3, $4, $5, 1, $6, now(), now())`,
			instanceID, executionID, act.SourceEventID, act.Name, act.Input, policyJSON); err != nil {
			return fmt.Errorf("historystore: enqueue activity: %w", err)
		}
	}

	for _, child := range delta.ScheduledChildren {
		if err := s.startChild(ctx, tx, child); err != nil {
			return err
		}
	}

	for _, t := range delta.ScheduledTimers {
		fireAfter := time.Duration(t.FireAfterMS) * time.Millisecond
		if _, err := tx.Exec(ctx, `
			INSERT INTO timer_queue (instance_id, execution_id, source_event_id, fire_at, created_at)
			VALUES ($1, $2, $3, now() + $4::interval, now())`,
			instanceID, executionID, t.SourceEventID, fireAfter.String()); err != nil {
			return fmt.Errorf("historystore: enqueue timer: %w", err)
		}
	}

	if delta.ContinueAsNew {
		nextExecution := executionID + 1
		startedPayload, _ := json.Marshal(map[string]any{"input": delta.ContinueAsNewInput, "continued_from": executionID})
		if _, err := tx.Exec(ctx, `
			INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, created_at)
			VALUES ($1, $2, 0, $3, $4, now())`,
			instanceID, nextExecution, KindOrchestrationStarted, startedPayload); err != nil {
			return fmt.Errorf("historystore: insert continue-as-new start: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orchestration_instances
			SET execution_id = $2, status = $3, high_water = 0, input = $4, output = NULL, updated_at = now()
			WHERE instance_id = $1`,
			instanceID, nextExecution, StatusRunning, delta.ContinueAsNewInput); err != nil {
			return fmt.Errorf("historystore: advance execution: %w", err)
		}
		if err := enqueueOrchestrationTurn(ctx, tx, instanceID, nextExecution); err != nil {
			return err
		}
	} else {
		status := curStatus
		if delta.NewStatus != "" {
			status = delta.NewStatus
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orchestration_instances
			SET high_water = $2, status = $3, output = COALESCE($4, output), updated_at = now()
			WHERE instance_id = $1`,
			instanceID, newHighWater, status, delta.Output); err != nil {
			return fmt.Errorf("historystore: update instance: %w", err)
		}
		if len(delta.ScheduledChildren) > 0 || status == StatusRunning {
			// More work may still be pending for this execution (a new
			// external-event wait, a timer, or children to await); the
			// caller re-enters fetch_ready_orchestration only once a
			// successor event (activity completion, timer fire, external
			// event) lands, which itself re-enqueues the turn.
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM queue_items WHERE kind = 'orchestration' AND instance_id = $1 AND execution_id = $2`,
		instanceID, executionID); err != nil {
		return fmt.Errorf("historystore: ack orchestration turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("historystore: commit append: %w", err)
	}
	return nil
}

// startChild starts a sub-orchestration instance within the parent's commit
// transaction, so parent-schedules-child is atomic with the parent's turn
// (spec §4.2, ScheduleSubOrchestration). Mirrors Start's insert shape.
func (s *Store) startChild(ctx context.Context, tx pgx.Tx, child ScheduledChild) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO orchestration_instances
			(instance_id, orchestration_name, version, execution_id, status, input, high_water, fencing_token, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, 0, 0, now(), now())
		ON CONFLICT (instance_id) DO NOTHING`,
		child.ChildInstanceID, child.Name, child.Version, StatusRunning, child.Input)
	if err != nil {
		return fmt.Errorf("historystore: insert child instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	startedPayload, _ := json.Marshal(map[string]any{"input": child.Input, "orchestration_name": child.Name, "version": child.Version})
	if _, err := tx.Exec(ctx, `
		INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, created_at)
		VALUES ($1, 1, 0, $2, $3, now())`,
		child.ChildInstanceID, KindOrchestrationStarted, startedPayload); err != nil {
		return fmt.Errorf("historystore: insert child OrchestrationStarted: %w", err)
	}
	return enqueueOrchestrationTurn(ctx, tx, child.ChildInstanceID, 1)
}

// enqueueOrchestrationTurn makes (or refreshes) the single orchestration
// queue_items row for instance_id's execution, so fetch_ready_orchestration
// can pick it up. Orchestration items are deduplicated by the partial unique
// index on (instance_id, execution_id) WHERE kind = 'orchestration' —
// scheduling a turn that is already
// pending is a no-op rather than a duplicate wakeup.
func enqueueOrchestrationTurn(ctx context.Context, tx pgx.Tx, instanceID string, executionID int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_items (kind, instance_id, execution_id, attempt, visible_at, created_at)
		VALUES ('orchestration', $1, $2, 1, now(), now())
		ON CONFLICT (instance_id, execution_id) WHERE kind = 'orchestration' DO NOTHING`,
		instanceID, executionID)
	if err != nil {
		return fmt.Errorf("historystore: enqueue orchestration turn: %w", err)
	}
	return nil
}
