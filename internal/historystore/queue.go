package historystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/affandar/toygres/pkg/errs"
)

// FetchReadyOrchestration leases the next visible orchestration queue item
// (SELECT ... FOR UPDATE SKIP LOCKED, spec §4.1 C2), bumps the instance's
// fencing token, and returns the full current-execution history so the
// runtime can replay deterministically before producing a new TurnDelta.
// Returns (nil, nil) when no work is ready.
func (s *Store) FetchReadyOrchestration(ctx context.Context, leaseDuration time.Duration) (*LeasedOrchestration, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("historystore: begin fetch orchestration: %w", err)
	}
	defer tx.Rollback(ctx)

	var instanceID string
	var executionID int64
	row := tx.QueryRow(ctx, `
		SELECT instance_id, execution_id
		FROM queue_items
		WHERE kind = 'orchestration' AND visible_at <= now() AND (locked_until IS NULL OR locked_until < now())
		ORDER BY visible_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)
	if err := row.Scan(&instanceID, &executionID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("historystore: scan ready orchestration: %w", err)
	}

	var fencingToken, highWater int64
	var orchestrationName string
	var version int
	if err := tx.QueryRow(ctx, `
		UPDATE orchestration_instances
		SET fencing_token = fencing_token + 1
		WHERE instance_id = $1
		RETURNING fencing_token, high_water, orchestration_name, version`, instanceID).Scan(&fencingToken, &highWater, &orchestrationName, &version); err != nil {
		return nil, fmt.Errorf("historystore: bump fencing token: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE queue_items
		SET locked_until = now() + $3::interval, fencing_token = $4
		WHERE kind = 'orchestration' AND instance_id = $1 AND execution_id = $2`,
		instanceID, executionID, leaseDuration.String(), fencingToken); err != nil {
		return nil, fmt.Errorf("historystore: lease orchestration item: %w", err)
	}

	history, err := readHistoryTx(ctx, tx, instanceID, executionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("historystore: commit fetch orchestration: %w", err)
	}

	return &LeasedOrchestration{
		InstanceID:        instanceID,
		OrchestrationName: orchestrationName,
		Version:           version,
		ExecutionID:       executionID,
		History:           history,
		HighWater:         highWater,
		FencingToken:      fencingToken,
	}, nil
}

// FetchReadyActivity leases the next visible activity queue item the same
// way FetchReadyOrchestration does. Returns (nil, nil) when no work is
// ready.
func (s *Store) FetchReadyActivity(ctx context.Context, leaseDuration time.Duration) (*LeasedActivity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("historystore: begin fetch activity: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id            int64
		instanceID    string
		executionID   int64
		sourceEventID int64
		name          string
		input         json.RawMessage
		attempt       int
		policyJSON    []byte
	)
	row := tx.QueryRow(ctx, `
		SELECT id, instance_id, execution_id, source_event_id, name, input, attempt, policy
		FROM queue_items
		WHERE kind = 'activity' AND visible_at <= now() AND (locked_until IS NULL OR locked_until < now())
		ORDER BY visible_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)
	if err := row.Scan(&id, &instanceID, &executionID, &sourceEventID, &name, &input, &attempt, &policyJSON); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("historystore: scan ready activity: %w", err)
	}

	var policy RetryPolicy
	if err := json.Unmarshal(policyJSON, &policy); err != nil {
		return nil, fmt.Errorf("historystore: decode policy: %w", err)
	}

	fencingToken := id<<16 | int64(attempt)
	if _, err := tx.Exec(ctx, `
		UPDATE queue_items SET locked_until = now() + $2::interval, fencing_token = $3 WHERE id = $1`,
		id, leaseDuration.String(), fencingToken); err != nil {
		return nil, fmt.Errorf("historystore: lease activity item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("historystore: commit fetch activity: %w", err)
	}

	return &LeasedActivity{
		QueueID:       id,
		InstanceID:    instanceID,
		ExecutionID:   executionID,
		SourceEventID: sourceEventID,
		Name:          name,
		Input:         input,
		Attempt:       attempt,
		Policy:        policy,
		FencingToken:  fencingToken,
	}, nil
}

// RenewLease extends a held lease's locked_until, used by a worker running
// a long activity (e.g. wait_ready) that needs more time than the default
// engine.activity_lock_ms before the lease would be stolen (spec §4.1: "a
// worker holding a lease may renew it").
func (s *Store) RenewLease(ctx context.Context, instanceID string, executionID, fencingToken int64, extra time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET locked_until = now() + $4::interval
		WHERE instance_id = $1 AND execution_id = $2 AND fencing_token = $3`,
		instanceID, executionID, fencingToken, extra.String())
	if err != nil {
		return fmt.Errorf("historystore: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrOptimisticConflict
	}
	return nil
}

// ActivityOutcome is the terminal result AckActivity commits for a
// completed lease. Retryable (non-terminal) outcomes go through
// RescheduleActivity instead — activityworker decides which to call based
// on retrypolicy's verdict for the attempt just made.
type ActivityOutcome struct {
	Success       bool
	Output        json.RawMessage
	FailureReason string
	ErrorKind     string
	Attempts      int
}

// AckActivity commits the terminal result of an activity (spec §4.3): it
// deletes the queue item, appends ActivityCompleted or ActivityFailed to
// the owning instance's history, and re-enqueues its orchestration turn so
// the runtime observes the outcome on its next turn.
func (s *Store) AckActivity(ctx context.Context, queueID int64, fencingToken int64, instanceID string, executionID, sourceEventID int64, outcome ActivityOutcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("historystore: begin ack activity: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE id = $1 AND fencing_token = $2 AND kind = 'activity'`, queueID, fencingToken)
	if err != nil {
		return fmt.Errorf("historystore: claim activity item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrOptimisticConflict
	}

	var highWater int64
	if err := tx.QueryRow(ctx, `SELECT high_water FROM orchestration_instances WHERE instance_id = $1 FOR UPDATE`, instanceID).Scan(&highWater); err != nil {
		return fmt.Errorf("historystore: lock instance for ack: %w", err)
	}
	eventID := highWater + 1

	kind := KindActivityCompleted
	payload := outcome.Output
	if !outcome.Success {
		kind = KindActivityFailed
		payload, _ = json.Marshal(map[string]any{
			"message":    outcome.FailureReason,
			"error_kind": outcome.ErrorKind,
			"attempts":   outcome.Attempts,
		})
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		instanceID, executionID, eventID, kind, payload, sourceEventID); err != nil {
		return fmt.Errorf("historystore: insert activity outcome event: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orchestration_instances SET high_water = $2, updated_at = now() WHERE instance_id = $1`, instanceID, eventID); err != nil {
		return fmt.Errorf("historystore: bump high_water on ack: %w", err)
	}
	if err := enqueueOrchestrationTurn(ctx, tx, instanceID, executionID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("historystore: commit ack activity: %w", err)
	}
	return nil
}

// RescheduleActivity atomically releases a held activity lease (identified
// by queueID/fencingToken) and re-inserts it at a later visible_at with an
// incremented attempt count, for the retryable (non-terminal) branch of an
// activity outcome (spec §4.3). Returns errs.ErrOptimisticConflict if the
// lease was already claimed by another worker (stale fencing token).
func (s *Store) RescheduleActivity(ctx context.Context, queueID, fencingToken int64, instanceID string, executionID, sourceEventID int64, name string, input json.RawMessage, policy RetryPolicy, nextAttempt int, retryAt time.Time) error {
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("historystore: encode policy: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("historystore: begin reschedule: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE id = $1 AND fencing_token = $2 AND kind = 'activity'`, queueID, fencingToken)
	if err != nil {
		return fmt.Errorf("historystore: claim activity item for reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrOptimisticConflict
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_items (kind, instance_id, execution_id, source_event_id, name, input, attempt, policy, visible_at, created_at)
		VALUES ('activity', $1, $2, $3, $4, $5, $6, $7, $8, now())`,
		instanceID, executionID, sourceEventID, name, input, nextAttempt, policyJSON, retryAt); err != nil {
		return fmt.Errorf("historystore: reschedule activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("historystore: commit reschedule: %w", err)
	}
	return nil
}

// RaiseEvent appends an ExternalEvent to a running instance and re-enqueues
// its orchestration turn (spec §4.4). If the instance has already reached a
// terminal status, the event is dropped (nothing is written; dropped is
// returned true) rather than redelivered to whatever execution comes next
// (see spec.md §8 open question on late external
// events — decided: drop, do not carry across continue-as-new or replace
// boundaries).
func (s *Store) RaiseEvent(ctx context.Context, instanceID, name string, payload json.RawMessage) (dropped bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("historystore: begin raise event: %w", err)
	}
	defer tx.Rollback(ctx)

	var status Status
	var executionID, highWater int64
	if err := tx.QueryRow(ctx, `
		SELECT status, execution_id, high_water FROM orchestration_instances WHERE instance_id = $1 FOR UPDATE`,
		instanceID).Scan(&status, &executionID, &highWater); err != nil {
		if err == pgx.ErrNoRows {
			return false, errs.ErrNotFound
		}
		return false, fmt.Errorf("historystore: lock instance for raise_event: %w", err)
	}

	if status != StatusRunning {
		return true, tx.Commit(ctx)
	}

	// Tie this event to the earliest ExternalSubscribed of name that has no
	// matching ExternalEvent yet, so an orchestration that resubscribes to
	// the same name every loop iteration (InstanceActor's Cancel wait)
	// resolves the specific subscription currently open rather than a stale
	// one a prior iteration already abandoned (spec invariant I2).
	var sourceEventID *int64
	row := tx.QueryRow(ctx, `
		SELECT s.event_id
		FROM history_events s
		WHERE s.instance_id = $1 AND s.execution_id = $2 AND s.kind = $3
		  AND s.payload->>'name' = $4
		  AND NOT EXISTS (
		      SELECT 1 FROM history_events e
		      WHERE e.instance_id = s.instance_id AND e.execution_id = s.execution_id
		        AND e.kind = $5 AND e.source_event_id = s.event_id
		  )
		ORDER BY s.event_id
		LIMIT 1`,
		instanceID, executionID, KindExternalSubscribed, name, KindExternalEvent)
	var matchedEventID int64
	if err := row.Scan(&matchedEventID); err == nil {
		sourceEventID = &matchedEventID
	} else if err != pgx.ErrNoRows {
		return false, fmt.Errorf("historystore: find pending subscription: %w", err)
	}

	eventID := highWater + 1
	eventPayload, _ := json.Marshal(map[string]any{"name": name, "payload": payload})
	if _, err := tx.Exec(ctx, `
		INSERT INTO history_events (instance_id, execution_id, event_id, kind, payload, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		instanceID, executionID, eventID, KindExternalEvent, eventPayload, sourceEventID); err != nil {
		return false, fmt.Errorf("historystore: insert ExternalEvent: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orchestration_instances SET high_water = $2, updated_at = now() WHERE instance_id = $1`, instanceID, eventID); err != nil {
		return false, fmt.Errorf("historystore: bump high_water for raise_event: %w", err)
	}
	if err := enqueueOrchestrationTurn(ctx, tx, instanceID, executionID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("historystore: commit raise_event: %w", err)
	}
	return false, nil
}
