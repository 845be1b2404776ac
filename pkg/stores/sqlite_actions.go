package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const actionColumns = `id, name, type, target, cluster_id, operation_id, cause, owner,
	   status, status_reason, cancel_requested, retries, max_retries, timeout_ns, inputs, outputs,
	   created_at, started_at, ended_at`

// CreateAction persists a new action together with its dependency edges
func (s *SQLiteStore) CreateAction(ctx context.Context, a *engine.Action) error {
	inputs, err := marshalMap(a.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalMap(a.Outputs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO actions (
			id, name, type, target, cluster_id, operation_id, cause, owner,
			status, status_reason, cancel_requested, retries, max_retries, timeout_ns, inputs, outputs,
			created_at, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		a.ID,
		a.Name,
		a.Type,
		a.Target,
		a.ClusterID,
		a.OperationID,
		a.Cause,
		a.Owner,
		a.Status,
		a.StatusReason,
		a.CancelRequested,
		a.Retries,
		a.MaxRetries,
		int64(a.Timeout),
		inputs,
		outputs,
		a.CreatedAt,
		a.StartedAt,
		a.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}

	for _, dep := range a.DependsOn {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO action_deps (action_id, required_id, best_effort) VALUES (?, ?, ?)`,
			a.ID, dep.Required, dep.BestEffort)
		if err != nil {
			return fmt.Errorf("failed to create action dependency: %w", err)
		}
	}

	return tx.Commit()
}

// GetAction retrieves an action by ID
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*engine.Action, error) {
	return getAction(ctx, s.db, id)
}

func getAction(ctx context.Context, q dbtx, id string) (*engine.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = ?`

	a, err := scanAction(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	if a.DependsOn, err = loadDeps(ctx, q, id); err != nil {
		return nil, err
	}

	return a, nil
}

// ListReadyActions returns READY actions oldest first, up to limit
func (s *SQLiteStore) ListReadyActions(ctx context.Context, limit int) ([]*engine.Action, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}

	query := `SELECT ` + actionColumns + ` FROM actions WHERE status = ? ORDER BY created_at ASC LIMIT ?`

	return s.queryActions(ctx, query, engine.ActionStatusReady, limit)
}

// ListActionsByOperation returns all actions of one operation
func (s *SQLiteStore) ListActionsByOperation(ctx context.Context, operationID string) ([]*engine.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE operation_id = ? ORDER BY created_at ASC`

	return s.queryActions(ctx, query, operationID)
}

func (s *SQLiteStore) queryActions(ctx context.Context, query string, args ...interface{}) ([]*engine.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	actions := []*engine.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	for _, a := range actions {
		if a.DependsOn, err = loadDeps(ctx, s.db, a.ID); err != nil {
			return nil, err
		}
	}

	return actions, nil
}

// AcquireAction atomically transitions an action READY -> RUNNING
func (s *SQLiteStore) AcquireAction(ctx context.Context, id, owner string) (bool, error) {
	query := `
		UPDATE actions
		SET status = ?, owner = ?, started_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		engine.ActionStatusRunning, owner, time.Now().UTC(),
		id, engine.ActionStatusReady)
	if err != nil {
		return false, fmt.Errorf("failed to acquire action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// CompleteAction records a terminal status and resolves dependents
func (s *SQLiteStore) CompleteAction(ctx context.Context, id string, status engine.ActionStatus, reason string, outputs map[string]interface{}) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	outputsJSON, err := marshalMap(outputs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE actions
		SET status = ?, status_reason = ?, outputs = ?, ended_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`

	result, err := tx.ExecContext(ctx, query,
		status, reason, outputsJSON, time.Now().UTC(), id,
		engine.ActionStatusSucceeded, engine.ActionStatusFailed, engine.ActionStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to complete action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Already terminal (a concurrent cancel, or a replayed call) is
		// not an error; missing is.
		var got string
		err := tx.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, id).Scan(&got)
		if err == sql.ErrNoRows {
			return fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check action: %w", err)
		}
		return tx.Commit()
	}

	if err := resolveDependents(ctx, tx, id, status); err != nil {
		return err
	}

	return tx.Commit()
}

// resolveDependents promotes or cancels every action waiting on the
// finished one. A cancelled dependent is itself terminal, so the
// resolution recurses down the graph.
func resolveDependents(ctx context.Context, tx *sql.Tx, id string, status engine.ActionStatus) error {
	type edge struct {
		actionID   string
		bestEffort bool
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT action_id, best_effort FROM action_deps WHERE required_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to query dependents: %w", err)
	}
	edges := []edge{}
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.actionID, &e.bestEffort); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan dependent: %w", err)
		}
		edges = append(edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependents: %w", err)
	}

	for _, e := range edges {
		var depStatus engine.ActionStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM actions WHERE id = ?`, e.actionID).Scan(&depStatus)
		if err != nil {
			return fmt.Errorf("failed to load dependent status: %w", err)
		}
		if depStatus != engine.ActionStatusWaiting {
			continue
		}

		if status != engine.ActionStatusSucceeded && !e.bestEffort {
			// A failed or cancelled hard dependency cancels the
			// dependent, cascading down its own graph.
			reason := fmt.Sprintf("dependency %s %s", id, lowerStatus(status))
			_, err := tx.ExecContext(ctx,
				`UPDATE actions SET status = ?, status_reason = ?, ended_at = ? WHERE id = ? AND status = ?`,
				engine.ActionStatusCancelled, reason, time.Now().UTC(),
				e.actionID, engine.ActionStatusWaiting)
			if err != nil {
				return fmt.Errorf("failed to cancel dependent: %w", err)
			}
			if err := resolveDependents(ctx, tx, e.actionID, engine.ActionStatusCancelled); err != nil {
				return err
			}
			continue
		}

		satisfied, err := allEdgesSatisfied(ctx, tx, e.actionID)
		if err != nil {
			return err
		}
		if satisfied {
			_, err := tx.ExecContext(ctx,
				`UPDATE actions SET status = ? WHERE id = ? AND status = ?`,
				engine.ActionStatusReady, e.actionID, engine.ActionStatusWaiting)
			if err != nil {
				return fmt.Errorf("failed to promote dependent: %w", err)
			}
		}
	}

	return nil
}

// allEdgesSatisfied reports whether every dependency of the action is
// satisfied: hard edges need SUCCEEDED, best-effort edges need any
// terminal status.
func allEdgesSatisfied(ctx context.Context, tx *sql.Tx, actionID string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT a.status, d.best_effort
		FROM action_deps d
		JOIN actions a ON a.id = d.required_id
		WHERE d.action_id = ?
	`, actionID)
	if err != nil {
		return false, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reqStatus engine.ActionStatus
		var bestEffort bool
		if err := rows.Scan(&reqStatus, &bestEffort); err != nil {
			return false, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if bestEffort {
			if !reqStatus.IsTerminal() {
				return false, nil
			}
		} else if reqStatus != engine.ActionStatusSucceeded {
			return false, nil
		}
	}

	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return true, nil
}

// CancelOperation cancels every not-yet-running action of an operation
// and flags cancellation on the RUNNING ones so their executors stop
// after the driver call already in flight
func (s *SQLiteStore) CancelOperation(ctx context.Context, operationID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM actions WHERE operation_id = ? AND status IN (?, ?, ?)`,
		operationID,
		engine.ActionStatusInit, engine.ActionStatusWaiting, engine.ActionStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation actions: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan action ID: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation actions: %w", err)
	}

	now := time.Now().UTC()
	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`UPDATE actions SET status = ?, status_reason = ?, ended_at = ? WHERE id = ? AND status IN (?, ?, ?)`,
			engine.ActionStatusCancelled, "operation cancelled", now, id,
			engine.ActionStatusInit, engine.ActionStatusWaiting, engine.ActionStatusReady)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel action: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE actions SET cancel_requested = 1 WHERE operation_id = ? AND status = ?`,
		operationID, engine.ActionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to flag running actions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return ids, nil
}

// UpdateActionInputs persists adjusted inputs
func (s *SQLiteStore) UpdateActionInputs(ctx context.Context, id string, inputs map[string]interface{}) error {
	inputsJSON, err := marshalMap(inputs)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE actions SET inputs = ? WHERE id = ?`, inputsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update action inputs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}

	return nil
}

// IncrementActionRetries increments the retry counter for an action
func (s *SQLiteStore) IncrementActionRetries(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE actions SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment retries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}

	return nil
}

// ListRunningActions returns RUNNING actions of one cluster
func (s *SQLiteStore) ListRunningActions(ctx context.Context, clusterID string) ([]*engine.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE cluster_id = ? AND status = ? ORDER BY created_at ASC`

	return s.queryActions(ctx, query, clusterID, engine.ActionStatusRunning)
}

// RequeueAction returns a RUNNING action to READY and clears its owner
func (s *SQLiteStore) RequeueAction(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, owner = '' WHERE id = ? AND status = ?`,
		engine.ActionStatusReady, id, engine.ActionStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to requeue action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// ResetOrphanActions returns RUNNING actions of a dead owner to READY
func (s *SQLiteStore) ResetOrphanActions(ctx context.Context, owner string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, owner = '' WHERE owner = ? AND status = ?`,
		engine.ActionStatusReady, owner, engine.ActionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphan actions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// CreateOperation persists an operation handle
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *engine.Operation) error {
	actionIDs, err := marshalStrings(op.ActionIDs)
	if err != nil {
		return err
	}

	query := `INSERT INTO operations (id, cluster_id, type, action_ids, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		op.ID, op.ClusterID, op.Type, actionIDs, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}

	return nil
}

// GetOperation retrieves an operation by ID
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*engine.Operation, error) {
	query := `SELECT id, cluster_id, type, action_ids, created_at FROM operations WHERE id = ?`

	op := &engine.Operation{}
	var actionIDs string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&op.ID,
		&op.ClusterID,
		&op.Type,
		&actionIDs,
		&op.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	if op.ActionIDs, err = unmarshalStrings(actionIDs); err != nil {
		return nil, err
	}

	return op, nil
}

func scanAction(row rowScanner) (*engine.Action, error) {
	a := &engine.Action{}
	var timeoutNS int64
	var inputs, outputs string
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Type,
		&a.Target,
		&a.ClusterID,
		&a.OperationID,
		&a.Cause,
		&a.Owner,
		&a.Status,
		&a.StatusReason,
		&a.CancelRequested,
		&a.Retries,
		&a.MaxRetries,
		&timeoutNS,
		&inputs,
		&outputs,
		&a.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Timeout = time.Duration(timeoutNS)
	if startedAt.Valid {
		t := startedAt.Time
		a.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		a.EndedAt = &t
	}
	if a.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, err
	}
	if a.Outputs, err = unmarshalMap(outputs); err != nil {
		return nil, err
	}
	return a, nil
}

func loadDeps(ctx context.Context, q dbtx, actionID string) ([]engine.Dependency, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT required_id, best_effort FROM action_deps WHERE action_id = ? ORDER BY required_id ASC`,
		actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer rows.Close()

	var deps []engine.Dependency
	for rows.Next() {
		var d engine.Dependency
		if err := rows.Scan(&d.Required, &d.BestEffort); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

func lowerStatus(s engine.ActionStatus) string {
	switch s {
	case engine.ActionStatusFailed:
		return "failed"
	case engine.ActionStatusCancelled:
		return "cancelled"
	default:
		return string(s)
	}
}
