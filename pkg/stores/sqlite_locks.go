package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// AcquireLock grants the target lock if it is free or its lease has
// expired. The conditional upsert makes the grant a single atomic
// statement; losing the race surfaces as zero rows affected.
func (s *SQLiteStore) AcquireLock(ctx context.Context, target, holder, actionID string, lease time.Duration) (*engine.Lock, error) {
	now := time.Now().UTC()
	lock := &engine.Lock{
		Target:      target,
		Holder:      holder,
		ActionID:    actionID,
		AcquiredAt:  now,
		LeaseExpiry: now.Add(lease),
	}

	query := `
		INSERT INTO locks (target, holder, action_id, acquired_at, lease_expiry)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			holder = excluded.holder,
			action_id = excluded.action_id,
			acquired_at = excluded.acquired_at,
			lease_expiry = excluded.lease_expiry
		WHERE locks.lease_expiry <= ?
	`

	result, err := s.db.ExecContext(ctx, query,
		lock.Target, lock.Holder, lock.ActionID, lock.AcquiredAt, lock.LeaseExpiry, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, engine.NewBusyError(fmt.Sprintf("target %s is locked", target), nil).WithTarget(target)
	}

	return lock, nil
}

// RenewLock extends the lease while the holder still owns the lock
func (s *SQLiteStore) RenewLock(ctx context.Context, lock *engine.Lock, lease time.Duration) (*engine.Lock, error) {
	now := time.Now().UTC()
	expiry := now.Add(lease)

	query := `
		UPDATE locks
		SET lease_expiry = ?
		WHERE target = ? AND holder = ? AND action_id = ? AND lease_expiry > ?
	`

	result, err := s.db.ExecContext(ctx, query,
		expiry, lock.Target, lock.Holder, lock.ActionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to renew lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, engine.NewOwnershipLostError(
			fmt.Sprintf("lock on %s no longer held by %s", lock.Target, lock.Holder), nil).WithTarget(lock.Target)
	}

	renewed := *lock
	renewed.LeaseExpiry = expiry
	return &renewed, nil
}

// ReleaseLock drops the lock; releasing a lock the holder lost is a no-op
func (s *SQLiteStore) ReleaseLock(ctx context.Context, lock *engine.Lock) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE target = ? AND holder = ? AND action_id = ?`,
		lock.Target, lock.Holder, lock.ActionID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// BreakStale removes an expired lock on the target. A live lease is
// never touched.
func (s *SQLiteStore) BreakStale(ctx context.Context, target string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE target = ? AND lease_expiry <= ?`,
		target, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to break stale lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// Heartbeat upserts the engine membership record and stamps the time
func (s *SQLiteStore) Heartbeat(ctx context.Context, id, hostname string) error {
	now := time.Now().UTC()

	query := `
		INSERT INTO services (id, hostname, status, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat
	`

	_, err := s.db.ExecContext(ctx, query, id, hostname, engine.EngineStatusUp, now, now)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return nil
}

// ListEngines returns all engine membership records
func (s *SQLiteStore) ListEngines(ctx context.Context) ([]*engine.EngineRecord, error) {
	query := `SELECT id, hostname, status, last_heartbeat, created_at FROM services ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	defer rows.Close()

	engines := []*engine.EngineRecord{}
	for rows.Next() {
		r := &engine.EngineRecord{}
		err := rows.Scan(&r.ID, &r.Hostname, &r.Status, &r.LastHeartbeat, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engine record: %w", err)
		}
		engines = append(engines, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating engine records: %w", err)
	}

	return engines, nil
}

// MarkEngineDown flips the membership record to DOWN
func (s *SQLiteStore) MarkEngineDown(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE services SET status = ? WHERE id = ?`, engine.EngineStatusDown, id)
	if err != nil {
		return fmt.Errorf("failed to mark engine down: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("engine %s: %w", id, engine.ErrNotFound)
	}

	return nil
}

// PurgeEngines removes records whose heartbeat is older than the window
func (s *SQLiteStore) PurgeEngines(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM services WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge engines: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (action_id, cluster_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ActionID,
		event.ClusterID,
		event.Level,
		event.Message,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, actionID *string, clusterID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, action_id, cluster_id, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR action_id = ?)
		  AND (? IS NULL OR cluster_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, actionID, actionID, clusterID, clusterID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var aID, cID sql.NullString
		err := rows.Scan(
			&event.ID,
			&aID,
			&cID,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if aID.Valid {
			event.ActionID = &aID.String
		}
		if cID.Valid {
			event.ClusterID = &cID.String
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
