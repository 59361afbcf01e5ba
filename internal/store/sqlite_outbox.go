package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *SQLiteStore) EnqueueTask(ctx context.Context, t *OutboundTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := nowMillis()
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = fromMillis(now)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_tasks (id, tenant_id, kind, target, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Kind, t.Target, t.Payload, string(t.Status), t.MaxAttempts, t.NextAttemptAt.UnixMilli(), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	t.CreatedAt = fromMillis(now)
	t.UpdatedAt = fromMillis(now)
	return nil
}

const taskColumns = `id, tenant_id, kind, target, payload, status, attempts, max_attempts, next_attempt_at,
	last_error, created_at, updated_at, delivered_at`

func scanTask(row rowScanner) (*OutboundTask, error) {
	var t OutboundTask
	var next, createdAt, updatedAt int64
	var deliveredAt sql.NullInt64
	err := row.Scan(&t.ID, &t.TenantID, &t.Kind, &t.Target, &t.Payload, &t.Status, &t.Attempts, &t.MaxAttempts,
		&next, &t.LastError, &createdAt, &updatedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	t.NextAttemptAt = fromMillis(next)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.DeliveredAt = timePtr(deliveredAt)
	return &t, nil
}

// ClaimDueTasks leases up to limit pending tasks that are due at now. A
// claimed task counts one attempt and is hidden from other claimers until
// the lease expires.
func (s *SQLiteStore) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*OutboundTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM outbound_tasks
		 WHERE status = 'pending' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, id LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select due tasks: %w", err)
	}
	var tasks []*OutboundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	leaseUntil := now.Add(lease)
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbound_tasks SET attempts = attempts + 1, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
			leaseUntil.UnixMilli(), now.UnixMilli(), t.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to lease task: %w", err)
		}
		t.Attempts++
		t.NextAttemptAt = fromMillis(leaseUntil.UnixMilli())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) MarkTaskDelivered(ctx context.Context, taskID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbound_tasks SET status = 'delivered', delivered_at = ?, last_error = '', updated_at = ? WHERE id = ?`,
		at.UnixMilli(), at.UnixMilli(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task delivered: %w", err)
	}
	return expectAffected(result)
}

// MarkTaskFailed records a failed attempt. The task is retried at next
// unless dead is set.
func (s *SQLiteStore) MarkTaskFailed(ctx context.Context, taskID, lastError string, next time.Time, dead bool) error {
	status := TaskPending
	if dead {
		status = TaskDead
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbound_tasks SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, next.UnixMilli(), nowMillis(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return expectAffected(result)
}

// ListTasks returns the newest tasks first. An empty status lists all.
func (s *SQLiteStore) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]*OutboundTask, error) {
	query := `SELECT ` + taskColumns + ` FROM outbound_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*OutboundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RequeueTask gives a dead task a fresh set of attempts.
func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbound_tasks SET status = 'pending', attempts = 0, last_error = '', next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'dead'`,
		at.UnixMilli(), at.UnixMilli(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM outbound_tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	return fmt.Errorf("task %s is %s: %w", taskID, status, ErrInvalidState)
}
