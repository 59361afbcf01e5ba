package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *SQLiteStore) CreateCondition(ctx context.Context, c *Condition) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	ruleJSON, err := json.Marshal(c.RuleSet)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set: %w", err)
	}
	targetingJSON, err := json.Marshal(c.Targeting)
	if err != nil {
		return fmt.Errorf("failed to marshal targeting: %w", err)
	}

	now := nowMillis()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conditions (id, tenant_id, funnel_id, page_id, name, priority, active, rule_set, targeting, created_at, updated_at)
		 SELECT ?, ?, id, ?, ?, ?, ?, ?, ?, ?, ? FROM funnels WHERE id = ? AND tenant_id = ?`,
		c.ID, c.TenantID, c.PageID, c.Name, c.Priority, c.Active, string(ruleJSON), string(targetingJSON), now, now,
		c.FunnelID, c.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert condition: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	c.CreatedAt = fromMillis(now)
	c.UpdatedAt = fromMillis(now)
	return nil
}

const conditionColumns = `id, tenant_id, funnel_id, page_id, name, priority, active, rule_set, targeting,
	evaluation_count, passed_count, failed_count, pass_rate, created_at, updated_at`

func scanCondition(row rowScanner) (*Condition, error) {
	var c Condition
	var ruleJSON, targetingJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.TenantID, &c.FunnelID, &c.PageID, &c.Name, &c.Priority, &c.Active, &ruleJSON,
		&targetingJSON, &c.EvaluationCount, &c.PassedCount, &c.FailedCount, &c.PassRate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ruleJSON), &c.RuleSet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule set: %w", err)
	}
	if err := json.Unmarshal([]byte(targetingJSON), &c.Targeting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal targeting: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) GetCondition(ctx context.Context, tenantID, conditionID string) (*Condition, error) {
	c, err := scanCondition(s.db.QueryRowContext(ctx,
		`SELECT `+conditionColumns+` FROM conditions WHERE id = ? AND tenant_id = ?`, conditionID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get condition: %w", err)
	}
	return c, nil
}

// ListConditions returns the funnel-wide conditions plus those scoped to
// pageID, highest priority first. An empty pageID returns every condition of
// the funnel.
func (s *SQLiteStore) ListConditions(ctx context.Context, tenantID, funnelID, pageID string) ([]*Condition, error) {
	query := `SELECT ` + conditionColumns + ` FROM conditions WHERE tenant_id = ? AND funnel_id = ?`
	args := []any{tenantID, funnelID}
	if pageID != "" {
		query += ` AND (page_id = '' OR page_id = ?)`
		args = append(args, pageID)
	}
	query += ` ORDER BY priority DESC, created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	defer rows.Close()

	var conditions []*Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

// RecordConditionEvaluation bumps the evaluation counters and recomputes the
// pass rate in one statement. SQLite evaluates the right-hand sides against
// the pre-update row.
func (s *SQLiteStore) RecordConditionEvaluation(ctx context.Context, tenantID, conditionID string, passed bool) error {
	var pass, fail int
	if passed {
		pass = 1
	} else {
		fail = 1
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE conditions
		 SET evaluation_count = evaluation_count + 1,
		     passed_count = passed_count + ?,
		     failed_count = failed_count + ?,
		     pass_rate = (passed_count + ?) * 100.0 / (evaluation_count + 1),
		     updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		pass, fail, pass, nowMillis(), conditionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return expectAffected(result)
}

func (s *SQLiteStore) CreateGoal(ctx context.Context, g *Goal) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	now := nowMillis()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (id, tenant_id, funnel_id, name, type, target, threshold_seconds, value, is_primary, created_at, updated_at)
		 SELECT ?, ?, id, ?, ?, ?, ?, ?, ?, ?, ? FROM funnels WHERE id = ? AND tenant_id = ?`,
		g.ID, g.TenantID, g.Name, string(g.Type), g.Target, g.ThresholdSeconds, g.Value, g.Primary, now, now,
		g.FunnelID, g.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert goal: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	g.CreatedAt = fromMillis(now)
	g.UpdatedAt = fromMillis(now)
	return nil
}

func (s *SQLiteStore) ListGoals(ctx context.Context, tenantID, funnelID string) ([]*Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, funnel_id, name, type, target, threshold_seconds, value, is_primary,
			completions, total_time_to_complete_ms, created_at, updated_at
		 FROM goals WHERE tenant_id = ? AND funnel_id = ? ORDER BY created_at, id`,
		tenantID, funnelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	var goals []*Goal
	for rows.Next() {
		var g Goal
		var totalMs, createdAt, updatedAt int64
		if err := rows.Scan(&g.ID, &g.TenantID, &g.FunnelID, &g.Name, &g.Type, &g.Target, &g.ThresholdSeconds,
			&g.Value, &g.Primary, &g.Completions, &totalMs, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		g.TotalTimeToComplete = seconds(totalMs)
		g.CreatedAt = fromMillis(createdAt)
		g.UpdatedAt = fromMillis(updatedAt)
		goals = append(goals, &g)
	}
	return goals, rows.Err()
}

// RecordGoalCompletion stores a completion at most once per session. It
// reports whether this call was the first completion.
func (s *SQLiteStore) RecordGoalCompletion(ctx context.Context, tenantID, goalID, sessionID string, at time.Time, timeToComplete float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO goal_completions (goal_id, session_id, tenant_id, completed_at, time_to_complete_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		goalID, sessionID, tenantID, at.UnixMilli(), millis(timeToComplete),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert goal completion: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE goals SET completions = completions + 1, total_time_to_complete_ms = total_time_to_complete_ms + ?,
		     updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		millis(timeToComplete), at.UnixMilli(), goalID, tenantID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update goal: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit goal completion: %w", err)
	}
	return true, nil
}
