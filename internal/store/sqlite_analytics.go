package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GoalCompletionsInWindow counts completions per goal for the sessions
// created in [from, to). Goals without completions are reported with zero.
func (s *SQLiteStore) GoalCompletionsInWindow(ctx context.Context, tenantID, funnelID string, from, to time.Time, variantID string) ([]GoalMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.name, COUNT(gc.session_id)
		 FROM goals g
		 LEFT JOIN goal_completions gc ON gc.goal_id = g.id AND gc.session_id IN (
		     SELECT id FROM sessions
		     WHERE tenant_id = ? AND funnel_id = ? AND created_at >= ? AND created_at < ?
		       AND (? = '' OR variant_id = ?)
		 )
		 WHERE g.tenant_id = ? AND g.funnel_id = ?
		 GROUP BY g.id, g.name
		 ORDER BY g.name, g.id`,
		tenantID, funnelID, from.UnixMilli(), to.UnixMilli(), variantID, variantID,
		tenantID, funnelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count goal completions: %w", err)
	}
	defer rows.Close()

	metrics := []GoalMetric{}
	for rows.Next() {
		var m GoalMetric
		if err := rows.Scan(&m.GoalID, &m.Name, &m.Completions); err != nil {
			return nil, fmt.Errorf("failed to scan goal metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// UpsertBucket replaces the bucket stored under the same tenant, funnel,
// period, period start and variant.
func (s *SQLiteStore) UpsertBucket(ctx context.Context, b *Bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analytics_buckets (tenant_id, funnel_id, period, period_start, variant_id, visitors, conversions, revenue, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, funnel_id, period, period_start, variant_id) DO UPDATE SET
		     visitors = excluded.visitors,
		     conversions = excluded.conversions,
		     revenue = excluded.revenue,
		     data = excluded.data,
		     updated_at = excluded.updated_at`,
		b.TenantID, b.FunnelID, string(b.Period), b.PeriodStart.UnixMilli(), b.VariantID,
		b.Visitors, b.Conversions, b.Revenue, string(data), nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bucket: %w", err)
	}
	return nil
}

// ListBuckets returns stored buckets whose period starts in [from, to).
// An empty variantID selects the funnel-wide buckets.
func (s *SQLiteStore) ListBuckets(ctx context.Context, tenantID, funnelID string, period Period, from, to time.Time, variantID string) ([]*Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM analytics_buckets
		 WHERE tenant_id = ? AND funnel_id = ? AND period = ? AND period_start >= ? AND period_start < ? AND variant_id = ?
		 ORDER BY period_start`,
		tenantID, funnelID, string(period), from.UnixMilli(), to.UnixMilli(), variantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*Bucket
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		var b Bucket
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bucket: %w", err)
		}
		buckets = append(buckets, &b)
	}
	return buckets, rows.Err()
}
