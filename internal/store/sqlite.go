package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS funnels (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    page_ids TEXT NOT NULL DEFAULT '[]',
    webhook_url TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (tenant_id, name)
);

CREATE INDEX IF NOT EXISTS idx_funnels_tenant ON funnels(tenant_id, status);

CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    funnel_id TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    traffic_percentage REAL NOT NULL DEFAULT 0,
    is_control INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    position INTEGER NOT NULL DEFAULT 0,
    visitors INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    declared_winner_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (funnel_id, key)
);

CREATE INDEX IF NOT EXISTS idx_variants_funnel ON variants(tenant_id, funnel_id, status);

CREATE TABLE IF NOT EXISTS goals (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    funnel_id TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    threshold_seconds INTEGER NOT NULL DEFAULT 0,
    value REAL NOT NULL DEFAULT 0,
    is_primary INTEGER NOT NULL DEFAULT 0,
    completions INTEGER NOT NULL DEFAULT 0,
    total_time_to_complete_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_goals_funnel ON goals(tenant_id, funnel_id);

CREATE TABLE IF NOT EXISTS goal_completions (
    goal_id TEXT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    tenant_id TEXT NOT NULL,
    completed_at INTEGER NOT NULL,
    time_to_complete_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (goal_id, session_id)
);

CREATE TABLE IF NOT EXISTS conditions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    funnel_id TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
    page_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    rule_set TEXT NOT NULL,
    targeting TEXT NOT NULL DEFAULT '{}',
    evaluation_count INTEGER NOT NULL DEFAULT 0,
    passed_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    pass_rate REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conditions_funnel ON conditions(tenant_id, funnel_id, page_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    funnel_id TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
    variant_id TEXT NOT NULL DEFAULT '',
    visitor_id TEXT NOT NULL DEFAULT '',
    contact_id TEXT NOT NULL DEFAULT '',
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    referrer TEXT NOT NULL DEFAULT '',
    utm_source TEXT NOT NULL DEFAULT '',
    utm_medium TEXT NOT NULL DEFAULT '',
    utm_campaign TEXT NOT NULL DEFAULT '',
    device TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    entry_page_id TEXT NOT NULL,
    current_page_id TEXT NOT NULL,
    exit_page_id TEXT NOT NULL,
    conversion_page_id TEXT NOT NULL DEFAULT '',
    total_page_views INTEGER NOT NULL DEFAULT 0,
    total_time_ms INTEGER NOT NULL DEFAULT 0,
    converted INTEGER NOT NULL DEFAULT 0,
    converted_at INTEGER,
    conversion_value REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_activity_at INTEGER NOT NULL,
    ended_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_funnel ON sessions(tenant_id, funnel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, last_activity_at);

CREATE TABLE IF NOT EXISTS page_views (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    page_id TEXT NOT NULL,
    arrived_at INTEGER NOT NULL,
    dwell_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    funnel_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    type TEXT NOT NULL,
    page_id TEXT NOT NULL DEFAULT '',
    element_id TEXT NOT NULL DEFAULT '',
    payload TEXT,
    is_conversion INTEGER NOT NULL DEFAULT 0,
    conversion_value REAL NOT NULL DEFAULT 0,
    event_time INTEGER NOT NULL,
    time_from_start_ms INTEGER NOT NULL DEFAULT 0,
    time_from_last_ms INTEGER NOT NULL DEFAULT 0,
    delivery_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_funnel ON events(tenant_id, funnel_id, event_time);

CREATE TABLE IF NOT EXISTS analytics_buckets (
    tenant_id TEXT NOT NULL,
    funnel_id TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
    period TEXT NOT NULL,
    period_start INTEGER NOT NULL,
    variant_id TEXT NOT NULL DEFAULT '',
    visitors INTEGER NOT NULL,
    conversions INTEGER NOT NULL,
    revenue REAL NOT NULL,
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, funnel_id, period, period_start, variant_id)
);

CREATE TABLE IF NOT EXISTS outbound_tasks (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    target TEXT NOT NULL,
    payload BLOB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    next_attempt_at INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    delivered_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbound_due ON outbound_tasks(status, next_attempt_at);
`

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY under concurrent visitors.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// New wraps an existing connection without applying the schema.
func New(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateFunnel(ctx context.Context, f *Funnel) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FunnelDraft
	}
	if f.PageIDs == nil {
		f.PageIDs = []string{}
	}
	pagesJSON, err := json.Marshal(f.PageIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal page ids: %w", err)
	}

	now := nowMillis()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO funnels (id, tenant_id, name, status, page_ids, webhook_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TenantID, f.Name, string(f.Status), string(pagesJSON), f.WebhookURL, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert funnel: %w", err)
	}

	f.CreatedAt = fromMillis(now)
	f.UpdatedAt = fromMillis(now)
	return nil
}

const funnelColumns = `id, tenant_id, name, status, page_ids, webhook_url, created_at, updated_at`

func scanFunnel(row rowScanner) (*Funnel, error) {
	var f Funnel
	var pagesJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Status, &pagesJSON, &f.WebhookURL, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pagesJSON), &f.PageIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal page ids: %w", err)
	}
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}

func (s *SQLiteStore) GetFunnel(ctx context.Context, tenantID, funnelID string) (*Funnel, error) {
	f, err := scanFunnel(s.db.QueryRowContext(ctx,
		`SELECT `+funnelColumns+` FROM funnels WHERE id = ? AND tenant_id = ?`, funnelID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get funnel: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFunnels(ctx context.Context, tenantID string) ([]*Funnel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+funnelColumns+` FROM funnels WHERE tenant_id = ? ORDER BY created_at DESC, name`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}
	defer rows.Close()

	var funnels []*Funnel
	for rows.Next() {
		f, err := scanFunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funnel: %w", err)
		}
		funnels = append(funnels, f)
	}
	return funnels, rows.Err()
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM funnels ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *SQLiteStore) UpdateFunnelStatus(ctx context.Context, tenantID, funnelID string, status FunnelStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE funnels SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		string(status), nowMillis(), funnelID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update funnel status: %w", err)
	}
	return expectAffected(result)
}

func (s *SQLiteStore) DeleteFunnel(ctx context.Context, tenantID, funnelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM funnels WHERE id = ? AND tenant_id = ?`, funnelID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete funnel: %w", err)
	}
	return expectAffected(result)
}

func (s *SQLiteStore) CreateVariant(ctx context.Context, v *Variant) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	switch v.Status {
	case "":
		v.Status = VariantActive
	case VariantActive, VariantPaused:
	default:
		// winner is only reachable through DeclareWinner.
		return fmt.Errorf("variant status %q on create: %w", v.Status, ErrInvalidOperation)
	}

	now := nowMillis()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO variants (id, tenant_id, funnel_id, key, name, traffic_percentage, is_control, status, position, created_at, updated_at)
		 SELECT ?, ?, id, ?, ?, ?, ?, ?, ?, ?, ? FROM funnels WHERE id = ? AND tenant_id = ?`,
		v.ID, v.TenantID, v.Key, v.Name, v.TrafficPercentage, v.IsControl, string(v.Status), v.Position, now, now,
		v.FunnelID, v.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert variant: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	v.CreatedAt = fromMillis(now)
	v.UpdatedAt = fromMillis(now)
	return nil
}

const variantColumns = `id, tenant_id, funnel_id, key, name, traffic_percentage, is_control, status, position,
	visitors, conversions, declared_winner_at, created_at, updated_at`

func scanVariant(row rowScanner) (*Variant, error) {
	var v Variant
	var declaredAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&v.ID, &v.TenantID, &v.FunnelID, &v.Key, &v.Name, &v.TrafficPercentage, &v.IsControl, &v.Status,
		&v.Position, &v.Visitors, &v.Conversions, &declaredAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	v.DeclaredWinnerAt = timePtr(declaredAt)
	v.CreatedAt = fromMillis(createdAt)
	v.UpdatedAt = fromMillis(updatedAt)
	return &v, nil
}

func (s *SQLiteStore) GetVariant(ctx context.Context, tenantID, funnelID, variantID string) (*Variant, error) {
	v, err := scanVariant(s.db.QueryRowContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE id = ? AND funnel_id = ? AND tenant_id = ?`,
		variantID, funnelID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant: %w", err)
	}
	return v, nil
}

// ListVariants returns the funnel's variants in stable allocation order.
func (s *SQLiteStore) ListVariants(ctx context.Context, tenantID, funnelID string) ([]*Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE funnel_id = ? AND tenant_id = ? ORDER BY position, key`,
		funnelID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var variants []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (s *SQLiteStore) IncrementVariantVisitors(ctx context.Context, tenantID, variantID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE variants SET visitors = visitors + 1 WHERE id = ? AND tenant_id = ?`, variantID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment visitors: %w", err)
	}
	return expectAffected(result)
}

// DeclareWinner promotes the variant to winner and pauses every other active
// (or previously winning) variant of the funnel in one transaction.
func (s *SQLiteStore) DeclareWinner(ctx context.Context, tenantID, funnelID, variantID string, at time.Time) (*Variant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM variants WHERE id = ? AND funnel_id = ? AND tenant_id = ?`, variantID, funnelID, tenantID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load variant: %w", err)
	}

	now := at.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE variants SET status = 'paused', updated_at = ?
		 WHERE funnel_id = ? AND tenant_id = ? AND id <> ? AND status IN ('active', 'winner')`,
		now, funnelID, tenantID, variantID,
	); err != nil {
		return nil, fmt.Errorf("failed to pause variants: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE variants
		 SET status = 'winner',
		     declared_winner_at = CASE WHEN status = 'winner' THEN declared_winner_at ELSE ? END,
		     updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		now, now, variantID, tenantID,
	); err != nil {
		return nil, fmt.Errorf("failed to set winner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit winner: %w", err)
	}
	return s.GetVariant(ctx, tenantID, funnelID, variantID)
}

// DeleteVariant removes a non-control variant.
func (s *SQLiteStore) DeleteVariant(ctx context.Context, tenantID, funnelID, variantID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM variants WHERE id = ? AND funnel_id = ? AND tenant_id = ? AND is_control = 0`,
		variantID, funnelID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete variant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	v, err := s.GetVariant(ctx, tenantID, funnelID, variantID)
	if err != nil {
		return err
	}
	if v.IsControl {
		return fmt.Errorf("control variant %s cannot be deleted: %w", v.Key, ErrInvalidOperation)
	}
	return ErrNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func expectAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}

func millis(seconds float64) int64 {
	return int64(seconds*1000 + 0.5)
}
