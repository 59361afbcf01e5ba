package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, tenant_id, funnel_id, variant_id, visitor_id, contact_id, ip, user_agent, referrer,
	utm_source, utm_medium, utm_campaign, device, source, status, entry_page_id, current_page_id, exit_page_id,
	conversion_page_id, total_page_views, total_time_ms, converted, converted_at, conversion_value,
	created_at, last_activity_at, ended_at`

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var totalMs, createdAt, lastActivity int64
	var convertedAt, endedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.TenantID, &s.FunnelID, &s.VariantID,
		&s.Visitor.VisitorID, &s.Visitor.ContactID, &s.Visitor.IP, &s.Visitor.UserAgent, &s.Visitor.Referrer,
		&s.Visitor.UTMSource, &s.Visitor.UTMMedium, &s.Visitor.UTMCampaign, &s.Device, &s.Source, &s.Status,
		&s.EntryPageID, &s.CurrentPageID, &s.ExitPageID, &s.ConversionPageID, &s.TotalPageViews, &totalMs,
		&s.Converted, &convertedAt, &s.ConversionValue, &createdAt, &lastActivity, &endedAt)
	if err != nil {
		return nil, err
	}
	s.TotalTimeSpent = seconds(totalMs)
	s.ConvertedAt = timePtr(convertedAt)
	s.CreatedAt = fromMillis(createdAt)
	s.LastActivityAt = fromMillis(lastActivity)
	s.EndedAt = timePtr(endedAt)
	return &s, nil
}

// CreateSession inserts the session together with its initial page views.
// The funnel must belong to the session's tenant.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.CreatedAt = fromMillis(sess.CreatedAt.UnixMilli())
	if sess.LastActivityAt.Before(sess.CreatedAt) {
		sess.LastActivityAt = sess.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	v := sess.Visitor
	result, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, funnel_id, variant_id, visitor_id, contact_id, ip, user_agent, referrer,
			utm_source, utm_medium, utm_campaign, device, source, status, entry_page_id, current_page_id, exit_page_id,
			total_page_views, total_time_ms, created_at, last_activity_at)
		 SELECT ?, ?, id, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 FROM funnels WHERE id = ? AND tenant_id = ?`,
		sess.ID, sess.TenantID, sess.VariantID, v.VisitorID, v.ContactID, v.IP, v.UserAgent, v.Referrer,
		v.UTMSource, v.UTMMedium, v.UTMCampaign, sess.Device, sess.Source, string(sess.Status),
		sess.EntryPageID, sess.CurrentPageID, sess.ExitPageID, len(sess.PageViews), millis(sess.TotalTimeSpent),
		sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(),
		sess.FunnelID, sess.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	for _, pv := range sess.PageViews {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO page_views (session_id, seq, page_id, arrived_at, dwell_ms) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, pv.Seq, pv.PageID, pv.ArrivedAt.UnixMilli(), millis(pv.DwellSeconds),
		); err != nil {
			return fmt.Errorf("failed to insert page view: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	sess.TotalPageViews = len(sess.PageViews)
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND tenant_id = ?`, sessionID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	views, err := s.loadPageViews(ctx, `session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	sess.PageViews = views[sess.ID]
	return sess, nil
}

// SetSessionVariant links a session to its allocated variant. A session is
// allocated at most once.
func (s *SQLiteStore) SetSessionVariant(ctx context.Context, tenantID, sessionID, variantID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET variant_id = ? WHERE id = ? AND tenant_id = ? AND variant_id = ''`,
		variantID, sessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to set session variant: %w", err)
	}
	if err := expectAffected(result); err == nil {
		return nil
	}
	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	return fmt.Errorf("session %s already has a variant: %w", sessionID, ErrInvalidOperation)
}

// AppendPageView records a transition to pageID. The dwell time of the
// previous page is the gap between the two arrivals, floored at zero.
func (s *SQLiteStore) AppendPageView(ctx context.Context, tenantID, sessionID, pageID string, at time.Time) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status SessionStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE id = ? AND tenant_id = ?`, sessionID, tenantID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, status, ErrInvalidState)
	}

	var lastSeq int
	var lastArrived int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, arrived_at FROM page_views WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID,
	).Scan(&lastSeq, &lastArrived)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load last page view: %w", err)
	}

	arrived := at.UnixMilli()
	if arrived < lastArrived {
		arrived = lastArrived
	}
	var dwell int64
	if lastSeq > 0 {
		dwell = arrived - lastArrived
		if _, err := tx.ExecContext(ctx,
			`UPDATE page_views SET dwell_ms = ? WHERE session_id = ? AND seq = ?`, dwell, sessionID, lastSeq,
		); err != nil {
			return nil, fmt.Errorf("failed to update dwell time: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO page_views (session_id, seq, page_id, arrived_at, dwell_ms) VALUES (?, ?, ?, ?, 0)`,
		sessionID, lastSeq+1, pageID, arrived,
	); err != nil {
		return nil, fmt.Errorf("failed to insert page view: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions
		 SET current_page_id = ?, exit_page_id = ?, total_page_views = total_page_views + 1,
		     total_time_ms = total_time_ms + ?, last_activity_at = MAX(last_activity_at, ?)
		 WHERE id = ? AND tenant_id = ? AND status = 'active'`,
		pageID, pageID, dwell, arrived, sessionID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return nil, fmt.Errorf("session %s is no longer active: %w", sessionID, ErrInvalidState)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit page view: %w", err)
	}
	return s.GetSession(ctx, tenantID, sessionID)
}

// MarkSessionConverted moves an active session to converted and credits the
// linked variant. Sessions that already left the active state are rejected
// with ErrInvalidState.
func (s *SQLiteStore) MarkSessionConverted(ctx context.Context, tenantID, sessionID, pageID string, value float64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := at.UnixMilli()
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'converted', converted = 1, converted_at = ?, conversion_page_id = ?,
		     conversion_value = conversion_value + ?, ended_at = ?, last_activity_at = MAX(last_activity_at, ?)
		 WHERE id = ? AND tenant_id = ? AND status = 'active'`,
		ts, pageID, value, ts, ts, sessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session converted: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return sessionStateError(ctx, tx, tenantID, sessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE variants SET conversions = conversions + 1
		 WHERE tenant_id = ? AND id = (SELECT variant_id FROM sessions WHERE id = ?)`,
		tenantID, sessionID,
	); err != nil {
		return fmt.Errorf("failed to increment conversions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversion: %w", err)
	}
	return nil
}

// MarkSessionTerminal closes an active session as bounced or abandoned.
func (s *SQLiteStore) MarkSessionTerminal(ctx context.Context, tenantID, sessionID string, status SessionStatus, at time.Time) error {
	if status != SessionBounced && status != SessionAbandoned {
		return fmt.Errorf("cannot close session as %q: %w", status, ErrInvalidOperation)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ?, exit_page_id = current_page_id
		 WHERE id = ? AND tenant_id = ? AND status = 'active'`,
		string(status), at.UnixMilli(), sessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return sessionStateError(ctx, s.db, tenantID, sessionID)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sessionStateError explains why a conditional session update matched no rows.
func sessionStateError(ctx context.Context, q queryer, tenantID, sessionID string) error {
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE id = ? AND tenant_id = ?`, sessionID, tenantID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	return fmt.Errorf("session %s is %s: %w", sessionID, status, ErrInvalidState)
}

// ListIdleSessions returns active sessions of every tenant whose last
// activity is older than idleSince, oldest first.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'active' AND last_activity_at < ?
		 ORDER BY last_activity_at, id LIMIT ?`,
		idleSince.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSessionsInWindow returns sessions created in [from, to), with page
// views loaded. An empty variantID selects every variant.
func (s *SQLiteStore) ListSessionsInWindow(ctx context.Context, tenantID, funnelID string, from, to time.Time, variantID string) ([]*Session, error) {
	filter := `tenant_id = ? AND funnel_id = ? AND created_at >= ? AND created_at < ?`
	args := []any{tenantID, funnelID, from.UnixMilli(), to.UnixMilli()}
	if variantID != "" {
		filter += ` AND variant_id = ?`
		args = append(args, variantID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+filter+` ORDER BY created_at, id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}

	views, err := s.loadPageViews(ctx, `session_id IN (SELECT id FROM sessions WHERE `+filter+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		sess.PageViews = views[sess.ID]
	}
	return sessions, nil
}

func (s *SQLiteStore) CountSessions(ctx context.Context, tenantID, funnelID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE tenant_id = ? AND funnel_id = ?`, tenantID, funnelID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// loadPageViews returns page views grouped by session, each in seq order.
func (s *SQLiteStore) loadPageViews(ctx context.Context, where string, args ...any) (map[string][]PageView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, page_id, arrived_at, dwell_ms FROM page_views WHERE `+
			strings.TrimSpace(where)+` ORDER BY session_id, seq`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load page views: %w", err)
	}
	defer rows.Close()

	views := make(map[string][]PageView)
	for rows.Next() {
		var sessionID string
		var pv PageView
		var arrived, dwell int64
		if err := rows.Scan(&sessionID, &pv.Seq, &pv.PageID, &arrived, &dwell); err != nil {
			return nil, fmt.Errorf("failed to scan page view: %w", err)
		}
		pv.ArrivedAt = fromMillis(arrived)
		pv.DwellSeconds = seconds(dwell)
		views[sessionID] = append(views[sessionID], pv)
	}
	return views, rows.Err()
}
