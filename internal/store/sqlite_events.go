package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const eventColumns = `id, tenant_id, session_id, funnel_id, seq, type, page_id, element_id, payload, is_conversion,
	conversion_value, event_time, time_from_start_ms, time_from_last_ms, delivery_error, created_at`

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var payload sql.NullString
	var eventTime, fromStart, fromLast, createdAt int64
	err := row.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.FunnelID, &e.Seq, &e.Type, &e.PageID, &e.ElementID,
		&payload, &e.IsConversion, &e.ConversionValue, &eventTime, &fromStart, &fromLast, &e.DeliveryError, &createdAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	e.EventTime = fromMillis(eventTime)
	e.TimeFromStart = seconds(fromStart)
	e.TimeFromLastEvent = seconds(fromLast)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// LastEvent returns the most recent event of a session, or ErrNotFound when
// the session has none.
func (s *SQLiteStore) LastEvent(ctx context.Context, tenantID, sessionID string) (*Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND tenant_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last event: %w", err)
	}
	return e, nil
}

// InsertEvent appends the event and assigns the next per-session sequence
// number in the same statement.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	now := nowMillis()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (id, tenant_id, session_id, funnel_id, seq, type, page_id, element_id, payload,
			is_conversion, conversion_value, event_time, time_from_start_ms, time_from_last_ms, delivery_error, created_at)
		 SELECT ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 FROM events WHERE session_id = ?
		 RETURNING seq`,
		e.ID, e.TenantID, e.SessionID, e.FunnelID, e.Type, e.PageID, e.ElementID, payload,
		e.IsConversion, e.ConversionValue, e.EventTime.UnixMilli(), millis(e.TimeFromStart), millis(e.TimeFromLastEvent),
		e.DeliveryError, now,
		e.SessionID,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	e.EventTime = fromMillis(e.EventTime.UnixMilli())
	e.CreatedAt = fromMillis(now)
	return nil
}

// SetEventDeliveryError attaches a note about a failed downstream side
// effect. The event itself is otherwise immutable.
func (s *SQLiteStore) SetEventDeliveryError(ctx context.Context, tenantID, eventID, note string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET delivery_error = ? WHERE id = ? AND tenant_id = ?`, note, eventID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to set delivery error: %w", err)
	}
	return expectAffected(result)
}

func (s *SQLiteStore) ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND tenant_id = ? ORDER BY seq`,
		sessionID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return collectEvents(rows)
}

func (s *SQLiteStore) ListFunnelEvents(ctx context.Context, tenantID, funnelID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE funnel_id = ? AND tenant_id = ?
		 ORDER BY event_time, session_id, seq`,
		funnelID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
