// Package session owns the visitor session lifecycle:
//
//	active -> converted | abandoned | bounced
//
// Every terminal transition is a conditional update in the store, so a
// retried or racing write can never overwrite a terminal state.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

type Tracker struct {
	store   store.Store
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func NewTracker(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{store: s, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "session")
	return t
}

// Now returns the tracker's clock reading, truncated to the store's
// millisecond resolution.
func (t *Tracker) Now() time.Time {
	return t.now().UTC().Truncate(time.Millisecond)
}

// Create starts an active session on entryPageID and records it as the
// first page view.
func (t *Tracker) Create(ctx context.Context, tenantID, funnelID, entryPageID string, meta store.VisitorMeta) (*store.Session, error) {
	now := t.Now()
	sess := &store.Session{
		TenantID:       tenantID,
		FunnelID:       funnelID,
		Visitor:        meta,
		Device:         ClassifyDevice(meta.UserAgent),
		Source:         DeriveSource(meta),
		Status:         store.SessionActive,
		EntryPageID:    entryPageID,
		CurrentPageID:  entryPageID,
		ExitPageID:     entryPageID,
		CreatedAt:      now,
		LastActivityAt: now,
		PageViews:      []store.PageView{{Seq: 1, PageID: entryPageID, ArrivedAt: now}},
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	t.metrics.SessionTransition(tenantID, string(store.SessionActive))
	t.logger.Debug("session started", "tenant", tenantID, "funnel", funnelID, "session", sess.ID, "source", sess.Source)
	return sess, nil
}

func (t *Tracker) Get(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	return t.store.GetSession(ctx, tenantID, sessionID)
}

// AssignVariant links the session to the variant it was allocated to.
func (t *Tracker) AssignVariant(ctx context.Context, tenantID, sessionID, variantID string) error {
	return t.store.SetSessionVariant(ctx, tenantID, sessionID, variantID)
}

// RecordPageView moves the session to pageID. The time since the previous
// view is credited to the previous page and to the session total.
func (t *Tracker) RecordPageView(ctx context.Context, tenantID, sessionID, pageID string) (*store.Session, error) {
	return t.store.AppendPageView(ctx, tenantID, sessionID, pageID, t.Now())
}

// MarkConverted closes an active session as converted and credits the
// session's variant. It fails with store.ErrInvalidState once the session
// is terminal.
func (t *Tracker) MarkConverted(ctx context.Context, tenantID, sessionID, pageID string, value float64) error {
	if err := t.store.MarkSessionConverted(ctx, tenantID, sessionID, pageID, value, t.Now()); err != nil {
		return err
	}
	t.metrics.SessionTransition(tenantID, string(store.SessionConverted))
	t.logger.Info("session converted", "tenant", tenantID, "session", sessionID, "page", pageID, "value", value)
	return nil
}

func (t *Tracker) MarkBounced(ctx context.Context, tenantID, sessionID string) error {
	return t.terminate(ctx, tenantID, sessionID, store.SessionBounced)
}

func (t *Tracker) MarkAbandoned(ctx context.Context, tenantID, sessionID string) error {
	return t.terminate(ctx, tenantID, sessionID, store.SessionAbandoned)
}

func (t *Tracker) terminate(ctx context.Context, tenantID, sessionID string, status store.SessionStatus) error {
	if err := t.store.MarkSessionTerminal(ctx, tenantID, sessionID, status, t.Now()); err != nil {
		return err
	}
	t.metrics.SessionTransition(tenantID, string(status))
	t.logger.Debug("session closed", "tenant", tenantID, "session", sessionID, "status", status)
	return nil
}
