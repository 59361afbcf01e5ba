// Package events appends the per-session event stream and applies its side
// effects: conversions, goal completions and conversion notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

const (
	TypePageView   = "page_view"
	TypeClick      = "click"
	TypeFormSubmit = "form_submit"
	TypePurchase   = "purchase"

	// KindConversionWebhook is the outbound task kind for conversion
	// notifications.
	KindConversionWebhook = "conversion.webhook"
)

type Input struct {
	Type            string         `json:"type"`
	PageID          string         `json:"page_id,omitempty"`
	ElementID       string         `json:"element_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	IsConversion    bool           `json:"is_conversion,omitempty"`
	ConversionValue float64        `json:"conversion_value,omitempty"`
	// EventTime defaults to the recorder's clock.
	EventTime time.Time `json:"event_time,omitempty"`
}

type Result struct {
	Event *store.Event `json:"event"`
	// Converted is set when this event moved the session to converted.
	Converted bool `json:"converted"`
	// CompletedGoals lists goals completed for the first time by this event.
	CompletedGoals []string `json:"completed_goals"`
}

// Enqueuer accepts outbound side effects for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, kind, target string, payload any) (*store.OutboundTask, error)
}

type Recorder struct {
	store   store.Store
	tracker *session.Tracker
	outbox  Enqueuer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Recorder)

func WithOutbox(q Enqueuer) Option {
	return func(r *Recorder) { r.outbox = q }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func NewRecorder(s store.Store, tracker *session.Tracker, opts ...Option) *Recorder {
	r := &Recorder{store: s, tracker: tracker, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "events")
	return r
}

// Record appends an event to the session. Timing deltas are floored at zero
// and the event time is clamped so a session's events never go back in
// time. Events on terminal sessions are stored for audit but change no
// session state.
func (r *Recorder) Record(ctx context.Context, tenantID, sessionID string, in Input) (*Result, error) {
	if in.Type == "" {
		return nil, errors.New("event type is required")
	}

	sess, err := r.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	eventTime := r.tracker.Now()
	if !in.EventTime.IsZero() {
		eventTime = in.EventTime.UTC().Truncate(time.Millisecond)
	}

	previous := sess.CreatedAt
	last, err := r.store.LastEvent(ctx, tenantID, sessionID)
	switch {
	case err == nil:
		previous = last.EventTime
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if eventTime.Before(previous) {
		eventTime = previous
	}

	pageID := in.PageID
	if pageID == "" {
		pageID = sess.CurrentPageID
	}

	e := &store.Event{
		TenantID:          tenantID,
		SessionID:         sessionID,
		FunnelID:          sess.FunnelID,
		Type:              in.Type,
		PageID:            pageID,
		ElementID:         in.ElementID,
		Payload:           in.Payload,
		IsConversion:      in.IsConversion,
		ConversionValue:   in.ConversionValue,
		EventTime:         eventTime,
		TimeFromStart:     nonNegative(eventTime.Sub(sess.CreatedAt)),
		TimeFromLastEvent: nonNegative(eventTime.Sub(previous)),
	}

	goals, err := r.store.ListGoals(ctx, tenantID, sess.FunnelID)
	if err != nil {
		return nil, err
	}
	matched := MatchGoals(goals, e)
	for _, g := range matched {
		if g.Primary {
			e.IsConversion = true
			if e.ConversionValue == 0 {
				e.ConversionValue = g.Value
			}
		}
	}

	if err := r.store.InsertEvent(ctx, e); err != nil {
		return nil, err
	}
	r.metrics.EventRecorded(tenantID, e.IsConversion)

	res := &Result{Event: e, CompletedGoals: []string{}}
	for _, g := range matched {
		first, err := r.store.RecordGoalCompletion(ctx, tenantID, g.ID, sessionID, eventTime, e.TimeFromStart)
		if err != nil {
			return nil, err
		}
		if first {
			res.CompletedGoals = append(res.CompletedGoals, g.ID)
			r.metrics.GoalCompleted(tenantID)
		}
	}

	if e.IsConversion && !sess.Status.Terminal() {
		err := r.tracker.MarkConverted(ctx, tenantID, sessionID, pageID, e.ConversionValue)
		switch {
		case err == nil:
			res.Converted = true
		case errors.Is(err, store.ErrInvalidState):
			// Lost a race with another terminal transition.
		default:
			return nil, err
		}
	}

	if res.Converted {
		r.notifyConversion(ctx, sess, e)
	}
	return res, nil
}

// ConversionPayload is the body of a conversion webhook.
type ConversionPayload struct {
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	FunnelID    string    `json:"funnel_id"`
	SessionID   string    `json:"session_id"`
	VariantID   string    `json:"variant_id,omitempty"`
	EventID     string    `json:"event_id"`
	PageID      string    `json:"page_id"`
	Value       float64   `json:"value"`
	ConvertedAt time.Time `json:"converted_at"`
}

// notifyConversion enqueues the funnel's conversion webhook. A failure is
// kept as a note on the event and never undoes the conversion.
func (r *Recorder) notifyConversion(ctx context.Context, sess *store.Session, e *store.Event) {
	if r.outbox == nil {
		return
	}
	funnel, err := r.store.GetFunnel(ctx, sess.TenantID, sess.FunnelID)
	if err != nil {
		r.noteDeliveryError(ctx, e, fmt.Errorf("failed to load funnel: %w", err))
		return
	}
	if funnel.WebhookURL == "" {
		return
	}

	payload := ConversionPayload{
		Type:        "session.converted",
		TenantID:    sess.TenantID,
		FunnelID:    sess.FunnelID,
		SessionID:   sess.ID,
		VariantID:   sess.VariantID,
		EventID:     e.ID,
		PageID:      e.PageID,
		Value:       e.ConversionValue,
		ConvertedAt: e.EventTime,
	}
	if _, err := r.outbox.Enqueue(ctx, sess.TenantID, KindConversionWebhook, funnel.WebhookURL, payload); err != nil {
		r.noteDeliveryError(ctx, e, err)
	}
}

func (r *Recorder) noteDeliveryError(ctx context.Context, e *store.Event, cause error) {
	note := "conversion webhook not queued: " + cause.Error()
	e.DeliveryError = note
	r.logger.Warn("conversion notification failed", "event", e.ID, "session", e.SessionID, "error", cause)
	if err := r.store.SetEventDeliveryError(ctx, e.TenantID, e.ID, note); err != nil {
		r.logger.Error("failed to store delivery note", "event", e.ID, "error", err)
	}
}

func nonNegative(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
