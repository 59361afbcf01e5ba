// Package visit runs the page view flow of a funnel visitor: allocation on
// the first visit, condition evaluation for the page, session tracking and
// the page_view event.
package visit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/events"
	"github.com/funnel-goat/funnel-goat/internal/rules"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

type Request struct {
	TenantID string `json:"-"`
	FunnelID string `json:"funnel_id"`
	PageID   string `json:"page_id"`
	// SessionID continues a session. Empty, unknown-to-funnel or terminal
	// sessions start a new one.
	SessionID string            `json:"session_id,omitempty"`
	Visitor   store.VisitorMeta `json:"visitor"`
	Segments  []string          `json:"segments,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Contact   map[string]any    `json:"contact,omitempty"`
	// Attributes are extra top-level rule fields. They never shadow the
	// fields derived from the visit.
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Response struct {
	Session    *store.Session       `json:"session"`
	NewSession bool                 `json:"new_session"`
	Variant    *store.Variant       `json:"variant,omitempty"`
	Outcomes   []conditions.Outcome `json:"outcomes"`
	Actions    rules.Actions        `json:"actions"`
	Event      *store.Event         `json:"event"`
}

type Service struct {
	store      store.Store
	allocator  *allocator.Allocator
	conditions *conditions.Service
	tracker    *session.Tracker
	recorder   *events.Recorder
	logger     *slog.Logger
}

func New(s store.Store, a *allocator.Allocator, c *conditions.Service, t *session.Tracker, r *events.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		allocator:  a,
		conditions: c,
		tracker:    t,
		recorder:   r,
		logger:     logger.With("component", "visit"),
	}
}

// PageView handles one page view of a funnel.
func (s *Service) PageView(ctx context.Context, req Request) (*Response, error) {
	if req.FunnelID == "" || req.PageID == "" {
		return nil, errors.New("funnel_id and page_id are required")
	}
	if _, err := s.store.GetFunnel(ctx, req.TenantID, req.FunnelID); err != nil {
		return nil, err
	}

	res := &Response{}
	sess, err := s.resume(ctx, req)
	if err != nil {
		return nil, err
	}

	if sess == nil {
		sess, err = s.tracker.Create(ctx, req.TenantID, req.FunnelID, req.PageID, req.Visitor)
		if err != nil {
			return nil, err
		}
		res.NewSession = true

		v, err := s.allocator.Assign(ctx, req.TenantID, req.FunnelID)
		switch {
		case err == nil:
			if err := s.tracker.AssignVariant(ctx, req.TenantID, sess.ID, v.ID); err != nil {
				return nil, err
			}
			sess.VariantID = v.ID
			res.Variant = v
		case errors.Is(err, store.ErrNotFound):
			s.logger.Debug("funnel has no variant to allocate", "funnel", req.FunnelID)
		default:
			return nil, err
		}
	} else if sess.VariantID != "" {
		v, err := s.store.GetVariant(ctx, req.TenantID, req.FunnelID, sess.VariantID)
		switch {
		case err == nil:
			res.Variant = v
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	vctx := BuildContext(req, sess, res.Variant)
	res.Outcomes, err = s.conditions.EvaluatePage(ctx, req.TenantID, req.FunnelID, req.PageID, vctx)
	if err != nil {
		return nil, err
	}
	res.Actions = conditions.SelectedActions(res.Outcomes)

	if !res.NewSession {
		if _, err := s.tracker.RecordPageView(ctx, req.TenantID, sess.ID, req.PageID); err != nil {
			return nil, err
		}
	}

	recorded, err := s.recorder.Record(ctx, req.TenantID, sess.ID, events.Input{Type: events.TypePageView, PageID: req.PageID})
	if err != nil {
		return nil, err
	}
	res.Event = recorded.Event

	res.Session, err = s.tracker.Get(ctx, req.TenantID, sess.ID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resume loads the session named by the request, or returns nil when a new
// session should be started.
func (s *Service) resume(ctx context.Context, req Request) (*store.Session, error) {
	if req.SessionID == "" {
		return nil, nil
	}
	sess, err := s.tracker.Get(ctx, req.TenantID, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.FunnelID != req.FunnelID || sess.Status.Terminal() {
		s.logger.Debug("starting a new session", "previous", sess.ID, "status", sess.Status)
		return nil, nil
	}
	return sess, nil
}

// BuildContext assembles the rule context of a page view.
func BuildContext(req Request, sess *store.Session, variant *store.Variant) *rules.Context {
	fields := make(map[string]any, len(req.Attributes)+20)
	for k, v := range req.Attributes {
		fields[k] = v
	}

	m := sess.Visitor
	fields["visitor_id"] = m.VisitorID
	fields["ip"] = m.IP
	fields["user_agent"] = m.UserAgent
	fields["referrer"] = m.Referrer
	fields["utm_source"] = m.UTMSource
	fields["utm_medium"] = m.UTMMedium
	fields["utm_campaign"] = m.UTMCampaign
	fields["device"] = sess.Device
	fields["source"] = sess.Source
	fields["funnel_id"] = req.FunnelID
	fields["page_id"] = req.PageID
	fields["session"] = map[string]any{
		"id":           sess.ID,
		"page_views":   sess.TotalPageViews,
		"time_spent":   sess.TotalTimeSpent,
		"entry_page":   sess.EntryPageID,
		"current_page": sess.CurrentPageID,
	}
	fields["segments"] = nonNil(req.Segments)
	fields["tags"] = nonNil(req.Tags)
	// Singular names match any member, as targeting does.
	fields["segment"] = fields["segments"]
	fields["tag"] = fields["tags"]

	contact := make(map[string]any, len(req.Contact)+1)
	for k, v := range req.Contact {
		contact[k] = v
	}
	if m.ContactID != "" {
		contact["id"] = m.ContactID
	}
	if len(contact) > 0 {
		fields["contact"] = contact
	}

	if variant != nil {
		fields["variant"] = variant.Key
		fields["variant_id"] = variant.ID
	}

	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			delete(fields, k)
		}
	}
	return rules.NewContext(fields)
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
