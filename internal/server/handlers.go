package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/analytics"
	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/events"
	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/rules"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/visit"
)

type HealthResponse struct {
	Status        string `json:"status"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	if sq, ok := s.Store.(*store.SQLiteStore); ok {
		row := sq.DB().QueryRowContext(r.Context(), "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
		if err := row.Scan(&response.DBSizeBytes); err != nil {
			response.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTenantMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", metrics.ContentType)
	if err := s.metrics.WriteTenant(w, tenantFrom(r)); err != nil {
		s.writeError(w, r, err)
	}
}

// withVisitorDefaults fills the request-derived visitor fields the client
// did not send.
func withVisitorDefaults(r *http.Request, meta store.VisitorMeta) store.VisitorMeta {
	if meta.IP == "" {
		meta.IP = clientIP(r)
	}
	if meta.UserAgent == "" {
		meta.UserAgent = r.UserAgent()
	}
	if meta.Referrer == "" {
		meta.Referrer = r.Referer()
	}
	return meta
}

func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	var req visit.Request
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.FunnelID == "" || req.PageID == "" {
		writeProblem(w, r, http.StatusBadRequest, "funnel_id and page_id are required")
		return
	}
	req.TenantID = tenantFrom(r)
	req.Visitor = withVisitorDefaults(r, req.Visitor)

	res, err := s.Visits.PageView(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.NewSession {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type allocateRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// handleAllocate draws a variant. With a session that is already allocated
// the existing variant is returned and nothing is counted.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	tenant := tenantFrom(r)
	funnelID := r.PathValue("funnelID")

	if req.SessionID != "" {
		sess, err := s.Tracker.Get(ctx, tenant, req.SessionID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sess.FunnelID != funnelID {
			writeProblem(w, r, http.StatusNotFound, "session does not belong to this funnel")
			return
		}
		if sess.VariantID != "" {
			v, err := s.Store.GetVariant(ctx, tenant, funnelID, sess.VariantID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	v, err := s.Allocator.Assign(ctx, tenant, funnelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionID != "" {
		if err := s.Tracker.AssignVariant(ctx, tenant, req.SessionID, v.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, v)
}

type evaluateRequest struct {
	Context json.RawMessage `json:"context"`
}

type evaluateResponse struct {
	Outcomes []conditions.Outcome `json:"outcomes"`
	Actions  rules.Actions        `json:"actions"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	vctx := rules.ContextFromJSON(req.Context)

	outcomes, err := s.Conditions.EvaluatePage(r.Context(), tenantFrom(r), r.PathValue("funnelID"), r.PathValue("pageID"), vctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Outcomes: outcomes, Actions: conditions.SelectedActions(outcomes)})
}

type createSessionRequest struct {
	FunnelID string            `json:"funnel_id"`
	PageID   string            `json:"page_id"`
	Visitor  store.VisitorMeta `json:"visitor"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.FunnelID == "" || req.PageID == "" {
		writeProblem(w, r, http.StatusBadRequest, "funnel_id and page_id are required")
		return
	}

	sess, err := s.Tracker.Create(r.Context(), tenantFrom(r), req.FunnelID, req.PageID, withVisitorDefaults(r, req.Visitor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Tracker.Get(r.Context(), tenantFrom(r), r.PathValue("sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type pageViewRequest struct {
	PageID string `json:"page_id"`
}

func (s *Server) handlePageView(w http.ResponseWriter, r *http.Request) {
	var req pageViewRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PageID == "" {
		writeProblem(w, r, http.StatusBadRequest, "page_id is required")
		return
	}

	sess, err := s.Tracker.RecordPageView(r.Context(), tenantFrom(r), r.PathValue("sessionID"), req.PageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var in events.Input
	if err := decode(w, r, &in); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if in.Type == "" {
		writeProblem(w, r, http.StatusBadRequest, "type is required")
		return
	}

	res, err := s.Recorder.Record(r.Context(), tenantFrom(r), r.PathValue("sessionID"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListFunnels(w http.ResponseWriter, r *http.Request) {
	funnels, err := s.Store.ListFunnels(r.Context(), tenantFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSlice(funnels))
}

func (s *Server) handleCreateFunnel(w http.ResponseWriter, r *http.Request) {
	var f store.Funnel
	if err := decode(w, r, &f); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(f.Name) == "" {
		writeProblem(w, r, http.StatusBadRequest, "name is required")
		return
	}
	f.ID = ""
	f.TenantID = tenantFrom(r)
	if f.Status == "" {
		f.Status = store.FunnelActive
	}

	if err := s.Store.CreateFunnel(r.Context(), &f); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

type funnelDetail struct {
	*store.Funnel
	Variants []*store.Variant `json:"variants"`
	Goals    []*store.Goal    `json:"goals"`
}

func (s *Server) handleGetFunnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(r)
	funnelID := r.PathValue("funnelID")

	f, err := s.Store.GetFunnel(ctx, tenant, funnelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	variants, err := s.Store.ListVariants(ctx, tenant, funnelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	goals, err := s.Store.ListGoals(ctx, tenant, funnelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, funnelDetail{Funnel: f, Variants: nonNilSlice(variants), Goals: nonNilSlice(goals)})
}

func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	var v store.Variant
	if err := decode(w, r, &v); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if v.Key == "" || v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
		writeProblem(w, r, http.StatusBadRequest, "key is required and traffic_percentage must be within 0-100")
		return
	}
	if v.Status != "" && v.Status != store.VariantActive && v.Status != store.VariantPaused {
		writeProblem(w, r, http.StatusBadRequest, "status must be active or paused; declare a winner through the winner endpoint")
		return
	}
	v.ID = ""
	v.TenantID = tenantFrom(r)
	v.FunnelID = r.PathValue("funnelID")
	v.Visitors, v.Conversions, v.DeclaredWinnerAt = 0, 0, nil

	if err := s.Store.CreateVariant(r.Context(), &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleDeleteVariant(w http.ResponseWriter, r *http.Request) {
	err := s.Allocator.DeleteVariant(r.Context(), tenantFrom(r), r.PathValue("funnelID"), r.PathValue("variantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var g store.Goal
	if err := decode(w, r, &g); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if g.Name == "" || g.Type == "" {
		writeProblem(w, r, http.StatusBadRequest, "name and type are required")
		return
	}
	g.ID = ""
	g.TenantID = tenantFrom(r)
	g.FunnelID = r.PathValue("funnelID")

	if err := s.Store.CreateGoal(r.Context(), &g); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleCreateCondition(w http.ResponseWriter, r *http.Request) {
	var c store.Condition
	if err := decode(w, r, &c); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if c.Name == "" {
		writeProblem(w, r, http.StatusBadRequest, "name is required")
		return
	}
	c.ID = ""
	c.TenantID = tenantFrom(r)
	c.FunnelID = r.PathValue("funnelID")

	if err := s.Conditions.Create(r.Context(), &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type winnerRequest struct {
	VariantID string `json:"variant_id"`
}

func (s *Server) handleDeclareWinner(w http.ResponseWriter, r *http.Request) {
	var req winnerRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.VariantID == "" {
		writeProblem(w, r, http.StatusBadRequest, "variant_id is required")
		return
	}

	v, err := s.Allocator.DeclareWinner(r.Context(), tenantFrom(r), r.PathValue("funnelID"), req.VariantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	report, err := s.Allocator.Compare(r.Context(), tenantFrom(r), r.PathValue("funnelID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAnalytics lists stored buckets. from and to accept RFC 3339 or
// YYYY-MM-DD and default to the last seven days.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := analytics.ParsePeriod(defaultString(q.Get("period"), string(store.PeriodDay)))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	to, err := parseTime(q.Get("to"), now)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	from, err := parseTime(q.Get("from"), to.AddDate(0, 0, -7))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}

	buckets, err := s.Analytics.Query(r.Context(), tenantFrom(r), r.PathValue("funnelID"), period, from, to, q.Get("variant_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

type rollupRequest struct {
	Period    string `json:"period"`
	Date      string `json:"date"`
	VariantID string `json:"variant_id,omitempty"`
}

// handleRollup recomputes one bucket for a variant, or the funnel-wide
// bucket plus every variant's bucket.
func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	var req rollupRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	period, err := analytics.ParsePeriod(defaultString(req.Period, string(store.PeriodDay)))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	date, err := parseTime(req.Date, time.Now().UTC())
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid date: "+err.Error())
		return
	}

	ctx := r.Context()
	tenant := tenantFrom(r)
	funnelID := r.PathValue("funnelID")

	var buckets []*store.Bucket
	if req.VariantID != "" {
		b, err := s.Analytics.Rollup(ctx, tenant, funnelID, period, date, req.VariantID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		buckets = []*store.Bucket{b}
	} else {
		buckets, err = s.Analytics.RollupAll(ctx, tenant, funnelID, period, date)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleListTasks lists outbound tasks across tenants.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, 500)
	}
	tasks, err := s.Outbox.List(r.Context(), store.TaskStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSlice(tasks))
}

func (s *Server) handleRequeueTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Outbox.Requeue(r.Context(), r.PathValue("taskID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTime(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, value)
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
