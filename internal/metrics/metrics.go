// Package metrics holds the Prometheus instruments of the runtime. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "funnelgoat"

// TenantLabel is the label every tenant-scoped series carries.
const TenantLabel = "tenant"

type Metrics struct {
	Registry *prometheus.Registry

	allocations        *prometheus.CounterVec
	conditionEvals     *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	eventsRecorded     *prometheus.CounterVec
	goalCompletions    *prometheus.CounterVec
	rollupDuration     *prometheus.HistogramVec
	outboxDeliveries   *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers the instruments on a fresh registry, so several instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_allocations_total",
			Help:      "Visitors allocated to a funnel variant.",
		}, []string{TenantLabel, "variant"}),
		conditionEvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_evaluations_total",
			Help:      "Condition evaluations by outcome.",
		}, []string{TenantLabel, "result"}),
		sessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Sessions entering a state.",
		}, []string{TenantLabel, "status"}),
		eventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Events appended to sessions.",
		}, []string{TenantLabel, "conversion"}),
		goalCompletions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goal_completions_total",
			Help:      "First-time goal completions.",
		}, []string{TenantLabel}),
		rollupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollup_duration_seconds",
			Help:      "Time spent computing one analytics bucket.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"period"}),
		outboxDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbound task delivery attempts by outcome.",
		}, []string{"kind", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) Allocated(tenantID, variantKey string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(tenantID, variantKey).Inc()
}

func (m *Metrics) ConditionEvaluated(tenantID string, passed bool) {
	if m == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.conditionEvals.WithLabelValues(tenantID, result).Inc()
}

func (m *Metrics) SessionTransition(tenantID, status string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(tenantID, status).Inc()
}

func (m *Metrics) EventRecorded(tenantID string, conversion bool) {
	if m == nil {
		return
	}
	m.eventsRecorded.WithLabelValues(tenantID, strconv.FormatBool(conversion)).Inc()
}

func (m *Metrics) GoalCompleted(tenantID string) {
	if m == nil {
		return
	}
	m.goalCompletions.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) ObserveRollup(period string, d time.Duration) {
	if m == nil {
		return
	}
	m.rollupDuration.WithLabelValues(period).Observe(d.Seconds())
}

func (m *Metrics) OutboxDelivery(kind, outcome string) {
	if m == nil {
		return
	}
	m.outboxDeliveries.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// WriteTenant writes the text exposition of the registry restricted to one
// tenant: families without a tenant label are dropped, labelled families
// keep only the tenant's series.
func (m *Metrics) WriteTenant(w io.Writer, tenantID string) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		var kept []*dto.Metric
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == TenantLabel && l.GetValue() == tenantID {
					kept = append(kept, metric)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		if err := encoder.Encode(&dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		}); err != nil {
			return err
		}
	}

	_, err = w.Write(buf.Bytes())
	return err
}

// ContentType is the media type produced by WriteTenant.
const ContentType = string(expfmt.FmtText)
