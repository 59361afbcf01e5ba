package metrics_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
)

func TestWriteTenant_FiltersForeignSeries(t *testing.T) {
	m := metrics.New()
	m.Allocated("acme", "A")
	m.Allocated("acme", "A")
	m.Allocated("globex", "B")
	m.OutboxDelivery("conversion.webhook", "delivered")

	var buf bytes.Buffer
	require.NoError(t, m.WriteTenant(&buf, "acme"))

	out := buf.String()
	assert.Contains(t, out, `funnelgoat_variant_allocations_total{tenant="acme",variant="A"} 2`)
	assert.NotContains(t, out, "globex")
	assert.NotContains(t, out, "outbox_deliveries_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Allocated("acme", "A")
		m.ConditionEvaluated("acme", true)
		m.ObserveRequest("/health", "GET", 200, 0)
	})
}
