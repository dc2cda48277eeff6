package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedflow/logger"
	"feedflow/models"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.ObserveFetch("market_tide", OutcomeSuccess, 0.2)
	m.ObserveFetch("market_tide", OutcomeSuccess, 0.1)
	m.ObserveFetch("market_tide", OutcomeTransient, 0)
	m.ObserveQuota(models.TierBackground, false)
	m.ObservePersist(OutcomeDropped)
	m.SetActiveSlots(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues("market_tide", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("market_tide", OutcomeTransient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quota.WithLabelValues("background", "deferred")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persist.WithLabelValues(OutcomeDropped)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSlots))
}

func TestEmitTracksCircuitState(t *testing.T) {
	m := New()
	m.Emit(models.AlertEvent{Kind: models.AlertCircuitTransition, Source: "news", NewState: "OPEN"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuit.WithLabelValues("news")))
	m.Emit(models.AlertEvent{Kind: models.AlertCircuitTransition, Source: "news", NewState: "HALF_OPEN"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuit.WithLabelValues("news")))
	m.Emit(models.AlertEvent{Kind: models.AlertPersistenceDropped, Source: "store"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.alerts.WithLabelValues("circuit_transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("persistence_dropped")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveStreamMessage("price_tick")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `feedflow_stream_messages_total{stream="price_tick"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestReportCycleSetsQueueGauges(t *testing.T) {
	m := New()
	ReportCycle(logger.GetLogger(), m, CycleStats{Deferred: 4, Retries: 2, QueueLen: 1, QueueCap: 8})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queues.WithLabelValues("deferred")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queues.WithLabelValues("retries")))
}

func TestEmitPublishesCircuitState(t *testing.T) {
	events := collect(t)
	m := New()
	m.Emit(models.AlertEvent{Kind: models.AlertCircuitTransition, Source: "store", OldState: "CLOSED", NewState: "OPEN"})
	m.Emit(models.AlertEvent{Kind: models.AlertPersistenceDropped, Source: "store"})

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "reliability/circuit_state{from=CLOSED,source=store}", got[0].Series())
	assert.Equal(t, 1.0, got[0].Value)
	assert.Equal(t, KindGauge, got[0].Kind)
}

func TestReportSinkPublishesDeliveryCounters(t *testing.T) {
	events := collect(t)
	stats := SinkStats{Delivered: 40, Flushes: 3, Errors: 1, Dropped: 2, PendingLen: 16, PendingCap: 64}
	assert.InDelta(t, 0.25, stats.ErrorRate(), 1e-9)
	assert.InDelta(t, 0.25, stats.Backlog(), 1e-9)

	ReportSink(logger.GetLogger(), "history", stats)

	values := map[string]float64{}
	for _, ev := range events() {
		assert.Equal(t, "history", ev.Labels["sink"])
		values[ev.Name] = ev.Value
	}
	assert.Equal(t, map[string]float64{"delivered": 40, "errors": 1, "dropped": 2, "backlog": 0.25}, values)
	assert.Zero(t, SinkStats{}.ErrorRate())
}
