package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedflow/logger"
)

// collect subscribes for the duration of the test and returns a reader of
// everything published so far.
func collect(t *testing.T) func() []Event {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	cancel := Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	t.Cleanup(cancel)
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
}

func TestPublishStampsAndFansOut(t *testing.T) {
	first, second := collect(t), collect(t)
	labels := map[string]string{"tier": "critical"}

	Publish(logger.GetLogger(), Event{Component: "quota", Name: "deferred", Value: 2, Labels: labels})

	require.Len(t, first(), 1)
	require.Len(t, second(), 1)
	ev := first()[0]
	assert.Equal(t, KindCounter, ev.Kind, "counter is the default kind")
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, "quota/deferred{tier=critical}", ev.Series())

	ev.Labels["tier"] = "background"
	assert.Equal(t, "critical", labels["tier"], "subscribers get their own labels")
}

func TestPublishIgnoresUnnamedEvents(t *testing.T) {
	events := collect(t)
	Publish(nil, Event{Component: "quota", Value: 1})
	assert.Empty(t, events())
}

func TestCancelStopsDelivery(t *testing.T) {
	var n int
	cancel := Subscribe(func(Event) { n++ })
	Publish(nil, Event{Component: "rotation", Name: "active_slots", Value: 3, Kind: KindGauge})
	cancel()
	cancel()
	Publish(nil, Event{Component: "rotation", Name: "active_slots", Value: 4, Kind: KindGauge})
	assert.Equal(t, 1, n)
	assert.NotPanics(t, func() { Subscribe(nil)() })
}

func TestEmitDropMetricLabels(t *testing.T) {
	events := collect(t)

	EmitDropMetric(nil, DropMetricPersist, "store", "market_tide", "", "persist")
	EmitDropMetric(nil, DropMetricStream, "stream", "price_tick", "SPY", "store_open")

	got := events()
	require.Len(t, got, 2)
	assert.Equal(t, "drops/records_dropped{endpoint=market_tide,source=store,stage=persist}", got[0].Series())
	assert.Equal(t, "drops/stream_messages_dropped{endpoint=price_tick,source=stream,stage=store_open,symbol=SPY}", got[1].Series())
	assert.Equal(t, 1.0, got[1].Value)
}
