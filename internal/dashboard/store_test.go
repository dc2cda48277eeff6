package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"feedflow/internal/metrics"
	"feedflow/models"
)

func TestMetricStoreKeepsHistoryAndLatestPerSeries(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Event{
			At:        time.Unix(int64(i), 0),
			Component: "sinks",
			Name:      "delivered",
			Value:     float64(i),
			Labels:    map[string]string{"sink": "history"},
		})
	}
	store.handle(metrics.Event{Component: "reliability", Name: "circuit_state", Value: 1, Labels: map[string]string{"source": "store"}})

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 events in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 4 || snapshot[1].Name != "circuit_state" {
		t.Fatalf("unexpected events retained: %#v", snapshot)
	}

	series := store.series()
	if len(series) != 2 {
		t.Fatalf("expected 2 series, got %v", series)
	}
	if series["sinks/delivered{sink=history}"] != 4 || series["reliability/circuit_state{source=store}"] != 1 {
		t.Fatalf("unexpected latest values: %v", series)
	}
}

func TestLogStoreFlattensErrorsAndStates(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "stream payload rejected"
	entry.Data = logrus.Fields{
		"component": "stream_handler",
		"channel":   "gex",
		"error":     errors.New("malformed payload"),
		"state":     models.CircuitHalfOpen,
	}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	rec := snapshot[0]
	if rec.Component != "stream_handler" || rec.Level != "warning" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatalf("component should be lifted out of fields: %#v", rec.Fields)
	}
	if rec.Fields["error"] != "malformed payload" || rec.Fields["state"] != "HALF_OPEN" || rec.Fields["channel"] != "gex" {
		t.Fatalf("unexpected fields: %#v", rec.Fields)
	}
}

func TestLogStoreStopsCapturingAfterClose(t *testing.T) {
	store := newLogStore(2)
	for _, symbol := range []string{"SPY", "QQQ", "IWM"} {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "subscription action completed"
		entry.Level = logrus.DebugLevel
		entry.Data = logrus.Fields{"component": "rotation", "symbol": symbol}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[0].Fields["symbol"] != "QQQ" {
		t.Fatalf("expected the two newest entries, got %#v", snapshot)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "rotation drained"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if got := store.snapshot(); got[len(got)-1].Message == "rotation drained" {
		t.Fatalf("store accepted entries after close")
	}
}
