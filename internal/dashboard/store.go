package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"feedflow/internal/metrics"
)

// history keeps the newest limit items. It is safe for concurrent use.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = 200
	}
	return &history[T]{limit: limit}
}

func (h *history[T]) add(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if len(h.items) > h.limit {
		h.items = append([]T(nil), h.items[len(h.items)-h.limit:]...)
	}
}

func (h *history[T]) snapshot() []T {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, len(h.items))
	copy(out, h.items)
	return out
}

// metricStore keeps the newest published metric events and the latest value
// of every series.
type metricStore struct {
	*history[metrics.Event]
	mu     sync.RWMutex
	latest map[string]metrics.Event
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{history: newHistory[metrics.Event](limit), latest: make(map[string]metrics.Event)}
}

func (s *metricStore) handle(ev metrics.Event) {
	s.add(ev)
	s.mu.Lock()
	s.latest[ev.Series()] = ev
	s.mu.Unlock()
}

// series returns the latest value of every series, keyed by series name.
func (s *metricStore) series() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.latest))
	for k, ev := range s.latest {
		out[k] = ev.Value
	}
	return out
}

// logRecord is one captured log line as served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook that keeps the newest log lines.
type logStore struct {
	*history[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{history: newHistory[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.add(record)
	return nil
}

// close detaches the store without removing the hook, which logrus does not
// support.
func (s *logStore) close() {
	s.enabled.Store(false)
}
