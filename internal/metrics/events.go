package metrics

import (
	"sort"
	"sync"
	"time"

	"feedflow/logger"
)

// Event kinds.
const (
	KindCounter = "counter"
	KindGauge   = "gauge"
)

// Event is one metric sample. Every published event is logged, mirrored to
// CloudWatch when that is initialised and handed to the subscribers, which is
// how the dashboard builds its /api/metrics history.
type Event struct {
	At        time.Time         `json:"at"`
	Component string            `json:"component"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Kind      string            `json:"kind"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type subscriber struct {
	id uint64
	fn func(Event)
}

var (
	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64
)

// Subscribe adds fn to the fan-out and returns the function that removes it.
// fn runs on the publishing goroutine and must not block.
func Subscribe(fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	subsMu.Lock()
	nextSub++
	id := nextSub
	subs = append(subs, subscriber{id: id, fn: fn})
	subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			subsMu.Lock()
			defer subsMu.Unlock()
			for i, s := range subs {
				if s.id == id {
					subs = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps ev, logs it and fans it out. Events without a name are
// ignored.
func Publish(log *logger.Log, ev Event) {
	if ev.Name == "" {
		return
	}
	if ev.Kind == "" {
		ev.Kind = KindCounter
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if log == nil {
		log = logger.GetLogger()
	}

	labels := make(map[string]string, len(ev.Labels))
	fields := make(logger.Fields, len(ev.Labels))
	for k, v := range ev.Labels {
		labels[k] = v
		fields[k] = v
	}
	ev.Labels = labels
	log.LogMetric(ev.Component, ev.Name, ev.Value, ev.Kind, fields)

	subsMu.RLock()
	fns := make([]func(Event), len(subs))
	for i, s := range subs {
		fns[i] = s.fn
	}
	subsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// labelKeys returns the label names of ev in order, for stable output.
func (ev Event) labelKeys() []string {
	keys := make([]string, 0, len(ev.Labels))
	for k := range ev.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Series names the time series ev belongs to, e.g.
// drops/records_dropped{endpoint=market_tide,stage=persist}.
func (ev Event) Series() string {
	s := ev.Component + "/" + ev.Name
	keys := ev.labelKeys()
	if len(keys) == 0 {
		return s
	}
	s += "{"
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += k + "=" + ev.Labels[k]
	}
	return s + "}"
}
