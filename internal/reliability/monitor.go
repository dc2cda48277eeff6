// Package reliability tracks per-source heartbeats and circuit breakers and
// emits an alert on every state change.
package reliability

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedflow/logger"
	"feedflow/models"
)

// StoreSource is the breaker that tracks the state store itself. When it is
// open no fetch work is scheduled, so upstream sources are not blamed for
// store outages.
const StoreSource = "store"

var ErrUnknownSource = errors.New("unknown source")

// AlertSink receives alert events. Emit must not block.
type AlertSink interface {
	Emit(models.AlertEvent)
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(models.AlertEvent)

func (f SinkFunc) Emit(ev models.AlertEvent) { f(ev) }

type Monitor struct {
	mu       sync.Mutex
	defaults BreakerConfig
	breakers map[string]*breaker
	sinks    []AlertSink
	log      *logger.Log
}

func NewMonitor(defaults BreakerConfig, log *logger.Log, sinks ...AlertSink) *Monitor {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Monitor{
		defaults: defaults,
		breakers: make(map[string]*breaker),
		sinks:    sinks,
		log:      log,
	}
}

// AddSink must be called before the monitor is shared.
func (m *Monitor) AddSink(sink AlertSink) {
	m.sinks = append(m.sinks, sink)
}

// Register creates the breaker for source, or updates the thresholds of an
// existing one while keeping its state.
func (m *Monitor) Register(source string, cfg BreakerConfig, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[source]; ok {
		fresh := newBreaker(source, cfg, now)
		b.cfg = fresh.cfg
		if b.state == models.CircuitClosed {
			b.cooldown = b.cfg.Cooldown
		}
		return
	}
	m.breakers[source] = newBreaker(source, cfg, now)
}

func (m *Monitor) get(source string, now time.Time) *breaker {
	b, ok := m.breakers[source]
	if !ok {
		b = newBreaker(source, m.defaults, now)
		m.breakers[source] = b
	}
	return b
}

// Allow reports whether new work may be issued for source. A HALF_OPEN source
// admits exactly one probe until that probe reports back.
func (m *Monitor) Allow(source string, now time.Time) bool {
	m.mu.Lock()
	ok, t := m.get(source, now).allow(now)
	m.mu.Unlock()
	m.emitTransition(source, t, now)
	return ok
}

// ReleaseProbe hands back a probe slot that was granted but never used.
func (m *Monitor) ReleaseProbe(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[source]; ok && b.state == models.CircuitHalfOpen {
		b.probing = false
	}
}

func (m *Monitor) RecordSuccess(source string, now time.Time) {
	m.mu.Lock()
	t := m.get(source, now).success(now)
	m.mu.Unlock()
	m.emitTransition(source, t, now)
}

func (m *Monitor) RecordFailure(source string, now time.Time, reason string) {
	m.mu.Lock()
	t := m.get(source, now).failure(now, reason)
	m.mu.Unlock()
	m.emitTransition(source, t, now)
}

// ForceOpen opens the circuit with no cooldown expiry. Only Reset closes it.
func (m *Monitor) ForceOpen(source string, now time.Time, reason string) {
	m.mu.Lock()
	b := m.get(source, now)
	b.hb.LastFailureAt = now
	b.hb.ConsecutiveFailures++
	var t *transition
	if b.state != models.CircuitOpen || !b.locked {
		opened := b.open(now, reason)
		if opened.from != opened.to {
			t = &opened
		}
	}
	b.locked = true
	m.mu.Unlock()
	m.emitTransition(source, t, now)
}

// Reset closes the circuit of source, clearing any lock and backoff.
func (m *Monitor) Reset(source string, now time.Time) error {
	m.mu.Lock()
	b, ok := m.breakers[source]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSource
	}
	from := b.state
	b.state = models.CircuitClosed
	b.locked = false
	b.probing = false
	b.failures = 0
	b.hb.ConsecutiveFailures = 0
	b.cooldown = b.cfg.Cooldown
	b.cooldownUntil = time.Time{}
	b.reason = "operator reset"
	// staleness restarts from the reset
	b.registeredAt = now
	b.hb.LastSuccessAt = time.Time{}
	b.pausedAt = time.Time{}
	b.credit = 0
	m.mu.Unlock()

	if from != models.CircuitClosed {
		m.emitTransition(source, &transition{from: from, to: models.CircuitClosed, reason: "operator reset"}, now)
	}
	return nil
}

// CheckStaleness opens every CLOSED circuit whose heartbeat is too old. While
// the store circuit is not CLOSED no fetch work runs, so the other sources'
// staleness clocks stop from the moment the store opened until it closes.
func (m *Monitor) CheckStaleness(now time.Time) {
	type opened struct {
		source string
		t      *transition
	}
	var fired []opened
	m.mu.Lock()
	st, hasStore := m.breakers[StoreSource]
	storeDown := hasStore && st.state != models.CircuitClosed
	for source, b := range m.breakers {
		if source != StoreSource {
			if storeDown {
				b.pause(st.openedAt)
				continue
			}
			b.resume(now)
		}
		if t := b.stale(now); t != nil {
			fired = append(fired, opened{source, t})
		}
	}
	m.mu.Unlock()
	sort.Slice(fired, func(i, j int) bool { return fired[i].source < fired[j].source })
	for _, f := range fired {
		m.emitTransition(f.source, f.t, now)
	}
}

func (m *Monitor) State(source string) models.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[source]; ok {
		return b.state
	}
	return models.CircuitClosed
}

// Snapshot returns every source's breaker view, sorted by source.
func (m *Monitor) Snapshot() []models.CircuitSnapshot {
	m.mu.Lock()
	out := make([]models.CircuitSnapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (m *Monitor) Heartbeats() []models.Heartbeat {
	snaps := m.Snapshot()
	out := make([]models.Heartbeat, len(snaps))
	for i, s := range snaps {
		out[i] = s.Heartbeat
	}
	return out
}

// Alert stamps and fans out an event that is not a breaker transition.
func (m *Monitor) Alert(ev models.AlertEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.log.WithComponent("reliability").WithFields(logger.Fields{
		"alert_id":  ev.ID,
		"kind":      string(ev.Kind),
		"source":    ev.Source,
		"old_state": ev.OldState,
		"new_state": ev.NewState,
		"key":       ev.Key,
		"reason":    ev.Reason,
	}).Warn("alert")
	logger.IncrementAlerts()
	for _, sink := range m.sinks {
		sink.Emit(ev)
	}
}

func (m *Monitor) emitTransition(source string, t *transition, now time.Time) {
	if t == nil {
		return
	}
	m.Alert(models.AlertEvent{
		Kind:     models.AlertCircuitTransition,
		Source:   source,
		OldState: t.from.String(),
		NewState: t.to.String(),
		Reason:   t.reason,
		At:       now,
	})
}
