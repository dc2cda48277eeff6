package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedflow/logger"
	"feedflow/models"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (r *recordingSink) Emit(ev models.AlertEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == models.AlertCircuitTransition {
			out = append(out, ev.OldState+"->"+ev.NewState)
		}
	}
	return out
}

func newMonitor(sink AlertSink) *Monitor {
	return NewMonitor(BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		MaxCooldown:       2 * time.Minute,
		BackoffMultiplier: 2,
	}, logger.GetLogger(), sink)
}

func failN(m *Monitor, source string, n int, at time.Time) {
	for i := 0; i < n; i++ {
		m.RecordFailure(source, at, "timeout")
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)

	failN(m, "flow_alerts", 4, t0)
	assert.Equal(t, models.CircuitClosed, m.State("flow_alerts"))
	assert.True(t, m.Allow("flow_alerts", t0))

	m.RecordFailure("flow_alerts", t0, "timeout")
	assert.Equal(t, models.CircuitOpen, m.State("flow_alerts"))
	assert.False(t, m.Allow("flow_alerts", t0.Add(29*time.Second)))
	assert.Equal(t, []string{"CLOSED->OPEN"}, sink.transitions())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := newMonitor(&recordingSink{})
	failN(m, "nope", 4, t0)
	m.RecordSuccess("nope", t0)
	failN(m, "nope", 4, t0)
	assert.Equal(t, models.CircuitClosed, m.State("nope"))
}

func TestHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)
	failN(m, "src", 5, t0)

	after := t0.Add(30 * time.Second)
	assert.True(t, m.Allow("src", after), "first call after cooldown is the probe")
	assert.Equal(t, models.CircuitHalfOpen, m.State("src"))
	assert.False(t, m.Allow("src", after))
	assert.False(t, m.Allow("src", after.Add(time.Second)))

	m.RecordSuccess("src", after.Add(2*time.Second))
	assert.Equal(t, models.CircuitClosed, m.State("src"))
	assert.True(t, m.Allow("src", after.Add(3*time.Second)))
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, sink.transitions())
}

func TestFailedProbeReopensWithLongerCooldown(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)
	failN(m, "src", 5, t0)

	probeAt := t0.Add(30 * time.Second)
	require.True(t, m.Allow("src", probeAt))
	m.RecordFailure("src", probeAt, "HTTP 503")
	assert.Equal(t, models.CircuitOpen, m.State("src"))

	// cooldown restarted from the failed probe and doubled
	assert.False(t, m.Allow("src", probeAt.Add(59*time.Second)))
	assert.True(t, m.Allow("src", probeAt.Add(60*time.Second)))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.CircuitHalfOpen, snap[0].State)
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->OPEN", "OPEN->HALF_OPEN"}, sink.transitions())
}

func TestCooldownBackoffIsCapped(t *testing.T) {
	m := newMonitor(&recordingSink{})
	failN(m, "src", 5, t0)
	at := t0
	cooldown := 30 * time.Second
	for i := 0; i < 4; i++ {
		at = at.Add(cooldown)
		require.True(t, m.Allow("src", at))
		m.RecordFailure("src", at, "boom")
		cooldown *= 2
		if cooldown > 2*time.Minute {
			cooldown = 2 * time.Minute
		}
	}
	assert.Equal(t, at.Add(2*time.Minute), m.Snapshot()[0].CooldownUntil)
}

func TestReleaseProbeReturnsSlot(t *testing.T) {
	m := newMonitor(&recordingSink{})
	failN(m, "src", 5, t0)
	at := t0.Add(time.Minute)
	require.True(t, m.Allow("src", at))
	m.ReleaseProbe("src")
	assert.True(t, m.Allow("src", at), "released probe can be taken again")
	assert.False(t, m.Allow("src", at))
}

func TestStaleHeartbeatOpensCircuit(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)
	m.Register("news", BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute, StaleAfter: 10 * time.Minute}, t0)

	m.RecordSuccess("news", t0)
	m.CheckStaleness(t0.Add(10 * time.Minute))
	assert.Equal(t, models.CircuitClosed, m.State("news"))

	m.CheckStaleness(t0.Add(10*time.Minute + time.Second))
	assert.Equal(t, models.CircuitOpen, m.State("news"))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "heartbeat stale", sink.events[0].Reason)
	assert.Equal(t, "news", sink.events[0].Source)
	assert.NotEmpty(t, sink.events[0].ID)
}

func TestForceOpenNeedsOperatorReset(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)

	m.ForceOpen("market_tide", t0, "HTTP 401")
	assert.Equal(t, models.CircuitOpen, m.State("market_tide"))
	assert.False(t, m.Allow("market_tide", t0.Add(24*time.Hour)), "auth failures never auto-probe")
	assert.True(t, m.Snapshot()[0].Locked)

	require.NoError(t, m.Reset("market_tide", t0.Add(25*time.Hour)))
	assert.Equal(t, models.CircuitClosed, m.State("market_tide"))
	assert.True(t, m.Allow("market_tide", t0.Add(25*time.Hour)))
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, sink.transitions())

	assert.ErrorIs(t, m.Reset("unknown", t0), ErrUnknownSource)
}

func TestRegisterKeepsStateAcrossReload(t *testing.T) {
	m := newMonitor(&recordingSink{})
	failN(m, "src", 5, t0)
	m.Register("src", BreakerConfig{FailureThreshold: 3, Cooldown: time.Second}, t0)
	assert.Equal(t, models.CircuitOpen, m.State("src"))
}

func TestHeartbeatsTrackRecency(t *testing.T) {
	m := newMonitor(&recordingSink{})
	m.RecordSuccess("a", t0)
	m.RecordFailure("a", t0.Add(time.Second), "x")
	m.RecordFailure("b", t0, "y")

	hbs := m.Heartbeats()
	require.Len(t, hbs, 2)
	assert.Equal(t, "a", hbs[0].Source)
	assert.Equal(t, t0, hbs[0].LastSuccessAt)
	assert.Equal(t, t0.Add(time.Second), hbs[0].LastFailureAt)
	assert.Equal(t, 1, hbs[0].ConsecutiveFailures)
	assert.Equal(t, "b", hbs[1].Source)
}

func TestAlertStampsPersistenceEvents(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)
	m.Alert(models.AlertEvent{Kind: models.AlertPersistenceDropped, Source: StoreSource, Key: "uw:rest:x", Reason: "exhausted"})

	require.Len(t, sink.events, 1)
	assert.NotEmpty(t, sink.events[0].ID)
	assert.False(t, sink.events[0].At.IsZero())
}

func TestStoreOutageStopsStalenessClock(t *testing.T) {
	sink := &recordingSink{}
	m := newMonitor(sink)
	m.Register("news", BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute, StaleAfter: 10 * time.Minute}, t0)
	m.Register(StoreSource, BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, t0)

	m.RecordSuccess("news", t0)
	m.ForceOpen(StoreSource, t0.Add(time.Minute), "redis down")

	m.CheckStaleness(t0.Add(30 * time.Minute))
	assert.Equal(t, models.CircuitClosed, m.State("news"), "no fetches ran while the store was open")

	require.NoError(t, m.Reset(StoreSource, t0.Add(30*time.Minute)))
	m.CheckStaleness(t0.Add(30 * time.Minute))
	assert.Equal(t, models.CircuitClosed, m.State("news"))

	// one minute before the outage plus nine after it
	m.CheckStaleness(t0.Add(39 * time.Minute))
	assert.Equal(t, models.CircuitClosed, m.State("news"))
	m.CheckStaleness(t0.Add(39*time.Minute + time.Second))
	assert.Equal(t, models.CircuitOpen, m.State("news"))

	for _, ev := range sink.events {
		if ev.Source == "news" {
			assert.Equal(t, "heartbeat stale", ev.Reason)
		}
	}
}
