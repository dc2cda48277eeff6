package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedflow/config"
	"feedflow/models"
)

// Monday 2024-03-04 11:00 New York time, inside the regular session.
var regular = time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC)

type fakeCircuits map[string]bool

func (f fakeCircuits) Allow(source string, _ time.Time) bool {
	allowed, ok := f[source]
	return !ok || allowed
}

// probeCircuits grants one call per source then refuses.
type probeCircuits struct{ used map[string]bool }

func (p *probeCircuits) Allow(source string, _ time.Time) bool {
	if p.used[source] {
		return false
	}
	p.used[source] = true
	return true
}

func newCalendar(t *testing.T) *Calendar {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal, err := NewCalendar(loc, map[models.Session]float64{
		models.SessionPreMarket:  2,
		models.SessionRegular:    1,
		models.SessionAfterHours: 2,
		models.SessionOvernight:  6,
		models.SessionWeekend:    12,
	})
	require.NoError(t, err)
	return cal
}

func spec(id string, tier models.Tier, cadence time.Duration, symbols ...string) models.EndpointSpec {
	return models.EndpointSpec{ID: id, Source: id, Tier: tier, Cadence: cadence, Symbols: symbols}
}

func snapshot(specs ...models.EndpointSpec) *config.Snapshot {
	return config.NewSnapshot(specs, models.StreamSpec{})
}

func TestSessionBoundaries(t *testing.T) {
	cal := newCalendar(t)
	loc := cal.loc
	cases := []struct {
		at   time.Time
		want models.Session
	}{
		{time.Date(2024, 3, 4, 3, 59, 0, 0, loc), models.SessionOvernight},
		{time.Date(2024, 3, 4, 4, 0, 0, 0, loc), models.SessionPreMarket},
		{time.Date(2024, 3, 4, 9, 29, 0, 0, loc), models.SessionPreMarket},
		{time.Date(2024, 3, 4, 9, 30, 0, 0, loc), models.SessionRegular},
		{time.Date(2024, 3, 4, 15, 59, 0, 0, loc), models.SessionRegular},
		{time.Date(2024, 3, 4, 16, 0, 0, 0, loc), models.SessionAfterHours},
		{time.Date(2024, 3, 4, 20, 0, 0, 0, loc), models.SessionOvernight},
		{time.Date(2024, 3, 9, 12, 0, 0, 0, loc), models.SessionWeekend},
		{time.Date(2024, 3, 10, 12, 0, 0, 0, loc), models.SessionWeekend},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cal.Session(tc.at), tc.at.String())
	}
}

func TestMultiplierOverrides(t *testing.T) {
	cal := newCalendar(t)
	weekend := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	s := spec("darkpool", models.TierImportant, time.Minute)
	assert.Equal(t, 12.0, cal.Multiplier(s, weekend))
	assert.Equal(t, 12*time.Minute, cal.EffectiveCadence(s, weekend))

	s.SessionMultipliers = map[models.Session]float64{models.SessionWeekend: 30}
	assert.Equal(t, 30.0, cal.Multiplier(s, weekend))
	assert.Equal(t, 1.0, cal.Multiplier(s, regular))
	assert.Equal(t, 30.0, cal.MaxMultiplier(s))
}

func TestSixtySecondCadenceYieldsThreeTasksIn130Seconds(t *testing.T) {
	s := New(newCalendar(t), nil, snapshot(spec("market_tide", models.TierCritical, time.Minute)))

	var at []time.Duration
	for sec := 0; sec <= 130; sec++ {
		now := regular.Add(time.Duration(sec) * time.Second)
		for range s.Due(now) {
			at = append(at, now.Sub(regular))
		}
	}
	assert.Equal(t, []time.Duration{0, time.Minute, 2 * time.Minute}, at)
}

func TestSessionMultiplierStretchesCadence(t *testing.T) {
	overnight := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC) // 21:00 New York
	s := New(newCalendar(t), nil, snapshot(spec("market_tide", models.TierCritical, time.Minute)))

	require.Len(t, s.Due(overnight), 1)
	next, ok := s.NextDue(models.TaskKey{EndpointID: "market_tide"})
	require.True(t, ok)
	assert.Equal(t, overnight.Add(6*time.Minute), next)
	assert.Empty(t, s.Due(overnight.Add(5*time.Minute)))
	assert.Len(t, s.Due(overnight.Add(6*time.Minute)), 1)
}

func TestDueOrdersByTierThenEndpointThenSymbol(t *testing.T) {
	s := New(newCalendar(t), nil, snapshot(
		spec("news", models.TierBackground, time.Minute),
		spec("greeks", models.TierImportant, time.Minute, "TSLA", "AAPL"),
		spec("flow", models.TierCritical, time.Minute, "SPY"),
		spec("darkpool", models.TierImportant, time.Minute, "NVDA"),
	))

	var got []string
	for _, task := range s.Due(regular) {
		got = append(got, task.Key().String())
	}
	assert.Equal(t, []string{"flow:SPY", "darkpool:NVDA", "greeks:AAPL", "greeks:TSLA", "news"}, got)
}

func TestOpenCircuitSkipsSourceUntilAllowed(t *testing.T) {
	circuits := fakeCircuits{"flow": false}
	s := New(newCalendar(t), circuits, snapshot(
		spec("flow", models.TierCritical, time.Minute, "SPY", "QQQ"),
		spec("news", models.TierBackground, time.Minute),
	))

	tasks := s.Due(regular)
	require.Len(t, tasks, 1)
	assert.Equal(t, "news", tasks[0].EndpointID)

	// the skipped tasks are still due once the circuit admits work
	circuits["flow"] = true
	tasks = s.Due(regular.Add(time.Second))
	require.Len(t, tasks, 2)
	assert.Equal(t, "flow", tasks[0].EndpointID)
}

func TestHalfOpenSourceIssuesSingleProbe(t *testing.T) {
	s := New(newCalendar(t), &probeCircuits{used: map[string]bool{}}, snapshot(
		spec("flow", models.TierCritical, time.Minute, "AAPL", "QQQ", "SPY"),
	))
	tasks := s.Due(regular)
	require.Len(t, tasks, 1)
	assert.Equal(t, "AAPL", tasks[0].Symbol)
}

func TestDeferredTasksRunFirst(t *testing.T) {
	s := New(newCalendar(t), nil, snapshot(
		spec("flow", models.TierCritical, time.Minute),
		spec("news", models.TierBackground, 10*time.Minute),
	))
	require.Len(t, s.Due(regular), 2)

	deferred := models.FetchTask{EndpointID: "news", Source: "news", Tier: models.TierBackground, ScheduledAt: regular}
	s.Defer(deferred)
	s.Defer(deferred)
	assert.Equal(t, 1, s.Stats().Deferred)

	tasks := s.Due(regular.Add(time.Minute))
	require.Len(t, tasks, 2)
	assert.Equal(t, "news", tasks[0].EndpointID, "deferred work goes ahead of cadence work")
	assert.Equal(t, "flow", tasks[1].EndpointID)
	assert.Equal(t, 0, s.Stats().Deferred)
}

func TestRetryIssuedAtScheduledTime(t *testing.T) {
	s := New(newCalendar(t), nil, snapshot(spec("greeks", models.TierImportant, 10*time.Minute, "SPY")))
	first := s.Due(regular)
	require.Len(t, first, 1)

	task := first[0]
	task.Attempt = 1
	s.ScheduleRetry(task, regular.Add(10*time.Second))

	assert.Empty(t, s.Due(regular.Add(9*time.Second)))
	tasks := s.Due(regular.Add(10 * time.Second))
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempt)
	assert.Equal(t, regular.Add(10*time.Second), tasks[0].ScheduledAt)
	assert.Equal(t, 0, s.Stats().Retries)

	// the retry counts as a run
	next, _ := s.NextDue(task.Key())
	assert.Equal(t, regular.Add(10*time.Second+10*time.Minute), next)
}

func TestReloadPreservesTimingAndDropsRemovedKeys(t *testing.T) {
	s := New(newCalendar(t), nil, snapshot(
		spec("flow", models.TierCritical, time.Minute, "SPY"),
		spec("news", models.TierBackground, time.Minute),
	))
	require.Len(t, s.Due(regular), 2)
	s.Defer(models.FetchTask{EndpointID: "news", Source: "news", Tier: models.TierBackground})

	s.Reload(snapshot(
		spec("flow", models.TierCritical, time.Minute, "SPY", "QQQ"),
	))
	assert.Equal(t, Stats{Version: 0, Tasks: 2}, s.Stats())

	tasks := s.Due(regular.Add(time.Second))
	require.Len(t, tasks, 1, "only the new symbol is due")
	assert.Equal(t, "QQQ", tasks[0].Symbol)

	next, ok := s.NextDue(models.TaskKey{EndpointID: "flow", Symbol: "SPY"})
	require.True(t, ok)
	assert.Equal(t, regular.Add(time.Minute), next)
}

func TestRestoreSeedsLastRun(t *testing.T) {
	s := New(newCalendar(t), nil, snapshot(spec("flow", models.TierCritical, time.Minute, "SPY")))
	key := models.TaskKey{EndpointID: "flow", Symbol: "SPY"}
	s.Restore(map[models.TaskKey]time.Time{key: regular.Add(-30 * time.Second)})

	assert.Empty(t, s.Due(regular))
	assert.Len(t, s.Due(regular.Add(30*time.Second)), 1)
}
