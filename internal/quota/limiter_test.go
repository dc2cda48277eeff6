package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedflow/models"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, caps map[models.Tier]int) *Limiter {
	t.Helper()
	l, err := New(Config{HardCap: 120, Buffer: 10, Window: time.Minute, Capacities: caps})
	require.NoError(t, err)
	return l
}

func TestNewRejectsOverCommittedTiers(t *testing.T) {
	_, err := New(Config{HardCap: 120, Buffer: 10, Window: time.Minute, Capacities: map[models.Tier]int{
		models.TierCritical:  60,
		models.TierImportant: 51,
	}})
	assert.Error(t, err)

	_, err = New(Config{HardCap: 10, Buffer: 10, Window: time.Minute})
	assert.Error(t, err, "buffer equal to cap leaves no budget")
}

func TestBurstGrantsExactlyTierCapacities(t *testing.T) {
	l := newLimiter(t, map[models.Tier]int{
		models.TierCritical:   60,
		models.TierImportant:  40,
		models.TierNiceToHave: 10,
	})

	// 200 pending tasks, interleaved across tiers, all inside one minute
	pattern := []models.Tier{models.TierCritical, models.TierImportant, models.TierNiceToHave, models.TierBackground, models.TierCritical}
	granted := map[models.Tier]int{}
	deferred := 0
	for i := 0; i < 200; i++ {
		tier := pattern[i%len(pattern)]
		now := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		if d, _ := l.TryReserve(now, tier); d == Granted {
			granted[tier]++
		} else {
			deferred++
		}
	}

	assert.Equal(t, 60, granted[models.TierCritical])
	assert.Equal(t, 40, granted[models.TierImportant])
	assert.Equal(t, 10, granted[models.TierNiceToHave])
	assert.Equal(t, 0, granted[models.TierBackground])
	assert.Equal(t, 90, deferred)
}

func TestRollingWindowNeverExceedsBudget(t *testing.T) {
	caps := map[models.Tier]int{
		models.TierCritical:   60,
		models.TierImportant:  30,
		models.TierNiceToHave: 15,
		models.TierBackground: 5,
	}
	l := newLimiter(t, caps)

	var grants []time.Time
	perTier := map[models.Tier][]time.Time{}
	for step := 0; step < 6000; step++ {
		now := t0.Add(time.Duration(step) * 50 * time.Millisecond)
		tier := models.Tiers[step%len(models.Tiers)]
		if d, _ := l.TryReserve(now, tier); d == Granted {
			grants = append(grants, now)
			perTier[tier] = append(perTier[tier], now)
		}
	}
	require.NotEmpty(t, grants)

	budget := l.Config().Budget()
	assert.LessOrEqual(t, maxInWindow(grants, time.Minute), budget)
	for tier, ts := range perTier {
		assert.LessOrEqual(t, maxInWindow(ts, time.Minute), caps[tier], "tier %s", tier)
	}
}

// maxInWindow returns the largest count of timestamps inside any window
// (end-w, end] ending at one of the timestamps.
func maxInWindow(ts []time.Time, w time.Duration) int {
	best, start := 0, 0
	for end := range ts {
		for !ts[start].After(ts[end].Add(-w)) {
			start++
		}
		if n := end - start + 1; n > best {
			best = n
		}
	}
	return best
}

func TestWindowRefillsAfterExpiry(t *testing.T) {
	l := newLimiter(t, map[models.Tier]int{models.TierCritical: 2})

	d, _ := l.TryReserve(t0, models.TierCritical)
	require.Equal(t, Granted, d)
	d, _ = l.TryReserve(t0, models.TierCritical)
	require.Equal(t, Granted, d)

	d, wait := l.TryReserve(t0.Add(time.Second), models.TierCritical)
	assert.Equal(t, Deferred, d)
	assert.Equal(t, 59*time.Second, wait)

	d, _ = l.TryReserve(t0.Add(time.Minute), models.TierCritical)
	assert.Equal(t, Granted, d)
}

func TestUpstreamUsageStarvesLowTiersFirst(t *testing.T) {
	l := newLimiter(t, map[models.Tier]int{
		models.TierCritical:   60,
		models.TierImportant:  30,
		models.TierNiceToHave: 15,
		models.TierBackground: 5,
	})

	l.ObserveUpstreamUsage(t0, 100)

	d, _ := l.TryReserve(t0, models.TierBackground)
	assert.Equal(t, Deferred, d)
	d, _ = l.TryReserve(t0, models.TierNiceToHave)
	assert.Equal(t, Deferred, d)
	d, _ = l.TryReserve(t0, models.TierCritical)
	assert.Equal(t, Granted, d)
	d, _ = l.TryReserve(t0, models.TierImportant)
	assert.Equal(t, Granted, d)

	// the reading expires with the window
	d, _ = l.TryReserve(t0.Add(time.Minute), models.TierBackground)
	assert.Equal(t, Granted, d)
}

func TestSaturateDefersEveryTier(t *testing.T) {
	l := newLimiter(t, map[models.Tier]int{models.TierCritical: 60})

	l.Saturate(t0, 30*time.Second)
	d, wait := l.TryReserve(t0.Add(time.Second), models.TierCritical)
	assert.Equal(t, Deferred, d)
	assert.Equal(t, 29*time.Second, wait)

	d, _ = l.TryReserve(t0.Add(30*time.Second), models.TierCritical)
	assert.Equal(t, Granted, d)
}

func TestStatsCountGrantsAndDeferrals(t *testing.T) {
	l := newLimiter(t, map[models.Tier]int{models.TierCritical: 1})
	l.TryReserve(t0, models.TierCritical)
	l.TryReserve(t0, models.TierCritical)
	l.TryReserve(t0, models.TierBackground)

	stats := l.Stats(t0)
	require.Len(t, stats, len(models.Tiers))
	assert.Equal(t, 1, stats[0].Consumed)
	assert.Equal(t, uint64(1), stats[0].Granted)
	assert.Equal(t, uint64(1), stats[0].Deferred)
	assert.Equal(t, t0, stats[0].WindowStart)
	assert.Equal(t, uint64(1), stats[3].Deferred)
	assert.Equal(t, 1, l.Consumed(t0))
}

func TestReserveWaitsWithinBound(t *testing.T) {
	l, err := New(Config{
		HardCap:    2,
		Buffer:     1,
		Window:     200 * time.Millisecond,
		MaxWait:    time.Second,
		Capacities: map[models.Tier]int{models.TierCritical: 1},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.Equal(t, Granted, l.Reserve(ctx, models.TierCritical))

	start := time.Now()
	assert.Equal(t, Granted, l.Reserve(ctx, models.TierCritical))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReserveDefersPastBound(t *testing.T) {
	var observed []Decision
	l, err := New(Config{
		HardCap:    2,
		Buffer:     1,
		Window:     time.Minute,
		MaxWait:    10 * time.Millisecond,
		Capacities: map[models.Tier]int{models.TierCritical: 1},
	}, WithObserver(func(_ models.Tier, d Decision) { observed = append(observed, d) }))
	require.NoError(t, err)

	ctx := context.Background()
	require.Equal(t, Granted, l.Reserve(ctx, models.TierCritical))
	assert.Equal(t, Deferred, l.Reserve(ctx, models.TierCritical))
	assert.Equal(t, []Decision{Granted, Deferred}, observed)
}

func TestReserveHonoursCancellation(t *testing.T) {
	l, err := New(Config{
		HardCap:    2,
		Buffer:     1,
		Window:     time.Second,
		MaxWait:    5 * time.Second,
		Capacities: map[models.Tier]int{models.TierCritical: 1},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.Equal(t, Granted, l.Reserve(ctx, models.TierCritical))
	cancel()
	assert.Equal(t, Deferred, l.Reserve(ctx, models.TierCritical))
}

func TestReserveCountsWaitedGrantOnce(t *testing.T) {
	var observed []Decision
	l, err := New(Config{
		HardCap:    2,
		Buffer:     1,
		Window:     100 * time.Millisecond,
		MaxWait:    time.Second,
		Capacities: map[models.Tier]int{models.TierCritical: 1},
	}, WithObserver(func(_ models.Tier, d Decision) { observed = append(observed, d) }))
	require.NoError(t, err)

	ctx := context.Background()
	require.Equal(t, Granted, l.Reserve(ctx, models.TierCritical))
	require.Equal(t, Granted, l.Reserve(ctx, models.TierCritical))

	assert.Equal(t, []Decision{Granted, Granted}, observed)
	stats := l.Stats(time.Now())
	assert.Equal(t, uint64(2), stats[0].Granted)
	assert.Zero(t, stats[0].Deferred)
}
