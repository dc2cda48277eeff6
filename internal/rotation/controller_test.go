package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

// step ticks the controller and completes every action with the result of fn.
func step(c *Controller, now time.Time, fn func(Action) error) []Action {
	actions := c.Tick(now)
	for _, a := range actions {
		var err error
		if fn != nil {
			err = fn(a)
		}
		c.Complete(a, err, now)
	}
	return actions
}

func assertExclusive(t *testing.T, c *Controller) {
	t.Helper()
	seen := map[string]int{}
	active := 0
	for _, s := range c.Slots() {
		if s.State == SlotIdle {
			continue
		}
		active++
		if prev, ok := seen[s.Symbol]; ok {
			t.Fatalf("symbol %s held by slots %d and %d", s.Symbol, prev, s.Index)
		}
		seen[s.Symbol] = s.Index
	}
	require.LessOrEqual(t, active, len(c.Slots()))
}

func TestRotationCoversEverySymbolWithin75Seconds(t *testing.T) {
	c := NewController(3, 15*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ", "IWM", "AAPL", "TSLA"})

	for sec := 0; sec <= 75; sec++ {
		now := t0.Add(time.Duration(sec) * time.Second)
		step(c, now, nil)
		assertExclusive(t, c)
		// a second pass lets freed slots pick up the queue within the same second
		step(c, now, nil)
		assertExclusive(t, c)
	}

	coverage := c.Coverage()
	for _, sym := range []string{"SPY", "QQQ", "IWM", "AAPL", "TSLA"} {
		assert.GreaterOrEqual(t, coverage[sym], 1, sym)
	}
	assert.Len(t, c.Active(), 3)
}

func TestSlotHandsOverOnlyWhileOthersWait(t *testing.T) {
	c := NewController(2, 10*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ", "IWM"})

	step(c, t0, nil)
	assert.Equal(t, []string{"QQQ", "SPY"}, c.Active())
	assert.Equal(t, []string{"IWM"}, c.Queue())

	// dwell expiry with one symbol waiting releases exactly one slot
	actions := step(c, t0.Add(10*time.Second), nil)
	require.Len(t, actions, 1)
	assert.Equal(t, OpUnsubscribe, actions[0].Op)
	assert.Equal(t, "SPY", actions[0].Symbol)
	assert.Equal(t, []string{"IWM", "SPY"}, c.Queue())

	actions = step(c, t0.Add(10*time.Second), nil)
	require.Len(t, actions, 1)
	assert.Equal(t, OpSubscribe, actions[0].Op)
	assert.Equal(t, "IWM", actions[0].Symbol)
	assert.Equal(t, 0, actions[0].Slot)
}

func TestDwellRenewsWhenQueueEmpty(t *testing.T) {
	c := NewController(3, 15*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ"})
	step(c, t0, nil)

	actions := step(c, t0.Add(15*time.Second), nil)
	assert.Empty(t, actions)
	for _, s := range c.Slots()[:2] {
		assert.Equal(t, SlotActive, s.State)
		assert.Equal(t, t0.Add(30*time.Second), s.DwellDeadline)
	}
	assert.Equal(t, SlotIdle, c.Slots()[2].State)
}

func TestSlotIdlesWhenDemandRemoved(t *testing.T) {
	c := NewController(2, 15*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ"})
	step(c, t0, nil)

	c.SetDemand([]string{"SPY"})
	actions := step(c, t0.Add(time.Second), nil)
	require.Len(t, actions, 1)
	assert.Equal(t, Action{Op: OpUnsubscribe, Slot: 1, Symbol: "QQQ", RequestID: actions[0].RequestID}, actions[0])

	assert.Empty(t, step(c, t0.Add(2*time.Second), nil))
	assert.Equal(t, SlotIdle, c.Slots()[1].State)
	assert.Empty(t, c.Queue())

	// demand reappears
	c.SetDemand([]string{"SPY", "NVDA"})
	actions = step(c, t0.Add(3*time.Second), nil)
	require.Len(t, actions, 1)
	assert.Equal(t, "NVDA", actions[0].Symbol)
}

func TestDuplicateSubscriptionIsReconciled(t *testing.T) {
	c := NewController(1, 15*time.Second, nil)
	c.SetDemand([]string{"SPY"})
	step(c, t0, func(Action) error { return ErrDuplicateSubscription })

	slots := c.Slots()
	assert.Equal(t, SlotActive, slots[0].State)
	assert.Equal(t, "SPY", slots[0].Symbol)
	assert.NotEmpty(t, slots[0].RequestID)
}

func TestFailedSubscribeReturnsSymbolToQueueHead(t *testing.T) {
	c := NewController(1, 15*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ"})
	step(c, t0, func(Action) error { return errors.New("write: broken pipe") })

	assert.Equal(t, SlotIdle, c.Slots()[0].State)
	assert.Equal(t, []string{"SPY", "QQQ"}, c.Queue())
}

func TestStaleCompletionIgnored(t *testing.T) {
	c := NewController(1, 15*time.Second, nil)
	c.SetDemand([]string{"SPY"})
	actions := c.Tick(t0)
	require.Len(t, actions, 1)

	c.Complete(Action{Op: OpSubscribe, Slot: 0, Symbol: "SPY", RequestID: "other"}, nil, t0)
	assert.Equal(t, SlotSubscribing, c.Slots()[0].State)
	c.Complete(actions[0], nil, t0)
	assert.Equal(t, SlotActive, c.Slots()[0].State)
}

func TestGateBlocksNewSubscriptions(t *testing.T) {
	open := false
	calls := 0
	c := NewController(3, 15*time.Second, func(time.Time) bool { calls++; return open })
	c.SetDemand([]string{"SPY", "QQQ"})

	assert.Empty(t, step(c, t0, nil))
	assert.Equal(t, 1, calls, "gate consulted once per tick")

	open = true
	assert.Len(t, step(c, t0.Add(time.Second), nil), 2)
	assert.Empty(t, step(c, t0.Add(2*time.Second), nil))
	assert.Equal(t, 2, calls, "no gate call when nothing is waiting")
}

func TestResetRequeuesActiveSymbolsFirst(t *testing.T) {
	c := NewController(2, 15*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ", "IWM"})
	step(c, t0, nil)

	c.Reset(t0.Add(time.Second))
	assert.Empty(t, c.Active())
	assert.Equal(t, []string{"SPY", "QQQ", "IWM"}, c.Queue())

	actions := step(c, t0.Add(2*time.Second), nil)
	require.Len(t, actions, 2)
	assert.Equal(t, "SPY", actions[0].Symbol)
	assert.Equal(t, "QQQ", actions[1].Symbol)
}

func TestDrainReleasesAllSlots(t *testing.T) {
	c := NewController(3, 15*time.Second, nil)
	c.SetDemand([]string{"SPY", "QQQ", "IWM", "AAPL"})
	step(c, t0, nil)

	actions := c.Drain()
	require.Len(t, actions, 3)
	for _, a := range actions {
		assert.Equal(t, OpUnsubscribe, a.Op)
		c.Complete(a, nil, t0)
	}
	assert.True(t, c.Drained())
	assert.Empty(t, c.Tick(t0.Add(time.Minute)), "no work after drain")
}

type fakeSubscriber struct {
	mu     sync.Mutex
	active map[string]string
	calls  []string
	maxAct int
}

func (f *fakeSubscriber) Subscribe(_ context.Context, symbol, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "join:"+symbol)
	if _, ok := f.active[symbol]; ok {
		return ErrDuplicateSubscription
	}
	f.active[symbol] = requestID
	if len(f.active) > f.maxAct {
		f.maxAct = len(f.active)
	}
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, symbol, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "leave:"+symbol)
	delete(f.active, symbol)
	return nil
}

func TestRunnerDrainsOnCancel(t *testing.T) {
	sub := &fakeSubscriber{active: map[string]string{}}
	c := NewController(2, time.Hour, nil)
	c.SetDemand([]string{"SPY", "QQQ", "IWM"})

	var observed sync.Map
	r := NewRunner(c, sub, RunnerConfig{Tick: 5 * time.Millisecond}, func(a Action, err error, _ time.Time) {
		observed.Store(a.Op.String()+":"+a.Symbol, err)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.Active()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.True(t, c.Drained())
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Empty(t, sub.active, "every subscription released")
	assert.LessOrEqual(t, sub.maxAct, 2)
	_, ok := observed.Load("unsubscribe:SPY")
	assert.True(t, ok)
}
