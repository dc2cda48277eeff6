// Package rotation shares a small pool of streaming subscription slots across
// a larger set of symbols on a timed dwell cycle.
package rotation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedflow/models"
)

// ErrDuplicateSubscription is returned by a Subscriber when the upstream
// rejects a subscribe because the symbol is already registered. The
// controller treats it as success.
var ErrDuplicateSubscription = errors.New("duplicate subscription")

type Op int

const (
	OpSubscribe Op = iota
	OpUnsubscribe
)

func (o Op) String() string {
	if o == OpSubscribe {
		return "subscribe"
	}
	return "unsubscribe"
}

// Action is one unit of subscription I/O for a slot. Actions for a slot are
// issued one at a time; the next is only emitted after Complete.
type Action struct {
	Op        Op
	Slot      int
	Symbol    string
	RequestID string
}

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotSubscribing
	SlotActive
	SlotUnsubscribing
)

func (s SlotState) String() string {
	switch s {
	case SlotSubscribing:
		return "subscribing"
	case SlotActive:
		return "active"
	case SlotUnsubscribing:
		return "unsubscribing"
	}
	return "idle"
}

func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SlotView is a copy of one slot for status reporting.
type SlotView struct {
	Index         int       `json:"index"`
	State         SlotState `json:"state"`
	Symbol        string    `json:"symbol,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	AcquiredAt    time.Time `json:"acquired_at,omitempty"`
	DwellDeadline time.Time `json:"dwell_deadline,omitempty"`
}

// Gate reports whether new subscriptions may be opened. It is consulted once
// per Tick and only when a slot is ready to subscribe.
type Gate func(now time.Time) bool

type slot struct {
	state     SlotState
	sub       models.Subscription
	requestID string
}

type Controller struct {
	mu       sync.Mutex
	dwell    time.Duration
	slots    []slot
	demand   map[string]bool
	queue    []string
	gate     Gate
	draining bool
	covered  map[string]int
}

// NewController creates a pool of n slots. A nil gate always admits.
func NewController(n int, dwell time.Duration, gate Gate) *Controller {
	if n < 1 {
		n = 1
	}
	return &Controller{
		dwell:   dwell,
		slots:   make([]slot, n),
		demand:  make(map[string]bool),
		gate:    gate,
		covered: make(map[string]int),
	}
}

// SetDemand replaces the set of symbols needing coverage. New symbols join
// the queue tail in the given order; symbols no longer demanded leave the
// queue and are released from their slots on the next Tick.
func (c *Controller) SetDemand(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]bool, len(symbols))
	for _, s := range models.NormalizeSymbols(symbols) {
		next[s] = true
	}
	c.demand = next

	kept := c.queue[:0]
	queued := make(map[string]bool, len(c.queue))
	for _, s := range c.queue {
		if next[s] {
			kept = append(kept, s)
			queued[s] = true
		}
	}
	c.queue = kept
	for _, s := range models.NormalizeSymbols(symbols) {
		if !queued[s] && !c.inSlot(s) {
			c.queue = append(c.queue, s)
			queued[s] = true
		}
	}
}

func (c *Controller) inSlot(symbol string) bool {
	for _, s := range c.slots {
		if s.state != SlotIdle && s.sub.Symbol == symbol {
			return true
		}
	}
	return false
}

// Tick advances every slot and returns the I/O to perform. Idle slots take
// the queue head. Active slots whose dwell expired hand over to a queued
// symbol, renew in place when nothing is waiting, or release when their
// symbol is no longer demanded.
func (c *Controller) Tick(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return nil
	}

	var actions []Action
	gateChecked, gateOpen := false, false
	admit := func() bool {
		if !gateChecked {
			gateChecked = true
			gateOpen = c.gate == nil || c.gate(now)
		}
		return gateOpen
	}

	freeing := 0
	for i := range c.slots {
		s := &c.slots[i]
		switch s.state {
		case SlotUnsubscribing:
			freeing++
		case SlotActive:
			if !c.demand[s.sub.Symbol] {
				actions = append(actions, c.release(i))
				freeing++
			}
		}
	}

	for i := range c.slots {
		if c.slots[i].state != SlotIdle || len(c.queue) == 0 {
			continue
		}
		if !admit() {
			break
		}
		actions = append(actions, c.assign(i, now))
	}

	for i := range c.slots {
		s := &c.slots[i]
		if s.state != SlotActive || now.Before(s.sub.DwellDeadline) {
			continue
		}
		if len(c.queue) > freeing {
			actions = append(actions, c.release(i))
			freeing++
			continue
		}
		s.sub.DwellDeadline = now.Add(c.dwell)
	}
	return actions
}

func (c *Controller) assign(i int, now time.Time) Action {
	symbol := c.queue[0]
	c.queue = c.queue[1:]
	id := uuid.NewString()
	c.slots[i] = slot{
		state:     SlotSubscribing,
		requestID: id,
		sub: models.Subscription{
			RequestID: id,
			Symbol:    symbol,
			Slot:      i,
		},
	}
	return Action{Op: OpSubscribe, Slot: i, Symbol: symbol, RequestID: id}
}

func (c *Controller) release(i int) Action {
	s := &c.slots[i]
	s.state = SlotUnsubscribing
	return Action{Op: OpUnsubscribe, Slot: i, Symbol: s.sub.Symbol, RequestID: s.requestID}
}

// Complete records the outcome of an action. Completions for a request the
// slot no longer tracks, for example after Reset, are ignored.
func (c *Controller) Complete(a Action, err error, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.Slot < 0 || a.Slot >= len(c.slots) {
		return
	}
	s := &c.slots[a.Slot]
	if s.requestID != a.RequestID {
		return
	}
	switch {
	case a.Op == OpSubscribe && s.state == SlotSubscribing:
		if err != nil && !errors.Is(err, ErrDuplicateSubscription) {
			c.slots[a.Slot] = slot{}
			if c.demand[a.Symbol] {
				c.queue = append([]string{a.Symbol}, c.queue...)
			}
			return
		}
		s.state = SlotActive
		s.sub.AcquiredAt = now
		s.sub.DwellDeadline = now.Add(c.dwell)
		c.covered[a.Symbol]++
	case a.Op == OpUnsubscribe && s.state == SlotUnsubscribing:
		// a failed unsubscribe is still treated as released; the upstream
		// drops the registration when the connection resets
		c.slots[a.Slot] = slot{}
		if c.demand[a.Symbol] && !c.draining {
			c.queue = append(c.queue, a.Symbol)
		}
	}
}

// Drain stops new subscriptions and returns an unsubscribe for every active
// slot. Slots still waiting on a subscribe result are released by the next
// Drain call once that result arrives.
func (c *Controller) Drain() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
	var actions []Action
	for i := range c.slots {
		if c.slots[i].state == SlotActive {
			actions = append(actions, c.release(i))
		}
	}
	return actions
}

// Drained reports whether every slot is idle.
func (c *Controller) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.state != SlotIdle {
			return false
		}
	}
	return true
}

// Reset forgets every subscription after the transport reconnected. Symbols
// that held slots go to the queue head so they are restored first.
func (c *Controller) Reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var restore []string
	for i, s := range c.slots {
		if s.state != SlotIdle && c.demand[s.sub.Symbol] {
			restore = append(restore, s.sub.Symbol)
		}
		c.slots[i] = slot{}
	}
	c.queue = append(restore, c.queue...)
}

func (c *Controller) Slots() []SlotView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SlotView, len(c.slots))
	for i, s := range c.slots {
		out[i] = SlotView{
			Index:         i,
			State:         s.state,
			Symbol:        s.sub.Symbol,
			RequestID:     s.requestID,
			AcquiredAt:    s.sub.AcquiredAt,
			DwellDeadline: s.sub.DwellDeadline,
		}
	}
	return out
}

// Active returns the symbols currently subscribed, sorted.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.slots {
		if s.state == SlotActive {
			out = append(out, s.sub.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Coverage returns how many times each symbol has been subscribed.
func (c *Controller) Coverage() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.covered))
	for k, v := range c.covered {
		out[k] = v
	}
	return out
}

// Queue returns the symbols waiting for a slot, in order.
func (c *Controller) Queue() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queue...)
}
