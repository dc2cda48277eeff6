// Package quota enforces the upstream request budget split into priority
// tiers over a rolling window.
package quota

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedflow/models"
)

// Decision is the outcome of a reservation. Reservations never error.
type Decision int

const (
	Deferred Decision = iota
	Granted
)

func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "deferred"
}

// Config sizes the limiter. Capacities are grants per Window.
type Config struct {
	HardCap    int
	Buffer     int
	Window     time.Duration
	MaxWait    time.Duration
	Capacities map[models.Tier]int
}

// Budget is the most grants allowed in any rolling window.
func (c Config) Budget() int {
	return c.HardCap - c.Buffer
}

// Validate enforces sum(capacities) <= hard cap - buffer.
func (c Config) Validate() error {
	if c.HardCap <= 0 {
		return fmt.Errorf("hard cap must be greater than 0")
	}
	if c.Buffer < 0 || c.Buffer >= c.HardCap {
		return fmt.Errorf("buffer %d must be in [0, %d)", c.Buffer, c.HardCap)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be greater than 0")
	}
	sum := 0
	for tier, capacity := range c.Capacities {
		if capacity < 0 {
			return fmt.Errorf("tier %s capacity must not be negative", tier)
		}
		sum += capacity
	}
	if sum > c.Budget() {
		return fmt.Errorf("tier capacities sum to %d, above hard cap %d minus buffer %d", sum, c.HardCap, c.Buffer)
	}
	return nil
}

// TierStats is the observable budget of one tier.
type TierStats struct {
	Tier        models.Tier `json:"tier"`
	Capacity    int         `json:"capacity"`
	Consumed    int         `json:"consumed"`
	Granted     uint64      `json:"granted_total"`
	Deferred    uint64      `json:"deferred_total"`
	WindowStart time.Time   `json:"window_start"`
}

type bucket struct {
	capacity int
	limiter  *rate.Limiter
	grants   []time.Time
	granted  uint64
	deferred uint64
}

// Limiter hands out grants per tier. All state sits behind one mutex.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[models.Tier]*bucket
	global  []time.Time

	// usage reported by the upstream, valid until upUntil
	upstream int
	upUntil  time.Time

	now      func() time.Time
	onResult func(models.Tier, Decision)
}

type Option func(*Limiter)

// WithClock replaces time.Now for Reserve.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithObserver is called, outside the lock, for every decision.
func WithObserver(fn func(models.Tier, Decision)) Option {
	return func(l *Limiter) { l.onResult = fn }
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[models.Tier]*bucket, len(models.Tiers)),
		now:     time.Now,
	}
	for _, tier := range models.Tiers {
		capacity := cfg.Capacities[tier]
		refill := rate.Limit(float64(capacity) / cfg.Window.Seconds())
		l.buckets[tier] = &bucket{capacity: capacity, limiter: rate.NewLimiter(refill, capacity)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Reserve asks for one grant, waiting up to MaxWait when the wait is known to
// fit. It returns Deferred on timeout or cancellation. A grant that needed a
// wait is counted once, as a grant.
func (l *Limiter) Reserve(ctx context.Context, tier models.Tier) Decision {
	deadline := l.now().Add(l.cfg.MaxWait)
	for {
		decision, wait := l.attempt(l.now(), tier)
		if decision == Granted {
			return l.granted(tier)
		}
		if wait <= 0 || wait > deadline.Sub(l.now()) {
			return l.deferred(tier)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.deferred(tier)
		case <-timer.C:
		}
	}
}

// TryReserve decides at now without waiting. On deferral it also reports how
// long until a grant could succeed, or 0 when unknown.
func (l *Limiter) TryReserve(now time.Time, tier models.Tier) (Decision, time.Duration) {
	decision, wait := l.attempt(now, tier)
	if decision == Granted {
		return l.granted(tier), 0
	}
	return l.deferred(tier), wait
}

// attempt records a grant but leaves deferrals to the caller.
func (l *Limiter) attempt(now time.Time, tier models.Tier) (Decision, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryLocked(now, tier)
}

func (l *Limiter) granted(tier models.Tier) Decision {
	if l.onResult != nil {
		l.onResult(tier, Granted)
	}
	return Granted
}

func (l *Limiter) deferred(tier models.Tier) Decision {
	l.mu.Lock()
	if b, ok := l.buckets[tier]; ok {
		b.deferred++
	}
	l.mu.Unlock()
	if l.onResult != nil {
		l.onResult(tier, Deferred)
	}
	return Deferred
}

func (l *Limiter) tryLocked(now time.Time, tier models.Tier) (Decision, time.Duration) {
	b, ok := l.buckets[tier]
	if !ok {
		return Deferred, 0
	}
	if b.capacity == 0 {
		return Deferred, 0
	}

	l.prune(now)

	ceiling := l.cfg.Budget()
	if tier.Low() {
		ceiling -= l.unusedHighLocked()
	}
	if l.consumedLocked() >= ceiling {
		return Deferred, l.globalWait(now)
	}

	if len(b.grants) >= b.capacity {
		return Deferred, b.grants[0].Add(l.cfg.Window).Sub(now)
	}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Deferred, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Deferred, delay
	}

	b.grants = append(b.grants, now)
	l.global = append(l.global, now)
	b.granted++
	return Granted, 0
}

// prune drops grants that left the rolling window (now-window, now].
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	for _, b := range l.buckets {
		b.grants = dropThrough(b.grants, cutoff)
	}
	l.global = dropThrough(l.global, cutoff)
	if !l.upUntil.IsZero() && !now.Before(l.upUntil) {
		l.upstream = 0
		l.upUntil = time.Time{}
	}
}

func dropThrough(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// consumedLocked is our own window usage, or the upstream's when higher.
func (l *Limiter) consumedLocked() int {
	if l.upstream > len(l.global) {
		return l.upstream
	}
	return len(l.global)
}

// unusedHighLocked is the capacity still held back for the high tiers.
func (l *Limiter) unusedHighLocked() int {
	unused := 0
	for _, tier := range models.Tiers {
		if tier.Low() {
			continue
		}
		b := l.buckets[tier]
		if free := b.capacity - len(b.grants); free > 0 {
			unused += free
		}
	}
	return unused
}

func (l *Limiter) globalWait(now time.Time) time.Duration {
	if l.upstream > len(l.global) {
		return l.upUntil.Sub(now)
	}
	if len(l.global) == 0 {
		return 0
	}
	return l.global[0].Add(l.cfg.Window).Sub(now)
}

// ObserveUpstreamUsage records the request count the upstream reports for its
// current window. The reading holds for one window.
func (l *Limiter) ObserveUpstreamUsage(now time.Time, used int) {
	if used < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	if used >= l.upstream {
		l.upstream = used
		l.upUntil = now.Add(l.cfg.Window)
	}
}

// Saturate treats the budget as exhausted for d, e.g. after an HTTP 429.
func (l *Limiter) Saturate(now time.Time, d time.Duration) {
	if d <= 0 {
		d = l.cfg.Window
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upstream = math.MaxInt32
	if until := now.Add(d); until.After(l.upUntil) {
		l.upUntil = until
	}
}

func (l *Limiter) Stats(now time.Time) []TierStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	out := make([]TierStats, 0, len(models.Tiers))
	for _, tier := range models.Tiers {
		b := l.buckets[tier]
		stat := TierStats{
			Tier:     tier,
			Capacity: b.capacity,
			Consumed: len(b.grants),
			Granted:  b.granted,
			Deferred: b.deferred,
		}
		if len(b.grants) > 0 {
			stat.WindowStart = b.grants[0]
		}
		out = append(out, stat)
	}
	return out
}

// Consumed is the window usage the starvation rule sees.
func (l *Limiter) Consumed(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return l.consumedLocked()
}

func (l *Limiter) Config() Config {
	return l.cfg
}
