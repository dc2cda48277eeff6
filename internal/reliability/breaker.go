package reliability

import (
	"time"

	"feedflow/models"
)

// BreakerConfig sets the thresholds for one source.
type BreakerConfig struct {
	FailureThreshold  int
	Cooldown          time.Duration
	MaxCooldown       time.Duration
	BackoffMultiplier float64
	// StaleAfter opens the circuit when no success was seen for this long.
	// Zero disables the staleness check.
	StaleAfter time.Duration
}

type transition struct {
	from, to models.CircuitState
	reason   string
}

// breaker is the state machine of one source. It is not safe for concurrent
// use; the Monitor serialises access.
type breaker struct {
	cfg           BreakerConfig
	state         models.CircuitState
	failures      int
	cooldown      time.Duration
	cooldownUntil time.Time
	probing       bool
	locked        bool
	reason        string
	hb            models.Heartbeat
	registeredAt  time.Time
	openedAt      time.Time
	// staleness clock, stopped while the store is unavailable
	pausedAt time.Time
	credit   time.Duration
}

func newBreaker(source string, cfg BreakerConfig, now time.Time) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &breaker{
		cfg:          cfg,
		cooldown:     cfg.Cooldown,
		hb:           models.Heartbeat{Source: source},
		registeredAt: now,
	}
}

func (b *breaker) open(now time.Time, reason string) transition {
	t := transition{from: b.state, to: models.CircuitOpen, reason: reason}
	b.state = models.CircuitOpen
	b.probing = false
	b.reason = reason
	b.openedAt = now
	b.cooldownUntil = now.Add(b.cooldown)
	return t
}

// allow reports whether work may be issued, moving OPEN to HALF_OPEN when the
// cooldown has passed. In HALF_OPEN only the first caller gets the probe.
func (b *breaker) allow(now time.Time) (bool, *transition) {
	switch b.state {
	case models.CircuitClosed:
		return true, nil
	case models.CircuitOpen:
		if b.locked || now.Before(b.cooldownUntil) {
			return false, nil
		}
		b.state = models.CircuitHalfOpen
		b.probing = true
		b.reason = "cooldown elapsed"
		return true, &transition{from: models.CircuitOpen, to: models.CircuitHalfOpen, reason: b.reason}
	case models.CircuitHalfOpen:
		if b.probing {
			return false, nil
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *breaker) success(now time.Time) *transition {
	b.hb.LastSuccessAt = now
	b.hb.ConsecutiveFailures = 0
	b.failures = 0
	b.credit = 0
	if !b.pausedAt.IsZero() {
		b.pausedAt = now
	}
	switch b.state {
	case models.CircuitHalfOpen:
		b.state = models.CircuitClosed
		b.probing = false
		b.cooldown = b.cfg.Cooldown
		b.reason = "probe succeeded"
		return &transition{from: models.CircuitHalfOpen, to: models.CircuitClosed, reason: b.reason}
	case models.CircuitOpen:
		// a late result from work issued before the circuit opened
		return nil
	}
	return nil
}

func (b *breaker) failure(now time.Time, reason string) *transition {
	b.hb.LastFailureAt = now
	b.hb.ConsecutiveFailures++
	b.failures++
	switch b.state {
	case models.CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			t := b.open(now, reason)
			return &t
		}
	case models.CircuitHalfOpen:
		b.cooldown = b.nextCooldown()
		t := b.open(now, "probe failed: "+reason)
		return &t
	}
	return nil
}

func (b *breaker) nextCooldown() time.Duration {
	next := time.Duration(float64(b.cooldown) * b.cfg.BackoffMultiplier)
	if b.cfg.MaxCooldown > 0 && next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	return next
}

// stale opens a CLOSED circuit whose last success is older than StaleAfter.
func (b *breaker) stale(now time.Time) *transition {
	if b.cfg.StaleAfter <= 0 || b.state != models.CircuitClosed {
		return nil
	}
	if now.Sub(b.last())-b.credit <= b.cfg.StaleAfter {
		return nil
	}
	t := b.open(now, "heartbeat stale")
	return &t
}

// last is when the staleness clock last started.
func (b *breaker) last() time.Time {
	last := b.hb.LastSuccessAt
	if last.IsZero() {
		last = b.registeredAt
	}
	return last
}

// pause stops the staleness clock from since, or from the last success if
// that is later.
func (b *breaker) pause(since time.Time) {
	if !b.pausedAt.IsZero() {
		return
	}
	if last := b.last(); last.After(since) {
		since = last
	}
	b.pausedAt = since
}

// resume credits the paused time against the heartbeat age.
func (b *breaker) resume(now time.Time) {
	if b.pausedAt.IsZero() {
		return
	}
	if now.After(b.pausedAt) {
		b.credit += now.Sub(b.pausedAt)
	}
	b.pausedAt = time.Time{}
}

func (b *breaker) snapshot() models.CircuitSnapshot {
	return models.CircuitSnapshot{
		Heartbeat:     b.hb,
		State:         b.state,
		CooldownUntil: b.cooldownUntil,
		Locked:        b.locked,
		Reason:        b.reason,
	}
}
