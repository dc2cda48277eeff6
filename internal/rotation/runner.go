package rotation

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedflow/logger"
)

// Subscriber performs the subscription I/O for the runner.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol, requestID string) error
	Unsubscribe(ctx context.Context, symbol, requestID string) error
}

// Observer is told about every completed action, e.g. to feed the circuit
// breaker of the streaming source.
type Observer func(a Action, err error, now time.Time)

type RunnerConfig struct {
	Tick       time.Duration
	AckTimeout time.Duration
	// DrainTimeout bounds the unsubscribe sequence on shutdown.
	DrainTimeout time.Duration
}

// Runner drives a Controller: a ticker emits actions and one goroutine per
// slot executes them in order, so a slot never overlaps an unsubscribe with
// the following subscribe.
type Runner struct {
	ctrl     *Controller
	sub      Subscriber
	cfg      RunnerConfig
	observer Observer
	now      func() time.Time
	log      *logger.Log
}

func NewRunner(ctrl *Controller, sub Subscriber, cfg RunnerConfig, observer Observer, log *logger.Log) *Runner {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Runner{ctrl: ctrl, sub: sub, cfg: cfg, observer: observer, now: time.Now, log: log}
}

// Run blocks until ctx is cancelled, then unsubscribes every active slot
// before returning.
func (r *Runner) Run(ctx context.Context) error {
	log := r.log.WithComponent("rotation")
	lanes := make([]chan Action, len(r.ctrl.Slots()))
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan Action, 1)
		wg.Add(1)
		go func(lane <-chan Action) {
			defer wg.Done()
			for a := range lane {
				r.execute(ctx, a)
			}
		}(lanes[i])
	}

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	dispatch := func() {
		for _, a := range r.ctrl.Tick(r.now()) {
			lanes[a.Slot] <- a
		}
	}
	dispatch()

	for {
		select {
		case <-ctx.Done():
			for _, lane := range lanes {
				close(lane)
			}
			wg.Wait()
			r.drain(log)
			return nil
		case <-ticker.C:
			dispatch()
		}
	}
}

func (r *Runner) execute(ctx context.Context, a Action) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if a.Op == OpSubscribe {
		err = r.sub.Subscribe(actx, a.Symbol, a.RequestID)
	} else {
		err = r.sub.Unsubscribe(actx, a.Symbol, a.RequestID)
	}
	r.complete(a, err)

	entry := r.log.WithComponent("rotation").WithFields(logger.Fields{
		"op":         a.Op.String(),
		"slot":       a.Slot,
		"symbol":     a.Symbol,
		"request_id": a.RequestID,
		"duration":   time.Since(start).String(),
	})
	switch {
	case err == nil:
		entry.Debug("subscription action completed")
	case a.Op == OpSubscribe && errors.Is(err, ErrDuplicateSubscription):
		entry.Info("duplicate subscription reconciled")
	default:
		entry.WithError(err).Warn("subscription action failed")
	}
}

func (r *Runner) complete(a Action, err error) {
	now := r.now()
	r.ctrl.Complete(a, err, now)
	if r.observer != nil {
		r.observer(a, err, now)
	}
}

// drain unsubscribes until every slot is idle or the drain timeout passes.
// Unsubscribes run sequentially on a fresh context because the run context is
// already cancelled.
func (r *Runner) drain(log *logger.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()

	released := 0
	for !r.ctrl.Drained() {
		actions := r.ctrl.Drain()
		if len(actions) == 0 {
			break
		}
		for _, a := range actions {
			actx, acancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
			err := r.sub.Unsubscribe(actx, a.Symbol, a.RequestID)
			acancel()
			if err != nil {
				log.WithError(err).WithField("symbol", a.Symbol).Warn("unsubscribe during drain failed")
			}
			r.complete(a, err)
			released++
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.WithField("released", released).Info("rotation drained")
}
