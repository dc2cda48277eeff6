// Package pipeline wires the scheduler, limiter, workers, store and
// reliability monitor into the ingestion loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/quota"
	"feedflow/internal/reliability"
	"feedflow/internal/rotation"
	"feedflow/internal/schedule"
	"feedflow/internal/store"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/processor"
	"feedflow/reader"
)

// Fetcher performs one upstream pull. *reader.RESTClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, spec models.EndpointSpec, symbol string) (*reader.Response, error)
}

// HistorySink keeps every successfully fetched payload. *writer.History
// implements it.
type HistorySink interface {
	Record(rec models.HistoryRecord)
}

// Options sizes the loop and the worker pool.
type Options struct {
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	Interval       time.Duration
	// MaxIterations stops the loop after that many cycles; zero runs forever.
	MaxIterations int
	// Once runs a single cycle and waits for its work to finish.
	Once           bool
	HeartbeatFlush time.Duration
}

// OptionsFrom reads the loop settings from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Workers:        cfg.Reader.Workers,
		QueueSize:      cfg.Reader.QueueSize,
		RequestTimeout: cfg.Reader.RequestTimeout,
		Interval:       cfg.Runtime.Interval,
		MaxIterations:  cfg.Runtime.MaxIterations,
		HeartbeatFlush: cfg.Runtime.HeartbeatFlush,
	}
}

// Deps are the shared clients the orchestrator uses but does not own.
type Deps struct {
	Config     *config.Config
	Snapshots  *config.Store
	Calendar   *schedule.Calendar
	Limiter    *quota.Limiter
	Monitor    *reliability.Monitor
	Store      *store.Store
	Fetcher    Fetcher
	Transforms *processor.Registry
	Metrics    *metrics.Metrics
	// History is nil when the history table is disabled.
	History HistorySink
	// Rotation is nil when streaming is disabled.
	Rotation *rotation.Controller
	Log      *logger.Log
}

type job struct {
	task models.FetchTask
	spec models.EndpointSpec
}

type result struct {
	job      job
	err      error
	deferred bool
	usage    int
	hasUsage bool
	record   models.PersistedRecord
	duration time.Duration
	// persisted is set once the payload reached the store, even if the
	// write then failed.
	persisted bool
}

// Orchestrator runs the control loop. Only the goroutine in Run touches the
// scheduler's retry and defer decisions and the breakers' outcomes; workers
// report back over a channel.
type Orchestrator struct {
	deps      Deps
	opts      Options
	scheduler *schedule.Scheduler
	log       *logger.Log
	now       func() time.Time

	tasks    chan job
	results  chan result
	inFlight int
	version  uint64

	iteration atomic.Int64
	lastCycle atomic.Int64
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Snapshots == nil || deps.Snapshots.Load() == nil {
		return nil, errors.New("pipeline: endpoint snapshot is required")
	}
	if deps.Limiter == nil || deps.Monitor == nil || deps.Store == nil || deps.Fetcher == nil {
		return nil, errors.New("pipeline: limiter, monitor, store and fetcher are required")
	}
	if deps.Transforms == nil {
		deps.Transforms = processor.Default()
	}
	if deps.Calendar == nil {
		cal, err := schedule.NewCalendar(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline: calendar: %w", err)
		}
		deps.Calendar = cal
	}
	if deps.Config == nil {
		cfg := config.Default()
		deps.Config = &cfg
	}
	if deps.Log == nil {
		deps.Log = logger.GetLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 16
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	o := &Orchestrator{
		deps:    deps,
		opts:    opts,
		log:     deps.Log,
		now:     time.Now,
		tasks:   make(chan job, opts.QueueSize),
		results: make(chan result, opts.QueueSize),
	}
	snap := deps.Snapshots.Load()
	o.scheduler = schedule.New(deps.Calendar, &storeGate{monitor: deps.Monitor}, snap)
	o.applySnapshot(snap, o.now())
	return o, nil
}

// Scheduler exposes the scheduler for status reporting.
func (o *Orchestrator) Scheduler() *schedule.Scheduler {
	return o.scheduler
}

// Restore seeds the scheduler from the latest records in the store so a
// restart does not refetch everything at once.
func (o *Orchestrator) Restore(ctx context.Context) error {
	snap := o.deps.Snapshots.Load()
	var keys []string
	byKey := make(map[string]models.TaskKey)
	for _, spec := range snap.Endpoints {
		for _, symbol := range spec.Targets() {
			k := spec.Key(symbol)
			keys = append(keys, k)
			byKey[k] = models.TaskKey{EndpointID: spec.ID, Symbol: symbol}
		}
	}
	fetched, err := o.deps.Store.LatestFetchedAt(ctx, keys)
	if err != nil {
		return fmt.Errorf("restore schedule: %w", err)
	}
	lastRuns := make(map[models.TaskKey]time.Time, len(fetched))
	for k, at := range fetched {
		lastRuns[byKey[k]] = at
	}
	o.scheduler.Restore(lastRuns)
	o.log.WithComponent("orchestrator").WithField("restored", len(lastRuns)).Info("schedule restored from store")
	return nil
}

// Run blocks until ctx is cancelled, the iteration limit is reached or, in
// once mode, the first cycle's work has completed.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := o.log.WithComponent("orchestrator")
	log.WithFields(logger.Fields{
		"workers":        o.opts.Workers,
		"queue_size":     o.opts.QueueSize,
		"interval":       o.opts.Interval.String(),
		"max_iterations": o.opts.MaxIterations,
		"once":           o.opts.Once,
	}).Info("orchestrator started")

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range o.tasks {
				o.results <- o.process(ctx, j)
			}
		}()
	}

	var flushWG sync.WaitGroup
	flushCtx, stopFlush := context.WithCancel(ctx)
	if o.opts.HeartbeatFlush > 0 && !o.opts.Once {
		flushWG.Add(1)
		go func() {
			defer flushWG.Done()
			o.flushHeartbeats(flushCtx)
		}()
	}

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	finished := false
	o.cycle()
	for !finished {
		if o.opts.Once || (o.opts.MaxIterations > 0 && int(o.iteration.Load()) >= o.opts.MaxIterations) {
			o.await(ctx)
			break
		}
		select {
		case <-ctx.Done():
			finished = true
		case r := <-o.results:
			o.handle(ctx, r)
		case <-ticker.C:
			o.cycle()
		}
	}

	close(o.tasks)
	go func() {
		wg.Wait()
		close(o.results)
	}()
	for r := range o.results {
		o.handle(ctx, r)
	}
	stopFlush()
	flushWG.Wait()

	// last heartbeat write on a fresh context so status survives shutdown
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.WriteHeartbeats(wctx, o.deps.Monitor.Snapshot(), o.now()); err != nil {
		log.WithError(err).Warn("final heartbeat write failed")
	}

	log.WithField("iterations", o.iteration.Load()).Info("orchestrator stopped")
	return nil
}

// await handles results until nothing is in flight.
func (o *Orchestrator) await(ctx context.Context) {
	for o.inFlight > 0 {
		select {
		case r := <-o.results:
			o.handle(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

// Iterations reports how many cycles have run.
func (o *Orchestrator) Iterations() int64 {
	return o.iteration.Load()
}

// LastCycle reports when the latest cycle started.
func (o *Orchestrator) LastCycle() time.Time {
	ns := o.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (o *Orchestrator) cycle() {
	now := o.now()
	o.lastCycle.Store(now.UnixNano())
	iteration := int(o.iteration.Add(1))

	snap := o.deps.Snapshots.Load()
	if snap.Version != o.version {
		o.applySnapshot(snap, now)
	}
	o.deps.Monitor.CheckStaleness(now)

	stats := metrics.CycleStats{Iteration: iteration, QueueCap: cap(o.tasks)}
	defer func() {
		s := o.scheduler.Stats()
		stats.Deferred, stats.Retries = s.Deferred, s.Retries
		stats.QueueLen = len(o.tasks)
		stats.InFlight = o.inFlight
		metrics.ReportCycle(o.log, o.deps.Metrics, stats)
	}()

	if !o.deps.Monitor.Allow(reliability.StoreSource, now) {
		o.log.WithComponent("orchestrator").Debug("store circuit open; scheduling paused")
		return
	}

	due := o.scheduler.Due(now)
	stats.Due = len(due)
	for _, task := range due {
		spec, ok := snap.Endpoint(task.EndpointID)
		if !ok {
			o.deps.Monitor.ReleaseProbe(task.Source)
			continue
		}
		select {
		case o.tasks <- job{task: task, spec: spec}:
			o.inFlight++
			stats.Dispatched++
		default:
			o.scheduler.Defer(task)
			o.deps.Monitor.ReleaseProbe(task.Source)
			metrics.EmitDropMetric(o.log, metrics.DropMetricQueue, task.Source, task.EndpointID, task.Symbol, "dispatch")
			stats.Requeued++
		}
	}
	if stats.Dispatched == 0 {
		o.deps.Monitor.ReleaseProbe(reliability.StoreSource)
	}
}

// applySnapshot registers breakers for every source in snap and points the
// scheduler and rotation demand at it.
func (o *Orchestrator) applySnapshot(snap *config.Snapshot, now time.Time) {
	cfg := o.deps.Config.Reliability
	for _, source := range snap.Sources() {
		o.deps.Monitor.Register(source, breakerConfig(cfg.Breaker(source), o.minStale(snap, source)), now)
	}
	storeCfg := breakerConfig(cfg.Breaker(reliability.StoreSource), 0)
	storeCfg.StaleAfter = 0
	o.deps.Monitor.Register(reliability.StoreSource, storeCfg, now)

	if o.version != snap.Version {
		o.scheduler.Reload(snap)
	}
	if o.deps.Rotation != nil {
		if len(snap.Stream.SymbolChannels()) > 0 {
			o.deps.Rotation.SetDemand(snap.Stream.Symbols)
		} else {
			o.deps.Rotation.SetDemand(nil)
		}
	}
	o.version = snap.Version
	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"version":   snap.Version,
		"endpoints": len(snap.Endpoints),
		"sources":   snap.Sources(),
	}).Info("endpoint snapshot applied")
}

// minStale is three full cadences of the slowest endpoint of source at its
// largest session multiplier, so quiet sessions do not trip the breaker.
func (o *Orchestrator) minStale(snap *config.Snapshot, source string) time.Duration {
	var longest time.Duration
	for _, spec := range snap.Endpoints {
		if spec.Source != source {
			continue
		}
		d := time.Duration(float64(spec.Cadence) * o.deps.Calendar.MaxMultiplier(spec))
		if d > longest {
			longest = d
		}
	}
	return 3 * longest
}

func breakerConfig(c config.CircuitBreakerConfig, minStale time.Duration) reliability.BreakerConfig {
	out := reliability.BreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		Cooldown:          c.Cooldown,
		MaxCooldown:       c.MaxCooldown,
		BackoffMultiplier: c.BackoffMultiplier,
		StaleAfter:        c.StaleAfter,
	}
	if out.StaleAfter > 0 && out.StaleAfter < minStale {
		out.StaleAfter = minStale
	}
	return out
}

func (o *Orchestrator) flushHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(o.opts.HeartbeatFlush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.deps.Store.WriteHeartbeats(ctx, o.deps.Monitor.Snapshot(), o.now()); err != nil && ctx.Err() == nil {
				o.log.WithComponent("orchestrator").WithError(err).Warn("heartbeat flush failed")
			}
		}
	}
}

// storeGate pauses fetch scheduling for every source while the store circuit
// is open, then defers to the source's own circuit.
type storeGate struct {
	monitor *reliability.Monitor
}

func (g *storeGate) Allow(source string, now time.Time) bool {
	if g.monitor.State(reliability.StoreSource) == models.CircuitOpen {
		return false
	}
	return g.monitor.Allow(source, now)
}
