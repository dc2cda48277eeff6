package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedflow/internal/metrics"
	"feedflow/internal/quota"
	"feedflow/internal/reliability"
	"feedflow/internal/store"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/processor"
	"feedflow/reader"
)

// errStoreWrite marks a result whose payload was valid but could not be
// written.
var errStoreWrite = errors.New("store write failed")

// process runs on a worker goroutine: reserve quota, fetch, transform and
// persist. It makes no breaker or scheduling decisions.
func (o *Orchestrator) process(ctx context.Context, j job) result {
	r := result{job: j}
	if o.deps.Limiter.Reserve(ctx, j.spec.Tier) != quota.Granted {
		r.deferred = true
		return r
	}

	fctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()
	start := time.Now()
	resp, err := o.deps.Fetcher.Fetch(fctx, j.spec, j.task.Symbol)
	r.duration = time.Since(start)
	if resp != nil && resp.HasUsage {
		r.usage, r.hasUsage = resp.Usage, true
	}
	if err != nil {
		r.err = err
		return r
	}

	payload, err := o.deps.Transforms.Apply(j.spec.Transform, processor.Input{
		Endpoint: j.spec.ID,
		Symbol:   j.task.Symbol,
		Payload:  resp.Payload,
	})
	if err != nil {
		r.err = err
		return r
	}

	r.persisted = true
	rec, err := o.deps.Store.Persist(ctx, models.PersistedRecord{
		Key:       j.spec.Key(j.task.Symbol),
		Payload:   payload,
		FetchedAt: resp.FetchedAt,
	}, j.spec.WriteOptions())
	r.record = rec
	if err != nil {
		if errors.Is(err, store.ErrMalformedPayload) {
			r.err = fmt.Errorf("%w: %v", processor.ErrMalformed, err)
		} else {
			r.err = fmt.Errorf("%w: %w", errStoreWrite, err)
		}
	}
	return r
}

// handle applies one worker result to the limiter, scheduler and breakers.
// It runs on the control goroutine only.
func (o *Orchestrator) handle(ctx context.Context, r result) {
	o.inFlight--
	now := o.now()
	task, spec := r.job.task, r.job.spec
	mon := o.deps.Monitor
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"endpoint": task.EndpointID,
		"symbol":   task.Symbol,
		"source":   task.Source,
		"attempt":  task.Attempt,
	})

	if r.hasUsage {
		o.deps.Limiter.ObserveUpstreamUsage(now, r.usage)
	}
	if !r.persisted {
		mon.ReleaseProbe(reliability.StoreSource)
	}

	// work cut short by shutdown says nothing about the source
	if ctx.Err() != nil && (r.deferred || r.err != nil && reader.Classify(r.err) == reader.ClassTransient) {
		mon.ReleaseProbe(task.Source)
		return
	}

	switch {
	case r.deferred:
		o.scheduler.Defer(task)
		mon.ReleaseProbe(task.Source)
		logger.IncrementDeferred()
		o.observeFetch(task.EndpointID, metrics.OutcomeQuota, 0)
		log.Debug("quota exhausted; task deferred")

	case r.err == nil:
		mon.RecordSuccess(task.Source, now)
		mon.RecordSuccess(reliability.StoreSource, now)
		o.observeFetch(task.EndpointID, metrics.OutcomeSuccess, r.duration)
		o.observePersist(metrics.OutcomeSuccess)
		if o.deps.History != nil {
			o.deps.History.Record(models.HistoryRecord{
				Endpoint:  task.EndpointID,
				Symbol:    task.Symbol,
				FetchedAt: r.record.FetchedAt,
				Payload:   r.record.Payload,
			})
		}
		log.WithFields(logger.Fields{
			"key":      r.record.Key,
			"sequence": r.record.Sequence,
			"bytes":    len(r.record.Payload),
			"duration": r.duration.String(),
		}).Debug("record persisted")

	case errors.Is(r.err, errStoreWrite):
		// the fetch itself worked; the store is to blame
		mon.RecordSuccess(task.Source, now)
		mon.RecordFailure(reliability.StoreSource, now, r.err.Error())
		o.observeFetch(task.EndpointID, metrics.OutcomeSuccess, r.duration)
		o.observePersist(metrics.OutcomeDropped)
		logger.IncrementDropped()
		metrics.EmitDropMetric(o.log, metrics.DropMetricPersist, task.Source, task.EndpointID, task.Symbol, "persist")
		mon.Alert(models.AlertEvent{
			Kind:   models.AlertPersistenceDropped,
			Source: reliability.StoreSource,
			Key:    r.record.Key,
			Reason: r.err.Error(),
			At:     now,
		})
		log.WithError(r.err).Error("record dropped after persistence retries")

	case errors.Is(r.err, processor.ErrMalformed):
		mon.ReleaseProbe(task.Source)
		o.observeFetch(task.EndpointID, metrics.OutcomeSchema, r.duration)
		metrics.EmitDropMetric(o.log, metrics.DropMetricSchema, task.Source, task.EndpointID, task.Symbol, "transform")
		log.WithError(r.err).Warn("payload rejected")

	default:
		o.handleFetchError(task, spec, r, now, log)
	}
}

func (o *Orchestrator) handleFetchError(task models.FetchTask, spec models.EndpointSpec, r result, now time.Time, log *logger.Entry) {
	mon := o.deps.Monitor
	log = log.WithError(r.err)
	switch reader.Classify(r.err) {
	case reader.ClassAuth:
		mon.ForceOpen(task.Source, now, r.err.Error())
		o.observeFetch(task.EndpointID, metrics.OutcomeAuth, r.duration)
		log.Error("authentication rejected; source halted until reset")

	case reader.ClassQuota:
		wait := reader.RetryAfter(r.err)
		o.deps.Limiter.Saturate(now, wait)
		o.scheduler.Defer(task)
		mon.ReleaseProbe(task.Source)
		logger.IncrementDeferred()
		o.observeFetch(task.EndpointID, metrics.OutcomeQuota, r.duration)
		log.WithField("retry_after", wait.String()).Warn("upstream rate limited; task deferred")

	case reader.ClassSchema:
		mon.ReleaseProbe(task.Source)
		o.observeFetch(task.EndpointID, metrics.OutcomeSchema, r.duration)
		metrics.EmitDropMetric(o.log, metrics.DropMetricSchema, task.Source, task.EndpointID, task.Symbol, "fetch")
		log.Warn("request rejected; not retried")

	default:
		mon.RecordFailure(task.Source, now, r.err.Error())
		o.observeFetch(task.EndpointID, metrics.OutcomeTransient, r.duration)
		next := task.Attempt + 1
		if next >= spec.Retry.Attempts {
			log.WithField("attempts", next).Warn("fetch failed; retries exhausted")
			return
		}
		retry := task
		retry.Attempt = next
		at := now.Add(spec.Retry.Delay(next))
		o.scheduler.ScheduleRetry(retry, at)
		log.WithField("retry_at", at.Format(time.RFC3339)).Warn("fetch failed; retry scheduled")
	}
}

func (o *Orchestrator) observeFetch(endpoint, outcome string, d time.Duration) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveFetch(endpoint, outcome, d.Seconds())
	}
}

func (o *Orchestrator) observePersist(outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObservePersist(outcome)
	}
}
