package store

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"feedflow/logger"
	"feedflow/models"
)

// AlertStream appends alert events to a capped Redis stream. Emit never
// blocks; events are dropped and counted when the buffer is full.
type AlertStream struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	events  chan models.AlertEvent
	dropped atomic.Int64
	log     *logger.Log
}

func NewAlertStream(client *redis.Client, stream string, maxLen int64, buffer int, log *logger.Log) *AlertStream {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &AlertStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
		events: make(chan models.AlertEvent, buffer),
		log:    log,
	}
}

func (a *AlertStream) Emit(ev models.AlertEvent) {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		logger.IncrementDropped()
	}
}

func (a *AlertStream) Dropped() int64 {
	return a.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then flushes what is
// left with a short deadline.
func (a *AlertStream) Run(ctx context.Context) {
	for {
		select {
		case ev := <-a.events:
			a.write(ctx, ev)
		case <-ctx.Done():
			flush, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-a.events:
					a.write(flush, ev)
				default:
					return
				}
			}
		}
	}
}

func (a *AlertStream) write(ctx context.Context, ev models.AlertEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		a.log.WithComponent("alerts").WithError(err).Error("failed to encode alert")
		return
	}
	err = a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.stream,
		MaxLen: a.maxLen,
		Approx: true,
		Values: []interface{}{
			"id", ev.ID,
			"kind", string(ev.Kind),
			"source", ev.Source,
			"event", string(body),
		},
	}).Err()
	if err != nil {
		a.log.WithComponent("alerts").WithError(err).WithField("alert_id", ev.ID).Warn("failed to append alert")
	}
}
