package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/logger"
	"feedflow/models"
)

// MessageWriter is the part of kafka.Writer the alert sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerts publishes alert events to a Kafka topic, keyed by source. Emit
// never blocks; events beyond the buffer are dropped and counted.
type KafkaAlerts struct {
	writer MessageWriter
	topic  string
	events chan models.AlertEvent
	log    *logger.Log

	written int64
	errors  int64
	dropped atomic.Int64
}

func NewKafkaAlerts(cfg config.KafkaConfig, buffer int, log *logger.Log) (*KafkaAlerts, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaAlerts(w, cfg.Topic, buffer, log), nil
}

func newKafkaAlerts(w MessageWriter, topic string, buffer int, log *logger.Log) *KafkaAlerts {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.GetLogger()
	}
	k := &KafkaAlerts{
		writer: w,
		topic:  topic,
		events: make(chan models.AlertEvent, buffer),
		log:    log,
	}
	k.log.WithComponent("kafka_alerts").WithField("topic", topic).Debug("kafka alert sink initialized")
	return k
}

func (k *KafkaAlerts) Emit(ev models.AlertEvent) {
	select {
	case k.events <- ev:
	default:
		k.dropped.Add(1)
		logger.IncrementDropped()
		metrics.EmitDropMetric(k.log, metrics.DropMetricSink, ev.Source, "", "", "kafka_alerts")
	}
}

func (k *KafkaAlerts) Dropped() int64 {
	return k.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, drains what is left with
// a short deadline and closes the writer.
func (k *KafkaAlerts) Run(ctx context.Context) {
	log := k.log.WithComponent("kafka_alerts")
	log.Debug("starting kafka alert sink")
	defer func() {
		if err := k.writer.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka writer")
		}
		metrics.ReportSink(k.log, "kafka_alerts", k.Stats())
		log.Debug("kafka alert sink stopped")
	}()

	for {
		select {
		case ev := <-k.events:
			k.publish(ctx, ev)
		case <-ctx.Done():
			flush, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-k.events:
					k.publish(flush, ev)
				default:
					return
				}
			}
		}
	}
}

func (k *KafkaAlerts) publish(ctx context.Context, ev models.AlertEvent) {
	log := k.log.WithComponent("kafka_alerts")
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Warn("failed to marshal alert")
		atomic.AddInt64(&k.errors, 1)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.Source),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		atomic.AddInt64(&k.errors, 1)
		log.WithError(err).WithField("alert_id", ev.ID).Warn("failed to write alert")
		return
	}
	atomic.AddInt64(&k.written, 1)
	log.WithFields(logger.Fields{
		"alert_id": ev.ID,
		"kind":     string(ev.Kind),
	}).Debug("alert written to kafka")
}

func (k *KafkaAlerts) Stats() metrics.SinkStats {
	written := atomic.LoadInt64(&k.written)
	return metrics.SinkStats{
		Delivered:  written,
		Flushes:    written,
		Errors:     atomic.LoadInt64(&k.errors),
		Dropped:    k.dropped.Load(),
		PendingLen: len(k.events),
		PendingCap: cap(k.events),
	}
}
