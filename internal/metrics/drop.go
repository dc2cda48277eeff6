package metrics

import "feedflow/logger"

// DropMetric names the metric emitted when work is discarded.
type DropMetric string

const (
	// DropMetricPersist records a record dropped after persistence retries ran out.
	DropMetricPersist DropMetric = "records_dropped"
	// DropMetricSchema records a payload rejected by its transform or the store.
	DropMetricSchema DropMetric = "payloads_rejected"
	// DropMetricStream records a stream message that was not stored.
	DropMetricStream DropMetric = "stream_messages_dropped"
	// DropMetricQueue records a task that found the worker queue full.
	DropMetricQueue DropMetric = "tasks_requeued"
	// DropMetricSink records an event a full sink buffer turned away.
	DropMetricSink DropMetric = "sink_events_dropped"
)

// EmitDropMetric publishes one increment of metric. Empty labels are left out.
func EmitDropMetric(log *logger.Log, metric DropMetric, source, endpoint, symbol, stage string) {
	labels := make(map[string]string, 4)
	for k, v := range map[string]string{
		"source":   source,
		"endpoint": endpoint,
		"symbol":   symbol,
		"stage":    stage,
	} {
		if v != "" {
			labels[k] = v
		}
	}
	Publish(log, Event{Component: "drops", Name: string(metric), Value: 1, Kind: KindCounter, Labels: labels})
}
