package metrics

import "feedflow/logger"

// SinkStats are the delivery counters of one output: the alert stream, the
// Kafka alert topic, the S3 archive or the history database.
type SinkStats struct {
	// Delivered counts alerts, rows or archive objects that reached the sink.
	Delivered int64
	// Flushes counts write calls; one flush may carry many records.
	Flushes int64
	Bytes   int64
	Errors  int64
	Dropped int64
	// PendingLen and PendingCap describe the in-memory buffer ahead of the sink.
	PendingLen int
	PendingCap int
}

// ErrorRate is the share of flushes that failed.
func (s SinkStats) ErrorRate() float64 {
	if s.Flushes+s.Errors == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Flushes+s.Errors)
}

// Backlog is how full the pending buffer is, from 0 to 1.
func (s SinkStats) Backlog() float64 {
	if s.PendingCap <= 0 {
		return 0
	}
	return float64(s.PendingLen) / float64(s.PendingCap)
}

// ReportSink publishes the counters of sink and logs a summary, at warn level
// once anything failed or was dropped.
func ReportSink(log *logger.Log, sink string, stats SinkStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	labels := map[string]string{"sink": sink}
	for _, ev := range []Event{
		{Name: "delivered", Value: float64(stats.Delivered), Kind: KindCounter},
		{Name: "errors", Value: float64(stats.Errors), Kind: KindCounter},
		{Name: "dropped", Value: float64(stats.Dropped), Kind: KindCounter},
		{Name: "backlog", Value: stats.Backlog(), Kind: KindGauge},
	} {
		ev.Component = "sinks"
		ev.Labels = labels
		Publish(log, ev)
	}

	entry := log.WithComponent(sink).WithFields(logger.Fields{
		"delivered":   stats.Delivered,
		"flushes":     stats.Flushes,
		"bytes":       stats.Bytes,
		"errors":      stats.Errors,
		"dropped":     stats.Dropped,
		"error_rate":  stats.ErrorRate(),
		"pending_len": stats.PendingLen,
		"pending_cap": stats.PendingCap,
	})
	if stats.Errors > 0 || stats.Dropped > 0 {
		entry.Warn("sink degraded")
		return
	}
	entry.Info("sink stats")
}
