package metrics

import "feedflow/logger"

// CycleStats summarises one control loop iteration.
type CycleStats struct {
	Iteration  int
	Due        int
	Dispatched int
	Requeued   int
	Deferred   int
	Retries    int
	QueueLen   int
	QueueCap   int
	InFlight   int
}

// ReportCycle logs cycle stats at debug level and emits the queue gauges.
func ReportCycle(log *logger.Log, m *Metrics, stats CycleStats) {
	if m != nil {
		m.SetQueueLength("deferred", stats.Deferred)
		m.SetQueueLength("retries", stats.Retries)
		m.SetQueueLength("workers", stats.QueueLen)
	}

	occupancy := float64(0)
	if stats.QueueCap > 0 {
		occupancy = float64(stats.QueueLen) / float64(stats.QueueCap)
	}

	log.WithComponent("orchestrator").WithFields(logger.Fields{
		"iteration":       stats.Iteration,
		"due":             stats.Due,
		"dispatched":      stats.Dispatched,
		"requeued":        stats.Requeued,
		"deferred":        stats.Deferred,
		"retries":         stats.Retries,
		"queue_len":       stats.QueueLen,
		"queue_cap":       stats.QueueCap,
		"queue_occupancy": occupancy,
		"in_flight":       stats.InFlight,
	}).Debug("cycle")
}
