package pipeline

import (
	"time"

	"feedflow/internal/quota"
	"feedflow/internal/reliability"
	"feedflow/internal/rotation"
	"feedflow/internal/schedule"
	"feedflow/models"
)

// Status is a point-in-time view of the running loop.
type Status struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Iterations  int64                    `json:"iterations"`
	LastCycle   time.Time                `json:"last_cycle"`
	Catalog     uint64                   `json:"catalog_version"`
	Scheduler   schedule.Stats           `json:"scheduler"`
	Quota       QuotaStatus              `json:"quota"`
	Circuits    []models.CircuitSnapshot `json:"circuits"`
	Slots       []rotation.SlotView      `json:"slots,omitempty"`
	Queue       []string                 `json:"queue,omitempty"`
}

type QuotaStatus struct {
	Budget   int               `json:"budget"`
	Consumed int               `json:"consumed"`
	Tiers    []quota.TierStats `json:"tiers"`
}

// Status is safe to call from any goroutine.
func (o *Orchestrator) Status(now time.Time) Status {
	lim := o.deps.Limiter
	st := Status{
		GeneratedAt: now.UTC(),
		Iterations:  o.Iterations(),
		LastCycle:   o.LastCycle(),
		Catalog:     o.deps.Snapshots.Load().Version,
		Scheduler:   o.scheduler.Stats(),
		Quota: QuotaStatus{
			Budget:   lim.Config().Budget(),
			Consumed: lim.Consumed(now),
			Tiers:    lim.Stats(now),
		},
		Circuits: o.deps.Monitor.Snapshot(),
	}
	if o.deps.Rotation != nil {
		st.Slots = o.deps.Rotation.Slots()
		st.Queue = o.deps.Rotation.Queue()
	}
	return st
}

// ResetCircuit closes a source's circuit on operator request.
func (o *Orchestrator) ResetCircuit(source string, now time.Time) error {
	return o.deps.Monitor.Reset(source, now)
}

// Healthy reports whether the store circuit is closed and the loop ran
// within staleAfter.
func (o *Orchestrator) Healthy(now time.Time, staleAfter time.Duration) bool {
	if o.deps.Monitor.State(reliability.StoreSource) == models.CircuitOpen {
		return false
	}
	last := o.LastCycle()
	return !last.IsZero() && now.Sub(last) <= staleAfter
}
