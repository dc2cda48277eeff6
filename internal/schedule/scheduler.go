// Package schedule decides which fetch tasks are due. It never performs I/O;
// the orchestrator's control loop owns it and hands due tasks to workers.
package schedule

import (
	"sort"
	"sync"
	"time"

	"feedflow/config"
	"feedflow/models"
)

// CircuitView is the part of the reliability monitor the scheduler consults.
// Allow may hand out a single HALF_OPEN probe, so it is only called for tasks
// that will actually be issued.
type CircuitView interface {
	Allow(source string, now time.Time) bool
}

type entry struct {
	spec    models.EndpointSpec
	symbol  string
	lastRun time.Time
	nextDue time.Time
}

type retry struct {
	task models.FetchTask
	at   time.Time
}

// Stats summarises scheduler queues for status output.
type Stats struct {
	Version  uint64 `json:"version"`
	Tasks    int    `json:"tasks"`
	Deferred int    `json:"deferred"`
	Retries  int    `json:"retries"`
}

type Scheduler struct {
	mu       sync.Mutex
	calendar *Calendar
	circuits CircuitView
	version  uint64
	entries  map[models.TaskKey]*entry
	order    []models.TaskKey
	deferred []models.FetchTask
	retries  []retry
}

func New(calendar *Calendar, circuits CircuitView, snapshot *config.Snapshot) *Scheduler {
	s := &Scheduler{
		calendar: calendar,
		circuits: circuits,
		entries:  make(map[models.TaskKey]*entry),
	}
	s.Reload(snapshot)
	return s
}

// Reload replaces the endpoint catalog. Keys present in both catalogs keep
// their timing; new keys are due immediately; removed keys lose any pending
// deferred or retry work.
func (s *Scheduler) Reload(snapshot *config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot == nil {
		return
	}
	s.version = snapshot.Version
	next := make(map[models.TaskKey]*entry)
	for _, spec := range snapshot.Endpoints {
		for _, symbol := range spec.Targets() {
			key := models.TaskKey{EndpointID: spec.ID, Symbol: symbol}
			e := &entry{spec: spec, symbol: symbol}
			if old, ok := s.entries[key]; ok {
				e.lastRun, e.nextDue = old.lastRun, old.nextDue
			}
			next[key] = e
		}
	}
	s.entries = next
	s.order = s.order[:0]
	for key := range next {
		s.order = append(s.order, key)
	}
	sort.Slice(s.order, func(i, j int) bool {
		return less(next[s.order[i]].spec.Tier, s.order[i], next[s.order[j]].spec.Tier, s.order[j])
	})

	kept := s.deferred[:0]
	for _, task := range s.deferred {
		if e, ok := next[task.Key()]; ok {
			task.Tier, task.Source = e.spec.Tier, e.spec.Source
			kept = append(kept, task)
		}
	}
	s.deferred = kept
	keptRetries := s.retries[:0]
	for _, r := range s.retries {
		if _, ok := next[r.task.Key()]; ok {
			keptRetries = append(keptRetries, r)
		}
	}
	s.retries = keptRetries
}

func less(ti models.Tier, ki models.TaskKey, tj models.Tier, kj models.TaskKey) bool {
	if ti != tj {
		return ti < tj
	}
	if ki.EndpointID != kj.EndpointID {
		return ki.EndpointID < kj.EndpointID
	}
	return ki.Symbol < kj.Symbol
}

func sortTasks(tasks []models.FetchTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return less(tasks[i].Tier, tasks[i].Key(), tasks[j].Tier, tasks[j].Key())
	})
}

// Restore seeds last-run times, typically from the store after a restart, so
// fresh data is not fetched again immediately.
func (s *Scheduler) Restore(lastRuns map[models.TaskKey]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range lastRuns {
		e, ok := s.entries[key]
		if !ok || at.IsZero() || !e.lastRun.IsZero() {
			continue
		}
		e.lastRun = at
		e.nextDue = at.Add(s.calendar.EffectiveCadence(e.spec, at))
	}
}

// Due returns every task ready at now: deferred tasks first, then retries
// whose time has come, then cadence tasks. Within each group tasks are ordered
// by tier, endpoint id and symbol. A key appears at most once per call. Tasks
// whose source circuit refuses work stay pending.
func (s *Scheduler) Due(now time.Time) []models.FetchTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.FetchTask
	issued := make(map[models.TaskKey]bool)
	refused := make(map[string]bool)

	admit := func(task models.FetchTask) bool {
		if issued[task.Key()] || refused[task.Source] {
			return false
		}
		if s.circuits != nil && !s.circuits.Allow(task.Source, now) {
			refused[task.Source] = true
			return false
		}
		issued[task.Key()] = true
		return true
	}

	sortTasks(s.deferred)
	var stillDeferred []models.FetchTask
	for _, task := range s.deferred {
		if issued[task.Key()] {
			continue
		}
		if !admit(task) {
			stillDeferred = append(stillDeferred, task)
			continue
		}
		s.markRun(task.Key(), now)
		out = append(out, task)
	}
	s.deferred = stillDeferred

	sort.SliceStable(s.retries, func(i, j int) bool {
		return less(s.retries[i].task.Tier, s.retries[i].task.Key(), s.retries[j].task.Tier, s.retries[j].task.Key())
	})
	var pending []retry
	for _, r := range s.retries {
		if now.Before(r.at) || issued[r.task.Key()] {
			if !issued[r.task.Key()] {
				pending = append(pending, r)
			}
			continue
		}
		if !admit(r.task) {
			pending = append(pending, r)
			continue
		}
		task := r.task
		task.ScheduledAt = now
		s.markRun(task.Key(), now)
		out = append(out, task)
	}
	s.retries = pending

	for _, key := range s.order {
		e := s.entries[key]
		if now.Before(e.nextDue) || issued[key] {
			continue
		}
		task := models.FetchTask{
			EndpointID:  e.spec.ID,
			Source:      e.spec.Source,
			Symbol:      e.symbol,
			Tier:        e.spec.Tier,
			ScheduledAt: now,
		}
		if !admit(task) {
			continue
		}
		s.markRun(key, now)
		out = append(out, task)
	}
	return out
}

func (s *Scheduler) markRun(key models.TaskKey, now time.Time) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.lastRun = now
	e.nextDue = now.Add(s.calendar.EffectiveCadence(e.spec, now))
}

// Defer re-queues a task that was refused by the rate limiter. It runs ahead
// of cadence work on the next cycle and is never dropped while its endpoint
// stays configured.
func (s *Scheduler) Defer(task models.FetchTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[task.Key()]; !ok {
		return
	}
	for _, d := range s.deferred {
		if d.Key() == task.Key() {
			return
		}
	}
	s.deferred = append(s.deferred, task)
}

// ScheduleRetry queues task to be issued again at the given time. A pending
// retry for the same key is replaced.
func (s *Scheduler) ScheduleRetry(task models.FetchTask, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[task.Key()]; !ok {
		return
	}
	for i, r := range s.retries {
		if r.task.Key() == task.Key() {
			s.retries[i] = retry{task: task, at: at}
			return
		}
	}
	s.retries = append(s.retries, retry{task: task, at: at})
}

// NextDue reports when key is next due by cadence.
func (s *Scheduler) NextDue(key models.TaskKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.nextDue, true
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Version:  s.version,
		Tasks:    len(s.entries),
		Deferred: len(s.deferred),
		Retries:  len(s.retries),
	}
}
