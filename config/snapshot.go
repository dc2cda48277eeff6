package config

import (
	"sort"
	"sync/atomic"
	"time"

	"feedflow/models"
)

// Snapshot is one immutable, versioned view of the endpoint catalog. Callers
// must not modify the slices it exposes.
type Snapshot struct {
	Version   uint64
	LoadedAt  time.Time
	Endpoints []models.EndpointSpec
	Stream    models.StreamSpec
	byID      map[string]int
}

func newSnapshot(specs []models.EndpointSpec, stream models.StreamSpec) *Snapshot {
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	byID := make(map[string]int, len(specs))
	for i, spec := range specs {
		byID[spec.ID] = i
	}
	return &Snapshot{Endpoints: specs, Stream: stream, byID: byID}
}

// NewSnapshot builds a snapshot from already-validated specs.
func NewSnapshot(specs []models.EndpointSpec, stream models.StreamSpec) *Snapshot {
	return newSnapshot(append([]models.EndpointSpec(nil), specs...), stream)
}

func (s *Snapshot) Endpoint(id string) (models.EndpointSpec, bool) {
	i, ok := s.byID[id]
	if !ok {
		return models.EndpointSpec{}, false
	}
	return s.Endpoints[i], true
}

// Sources lists every circuit source referenced by the snapshot.
func (s *Snapshot) Sources() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, spec := range s.Endpoints {
		if _, ok := seen[spec.Source]; !ok {
			seen[spec.Source] = struct{}{}
			out = append(out, spec.Source)
		}
	}
	if s.Stream.Source != "" && len(s.Stream.Channels) > 0 {
		if _, ok := seen[s.Stream.Source]; !ok {
			out = append(out, s.Stream.Source)
		}
	}
	sort.Strings(out)
	return out
}

// Store holds the current snapshot behind a single atomic reference.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.Swap(initial)
	return s
}

// Load returns the snapshot every decision in one cycle should use.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap stamps next with the following version and publishes it.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	next.Version = s.version.Add(1)
	if next.LoadedAt.IsZero() {
		next.LoadedAt = time.Now()
	}
	return s.current.Swap(next)
}
