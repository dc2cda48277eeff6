package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrMalformed marks payloads that fail validation. They are dropped and
	// never retried.
	ErrMalformed        = errors.New("malformed payload")
	ErrUnknownTransform = errors.New("unknown transform")
)

// Input is what a transform sees for one fetched or streamed payload.
type Input struct {
	Endpoint string
	Symbol   string
	Channel  string
	Payload  []byte
}

// Func turns a raw upstream payload into the bytes that get persisted.
type Func func(Input) ([]byte, error)

// Registry maps the transform names used in the endpoint catalog to handlers.
// Names are checked when the catalog is loaded, so lookups at fetch time only
// fail if the registry changed after validation.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("transform name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("transform %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register for package init paths.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Apply runs the named transform. Transform failures wrap ErrMalformed.
func (r *Registry) Apply(name string, in Input) ([]byte, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransform, name)
	}
	out, err := fn(in)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return out, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry holding the built-in transforms.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister("raw", Raw)
	r.MustRegister("data_envelope", DataEnvelope)
	r.MustRegister("stream_event", StreamEvent)
	return r
}
