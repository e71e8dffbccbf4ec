package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/querygate/internal/model"
)

// Registry holds registered drivers and resolves the one serving an
// instance's engine kind.
type Registry struct {
	mu      sync.RWMutex
	drivers map[model.EngineKind]Driver
}

// NewRegistry creates a registry holding the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{
		drivers: make(map[model.EngineKind]Driver),
	}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds a driver under its engine kind, replacing any previous one.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// Resolve returns the driver for kind.
func (r *Registry) Resolve(kind model.EngineKind) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no driver registered for engine %q", kind)
	}
	return d, nil
}

// Validate resolves the driver serving inst and checks the payload shape.
func (r *Registry) Validate(inst *model.Instance, payloadKind model.PayloadKind, payload string) error {
	d, err := r.Resolve(inst.Engine)
	if err != nil {
		return err
	}
	dialect := ""
	if inst.Engine == model.EngineRelational {
		dialect = inst.SQLDialect()
	}
	return d.Validate(dialect, payloadKind, payload)
}

// Kinds returns the registered engine kinds, sorted for a stable response.
func (r *Registry) Kinds() []model.EngineKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]model.EngineKind, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
