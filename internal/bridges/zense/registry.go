package zense

import "sync"

// Entity is one powerline module known to the bridge.
type Entity struct {
	// ID is the module number on the powerline bus.
	ID int

	// Name is the display name used in discovery configs.
	Name string
}

type entityRecord struct {
	name string

	// pinned marks a name that came from the bridge configuration and
	// must never be overwritten by gateway-reported names.
	pinned bool
}

// Registry tracks the modules the bridge manages. Modules are only ever
// added: a module missing from one enumeration keeps its entity, so a
// flaky gateway reply never tears down Home Assistant entities.
//
// Iteration order is insertion order, which keeps discovery publishes and
// state refreshes deterministic.
type Registry struct {
	mu    sync.RWMutex
	order []int
	byID  map[int]entityRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[int]entityRecord),
	}
}

// Seed registers a configured module before the first enumeration. A
// non-empty name is pinned. Without a name the module gets the generated
// fallback name.
func (r *Registry) Seed(id int, name string) {
	if id <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return
	}

	record := entityRecord{name: name, pinned: name != ""}
	if record.name == "" {
		record.name = FallbackName(id)
	}
	r.byID[id] = record
	r.order = append(r.order, id)
}

// Merge folds an enumeration result into the registry. Known modules are
// untouched. It returns the modules seen for the first time, in input
// order.
func (r *Registry) Merge(ids []int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fresh []int
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, exists := r.byID[id]; exists {
			continue
		}
		r.byID[id] = entityRecord{name: FallbackName(id)}
		r.order = append(r.order, id)
		fresh = append(fresh, id)
	}
	return fresh
}

// Unnamed returns the modules still carrying a generated fallback name,
// in insertion order. Discovery retries the gateway name lookup for these
// on every run, so a failed lookup heals on the next pass.
func (r *Registry) Unnamed() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int
	for _, id := range r.order {
		record := r.byID[id]
		if !record.pinned && record.name == FallbackName(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetName records a gateway-reported name. Pinned names and unknown
// modules are left alone.
func (r *Registry) SetName(id int, name string) {
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.byID[id]
	if !exists || record.pinned {
		return
	}
	record.name = name
	r.byID[id] = record
}

// Name returns the display name for a module.
func (r *Registry) Name(id int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.byID[id]
	return record.name, exists
}

// Contains reports whether the module is known.
func (r *Registry) Contains(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.byID[id]
	return exists
}

// All returns the known modules in insertion order.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entities := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		entities = append(entities, Entity{ID: id, Name: r.byID[id].name})
	}
	return entities
}

// Len returns the number of known modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}
