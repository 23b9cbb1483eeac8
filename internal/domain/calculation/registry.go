package calculation

import "sync"

// Registry is the dependency graph between computed fields and their inputs.
//
// Registering an observer again replaces its input list, but the reverse
// index is append-only: an input keeps every observer ever registered against
// it, duplicates included. Callers that trigger observers de-duplicate.
type Registry struct {
	mu        sync.RWMutex
	inputs    map[FieldCode][]FieldCode // observer -> inputs
	observers map[FieldCode][]FieldCode // input -> observers
	order     []FieldCode               // inputs in first-seen order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inputs:    make(map[FieldCode][]FieldCode),
		observers: make(map[FieldCode][]FieldCode),
	}
}

// Register stores inputs for observer and indexes observer under every input.
func (r *Registry) Register(observer FieldCode, inputs []FieldCode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]FieldCode, len(inputs))
	copy(list, inputs)
	r.inputs[observer] = list

	for _, in := range inputs {
		if _, seen := r.observers[in]; !seen {
			r.order = append(r.order, in)
		}
		r.observers[in] = append(r.observers[in], observer)
	}
}

// ObserversOf returns the observers indexed under input.
func (r *Registry) ObserversOf(input FieldCode) []FieldCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.observers[input])
}

// InputsOf returns the most recently registered inputs of observer.
func (r *Registry) InputsOf(observer FieldCode) []FieldCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.inputs[observer])
}

// Inputs lists every input code known to the registry.
func (r *Registry) Inputs() []FieldCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.order)
}

// IsObserver reports whether code has been registered as a computed field.
func (r *Registry) IsObserver(code FieldCode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inputs[code]
	return ok
}

func clone(in []FieldCode) []FieldCode {
	if in == nil {
		return nil
	}
	out := make([]FieldCode, len(in))
	copy(out, in)
	return out
}
