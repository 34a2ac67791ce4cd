// Package registry implements the Global Service Registry: a typed,
// process-wide, weak-referencing table keyed by well-known string
// identifiers (e.g. "event-loop", "message-bus", "command-dispatcher").
//
// No teacher or pack analog provides a generic weak-reference registry;
// this is built directly on the standard library's weak package
// (weak.Pointer[T], stable since Go 1.24). Add stores a weak pointer
// derived from the caller's strong handle; Get upgrades it back to strong,
// returning false once the last strong handle elsewhere in the process has
// been collected. The registry itself never holds a strong reference and
// so never prolongs a value's lifetime — it is a late-binding lookup for
// wiring components together, not an ownership root.
package registry

import (
	"sync"
	"weak"
)

// Registry is the process-wide lookup table. The zero value is not usable;
// use New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]any // boxed weak.Pointer[T]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]any)}
}

// Add registers value under id as a weak reference. A later Add with the
// same id replaces the previous entry.
func Add[T any](r *Registry, id string, value *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = weak.Make(value)
}

// Get upgrades the weak reference stored under id back to a strong
// pointer. Returns false if nothing was registered under id, if it was
// registered with a different type, or if the value has since been
// collected.
func Get[T any](r *Registry, id string) (*T, bool) {
	r.mu.RLock()
	boxed, exists := r.entries[id]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}

	ptr, ok := boxed.(weak.Pointer[T])
	if !ok {
		return nil, false
	}
	value := ptr.Value()
	if value == nil {
		return nil, false
	}
	return value, true
}

// Remove deletes the entry under id, if any.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Well-known identifiers used to wire the core's own components together.
const (
	EventLoop         = "event-loop"
	MessageBus        = "message-bus"
	CommandDispatcher = "command-dispatcher"
	ConfigManager     = "config-manager"
	ScriptManager     = "script-manager"
	ScriptAnalyzer    = "script-analyzer"
	DeviceManager     = "device-manager"
	Sequencer         = "sequencer"
	GuiderClient      = "guider-client"
)
