package effector

import (
	"log/slog"
	"sync"

	"github.com/leash-dev/leash/pkg/contracts"
)

// Registry holds the single effector instance per capability type.
type Registry struct {
	mu        sync.RWMutex
	effectors map[contracts.CapabilityType]Effector
	order     []contracts.CapabilityType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{effectors: make(map[contracts.CapabilityType]Effector)}
}

// Register installs an effector. Registering a type twice is a no-op with a
// warning; the first registration wins.
func (r *Registry) Register(e Effector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.effectors[e.Type()]; exists {
		slog.Warn("effector already registered, ignoring duplicate", "type", string(e.Type()))
		return
	}
	r.effectors[e.Type()] = e
	r.order = append(r.order, e.Type())
}

// Lookup returns the effector for the given capability type.
func (r *Registry) Lookup(t contracts.CapabilityType) (Effector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.effectors[t]
	return e, ok
}

// Types returns the registered capability types in registration order.
func (r *Registry) Types() []contracts.CapabilityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.CapabilityType, len(r.order))
	copy(out, r.order)
	return out
}
