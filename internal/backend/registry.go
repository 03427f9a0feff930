package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/opstrack/internal/model"
)

// BackendInfo pairs an operation kind with the capabilities of the backend
// serving it.
type BackendInfo struct {
	Kind         model.Kind   `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered backends and resolves which one performs a given
// operation kind.
type Registry struct {
	mu       sync.RWMutex
	backends map[model.Kind]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[model.Kind]Backend),
	}
}

// Register makes b the backend for kind.
func (r *Registry) Register(kind model.Kind, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = b
}

// RegisterAll registers b for every kind it reports in its capabilities.
func (r *Registry) RegisterAll(b Backend) {
	for _, k := range b.Capabilities().Kinds {
		r.Register(k, b)
	}
}

// Resolve returns the backend registered for kind.
func (r *Registry) Resolve(kind model.Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for operation kind %q", kind)
	}
	return b, nil
}

// List returns information about all registered backends, sorted by kind
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for kind, b := range r.backends {
		infos = append(infos, BackendInfo{
			Kind:         kind,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
