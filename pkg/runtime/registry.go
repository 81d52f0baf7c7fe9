package runtime

import (
	"sync"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
)

// Registry holds the set of runtime backends available to the daemon,
// keyed by name. The daemon core is built against one default backend
// today (containerd), but every caller resolves a Backend through here so
// a second backend can be added without touching the lifecycle coordinator.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	def      string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its own Name(). The first backend
// registered becomes the default.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
	if r.def == "" {
		r.def = b.Name()
	}
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, hberrors.ErrNotFound("runtime_backend", name)
	}
	return b, nil
}

// Default returns the first-registered backend.
func (r *Registry) Default() (Backend, error) {
	r.mu.RLock()
	name := r.def
	r.mu.RUnlock()
	if name == "" {
		return nil, hberrors.ErrRuntimeUnavailable("default", "no backend registered")
	}
	return r.Get(name)
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
