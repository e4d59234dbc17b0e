package controller

import (
	"fmt"
	"sort"
	"sync"
)

// Priority constants for controller registration.
// Higher priority values override lower priority controllers with the same name.
const (
	// PriorityDefault is used by the controllers shipped in this repository.
	PriorityDefault = 0

	// PriorityOverride is used by private implementations to replace a
	// shipped controller of the same name.
	PriorityOverride = 100
)

// Info describes a registered controller.
type Info struct {
	// Name is the value the CONTROLLER setting selects.
	Name string

	// Description is a human-readable description of the controller.
	Description string

	// Priority decides which registration wins for the same name.
	Priority int

	// Factory creates new instances of the controller.
	Factory Factory
}

// Registry manages controller registration and instantiation.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Info
}

// NewRegistry creates a new controller registry.
func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]Info),
	}
}

// Register adds a controller to the registry.
// If a controller with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
// It reports whether the registration took effect.
func (r *Registry) Register(info Info) (bool, error) {
	if info.Name == "" {
		return false, fmt.Errorf("controller name cannot be empty")
	}
	if info.Factory == nil {
		return false, fmt.Errorf("controller %s: factory cannot be nil", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.controllers[info.Name]; ok && info.Priority < existing.Priority {
		return false, nil
	}

	r.controllers[info.Name] = info
	return true, nil
}

// Get returns the info for a given name, or nil if not found.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.controllers[name]
	if !ok {
		return nil
	}
	return &info
}

// Names returns the registered names in alphabetical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the controller registered under name.
func (r *Registry) Create(name string, ctx *Context) (Controller, error) {
	info := r.Get(name)
	if info == nil {
		return nil, fmt.Errorf("unknown controller %q (registered: %v)", name, r.Names())
	}

	c, err := info.Factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller %s: %w", name, err)
	}
	return c, nil
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a controller to the global registry.
// This is typically called from init() functions.
func Register(info Info) (bool, error) {
	return globalRegistry.Register(info)
}

// Get returns controller info from the global registry.
func Get(name string) *Info {
	return globalRegistry.Get(name)
}

// Names returns all controller names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// Create instantiates a controller from the global registry.
func Create(name string, ctx *Context) (Controller, error) {
	return globalRegistry.Create(name, ctx)
}
