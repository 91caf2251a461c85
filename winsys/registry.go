package winsys

import (
	"fmt"
	"sync"
)

// Factory creates a winsys instance, or returns an error when the
// transport it wraps is unavailable on this system.
type Factory func() (Winsys, error)

// registry holds registered winsys factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for winsys selection (first available wins).
	priority []string
)

// Register registers a winsys factory with the given name.
// This is typically called from init() functions in winsys packages.
// If a factory with the same name is already registered, it is
// replaced; otherwise the name is appended to the selection order.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := factories[name]; !ok {
		priority = append(priority, name)
	}
	factories[name] = f
}

// Unregister removes a winsys from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
	for i, n := range priority {
		if n == name {
			priority = append(priority[:i], priority[i+1:]...)
			break
		}
	}
}

// Available returns the registered winsys names in selection order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, len(priority))
	copy(names, priority)
	return names
}

// Get opens a winsys by name. An unregistered name reports ErrNoDev;
// a registered factory's failure is returned wrapped.
func Get(name string) (Winsys, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("winsys: %q: %w", name, ErrNoDev)
	}
	ws, err := f()
	if err != nil {
		return nil, fmt.Errorf("winsys: %q: %w", name, err)
	}
	return ws, nil
}

// Default opens the first available winsys in registration order.
func Default() (Winsys, error) {
	registryMu.RLock()
	names := make([]string, len(priority))
	copy(names, priority)
	registryMu.RUnlock()

	for _, name := range names {
		if ws, err := Get(name); err == nil {
			return ws, nil
		}
	}
	return nil, ErrNoDev
}
