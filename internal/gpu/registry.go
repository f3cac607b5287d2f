package gpu

import (
	"fmt"
	"sort"
	"sync"
)

type Factory func() (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
	// preference is the order "auto" tries backends in.
	preference []string
)

// Register makes a backend available by name. Backends call it from init.
// Registering the same name twice panics.
func Register(name string, factory Factory, preferred bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("gpu: Register called twice for backend " + name)
	}
	registry[name] = factory
	if preferred {
		preference = append([]string{name}, preference...)
	} else {
		preference = append(preference, name)
	}
}

// Open returns the named backend. "auto" (or empty) returns the first
// registered backend that opens successfully, hardware backends first.
func Open(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if name == "" || name == "auto" {
		var errs []error
		for _, n := range preference {
			b, err := registry[n]()
			if err == nil {
				return b, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
		}
		return nil, fmt.Errorf("gpu: no usable backend: %v", errs)
	}

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
	return factory()
}

func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
