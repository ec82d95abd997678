package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a backend.
type Config struct {
	// Driver is a registered backend name, e.g. "postgres" or "sqlite".
	Driver string
	// DSN is passed through to the backend factory.
	DSN string
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register makes a backend available under driver. Backend packages call it
// from init. Registering the same driver twice panics.
func Register(driver string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if driver == "" {
		panic("storage: Register called with empty driver")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[driver]; exists {
		panic(fmt.Sprintf("storage: factory already registered for driver=%q", driver))
	}
	factories[driver] = f
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open constructs a Repository using the registered factory for cfg.Driver.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("storage: missing driver")
	}

	registryMu.RLock()
	f, ok := factories[cfg.Driver]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("storage: unsupported driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	return f(ctx, cfg)
}
