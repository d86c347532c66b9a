// factory.go maps backend names (local, s3, gcs, azure) to constructors and
// builds the configured backend, wrapped in a circuit breaker when enabled.
package storage

import (
	"fmt"
	"sort"

	"github.com/packregistry/packregistry/internal/config"
)

// FactoryFunc builds one storage backend from configuration
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// Registered lists the registered backend names in sorted order
func Registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the configured storage backend
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %v)", cfg.Storage.DefaultBackend, Registered())
	}

	backend, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Breaker.Enabled {
		return NewBreakerStorage(backend, cfg.Storage.Breaker), nil
	}
	return backend, nil
}
