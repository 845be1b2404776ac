package drivers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

// Registry maps profile types to drivers and implements the
// engine.DriverSource interface.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]engine.Driver
	logger  zerolog.Logger
}

var _ engine.DriverSource = (*Registry)(nil)

// NewRegistry creates an empty driver registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		drivers: make(map[string]engine.Driver),
		logger:  logger.With().Str("component", "driver-registry").Logger(),
	}
}

// Register binds a driver to a profile type. Registering the same type
// twice is a programming error.
func (r *Registry) Register(profileType string, driver engine.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[profileType]; exists {
		return fmt.Errorf("driver for profile type %q already registered", profileType)
	}
	r.drivers[profileType] = driver

	r.logger.Info().Str("profile_type", profileType).Msg("Driver registered")
	return nil
}

// Lookup returns the driver for a profile type.
func (r *Registry) Lookup(profileType string) (engine.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[profileType]
	return d, ok
}

// Types lists registered profile types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
