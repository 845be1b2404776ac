package policy

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

// Hook phases, matching what the executor passes to NeedsCheck.
const (
	PhaseBefore = "BEFORE"
	PhaseAfter  = "AFTER"
)

// Registry maps policy IDs to checkers and implements the
// engine.PolicySource interface. Built-ins are registered at
// construction; file-loaded policies are swapped in as a set so a hot
// reload never leaves a half-applied view.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]engine.PolicyChecker
	loaded   map[string]engine.PolicyChecker
	logger   zerolog.Logger
}

var _ engine.PolicySource = (*Registry)(nil)

// NewRegistry creates a registry pre-populated with the built-in
// policies.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		builtins: make(map[string]engine.PolicyChecker),
		loaded:   make(map[string]engine.PolicyChecker),
		logger:   logger.With().Str("component", "policy-registry").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		r.builtins[p.Name()] = p
	}
	return r
}

// Lookup returns the checker for a policy ID. File-loaded policies
// shadow built-ins of the same name.
func (r *Registry) Lookup(policyID string) (engine.PolicyChecker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.loaded[policyID]; ok {
		return p, true
	}
	p, ok := r.builtins[policyID]
	return p, ok
}

// Replace swaps the full set of file-loaded policies.
func (r *Registry) Replace(policies []engine.PolicyChecker) {
	next := make(map[string]engine.PolicyChecker, len(policies))
	for _, p := range policies {
		next[p.Name()] = p
	}

	r.mu.Lock()
	r.loaded = next
	r.mu.Unlock()

	r.logger.Info().Int("count", len(next)).Msg("Loaded policies replaced")
}

// Names lists all registered policy IDs, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.builtins)+len(r.loaded))
	for name := range r.builtins {
		seen[name] = true
	}
	for name := range r.loaded {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
