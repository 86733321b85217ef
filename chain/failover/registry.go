package failover

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RegistryOptions are shared by every manager a registry creates
type RegistryOptions struct {
	Dialer  Dialer
	Metrics MetricsCollector
	Bus     *EventBus
	Logger  *zap.SugaredLogger
	Now     func() time.Time
}

// Registry hands out one Manager per (chain, primary, fallback) so failover
// state persists across calls for the life of the process. Construct one at
// startup and pass it to every caller.
type Registry struct {
	opts RegistryOptions

	mu       sync.Mutex
	managers map[registryKey]*Manager
}

// NewRegistry creates an empty registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Bus == nil {
		opts.Bus = NewEventBus()
	}
	return &Registry{
		opts:     opts,
		managers: make(map[registryKey]*Manager),
	}
}

// Bus is the event bus managers publish state changes on
func (r *Registry) Bus() *EventBus {
	return r.opts.Bus
}

// Get returns the manager for cfg, creating it on first use.
func (r *Registry) Get(cfg Config) *Manager {
	k := cfg.key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[k]; ok {
		return m
	}
	m := newManager(cfg, r.opts)
	r.managers[k] = m
	return m
}

// Clear drops every cached manager and closes its clients.
func (r *Registry) Clear() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[registryKey]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}

// FailoverStates maps chain name to whether it is currently on its fallback.
// A chain with several endpoint sets reports true if any of them is degraded.
func (r *Registry) FailoverStates() map[string]bool {
	out := make(map[string]bool)
	for _, s := range r.States() {
		out[s.Chain] = out[s.Chain] || s.UsingFallback
	}
	return out
}

// States snapshots every manager, ordered by chain.
func (r *Registry) States() []State {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	states := make([]State, 0, len(managers))
	for _, m := range managers {
		states = append(states, m.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Chain < states[j].Chain })
	return states
}
