package failover

import (
	"sort"
	"strings"

	"github.com/teranos/chainpulse/am"
)

// Networks resolves configured chain names to their managers.
type Networks struct {
	registry *Registry
	configs  map[string]Config
}

// NewNetworks binds configured chains to a registry. Names match case-insensitively.
func NewNetworks(registry *Registry, chains map[string]am.ChainConfig) *Networks {
	configs := make(map[string]Config, len(chains))
	for name, c := range chains {
		configs[strings.ToLower(name)] = ConfigFromChain(strings.ToLower(name), c)
	}
	return &Networks{registry: registry, configs: configs}
}

// Lookup returns the manager for a network name
func (n *Networks) Lookup(name string) (*Manager, bool) {
	cfg, ok := n.configs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return n.registry.Get(cfg), true
}

// Names lists configured networks, sorted
func (n *Networks) Names() []string {
	names := make([]string, 0, len(n.configs))
	for name := range n.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is the registry managers are drawn from
func (n *Networks) Registry() *Registry {
	return n.registry
}
