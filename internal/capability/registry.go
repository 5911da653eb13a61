package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry indexes the callable actions exposed by skill providers.
// It is process-wide, read-mostly, and safe for concurrent resolution by
// many sessions. Registration happens in an explicit phase at startup by
// iterating the configured provider descriptors.
type Registry struct {
	mu       sync.RWMutex
	caps     map[string]Capability
	disabled map[string]bool // provider name → disabled
}

func NewRegistry() *Registry {
	return &Registry{
		caps:     make(map[string]Capability),
		disabled: make(map[string]bool),
	}
}

// Register adds a capability. Two capabilities with the same name is a
// registration conflict.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name)
	}
	r.caps[c.Name] = c

	slog.Debug("capability registered",
		"capability", c.Name,
		"provider", c.Provider,
		"reversibility", string(c.Reversibility),
	)
	return nil
}

// Unregister removes a capability by name. Only the owning provider's
// lifecycle should call this.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, name)
}

// Resolve returns the capability for name. Capabilities owned by a disabled
// provider resolve as unknown.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]
	if !ok || r.disabled[c.Provider] {
		return Capability{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return c, nil
}

// List returns all capabilities whose provider is currently enabled,
// sorted by name for stable model-facing advertisement.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		if r.disabled[c.Provider] {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetProviderEnabled toggles visibility of every capability owned by provider.
// Disabled providers keep their registrations but resolve as unknown and are
// omitted from List.
func (r *Registry) SetProviderEnabled(provider string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if enabled {
		delete(r.disabled, provider)
	} else {
		r.disabled[provider] = true
	}
	slog.Info("capability provider toggled", "provider", provider, "enabled", enabled)
}

// Count returns the number of registered capabilities, including disabled ones.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}
