package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps backend names to providers so the daemon can select one by
// configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under name, replacing any previous registration.
func (r *Registry) Register(name string, p Provider) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("provider registry: name cannot be empty")
	}
	if p == nil {
		return errors.New("provider registry: provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("provider registry: unknown provider %q (registered: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
