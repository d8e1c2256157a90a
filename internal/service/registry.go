package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mohammadhprp/modguard/internal/limiter"
)

// DefaultConfigs returns the configs every facade starts with
func DefaultConfigs() []limiter.Config {
	return []limiter.Config{
		{Name: ConfigUserMessages, MaxRequests: 10, WindowSeconds: 60},
		{Name: ConfigAdminCommands, MaxRequests: 30, WindowSeconds: 60},
		{Name: ConfigExpensiveAnalysis, MaxRequests: 5, WindowSeconds: 300},
		{Name: ConfigChannelManagement, MaxRequests: 20, WindowSeconds: 60},
	}
}

// Registry holds named limit configs. Reads are concurrent; registration
// takes the write lock.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]limiter.Config
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]limiter.Config)}
}

// Register validates cfg, fills in defaults and stores it under its name
func (r *Registry) Register(cfg limiter.Config) (limiter.Config, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return limiter.Config{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[cfg.Name]; exists {
		return limiter.Config{}, fmt.Errorf("%w: %s", ErrDuplicateConfig, cfg.Name)
	}
	r.configs[cfg.Name] = cfg
	return cfg, nil
}

// Get returns the config registered under name
func (r *Registry) Get(name string) (limiter.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[name]
	if !ok {
		return limiter.Config{}, fmt.Errorf("%w: %s", ErrUnknownConfig, name)
	}
	return cfg, nil
}

// List returns a copy of every registered config keyed by name
func (r *Registry) List() map[string]limiter.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]limiter.Config, len(r.configs))
	for name, cfg := range r.configs {
		out[name] = cfg
	}
	return out
}

// Names returns the registered config names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
