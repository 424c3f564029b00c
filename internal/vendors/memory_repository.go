package vendors

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	configs []Config
	routes  []Route
}

// NewMemoryRepository constructs a mutable in-memory repository for tests and
// database-less development mode.
func NewMemoryRepository() *memoryRepository {
	return &memoryRepository{}
}

func (r *memoryRepository) Configs(_ context.Context) ([]Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Config(nil), r.configs...), nil
}

func (r *memoryRepository) Routes(_ context.Context) ([]Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...), nil
}

// SetConfigs replaces the vendor configuration, simulating an admin edit.
func (r *memoryRepository) SetConfigs(configs ...Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append([]Config(nil), configs...)
}

// SetRoutes replaces the routing table, simulating an admin edit.
func (r *memoryRepository) SetRoutes(routes ...Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append([]Route(nil), routes...)
}
