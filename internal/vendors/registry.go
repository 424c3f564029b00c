package vendors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vendly/vendly/internal/ledger"
)

type routeKey struct {
	service ledger.ServiceType
	network string
}

type snapshot struct {
	configs map[string]Config
	routes  map[routeKey]Route
}

// Registry holds a periodically refreshed in-memory snapshot of vendor
// configuration and the routing table. Admin edits land in the database and
// become effective on the next refresh or an explicit Reload; routing
// decisions never hit the database.
type Registry struct {
	repo   Repository
	logger *slog.Logger

	mu       sync.RWMutex
	snap     snapshot
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry. Call Refresh before routing.
func NewRegistry(repo Repository, logger *slog.Logger) *Registry {
	return &Registry{
		repo:     repo,
		logger:   logger,
		snap:     snapshot{configs: map[string]Config{}, routes: map[routeKey]Route{}},
		adapters: map[string]Adapter{},
	}
}

// Register associates an adapter with its vendor id.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
}

// Refresh replaces the snapshot with the current database state.
func (r *Registry) Refresh(ctx context.Context) error {
	configs, err := r.repo.Configs(ctx)
	if err != nil {
		return fmt.Errorf("load vendor configs: %w", err)
	}
	routes, err := r.repo.Routes(ctx)
	if err != nil {
		return fmt.Errorf("load service routes: %w", err)
	}

	next := snapshot{
		configs: make(map[string]Config, len(configs)),
		routes:  make(map[routeKey]Route, len(routes)),
	}
	for _, c := range configs {
		next.configs[c.ID] = c
	}
	for _, rt := range routes {
		next.routes[routeKey{service: rt.Service, network: rt.Network}] = rt
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("vendor registry refreshed", "vendors", len(configs), "routes", len(routes))
	}
	return nil
}

// Run refreshes the snapshot on the given interval until ctx is cancelled.
// Refresh failures keep the previous snapshot and are logged.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && r.logger != nil {
				r.logger.Error("vendor registry refresh failed", "error", err)
			}
		}
	}
}

func (r *Registry) config(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.snap.configs[id]
	return c, ok
}

func (r *Registry) route(service ledger.ServiceType, network string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.snap.routes[routeKey{service: service, network: network}]; ok {
		return rt, true
	}
	// services without network scoping use the empty-network row
	rt, ok := r.snap.routes[routeKey{service: service}]
	return rt, ok
}

func (r *Registry) adapter(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}
