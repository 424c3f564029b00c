package vendors

import (
	"fmt"

	"github.com/vendly/vendly/internal/ledger"
)

// Router resolves a (service, network) pair to an ordered {primary, fallback}
// adapter pair using the registry snapshot. The failover is static and
// two-level: a disabled or unhealthy primary promotes the fallback for this
// call, and when neither is usable routing fails closed. Mid-call vendor
// failure is the orchestrator's problem, not the router's.
type Router struct {
	registry *Registry
}

// NewRouter builds a router over the registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route returns the primary adapter and an optional fallback adapter
// (nil when the route has none or it is unusable).
func (r *Router) Route(service ledger.ServiceType, network string) (Adapter, Adapter, error) {
	rt, ok := r.registry.route(service, network)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNoRoute, service, network)
	}

	primary := r.usableAdapter(rt.PrimaryID, service)
	fallback := r.usableAdapter(rt.FallbackID, service)

	if primary == nil {
		primary, fallback = fallback, nil
	}
	if primary == nil {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNoVendor, service, network)
	}
	return primary, fallback, nil
}

func (r *Router) usableAdapter(vendorID string, service ledger.ServiceType) Adapter {
	if vendorID == "" {
		return nil
	}
	cfg, ok := r.registry.config(vendorID)
	if !ok || !cfg.Usable(service) {
		return nil
	}
	adapter, ok := r.registry.adapter(vendorID)
	if !ok {
		return nil
	}
	return adapter
}
