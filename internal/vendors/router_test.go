package vendors

import (
	"context"
	"errors"
	"testing"

	"github.com/vendly/vendly/internal/ledger"
	"github.com/vendly/vendly/internal/logging"
)

func testRegistry(t *testing.T, repo Repository, adapters ...Adapter) *Registry {
	t.Helper()
	registry := NewRegistry(repo, logging.Discard())
	for _, a := range adapters {
		registry.Register(a)
	}
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh registry: %v", err)
	}
	return registry
}

func airtimeConfig(id string, enabled, healthy bool) Config {
	return Config{
		ID:       id,
		Name:     id,
		Enabled:  enabled,
		Healthy:  healthy,
		Supports: map[ledger.ServiceType]bool{ledger.ServiceAirtime: true},
	}
}

func TestRouterPrefersPrimary(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetConfigs(airtimeConfig("alpha", true, true), airtimeConfig("beta", true, true))
	repo.SetRoutes(Route{Service: ledger.ServiceAirtime, Network: "mtn", PrimaryID: "alpha", FallbackID: "beta"})

	registry := testRegistry(t, repo,
		StaticAdapter{VendorID: "alpha"}, StaticAdapter{VendorID: "beta"})
	router := NewRouter(registry)

	primary, fallback, err := router.Route(ledger.ServiceAirtime, "mtn")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if primary.ID() != "alpha" {
		t.Fatalf("expected alpha primary, got %s", primary.ID())
	}
	if fallback == nil || fallback.ID() != "beta" {
		t.Fatalf("expected beta fallback, got %v", fallback)
	}
}

func TestRouterPromotesFallback(t *testing.T) {
	cases := []struct {
		name    string
		primary Config
	}{
		{"disabled primary", airtimeConfig("alpha", false, true)},
		{"unhealthy primary", airtimeConfig("alpha", true, false)},
		{"unsupported service", Config{ID: "alpha", Enabled: true, Healthy: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			repo.SetConfigs(tc.primary, airtimeConfig("beta", true, true))
			repo.SetRoutes(Route{Service: ledger.ServiceAirtime, Network: "mtn", PrimaryID: "alpha", FallbackID: "beta"})

			registry := testRegistry(t, repo,
				StaticAdapter{VendorID: "alpha"}, StaticAdapter{VendorID: "beta"})
			router := NewRouter(registry)

			primary, fallback, err := router.Route(ledger.ServiceAirtime, "mtn")
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if primary.ID() != "beta" {
				t.Fatalf("expected promoted fallback, got %s", primary.ID())
			}
			if fallback != nil {
				t.Fatalf("promoted fallback must leave no second choice, got %s", fallback.ID())
			}
		})
	}
}

func TestRouterFailsClosed(t *testing.T) {
	repo := NewMemoryRepository()
	registry := testRegistry(t, repo)
	router := NewRouter(registry)

	if _, _, err := router.Route(ledger.ServiceAirtime, "mtn"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected no route, got %v", err)
	}

	repo.SetConfigs(airtimeConfig("alpha", false, true), airtimeConfig("beta", false, true))
	repo.SetRoutes(Route{Service: ledger.ServiceAirtime, Network: "mtn", PrimaryID: "alpha", FallbackID: "beta"})
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	registry.Register(StaticAdapter{VendorID: "alpha"})
	registry.Register(StaticAdapter{VendorID: "beta"})

	if _, _, err := router.Route(ledger.ServiceAirtime, "mtn"); !errors.Is(err, ErrNoVendor) {
		t.Fatalf("expected no vendor, got %v", err)
	}
}

func TestRouterUsesEmptyNetworkRow(t *testing.T) {
	repo := NewMemoryRepository()
	cfg := Config{
		ID: "alpha", Enabled: true, Healthy: true,
		Supports: map[ledger.ServiceType]bool{ledger.ServiceExamPin: true},
	}
	repo.SetConfigs(cfg)
	repo.SetRoutes(Route{Service: ledger.ServiceExamPin, PrimaryID: "alpha"})

	registry := testRegistry(t, repo, StaticAdapter{VendorID: "alpha"})
	router := NewRouter(registry)

	primary, _, err := router.Route(ledger.ServiceExamPin, "")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if primary.ID() != "alpha" {
		t.Fatalf("expected alpha, got %s", primary.ID())
	}
}

func TestRegistryRefreshPicksUpAdminEdits(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetConfigs(airtimeConfig("alpha", true, true))
	repo.SetRoutes(Route{Service: ledger.ServiceAirtime, Network: "mtn", PrimaryID: "alpha"})

	registry := testRegistry(t, repo, StaticAdapter{VendorID: "alpha"})
	router := NewRouter(registry)

	if _, _, err := router.Route(ledger.ServiceAirtime, "mtn"); err != nil {
		t.Fatalf("route before edit: %v", err)
	}

	// admin disables the vendor; not effective until a refresh
	repo.SetConfigs(airtimeConfig("alpha", false, true))
	if _, _, err := router.Route(ledger.ServiceAirtime, "mtn"); err != nil {
		t.Fatalf("stale snapshot should still route: %v", err)
	}

	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := router.Route(ledger.ServiceAirtime, "mtn"); !errors.Is(err, ErrNoVendor) {
		t.Fatalf("expected no vendor after refresh, got %v", err)
	}
}
