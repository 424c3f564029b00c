package vendors

import (
	"errors"

	"github.com/vendly/vendly/internal/ledger"
)

var (
	// ErrNoRoute indicates no routing row exists for the service/network
	// combination. Routing fails closed.
	ErrNoRoute = errors.New("no route for service")

	// ErrNoVendor indicates a route exists but neither the primary nor the
	// fallback vendor is usable. A configured vendor with no registered
	// adapter counts as unusable.
	ErrNoVendor = errors.New("no usable vendor")
)

// Config is the admin-managed record for a single vendor. The purchase path
// reads it from a registry snapshot, never from the database directly.
type Config struct {
	ID       string
	Name     string
	Enabled  bool
	Healthy  bool
	Priority int
	Supports map[ledger.ServiceType]bool
}

// Usable reports whether the vendor may receive purchases for the service.
func (c Config) Usable(service ledger.ServiceType) bool {
	return c.Enabled && c.Healthy && c.Supports[service]
}

// Route maps a (service, network) pair to a primary vendor and an optional
// fallback. Network is empty for services that are not network-scoped.
type Route struct {
	Service    ledger.ServiceType
	Network    string
	PrimaryID  string
	FallbackID string
}
