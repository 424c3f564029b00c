package vendors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vendly/vendly/internal/ledger"
)

// Repository reads vendor configuration and the routing table. Both are
// admin-owned; the purchase path only ever sees them through the registry
// snapshot.
type Repository interface {
	Configs(ctx context.Context) ([]Config, error)
	Routes(ctx context.Context) ([]Route, error)
}

// PostgresRepository reads vendor configuration from PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Configs loads all vendor rows.
func (r *PostgresRepository) Configs(ctx context.Context) ([]Config, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, enabled, healthy, priority, supports
        FROM vendor_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var c Config
		var supports []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.Enabled, &c.Healthy, &c.Priority, &supports); err != nil {
			return nil, err
		}
		if len(supports) > 0 {
			var services []ledger.ServiceType
			if err := json.Unmarshal(supports, &services); err != nil {
				return nil, fmt.Errorf("decode supports for vendor %s: %w", c.ID, err)
			}
			c.Supports = make(map[ledger.ServiceType]bool, len(services))
			for _, s := range services {
				c.Supports[s] = true
			}
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// Routes loads the full routing table.
func (r *PostgresRepository) Routes(ctx context.Context) ([]Route, error) {
	rows, err := r.db.Query(ctx, `SELECT service, network, primary_vendor, fallback_vendor
        FROM service_routes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var rt Route
		if err := rows.Scan(&rt.Service, &rt.Network, &rt.PrimaryID, &rt.FallbackID); err != nil {
			return nil, err
		}
		routes = append(routes, rt)
	}
	return routes, rows.Err()
}
