package purchase

import (
	"github.com/vendly/vendly/internal/ledger"
)

// Quote is the priced order: Amount is the selling price debited from the
// wallet, Cost what the vendor charges, both in minor units.
type Quote struct {
	Amount      int64
	Cost        int64
	PlanID      string
	Description string
}

// Pricer turns a purchase request into a quote. Per-service differences in
// pricing live here, not in the orchestrator.
type Pricer interface {
	Quote(service ledger.ServiceType, network string, amount int64, planID string) (Quote, error)
}

// Plan is a fixed-denomination product (data bundle, TV package, exam pin).
type Plan struct {
	ID      string
	Service ledger.ServiceType
	Network string
	Name    string
	Price   int64
	Cost    int64
}

// TablePricer prices amount-based services with a per-service vendor discount
// (basis points off the face value) and plan-based services from a catalog.
type TablePricer struct {
	discountBps map[ledger.ServiceType]int64
	plans       map[string]Plan
}

// NewTablePricer builds a pricer from the discount table and plan catalog.
func NewTablePricer(discountBps map[ledger.ServiceType]int64, plans []Plan) *TablePricer {
	index := make(map[string]Plan, len(plans))
	for _, p := range plans {
		index[p.ID] = p
	}
	return &TablePricer{discountBps: discountBps, plans: index}
}

// Quote prices the order. Amount-based services (airtime, betting) sell at
// face value with the margin coming from the vendor discount; plan-based
// services sell at the catalog price.
func (t *TablePricer) Quote(service ledger.ServiceType, network string, amount int64, planID string) (Quote, error) {
	switch service {
	case ledger.ServiceAirtime, ledger.ServiceBetting:
		if amount <= 0 {
			return Quote{}, ValidationError{Field: "amount", Reason: "amount is required"}
		}
		discount := amount * t.discountBps[service] / 10_000
		return Quote{Amount: amount, Cost: amount - discount}, nil
	case ledger.ServiceData, ledger.ServiceTV, ledger.ServiceExamPin:
		plan, ok := t.plans[planID]
		if !ok {
			return Quote{}, ValidationError{Field: "plan_id", Reason: "unknown plan"}
		}
		if plan.Service != service {
			return Quote{}, ValidationError{Field: "plan_id", Reason: "plan does not belong to this service"}
		}
		if plan.Network != "" && plan.Network != network {
			return Quote{}, ValidationError{Field: "plan_id", Reason: "plan not available on this network"}
		}
		return Quote{Amount: plan.Price, Cost: plan.Cost, PlanID: plan.ID, Description: plan.Name}, nil
	default:
		return Quote{}, ValidationError{Field: "service_type", Reason: "unknown service"}
	}
}

// DefaultPricer returns a pricer with sample margins and a small plan
// catalog, used in database-less development mode.
func DefaultPricer() *TablePricer {
	return NewTablePricer(
		map[ledger.ServiceType]int64{
			ledger.ServiceAirtime: 250,
			ledger.ServiceBetting: 100,
		},
		[]Plan{
			{ID: "data-mtn-1gb", Service: ledger.ServiceData, Network: "mtn", Name: "MTN 1GB / 30 days", Price: 30_000, Cost: 27_500},
			{ID: "data-airtel-1gb", Service: ledger.ServiceData, Network: "airtel", Name: "Airtel 1GB / 30 days", Price: 29_000, Cost: 26_800},
			{ID: "tv-basic", Service: ledger.ServiceTV, Name: "TV Basic Bouquet", Price: 180_000, Cost: 171_000},
			{ID: "exam-waec", Service: ledger.ServiceExamPin, Name: "WAEC Result Checker", Price: 35_000, Cost: 32_000},
		},
	)
}
