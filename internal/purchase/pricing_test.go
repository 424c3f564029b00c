package purchase

import (
	"errors"
	"testing"

	"github.com/vendly/vendly/internal/ledger"
)

func TestTablePricerAirtimeMargin(t *testing.T) {
	pricer := NewTablePricer(
		map[ledger.ServiceType]int64{ledger.ServiceAirtime: 250},
		nil,
	)

	quote, err := pricer.Quote(ledger.ServiceAirtime, "mtn", 100_000, "")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Amount != 100_000 {
		t.Fatalf("airtime must sell at face value, got %d", quote.Amount)
	}
	if quote.Cost != 97_500 {
		t.Fatalf("expected 2.5%% discount cost 97500, got %d", quote.Cost)
	}
}

func TestTablePricerPlans(t *testing.T) {
	pricer := DefaultPricer()

	quote, err := pricer.Quote(ledger.ServiceData, "mtn", 0, "data-mtn-1gb")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Amount != 30_000 || quote.Cost != 27_500 {
		t.Fatalf("unexpected plan pricing: amount=%d cost=%d", quote.Amount, quote.Cost)
	}
	if quote.PlanID != "data-mtn-1gb" || quote.Description == "" {
		t.Fatalf("expected plan metadata on the quote, got %+v", quote)
	}
}

func TestTablePricerRejections(t *testing.T) {
	pricer := DefaultPricer()

	cases := []struct {
		name    string
		service ledger.ServiceType
		network string
		amount  int64
		planID  string
		field   string
	}{
		{"zero airtime amount", ledger.ServiceAirtime, "mtn", 0, "", "amount"},
		{"unknown plan", ledger.ServiceData, "mtn", 0, "nope", "plan_id"},
		{"plan from another service", ledger.ServiceData, "mtn", 0, "tv-basic", "plan_id"},
		{"plan on wrong network", ledger.ServiceData, "glo", 0, "data-mtn-1gb", "plan_id"},
		{"unknown service", ledger.ServiceType("electricity"), "", 0, "", "service_type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pricer.Quote(tc.service, tc.network, tc.amount, tc.planID)
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
		})
	}
}
