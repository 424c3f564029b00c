package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vendly/vendly/internal/idempotency"
	"github.com/vendly/vendly/internal/ledger"
	"github.com/vendly/vendly/internal/logging"
	"github.com/vendly/vendly/internal/notification"
	"github.com/vendly/vendly/internal/vendors"
	"github.com/vendly/vendly/internal/webhook"
)

const (
	seedAmount    = 150_000
	airtimeAmount = 100_000
)

type scriptedAdapter struct {
	id    string
	calls int
	fn    func(call int, req vendors.Request) (vendors.Outcome, error)
}

func (a *scriptedAdapter) ID() string { return a.id }

func (a *scriptedAdapter) Purchase(_ context.Context, req vendors.Request) (vendors.Outcome, error) {
	a.calls++
	return a.fn(a.calls, req)
}

type recordingNotifier struct {
	kinds []string
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.kinds = append(n.kinds, m.Kind)
	return nil
}

func allServices() map[ledger.ServiceType]bool {
	return map[ledger.ServiceType]bool{
		ledger.ServiceAirtime: true,
		ledger.ServiceData:    true,
		ledger.ServiceTV:      true,
		ledger.ServiceBetting: true,
		ledger.ServiceExamPin: true,
	}
}

// newTestService wires an in-memory ledger and registry around the given
// adapters. The first adapter is the airtime primary, the second (if any) the
// fallback.
func newTestService(t *testing.T, led ledger.Ledger, guard *idempotency.Guard,
	notifier notification.Notifier, adapters ...vendors.Adapter) *Service {
	t.Helper()

	repo := vendors.NewMemoryRepository()
	configs := make([]vendors.Config, 0, len(adapters))
	for _, a := range adapters {
		configs = append(configs, vendors.Config{
			ID: a.ID(), Name: a.ID(), Enabled: true, Healthy: true, Supports: allServices(),
		})
	}
	repo.SetConfigs(configs...)
	if len(adapters) > 0 {
		route := vendors.Route{Service: ledger.ServiceAirtime, Network: "mtn", PrimaryID: adapters[0].ID()}
		if len(adapters) > 1 {
			route.FallbackID = adapters[1].ID()
		}
		repo.SetRoutes(route)
	}

	registry := vendors.NewRegistry(repo, logging.Discard())
	for _, a := range adapters {
		registry.Register(a)
	}
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh registry: %v", err)
	}

	return NewService(led, guard, vendors.NewRouter(registry), DefaultPricer(),
		notifier, logging.Discard(), time.Second)
}

func testGuard(t *testing.T) *idempotency.Guard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idempotency.NewGuard(client, time.Minute, logging.Discard())
}

func airtimeInput(userID string) Input {
	return Input{
		UserID:    userID,
		Service:   ledger.ServiceAirtime,
		Network:   "mtn",
		Recipient: "+2348012345678",
		Amount:    airtimeAmount,
	}
}

func mustBalance(t *testing.T, led ledger.Ledger, userID string) int64 {
	t.Helper()
	balance, err := led.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func TestPurchaseSuccess(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	notifier := &recordingNotifier{}
	svc := newTestService(t, led, nil, notifier, staticSuccess("alpha"))

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if receipt.Purchase.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed, got %s", receipt.Purchase.Status)
	}
	if receipt.Balance != seedAmount-airtimeAmount {
		t.Fatalf("expected balance %d, got %d", seedAmount-airtimeAmount, receipt.Balance)
	}
	if receipt.Purchase.VendorID != "alpha" {
		t.Fatalf("expected vendor alpha, got %q", receipt.Purchase.VendorID)
	}
	if receipt.Purchase.VendorReference == "" {
		t.Fatal("expected a vendor reference on the settled purchase")
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != notification.KindPurchaseCompleted {
		t.Fatalf("expected one completed notification, got %v", notifier.kinds)
	}
}

func TestPurchaseVendorRejectedRefunds(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	svc := newTestService(t, led, nil, nil,
		vendors.StaticAdapter{VendorID: "alpha", Status: vendors.OutcomeFailure, Message: "invalid recipient"})

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if !errors.Is(err, ErrVendorRejected) {
		t.Fatalf("expected vendor rejection, got %v", err)
	}
	if receipt.Purchase.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", receipt.Purchase.Status)
	}
	if receipt.Balance != seedAmount {
		t.Fatalf("expected refunded balance %d, got %d", seedAmount, receipt.Balance)
	}
	if receipt.Purchase.Detail["failure_reason"] != "invalid recipient" {
		t.Fatalf("expected failure reason in detail, got %v", receipt.Purchase.Detail)
	}
}

func TestPurchaseFallbackOnRejection(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	primary := &scriptedAdapter{id: "alpha", fn: func(_ int, _ vendors.Request) (vendors.Outcome, error) {
		return vendors.Outcome{Status: vendors.OutcomeFailure, Message: "out of stock"}, nil
	}}
	fallback := &scriptedAdapter{id: "beta", fn: func(_ int, _ vendors.Request) (vendors.Outcome, error) {
		return vendors.Outcome{Status: vendors.OutcomeSuccess, VendorReference: "beta-001"}, nil
	}}
	svc := newTestService(t, led, nil, nil, primary, fallback)

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if receipt.Purchase.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed via fallback, got %s", receipt.Purchase.Status)
	}
	if receipt.Purchase.VendorID != "beta" {
		t.Fatalf("expected fallback vendor, got %q", receipt.Purchase.VendorID)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected one call each, got primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if receipt.Purchase.Detail["primary_rejection"] != "out of stock" {
		t.Fatalf("expected primary rejection in detail, got %v", receipt.Purchase.Detail)
	}
}

func TestPurchaseAmbiguousDoesNotCascadeToFallback(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	primary := &scriptedAdapter{id: "alpha", fn: func(_ int, _ vendors.Request) (vendors.Outcome, error) {
		return vendors.Outcome{Status: vendors.OutcomeAmbiguous}, nil
	}}
	fallback := &scriptedAdapter{id: "beta", fn: func(_ int, _ vendors.Request) (vendors.Outcome, error) {
		return vendors.Outcome{Status: vendors.OutcomeSuccess}, nil
	}}
	svc := newTestService(t, led, nil, nil, primary, fallback)

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if receipt.Purchase.Status != ledger.StatusPending {
		t.Fatalf("expected pending, got %s", receipt.Purchase.Status)
	}
	if fallback.calls != 0 {
		t.Fatalf("ambiguous outcome must not reach the fallback, got %d calls", fallback.calls)
	}
	if receipt.Balance != seedAmount-airtimeAmount {
		t.Fatalf("debit must stand on ambiguity, got balance %d", receipt.Balance)
	}
}

func TestPurchaseTimeoutThenWebhookDelivers(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	notifier := &recordingNotifier{}
	svc := newTestService(t, led, nil, notifier,
		vendors.StaticAdapter{VendorID: "alpha", Err: context.DeadlineExceeded})

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if receipt.Purchase.Status != ledger.StatusPending {
		t.Fatalf("expected pending after timeout, got %s", receipt.Purchase.Status)
	}
	if receipt.Balance != seedAmount-airtimeAmount {
		t.Fatalf("debit must stand, got balance %d", receipt.Balance)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != notification.KindPurchaseProcessing {
		t.Fatalf("expected processing notification, got %v", notifier.kinds)
	}

	reconciler := webhook.NewService(led, notifier, logging.Discard())
	ev := webhook.Event{
		VendorID:        "alpha",
		Reference:       receipt.Purchase.Reference,
		VendorReference: "alpha-777",
		Status:          "delivered",
	}
	if err := reconciler.Reconcile(context.Background(), ev); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	settled, err := svc.Get(context.Background(), receipt.Purchase.Reference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if settled.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed after webhook, got %s", settled.Status)
	}
	if settled.VendorReference != "alpha-777" {
		t.Fatalf("expected vendor reference bound, got %q", settled.VendorReference)
	}
	if got := mustBalance(t, led, userID); got != seedAmount-airtimeAmount {
		t.Fatalf("delivery must not move the balance, got %d", got)
	}

	// duplicate delivery is absorbed without a second settlement
	if err := reconciler.Reconcile(context.Background(), ev); err != nil {
		t.Fatalf("duplicate reconcile: %v", err)
	}
	if got := mustBalance(t, led, userID); got != seedAmount-airtimeAmount {
		t.Fatalf("duplicate webhook moved the balance to %d", got)
	}
}

func TestPurchaseTimeoutThenWebhookReversalRefundsOnce(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	svc := newTestService(t, led, nil, nil,
		vendors.StaticAdapter{VendorID: "alpha", Err: context.DeadlineExceeded})

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	reconciler := webhook.NewService(led, nil, logging.Discard())
	ev := webhook.Event{VendorID: "alpha", Reference: receipt.Purchase.Reference, Status: "reversed"}
	for i := 0; i < 2; i++ {
		if err := reconciler.Reconcile(context.Background(), ev); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}

	settled, err := svc.Get(context.Background(), receipt.Purchase.Reference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if settled.Status != ledger.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", settled.Status)
	}
	if got := mustBalance(t, led, userID); got != seedAmount {
		t.Fatalf("expected a single refund back to %d, got %d", seedAmount, got)
	}
}

func TestPurchaseIdempotencyReplay(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	svc := newTestService(t, led, testGuard(t), nil, staticSuccess("alpha"))

	in := airtimeInput(userID)
	in.IdempotencyKey = "client-key-1"

	first, err := svc.Purchase(context.Background(), in)
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	second, err := svc.Purchase(context.Background(), in)
	if err != nil {
		t.Fatalf("replayed purchase: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay, got a fresh purchase")
	}
	if second.Purchase.Reference != first.Purchase.Reference {
		t.Fatalf("replay returned a different purchase: %s vs %s",
			second.Purchase.Reference, first.Purchase.Reference)
	}
	if got := mustBalance(t, led, userID); got != seedAmount-airtimeAmount {
		t.Fatalf("replay must not debit again, got balance %d", got)
	}
}

func TestPurchaseInsufficientBalanceReleasesKey(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, airtimeAmount/2)

	svc := newTestService(t, led, testGuard(t), nil, staticSuccess("alpha"))

	in := airtimeInput(userID)
	in.IdempotencyKey = "client-key-2"

	if _, err := svc.Purchase(context.Background(), in); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	// nothing was debited, so the same key is retryable after a top-up
	ledger.SeedBalance(led, userID, seedAmount)
	receipt, err := svc.Purchase(context.Background(), in)
	if err != nil {
		t.Fatalf("retry after top-up: %v", err)
	}
	if receipt.Replayed {
		t.Fatal("retry after a rejected debit must be a fresh purchase")
	}
	if receipt.Purchase.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed, got %s", receipt.Purchase.Status)
	}
}

func TestPurchaseNoVendorRefunds(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	svc := newTestService(t, led, nil, nil)

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if !errors.Is(err, vendors.ErrNoRoute) {
		t.Fatalf("expected no route, got %v", err)
	}
	if receipt.Purchase.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", receipt.Purchase.Status)
	}
	if receipt.Balance != seedAmount {
		t.Fatalf("expected refunded balance %d, got %d", seedAmount, receipt.Balance)
	}
}

func TestPurchaseValidation(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)
	svc := newTestService(t, led, nil, nil, staticSuccess("alpha"))

	cases := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"missing user", func(in *Input) { in.UserID = "" }, "user_id"},
		{"unknown service", func(in *Input) { in.Service = "electricity" }, "service_type"},
		{"missing recipient", func(in *Input) { in.Recipient = "" }, "recipient"},
		{"bad phone", func(in *Input) { in.Recipient = "not-a-phone" }, "recipient"},
		{"missing network", func(in *Input) { in.Network = "" }, "network"},
		{"amount too small", func(in *Input) { in.Amount = minAmount - 1 }, "amount"},
		{"amount too large", func(in *Input) { in.Amount = maxAmount + 1 }, "amount"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := airtimeInput(userID)
			tc.mutate(&in)
			_, err := svc.Purchase(context.Background(), in)
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

func TestRetryRedispatchesFailedPurchase(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	adapter := &scriptedAdapter{id: "alpha", fn: func(call int, _ vendors.Request) (vendors.Outcome, error) {
		if call == 1 {
			return vendors.Outcome{Status: vendors.OutcomeFailure, Message: "temporarily unavailable"}, nil
		}
		return vendors.Outcome{Status: vendors.OutcomeSuccess, VendorReference: "alpha-002"}, nil
	}}
	svc := newTestService(t, led, nil, nil, adapter)

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if !errors.Is(err, ErrVendorRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	retried, err := svc.Retry(context.Background(), receipt.Purchase.Reference)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Purchase.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", retried.Purchase.Status)
	}
	if retried.Balance != seedAmount-airtimeAmount {
		t.Fatalf("expected balance %d after retry, got %d", seedAmount-airtimeAmount, retried.Balance)
	}

	// completed purchases are not retryable
	if _, err := svc.Retry(context.Background(), receipt.Purchase.Reference); !errors.Is(err, ledger.ErrNotRetryable) {
		t.Fatalf("expected not retryable, got %v", err)
	}
}

func TestRefundReversesOnce(t *testing.T) {
	led := ledger.NewInMemory()
	userID := uuid.NewString()
	ledger.SeedBalance(led, userID, seedAmount)

	svc := newTestService(t, led, nil, nil, staticSuccess("alpha"))

	receipt, err := svc.Purchase(context.Background(), airtimeInput(userID))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	reversal, err := svc.Refund(context.Background(), receipt.Purchase.Reference, "customer complaint")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if reversal.Service != ledger.ServiceReversal {
		t.Fatalf("expected reversal row, got service %s", reversal.Service)
	}
	if got := mustBalance(t, led, userID); got != seedAmount {
		t.Fatalf("expected balance restored to %d, got %d", seedAmount, got)
	}

	if _, err := svc.Refund(context.Background(), receipt.Purchase.Reference, "again"); !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("expected already reversed, got %v", err)
	}
}

// staticSuccess returns an always-succeeding simulated vendor.
func staticSuccess(id string) vendors.Adapter {
	return vendors.StaticAdapter{VendorID: id, Status: vendors.OutcomeSuccess, Message: "ok"}
}
