package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vendly/vendly/internal/idempotency"
	"github.com/vendly/vendly/internal/ledger"
	"github.com/vendly/vendly/internal/notification"
	"github.com/vendly/vendly/internal/vendors"
)

const (
	minAmount = 5_000     // 50.00 in minor units
	maxAmount = 5_000_000 // 50,000.00 in minor units

	defaultStaleAfter = 30 * time.Minute
)

// Service is the saga coordinator for purchases: it validates and prices the
// order, reserves funds, dispatches to the routed vendor and finalizes or
// compensates through the ledger's CAS finalize.
type Service struct {
	ledger      ledger.Ledger
	guard       *idempotency.Guard
	router      *vendors.Router
	pricer      Pricer
	notifier    notification.Notifier
	logger      *slog.Logger
	callTimeout time.Duration
}

// NewService constructs the orchestrator. guard may be nil when no Redis is
// configured (idempotency keys are then ignored).
func NewService(ledgerBackend ledger.Ledger, guard *idempotency.Guard, router *vendors.Router,
	pricer Pricer, notifier notification.Notifier, logger *slog.Logger, callTimeout time.Duration) *Service {
	return &Service{
		ledger:      ledgerBackend,
		guard:       guard,
		router:      router,
		pricer:      pricer,
		notifier:    notifier,
		logger:      logger,
		callTimeout: callTimeout,
	}
}

// Input captures a purchase request.
type Input struct {
	UserID         string
	Service        ledger.ServiceType
	Network        string
	Recipient      string
	Amount         int64
	PlanID         string
	IdempotencyKey string
}

// Receipt is the caller-facing outcome. A pending purchase in the receipt
// means the vendor response was ambiguous and a webhook will settle it.
type Receipt struct {
	Purchase ledger.Purchase
	Balance  int64
	Replayed bool
	Message  string
}

// Purchase runs the saga end to end.
func (s *Service) Purchase(ctx context.Context, in Input) (Receipt, error) {
	// 1. Replay short-circuit: a known idempotency key returns the prior
	// purchase's current state without any side effect.
	reserved := false
	if in.IdempotencyKey != "" && s.guard != nil {
		res, err := s.guard.Reserve(ctx, in.IdempotencyKey)
		if err != nil {
			return Receipt{}, err
		}
		if !res.Fresh {
			prior, err := s.ledger.Get(ctx, res.Reference)
			if err != nil {
				return Receipt{}, fmt.Errorf("load replayed purchase: %w", err)
			}
			balance, _ := s.ledger.Balance(ctx, prior.UserID)
			return Receipt{Purchase: prior, Balance: balance, Replayed: true, Message: statusMessage(prior.Status)}, nil
		}
		reserved = true
	}

	// 2. Validate, 3. price. Pure; aborting here releases the reservation so
	// the client may retry with the same key.
	if err := validate(in); err != nil {
		s.release(ctx, reserved, in.IdempotencyKey)
		return Receipt{}, err
	}
	quote, err := s.pricer.Quote(in.Service, in.Network, in.Amount, in.PlanID)
	if err != nil {
		s.release(ctx, reserved, in.IdempotencyKey)
		return Receipt{}, err
	}

	// 4. Atomic debit + pending row.
	p := ledger.Purchase{
		Reference: newReference(),
		UserID:    in.UserID,
		Service:   in.Service,
		Network:   in.Network,
		Recipient: in.Recipient,
		Amount:    quote.Amount,
		Cost:      quote.Cost,
		Detail:    ledger.Detail{"selling_price": quote.Amount, "vendor_cost": quote.Cost},
	}
	if quote.PlanID != "" {
		p.Detail["plan_id"] = quote.PlanID
		p.Detail["plan_name"] = quote.Description
	}
	created, err := s.ledger.DebitCreate(ctx, p)
	if err != nil {
		s.release(ctx, reserved, in.IdempotencyKey)
		return Receipt{}, err
	}

	if reserved {
		// The debit is committed; a bind failure only degrades replay
		// detection, so log and continue.
		if err := s.guard.Bind(ctx, in.IdempotencyKey, created.Reference); err != nil {
			s.logger.Error("idempotency bind failed", "reference", created.Reference, "error", err)
		}
	}

	return s.fulfill(ctx, created)
}

// Retry re-runs the saga for a failed purchase after an explicit
// administrative decision: the wallet is debited again and the purchase
// returns to pending before redispatch.
func (s *Service) Retry(ctx context.Context, reference string) (Receipt, error) {
	p, err := s.ledger.RetryDebit(ctx, reference)
	if err != nil {
		return Receipt{}, err
	}
	return s.fulfill(ctx, p)
}

// Refund posts a compensating reversal for a completed purchase.
func (s *Service) Refund(ctx context.Context, reference, note string) (ledger.Purchase, error) {
	reversal, err := s.ledger.Reverse(ctx, reference, note)
	if err != nil {
		return ledger.Purchase{}, err
	}
	s.notify(ctx, reversal, notification.KindPurchaseRefunded,
		fmt.Sprintf("Your purchase %s was refunded", reference))
	return reversal, nil
}

// Get returns the purchase's current state.
func (s *Service) Get(ctx context.Context, reference string) (ledger.Purchase, error) {
	return s.ledger.Get(ctx, reference)
}

// Stale lists purchases stuck in pending longer than the given age
// (defaulting to 30 minutes) for operator follow-up.
func (s *Service) Stale(ctx context.Context, olderThan time.Duration) ([]ledger.Purchase, error) {
	if olderThan <= 0 {
		olderThan = defaultStaleAfter
	}
	return s.ledger.ListStale(ctx, time.Now().UTC().Add(-olderThan))
}

// fulfill routes and dispatches a pending purchase, then settles it. The
// wallet is already debited; every exit from here goes through the ledger's
// finalize-if-pending CAS or deliberately leaves the row pending.
func (s *Service) fulfill(ctx context.Context, p ledger.Purchase) (Receipt, error) {
	// From here on a client disconnect must not abort settlement.
	ctx = context.WithoutCancel(ctx)

	// 5. Resolve vendor; no usable vendor fails the purchase and the CAS
	// finalize refunds the debit.
	primary, fallback, err := s.router.Route(p.Service, p.Network)
	if err != nil {
		final, won, ferr := s.ledger.Finalize(ctx, p.Reference, ledger.StatusFailed, "",
			ledger.Detail{"failure_reason": err.Error()})
		if ferr != nil {
			return Receipt{}, fmt.Errorf("finalize unroutable purchase: %w", ferr)
		}
		if won {
			s.notify(ctx, final, notification.KindPurchaseFailed, "No vendor is available for this service right now")
		}
		balance, _ := s.ledger.Balance(ctx, p.UserID)
		return Receipt{Purchase: final, Balance: balance}, err
	}

	if err := s.ledger.AttachDispatch(ctx, p.Reference, primary.ID(), "", nil); err != nil {
		s.logger.Error("attach dispatch failed", "reference", p.Reference, "error", err)
	}

	// 6. Vendor call, bounded, outside any database transaction.
	vendorID, outcome, callErr := s.dispatch(ctx, p, primary, fallback)

	switch {
	case callErr != nil || outcome.Status == vendors.OutcomeAmbiguous:
		// Timeout or unknown result: do NOT refund. The debit stands and the
		// row stays pending until the vendor's webhook settles it.
		detail := ledger.Detail{"dispatch_state": "ambiguous"}
		if callErr != nil {
			detail["dispatch_error"] = callErr.Error()
		}
		if outcome.Raw != nil {
			detail["vendor_payload"] = outcome.Raw
		}
		if err := s.ledger.AttachDispatch(ctx, p.Reference, vendorID, outcome.VendorReference, detail); err != nil {
			s.logger.Error("attach ambiguous dispatch failed", "reference", p.Reference, "error", err)
		}
		s.logger.Warn("vendor response ambiguous, awaiting webhook",
			"reference", p.Reference, "vendor", vendorID, "error", callErr)

		// Re-read: a fast webhook may already have settled the row.
		current, err := s.ledger.Get(ctx, p.Reference)
		if err != nil {
			return Receipt{}, err
		}
		if current.Status == ledger.StatusPending {
			s.notify(ctx, current, notification.KindPurchaseProcessing, "Your purchase is processing")
		}
		balance, _ := s.ledger.Balance(ctx, p.UserID)
		return Receipt{Purchase: current, Balance: balance, Message: statusMessage(current.Status)}, nil

	case outcome.Status == vendors.OutcomeSuccess:
		detail := ledger.Detail{"vendor_message": outcome.Message}
		if outcome.Raw != nil {
			detail["vendor_payload"] = outcome.Raw
		}
		final, won, err := s.ledger.Finalize(ctx, p.Reference, ledger.StatusCompleted, outcome.VendorReference, detail)
		if err != nil {
			return Receipt{}, fmt.Errorf("finalize completed purchase: %w", err)
		}
		if won {
			s.notify(ctx, final, notification.KindPurchaseCompleted, "Your purchase was successful")
		}
		balance, _ := s.ledger.Balance(ctx, p.UserID)
		return Receipt{Purchase: final, Balance: balance, Message: statusMessage(final.Status)}, nil

	default: // deterministic vendor rejection: refund via the CAS finalize
		detail := ledger.Detail{"failure_reason": outcome.Message}
		if outcome.Raw != nil {
			detail["vendor_payload"] = outcome.Raw
		}
		final, won, err := s.ledger.Finalize(ctx, p.Reference, ledger.StatusFailed, outcome.VendorReference, detail)
		if err != nil {
			return Receipt{}, fmt.Errorf("finalize rejected purchase: %w", err)
		}
		if won {
			s.notify(ctx, final, notification.KindPurchaseFailed, "Your purchase failed and was refunded")
		}
		balance, _ := s.ledger.Balance(ctx, p.UserID)
		return Receipt{Purchase: final, Balance: balance}, fmt.Errorf("%w: %s", ErrVendorRejected, outcome.Message)
	}
}

// dispatch calls the primary adapter and, on a deterministic rejection only,
// makes the single fallback attempt. Ambiguous outcomes never cascade to the
// fallback: the order may already be fulfilled.
func (s *Service) dispatch(ctx context.Context, p ledger.Purchase, primary, fallback vendors.Adapter) (string, vendors.Outcome, error) {
	req := vendors.Request{
		Reference: p.Reference,
		Service:   p.Service,
		Network:   p.Network,
		Recipient: p.Recipient,
		Amount:    p.Amount,
	}
	if planID, ok := p.Detail["plan_id"].(string); ok {
		req.PlanID = planID
	}

	outcome, err := s.callVendor(ctx, primary, req)
	if err != nil {
		return primary.ID(), outcome, err
	}
	if outcome.Status != vendors.OutcomeFailure || fallback == nil {
		return primary.ID(), outcome, nil
	}

	s.logger.Info("primary vendor rejected, trying fallback",
		"reference", p.Reference, "primary", primary.ID(), "fallback", fallback.ID(), "reason", outcome.Message)
	if err := s.ledger.AttachDispatch(ctx, p.Reference, fallback.ID(), "",
		ledger.Detail{"primary_vendor": primary.ID(), "primary_rejection": outcome.Message}); err != nil {
		s.logger.Error("attach fallback dispatch failed", "reference", p.Reference, "error", err)
	}

	fbOutcome, fbErr := s.callVendor(ctx, fallback, req)
	return fallback.ID(), fbOutcome, fbErr
}

func (s *Service) callVendor(ctx context.Context, adapter vendors.Adapter, req vendors.Request) (vendors.Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return adapter.Purchase(callCtx, req)
}

func (s *Service) release(ctx context.Context, reserved bool, key string) {
	if reserved && s.guard != nil {
		s.guard.Release(ctx, key)
	}
}

func (s *Service) notify(ctx context.Context, p ledger.Purchase, kind, body string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		Destination: p.UserID,
		Reference:   p.Reference,
		Body:        body,
	})
}

func validate(in Input) error {
	if in.UserID == "" {
		return ValidationError{Field: "user_id", Reason: "user id is required"}
	}
	switch in.Service {
	case ledger.ServiceAirtime, ledger.ServiceData, ledger.ServiceTV, ledger.ServiceBetting, ledger.ServiceExamPin:
	default:
		return ValidationError{Field: "service_type", Reason: "unknown service"}
	}
	if in.Recipient == "" {
		return ValidationError{Field: "recipient", Reason: "recipient is required"}
	}
	switch in.Service {
	case ledger.ServiceAirtime, ledger.ServiceData:
		if !validPhone(in.Recipient) {
			return ValidationError{Field: "recipient", Reason: "recipient must be a valid phone number"}
		}
		if in.Network == "" {
			return ValidationError{Field: "network", Reason: "network is required"}
		}
	}
	switch in.Service {
	case ledger.ServiceAirtime, ledger.ServiceBetting:
		if in.Amount < minAmount {
			return ValidationError{Field: "amount", Reason: fmt.Sprintf("amount must be at least %d", minAmount)}
		}
		if in.Amount > maxAmount {
			return ValidationError{Field: "amount", Reason: fmt.Sprintf("amount must not exceed %d", maxAmount)}
		}
	default:
		if in.PlanID == "" {
			return ValidationError{Field: "plan_id", Reason: "plan id is required"}
		}
	}
	return nil
}

func validPhone(recipient string) bool {
	digits := strings.TrimPrefix(recipient, "+")
	if len(digits) < 10 || len(digits) > 14 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func statusMessage(status ledger.Status) string {
	switch status {
	case ledger.StatusCompleted:
		return "successful"
	case ledger.StatusPending:
		return "processing"
	case ledger.StatusFailed:
		return "failed"
	case ledger.StatusCancelled:
		return "cancelled"
	default:
		return string(status)
	}
}

func newReference() string {
	return ulid.Make().String()
}
