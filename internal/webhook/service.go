package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vendly/vendly/internal/ledger"
	"github.com/vendly/vendly/internal/notification"
)

// Event is the normalized vendor callback. Reference is the correlation key
// the orchestrator sent at dispatch time; VendorReference is the vendor's own
// transaction id, when present.
type Event struct {
	VendorID        string
	Reference       string
	VendorReference string
	Status          string
	Amount          int64
	Raw             map[string]any
}

// Service resolves transactions left indeterminate by the synchronous path.
// It races the orchestrator's own continuation for the same row; the ledger's
// finalize-if-pending CAS guarantees only one of them settles and refunds.
type Service struct {
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs a reconciler.
func NewService(ledgerBackend ledger.Ledger, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{ledger: ledgerBackend, notifier: notifier, logger: logger}
}

// Reconcile applies a vendor status callback. A nil return means the event
// was fully absorbed, including the no-op cases (unknown reference, already
// terminal, unrecognized status); the HTTP layer acks the vendor regardless.
func (s *Service) Reconcile(ctx context.Context, ev Event) error {
	p, err := s.lookup(ctx, ev)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("webhook for unknown transaction",
				"vendor", ev.VendorID, "reference", ev.Reference, "vendor_reference", ev.VendorReference)
			return nil
		}
		return fmt.Errorf("lookup webhook transaction: %w", err)
	}

	if p.Status.Terminal() {
		// The synchronous path settled first; this is the primary defense
		// against double settlement.
		s.logger.Debug("webhook for settled transaction", "reference", p.Reference, "status", p.Status)
		return nil
	}

	status, ok := mapVendorStatus(ev.Status)
	if !ok {
		s.logger.Warn("webhook with unrecognized status",
			"vendor", ev.VendorID, "reference", p.Reference, "vendor_status", ev.Status)
		return nil
	}

	detail := ledger.Detail{"webhook_status": ev.Status}
	if ev.Raw != nil {
		detail["webhook_payload"] = ev.Raw
	}
	if ev.Amount != 0 && ev.Amount != p.Amount {
		// settle anyway; the mismatch is kept for audit
		detail["webhook_amount_mismatch"] = ev.Amount
		s.logger.Warn("webhook amount mismatch",
			"reference", p.Reference, "expected", p.Amount, "reported", ev.Amount)
	}

	final, won, err := s.ledger.Finalize(ctx, p.Reference, status, ev.VendorReference, detail)
	if err != nil {
		return fmt.Errorf("finalize from webhook: %w", err)
	}
	if !won {
		// lost the race after our pending read; no wallet mutation, no
		// notification
		return nil
	}

	switch status {
	case ledger.StatusCompleted:
		s.notify(ctx, final, notification.KindPurchaseCompleted, "Your purchase was successful")
	default:
		s.notify(ctx, final, notification.KindPurchaseFailed, "Your purchase failed and was refunded")
	}
	s.logger.Info("transaction settled by webhook",
		"reference", final.Reference, "status", final.Status, "vendor", ev.VendorID)
	return nil
}

func (s *Service) lookup(ctx context.Context, ev Event) (ledger.Purchase, error) {
	if ev.Reference != "" {
		p, err := s.ledger.Get(ctx, ev.Reference)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) {
			return p, err
		}
	}
	if ev.VendorReference != "" {
		return s.ledger.FindByVendorReference(ctx, ev.VendorReference)
	}
	return ledger.Purchase{}, ledger.ErrNotFound
}

// mapVendorStatus folds the vendor status vocabulary into a terminal ledger
// status. Delivered confirms without refund; failed and reversed refund via
// the CAS finalize.
func mapVendorStatus(status string) (ledger.Status, bool) {
	switch strings.ToLower(status) {
	case "delivered", "success", "successful", "completed":
		return ledger.StatusCompleted, true
	case "failed", "rejected", "error":
		return ledger.StatusFailed, true
	case "reversed", "refunded", "cancelled":
		return ledger.StatusCancelled, true
	default:
		return "", false
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
