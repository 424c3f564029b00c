package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientBalance occurs when a wallet lacks available balance to
	// cover a requested debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound indicates no purchase exists for the given reference.
	ErrNotFound = errors.New("purchase not found")

	// ErrWalletNotFound indicates the user has no provisioned wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrDuplicateReference indicates the purchase reference already exists.
	ErrDuplicateReference = errors.New("duplicate purchase reference")

	// ErrAlreadyReversed indicates a compensating reversal was already posted
	// for the purchase.
	ErrAlreadyReversed = errors.New("purchase already reversed")

	// ErrNotRetryable indicates the purchase is not in a state an administrator
	// may retry from.
	ErrNotRetryable = errors.New("purchase is not retryable")

	// ErrInvalidAmount rejects non-positive monetary amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// ServiceType identifies the prepaid product line a purchase belongs to.
type ServiceType string

const (
	ServiceAirtime  ServiceType = "airtime"
	ServiceData     ServiceType = "data"
	ServiceTV       ServiceType = "tv"
	ServiceBetting  ServiceType = "betting"
	ServiceExamPin  ServiceType = "exam_pin"
	ServiceReversal ServiceType = "reversal"
)

// Status is the lifecycle state of a purchase. Transitions out of pending
// happen exactly once, through Finalize; failed may return to pending only
// via an explicit administrative RetryDebit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Detail is an opaque audit blob stored with the purchase (cost breakdown,
// recipient, vendor payloads). Persisted as JSONB in Postgres.
type Detail map[string]any

// Purchase is a single purchase attempt. Amount is the selling price debited
// from the wallet, Cost the vendor cost, both in minor currency units.
type Purchase struct {
	ID              string
	Reference       string
	UserID          string
	Service         ServiceType
	Network         string
	Recipient       string
	Amount          int64
	Cost            int64
	Status          Status
	VendorID        string
	VendorReference string
	Detail          Detail
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Ledger is the single source of truth for wallet balances and purchase rows.
// Both the purchase orchestrator and the webhook reconciler settle through it;
// Finalize is the compare-and-set arbiter between the two.
type Ledger interface {
	// EnsureWallet provisions a zero-balance wallet if none exists.
	EnsureWallet(ctx context.Context, userID string) error

	// Balance returns the wallet's current spendable balance.
	Balance(ctx context.Context, userID string) (int64, error)

	// Credit adds funds to the wallet (top-up) and returns the new balance.
	Credit(ctx context.Context, userID string, amount int64) (int64, error)

	// DebitCreate atomically debits the wallet for p.Amount and inserts the
	// purchase as pending. The balance check and the debit execute under a
	// single transaction so concurrent debits cannot both pass against a
	// stale balance. On ErrInsufficientBalance no row is created.
	DebitCreate(ctx context.Context, p Purchase) (Purchase, error)

	// Finalize transitions the purchase out of pending, but only if it is
	// still pending (compare-and-set). When the CAS wins and the terminal
	// status is failed or cancelled, the wallet is credited back p.Amount in
	// the same transaction, so a debit is refunded at most once no matter how
	// many writers race. The losing writer gets won=false, the current row
	// and no error. A non-empty vendorRef and the detail entries are merged
	// into the row.
	Finalize(ctx context.Context, reference string, status Status, vendorRef string, detail Detail) (p Purchase, won bool, err error)

	// AttachDispatch records which vendor the purchase was sent to, and any
	// vendor-side reference, while the purchase is still pending. Terminal
	// rows are left untouched.
	AttachDispatch(ctx context.Context, reference, vendorID, vendorRef string, detail Detail) error

	// Get fetches a purchase by its reference.
	Get(ctx context.Context, reference string) (Purchase, error)

	// FindByVendorReference fetches a purchase by the vendor-side reference
	// captured at dispatch or finalization time.
	FindByVendorReference(ctx context.Context, vendorRef string) (Purchase, error)

	// Reverse posts a compensating reversal for a completed purchase: a new
	// reversal row plus a wallet credit, leaving the original row untouched.
	// At most one reversal per purchase.
	Reverse(ctx context.Context, reference, note string) (Purchase, error)

	// RetryDebit moves a failed purchase back to pending and debits the
	// wallet again, atomically. Administrative use only.
	RetryDebit(ctx context.Context, reference string) (Purchase, error)

	// ListStale returns pending purchases last updated before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]Purchase, error)
}
