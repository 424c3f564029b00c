package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryLedger struct {
	mu          sync.RWMutex
	wallets     map[string]int64
	purchases   map[string]*Purchase
	byVendorRef map[string]string
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and database-less development mode.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		wallets:     make(map[string]int64),
		purchases:   make(map[string]*Purchase),
		byVendorRef: make(map[string]string),
	}
}

func (l *inMemoryLedger) EnsureWallet(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.wallets[userID]; !exists {
		l.wallets[userID] = 0
	}
	return nil
}

func (l *inMemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance, exists := l.wallets[userID]
	if !exists {
		return 0, ErrWalletNotFound
	}
	return balance, nil
}

func (l *inMemoryLedger) Credit(_ context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, exists := l.wallets[userID]
	if !exists {
		return 0, ErrWalletNotFound
	}
	balance += amount
	l.wallets[userID] = balance
	return balance, nil
}

func (l *inMemoryLedger) DebitCreate(_ context.Context, p Purchase) (Purchase, error) {
	if p.Amount <= 0 {
		return Purchase{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.purchases[p.Reference]; exists {
		return Purchase{}, ErrDuplicateReference
	}

	balance, exists := l.wallets[p.UserID]
	if !exists {
		return Purchase{}, ErrWalletNotFound
	}
	if balance < p.Amount {
		return Purchase{}, ErrInsufficientBalance
	}
	l.wallets[p.UserID] = balance - p.Amount

	now := time.Now().UTC()
	stored := p
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = StatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Detail = cloneDetail(p.Detail)

	l.purchases[stored.Reference] = &stored
	if stored.VendorReference != "" {
		l.byVendorRef[stored.VendorReference] = stored.Reference
	}
	return copyPurchase(&stored), nil
}

func (l *inMemoryLedger) Finalize(_ context.Context, reference string, status Status, vendorRef string, detail Detail) (Purchase, bool, error) {
	if !status.Terminal() {
		return Purchase{}, false, fmt.Errorf("finalize to non-terminal status %q", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, exists := l.purchases[reference]
	if !exists {
		return Purchase{}, false, ErrNotFound
	}
	if stored.Status != StatusPending {
		return copyPurchase(stored), false, nil
	}

	stored.Status = status
	if vendorRef != "" {
		stored.VendorReference = vendorRef
		l.byVendorRef[vendorRef] = reference
	}
	mergeDetail(stored, detail)
	stored.UpdatedAt = time.Now().UTC()

	if status == StatusFailed || status == StatusCancelled {
		l.wallets[stored.UserID] += stored.Amount
	}

	return copyPurchase(stored), true, nil
}

func (l *inMemoryLedger) AttachDispatch(_ context.Context, reference, vendorID, vendorRef string, detail Detail) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, exists := l.purchases[reference]
	if !exists {
		return ErrNotFound
	}
	if stored.Status != StatusPending {
		return nil
	}

	if vendorID != "" {
		stored.VendorID = vendorID
	}
	if vendorRef != "" {
		stored.VendorReference = vendorRef
		l.byVendorRef[vendorRef] = reference
	}
	mergeDetail(stored, detail)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *inMemoryLedger) Get(_ context.Context, reference string) (Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stored, exists := l.purchases[reference]
	if !exists {
		return Purchase{}, ErrNotFound
	}
	return copyPurchase(stored), nil
}

func (l *inMemoryLedger) FindByVendorReference(_ context.Context, vendorRef string) (Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	reference, exists := l.byVendorRef[vendorRef]
	if !exists {
		return Purchase{}, ErrNotFound
	}
	stored, exists := l.purchases[reference]
	if !exists {
		return Purchase{}, ErrNotFound
	}
	return copyPurchase(stored), nil
}

func (l *inMemoryLedger) Reverse(_ context.Context, reference, note string) (Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	original, exists := l.purchases[reference]
	if !exists {
		return Purchase{}, ErrNotFound
	}
	if original.Status != StatusCompleted {
		return Purchase{}, fmt.Errorf("reverse %s purchase: %w", original.Status, ErrNotRetryable)
	}
	if _, reversed := original.Detail["reversed_by"]; reversed {
		return Purchase{}, ErrAlreadyReversed
	}

	now := time.Now().UTC()
	reversal := Purchase{
		ID:        uuid.NewString(),
		Reference: "rev-" + reference,
		UserID:    original.UserID,
		Service:   ServiceReversal,
		Network:   original.Network,
		Recipient: original.Recipient,
		Amount:    original.Amount,
		Status:    StatusCompleted,
		VendorID:  original.VendorID,
		Detail:    Detail{"reversal_of": reference, "note": note},
		CreatedAt: now,
		UpdatedAt: now,
	}

	l.wallets[original.UserID] += original.Amount
	l.purchases[reversal.Reference] = &reversal
	if original.Detail == nil {
		original.Detail = Detail{}
	}
	original.Detail["reversed_by"] = reversal.Reference
	original.UpdatedAt = now

	return copyPurchase(&reversal), nil
}

func (l *inMemoryLedger) RetryDebit(_ context.Context, reference string) (Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, exists := l.purchases[reference]
	if !exists {
		return Purchase{}, ErrNotFound
	}
	if stored.Status != StatusFailed {
		return Purchase{}, ErrNotRetryable
	}

	balance := l.wallets[stored.UserID]
	if balance < stored.Amount {
		return Purchase{}, ErrInsufficientBalance
	}
	l.wallets[stored.UserID] = balance - stored.Amount

	now := time.Now().UTC()
	stored.Status = StatusPending
	mergeDetail(stored, Detail{"retried_at": now.Format(time.RFC3339Nano)})
	stored.UpdatedAt = now

	return copyPurchase(stored), nil
}

func (l *inMemoryLedger) ListStale(_ context.Context, cutoff time.Time) ([]Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stale []Purchase
	for _, stored := range l.purchases {
		if stored.Status == StatusPending && stored.UpdatedAt.Before(cutoff) {
			stale = append(stale, copyPurchase(stored))
		}
	}
	return stale, nil
}

func mergeDetail(p *Purchase, detail Detail) {
	if len(detail) == 0 {
		return
	}
	if p.Detail == nil {
		p.Detail = Detail{}
	}
	for k, v := range detail {
		p.Detail[k] = v
	}
}

func cloneDetail(detail Detail) Detail {
	if detail == nil {
		return nil
	}
	out := make(Detail, len(detail))
	for k, v := range detail {
		out[k] = v
	}
	return out
}

func copyPurchase(p *Purchase) Purchase {
	out := *p
	out.Detail = cloneDetail(p.Detail)
	return out
}
