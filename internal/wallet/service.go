package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vendly/vendly/internal/ledger"
)

// Service exposes wallet operations backed by the ledger.
type Service struct {
	ledger ledger.Ledger
}

// NewService builds a wallet service instance.
func NewService(ledgerBackend ledger.Ledger) *Service {
	return &Service{ledger: ledgerBackend}
}

// Balance encapsulates available funds for a wallet at a point in time.
type Balance struct {
	UserID string
	Amount int64
	AsOf   time.Time
}

// Ensure provisions a zero-balance wallet for the user if none exists.
func (s *Service) Ensure(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return err
	}
	return s.ledger.EnsureWallet(ctx, userID)
}

// Balance returns a read-only snapshot of the wallet's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	amount, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserID: userID, Amount: amount, AsOf: time.Now().UTC()}, nil
}

// TopUp credits the wallet and returns the new balance.
func (s *Service) TopUp(ctx context.Context, userID string, amount int64) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ledger.ErrInvalidAmount
	}
	newBalance, err := s.ledger.Credit(ctx, userID, amount)
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserID: userID, Amount: newBalance, AsOf: time.Now().UTC()}, nil
}
