package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const purchaseColumns = `id, reference, user_id, service, network, recipient,
        amount, cost, status, vendor_id, vendor_reference, detail, created_at, updated_at`

// PostgresLedger persists wallets and purchases in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureWallet guarantees a wallet row exists for the user.
func (l *PostgresLedger) EnsureWallet(ctx context.Context, userID string) error {
	_, err := l.db.Exec(ctx, `INSERT INTO wallets (user_id, balance) VALUES ($1, 0)
        ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// Balance returns the wallet's current spendable balance.
func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	return balance, err
}

// Credit adds funds to the wallet and returns the new balance.
func (l *PostgresLedger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := l.db.QueryRow(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = now()
        WHERE user_id = $1 RETURNING balance`, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	return balance, err
}

// DebitCreate debits the wallet and inserts the pending purchase in a single
// database transaction. The conditional UPDATE carries the balance check, so
// two concurrent debits against one wallet serialize on the row and cannot
// both pass against a stale balance.
func (l *PostgresLedger) DebitCreate(ctx context.Context, p Purchase) (Purchase, error) {
	if p.Amount <= 0 {
		return Purchase{}, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Purchase{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	res, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance - $2, updated_at = now()
        WHERE user_id = $1 AND balance >= $2`, p.UserID, p.Amount)
	if err != nil {
		return Purchase{}, err
	}
	if res.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM wallets WHERE user_id = $1`, p.UserID).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Purchase{}, ErrWalletNotFound
			}
			return Purchase{}, err
		}
		return Purchase{}, ErrInsufficientBalance
	}

	detail, err := marshalDetail(p.Detail)
	if err != nil {
		return Purchase{}, err
	}

	stored := p
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = StatusPending

	err = tx.QueryRow(ctx, `INSERT INTO purchases
        (id, reference, user_id, service, network, recipient, amount, cost, status, vendor_id, vendor_reference, detail)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING created_at, updated_at`,
		stored.ID, stored.Reference, stored.UserID, stored.Service, stored.Network, stored.Recipient,
		stored.Amount, stored.Cost, stored.Status, stored.VendorID, stored.VendorReference, detail,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Purchase{}, ErrDuplicateReference
		}
		return Purchase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, err
	}
	return stored, nil
}

// Finalize performs the finalize-if-pending compare-and-set. The row is
// locked for the duration so the orchestrator and the webhook reconciler
// cannot both settle it; the refund credit for failed/cancelled outcomes is
// posted in the same transaction as the status flip.
func (l *PostgresLedger) Finalize(ctx context.Context, reference string, status Status, vendorRef string, detail Detail) (Purchase, bool, error) {
	if !status.Terminal() {
		return Purchase{}, false, fmt.Errorf("finalize to non-terminal status %q", status)
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Purchase{}, false, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := lockPurchase(ctx, tx, reference)
	if err != nil {
		return Purchase{}, false, err
	}
	if current.Status != StatusPending {
		return current, false, nil
	}

	updated := current
	updated.Status = status
	if vendorRef != "" {
		updated.VendorReference = vendorRef
	}
	mergeDetail(&updated, detail)

	payload, err := marshalDetail(updated.Detail)
	if err != nil {
		return Purchase{}, false, err
	}

	err = tx.QueryRow(ctx, `UPDATE purchases
        SET status = $2, vendor_reference = $3, detail = $4, updated_at = now()
        WHERE reference = $1 AND status = 'pending'
        RETURNING updated_at`, reference, updated.Status, updated.VendorReference, payload,
	).Scan(&updated.UpdatedAt)
	if err != nil {
		return Purchase{}, false, err
	}

	if status == StatusFailed || status == StatusCancelled {
		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = now()
            WHERE user_id = $1`, updated.UserID, updated.Amount); err != nil {
			return Purchase{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, false, err
	}
	return updated, true, nil
}

// AttachDispatch records the routed vendor and its reference on a still
// pending purchase. A terminal row is left untouched.
func (l *PostgresLedger) AttachDispatch(ctx context.Context, reference, vendorID, vendorRef string, detail Detail) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := lockPurchase(ctx, tx, reference)
	if err != nil {
		return err
	}
	if current.Status != StatusPending {
		return nil
	}

	if vendorID != "" {
		current.VendorID = vendorID
	}
	if vendorRef != "" {
		current.VendorReference = vendorRef
	}
	mergeDetail(&current, detail)

	payload, err := marshalDetail(current.Detail)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE purchases
        SET vendor_id = $2, vendor_reference = $3, detail = $4, updated_at = now()
        WHERE reference = $1 AND status = 'pending'`,
		reference, current.VendorID, current.VendorReference, payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Get fetches a purchase by reference.
func (l *PostgresLedger) Get(ctx context.Context, reference string) (Purchase, error) {
	row := l.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE reference = $1`, reference)
	return scanPurchase(row)
}

// FindByVendorReference fetches a purchase by the vendor-side reference.
func (l *PostgresLedger) FindByVendorReference(ctx context.Context, vendorRef string) (Purchase, error) {
	row := l.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases
        WHERE vendor_reference = $1 AND vendor_reference <> ''`, vendorRef)
	return scanPurchase(row)
}

// Reverse posts a compensating reversal row for a completed purchase and
// credits the wallet, leaving the original row's status untouched.
func (l *PostgresLedger) Reverse(ctx context.Context, reference, note string) (Purchase, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Purchase{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	original, err := lockPurchase(ctx, tx, reference)
	if err != nil {
		return Purchase{}, err
	}
	if original.Status != StatusCompleted {
		return Purchase{}, fmt.Errorf("reverse %s purchase: %w", original.Status, ErrNotRetryable)
	}
	if _, reversed := original.Detail["reversed_by"]; reversed {
		return Purchase{}, ErrAlreadyReversed
	}

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
	}

	payload, err := marshalDetail(reversal.Detail)
	if err != nil {
		return Purchase{}, err
	}

	err = tx.QueryRow(ctx, `INSERT INTO purchases
        (id, reference, user_id, service, network, recipient, amount, cost, status, vendor_id, vendor_reference, detail)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', $11)
        RETURNING created_at, updated_at`,
		reversal.ID, reversal.Reference, reversal.UserID, reversal.Service, reversal.Network,
		reversal.Recipient, reversal.Amount, reversal.Cost, reversal.Status, reversal.VendorID, payload,
	).Scan(&reversal.CreatedAt, &reversal.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Purchase{}, ErrAlreadyReversed
		}
		return Purchase{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = now()
        WHERE user_id = $1`, original.UserID, original.Amount); err != nil {
		return Purchase{}, err
	}

	mergeDetail(&original, Detail{"reversed_by": reversal.Reference})
	originalPayload, err := marshalDetail(original.Detail)
	if err != nil {
		return Purchase{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE purchases SET detail = $2, updated_at = now()
        WHERE reference = $1`, reference, originalPayload); err != nil {
		return Purchase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, err
	}
	return reversal, nil
}

// RetryDebit moves a failed purchase back to pending and debits the wallet
// again, under one transaction.
func (l *PostgresLedger) RetryDebit(ctx context.Context, reference string) (Purchase, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Purchase{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := lockPurchase(ctx, tx, reference)
	if err != nil {
		return Purchase{}, err
	}
	if current.Status != StatusFailed {
		return Purchase{}, ErrNotRetryable
	}

	res, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance - $2, updated_at = now()
        WHERE user_id = $1 AND balance >= $2`, current.UserID, current.Amount)
	if err != nil {
		return Purchase{}, err
	}
	if res.RowsAffected() == 0 {
		return Purchase{}, ErrInsufficientBalance
	}

	current.Status = StatusPending
	mergeDetail(&current, Detail{"retried_at": time.Now().UTC().Format(time.RFC3339Nano)})
	payload, err := marshalDetail(current.Detail)
	if err != nil {
		return Purchase{}, err
	}

	err = tx.QueryRow(ctx, `UPDATE purchases SET status = 'pending', detail = $2, updated_at = now()
        WHERE reference = $1 RETURNING updated_at`, reference, payload).Scan(&current.UpdatedAt)
	if err != nil {
		return Purchase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, err
	}
	return current, nil
}

// ListStale returns pending purchases last updated before the cutoff.
func (l *PostgresLedger) ListStale(ctx context.Context, cutoff time.Time) ([]Purchase, error) {
	rows, err := l.db.Query(ctx, `SELECT `+purchaseColumns+` FROM purchases
        WHERE status = 'pending' AND updated_at < $1 ORDER BY updated_at`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, p)
	}
	return stale, rows.Err()
}

func lockPurchase(ctx context.Context, tx pgx.Tx, reference string) (Purchase, error) {
	row := tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases
        WHERE reference = $1 FOR UPDATE`, reference)
	return scanPurchase(row)
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	var detail []byte
	err := row.Scan(&p.ID, &p.Reference, &p.UserID, &p.Service, &p.Network, &p.Recipient,
		&p.Amount, &p.Cost, &p.Status, &p.VendorID, &p.VendorReference, &detail, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &p.Detail); err != nil {
			return Purchase{}, fmt.Errorf("decode purchase detail: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func marshalDetail(detail Detail) ([]byte, error) {
	if detail == nil {
		return []byte(`{}`), nil
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("encode purchase detail: %w", err)
	}
	return payload, nil
}
