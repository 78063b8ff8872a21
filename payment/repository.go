package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvoiceNotFound signals an unknown invoice id.
	ErrInvoiceNotFound = errors.New("payment: invoice not found")
)

// Repository persists invoices. The paid flip and refund accumulation are
// single-statement compare-and-set updates so concurrent settlement
// attempts resolve to exactly one winner without explicit locking.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateInvoice(ctx context.Context, inv Invoice) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invoices (id, skill, price_usd, currency, pay_to, mint, expires_at, paid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`, inv.ID, inv.Skill, inv.PriceUSD, inv.Currency, inv.PayTo, inv.Mint, inv.ExpiresAt, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("payment: create invoice: %w", err)
	}
	return nil
}

func (r *Repository) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var inv Invoice
	err := r.pool.QueryRow(ctx, `
		SELECT id, skill, price_usd, currency, pay_to, mint, expires_at,
		       paid, COALESCE(paid_txid, ''), paid_units, refunded_units, created_at
		FROM invoices WHERE id = $1
	`, id).Scan(&inv.ID, &inv.Skill, &inv.PriceUSD, &inv.Currency, &inv.PayTo, &inv.Mint,
		&inv.ExpiresAt, &inv.Paid, &inv.PaidTxid, &inv.PaidUnits, &inv.RefundedUnits, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("payment: get invoice: %w", err)
	}
	return inv, nil
}

// MarkPaid flips the invoice to paid if and only if it is still unpaid and
// unexpired. Returns false when the guard fails; the caller re-reads to
// distinguish an already-settled invoice from an expired one.
func (r *Repository) MarkPaid(ctx context.Context, id, txid string, units int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices
		SET paid = TRUE, paid_txid = $2, paid_units = $3
		WHERE id = $1 AND NOT paid AND expires_at > now()
	`, id, txid, units)
	if err != nil {
		return false, fmt.Errorf("payment: mark paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddRefund accumulates refunded units, bounded by what was actually paid.
// Returns false when the bound would be exceeded or the invoice is unpaid.
func (r *Repository) AddRefund(ctx context.Context, id string, units int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices
		SET refunded_units = refunded_units + $2
		WHERE id = $1 AND paid AND refunded_units + $2 <= paid_units
	`, id, units)
	if err != nil {
		return false, fmt.Errorf("payment: add refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
