package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownSkill signals an invoice request for a skill with no price.
	ErrUnknownSkill = errors.New("payment: unknown skill")
	// ErrInvoiceExpired signals a settlement attempt past the expiry.
	ErrInvoiceExpired = errors.New("payment: invoice expired")
	// ErrPaymentShortfall signals a proof claiming less than the invoice price.
	ErrPaymentShortfall = errors.New("payment: claimed amount below invoice price")
	// ErrInvalidProof signals a proof the chain does not corroborate.
	ErrInvalidProof = errors.New("payment: proof not corroborated on chain")
	// ErrRefundExceedsPaid signals a refund beyond the verified paid amount.
	ErrRefundExceedsPaid = errors.New("payment: refund exceeds paid amount")
	// ErrRefundsDisabled signals a refund attempt with no chain writer wired.
	ErrRefundsDisabled = errors.New("payment: refunds disabled")
)

// invoiceTTL is how long a quoted invoice remains payable.
const invoiceTTL = 600 * time.Second

// usdcDecimals converts USD invoice prices to USDC base units.
const usdcDecimals = 6

// ChainReader resolves a settlement transaction into per-owner token
// balance deltas. A not-found transaction is an ErrInvalidProof.
type ChainReader interface {
	TokenBalanceDeltas(ctx context.Context, txid string) ([]TokenDelta, error)
}

// ChainWriter issues refund transfers. Optional; a nil writer disables
// refund execution while keeping the bookkeeping path testable.
type ChainWriter interface {
	Transfer(ctx context.Context, to, mint string, units int64) (txid string, err error)
}

// InvoiceStore is the persistence the gateway needs; satisfied by *Repository.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	MarkPaid(ctx context.Context, id, txid string, units int64) (bool, error)
	AddRefund(ctx context.Context, id string, units int64) (bool, error)
}

// Gateway quotes invoices and verifies settlement proofs.
type Gateway struct {
	store    InvoiceStore
	chain    ChainReader
	payouts  ChainWriter
	prices   map[string]decimal.Decimal
	payTo    string
	mint     string
	currency string
	logger   *slog.Logger
	now      func() time.Time
	idGen    func() string
}

// GatewayConfig wires a Gateway. Prices maps skill name to USD price.
type GatewayConfig struct {
	Prices  map[string]decimal.Decimal
	PayTo   string
	Mint    string
	Chain   ChainReader
	Payouts ChainWriter
	Logger  *slog.Logger
}

func NewGateway(store InvoiceStore, cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:    store,
		chain:    cfg.Chain,
		payouts:  cfg.Payouts,
		prices:   cfg.Prices,
		payTo:    cfg.PayTo,
		mint:     cfg.Mint,
		currency: "USDC",
		logger:   logger,
		now:      time.Now,
		idGen:    func() string { return uuid.NewString() },
	}
}

// Price returns the quoted USD price for a skill.
func (g *Gateway) Price(skill string) (decimal.Decimal, error) {
	p, ok := g.prices[skill]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownSkill, skill)
	}
	return p, nil
}

// CreateInvoice quotes and persists a fresh unpaid invoice for the skill.
func (g *Gateway) CreateInvoice(ctx context.Context, skill string) (Invoice, error) {
	price, err := g.Price(skill)
	if err != nil {
		return Invoice{}, err
	}
	now := g.now().UTC()
	inv := Invoice{
		ID:        g.idGen(),
		Skill:     skill,
		PriceUSD:  price,
		Currency:  g.currency,
		PayTo:     g.payTo,
		Mint:      g.mint,
		ExpiresAt: now.Add(invoiceTTL),
		CreatedAt: now,
	}
	if err := g.store.CreateInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// requiredUnits is the invoice price in mint base units, rounded up so a
// payer can never settle for less than the quoted price.
func requiredUnits(price decimal.Decimal) int64 {
	return price.Shift(usdcDecimals).Ceil().IntPart()
}

// Verify checks a settlement proof and flips the invoice to paid.
// Re-verifying an already-paid invoice is a no-op success, so payer
// retries and duplicate webhooks converge on the same answer.
func (g *Gateway) Verify(ctx context.Context, invoiceID string, proof Proof) (Invoice, error) {
	inv, err := g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Paid {
		return inv, nil
	}
	if inv.Expired(g.now().UTC()) {
		return Invoice{}, ErrInvoiceExpired
	}

	need := requiredUnits(inv.PriceUSD)
	if proof.Amount < need {
		return Invoice{}, fmt.Errorf("%w: claimed %d, need %d", ErrPaymentShortfall, proof.Amount, need)
	}
	if proof.Mint != inv.Mint {
		return Invoice{}, fmt.Errorf("%w: mint mismatch", ErrInvalidProof)
	}

	deltas, err := g.chain.TokenBalanceDeltas(ctx, proof.Txid)
	if err != nil {
		return Invoice{}, err
	}
	var received int64
	for _, d := range deltas {
		if d.Owner == inv.PayTo && d.Mint == inv.Mint && d.Delta > 0 {
			received += d.Delta
		}
	}
	if received < need {
		return Invoice{}, fmt.Errorf("%w: chain shows %d units, need %d", ErrInvalidProof, received, need)
	}

	flipped, err := g.store.MarkPaid(ctx, invoiceID, proof.Txid, received)
	if err != nil {
		return Invoice{}, err
	}
	if !flipped {
		// Lost the race or expired mid-flight; re-read to decide which.
		inv, err = g.store.GetInvoice(ctx, invoiceID)
		if err != nil {
			return Invoice{}, err
		}
		if inv.Paid {
			return inv, nil
		}
		return Invoice{}, ErrInvoiceExpired
	}
	return g.store.GetInvoice(ctx, invoiceID)
}

// RequirePaid reports whether the invoice is settled; used by the runner
// as the gate before any skill execution.
func (g *Gateway) RequirePaid(ctx context.Context, invoiceID string) (bool, error) {
	inv, err := g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	return inv.Paid, nil
}

// Refund returns up to the verified paid amount to the payer. The ledger
// bound is enforced atomically in the store; the transfer happens only
// after the bookkeeping succeeds.
func (g *Gateway) Refund(ctx context.Context, invoiceID, to string, units int64) (string, error) {
	if units <= 0 {
		return "", fmt.Errorf("%w: units must be positive", ErrRefundExceedsPaid)
	}
	if g.payouts == nil {
		return "", ErrRefundsDisabled
	}
	inv, err := g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}

	ok, err := g.store.AddRefund(ctx, invoiceID, units)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: invoice %s", ErrRefundExceedsPaid, invoiceID)
	}

	txid, err := g.payouts.Transfer(ctx, to, inv.Mint, units)
	if err != nil {
		g.logger.Error("refund transfer failed after ledger update",
			"invoice_id", invoiceID, "units", units, "err", err)
		return "", fmt.Errorf("payment: refund transfer: %w", err)
	}
	return txid, nil
}
