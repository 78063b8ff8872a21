// Package payment implements the x402 payment gateway: invoices are
// quoted for skills, settlement proofs are verified against on-chain
// token-balance deltas, and paid invoices can be partially refunded.
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is a payment demand for one prospective skill run. Created
// unpaid with a short expiry; the paid flag flips exactly once.
type Invoice struct {
	ID            string          `json:"id"`
	Skill         string          `json:"skill"`
	PriceUSD      decimal.Decimal `json:"price_usd"`
	Currency      string          `json:"currency"`
	PayTo         string          `json:"pay_to"`
	Mint          string          `json:"mint"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Paid          bool            `json:"paid"`
	PaidTxid      string          `json:"paid_txid,omitempty"`
	PaidUnits     int64           `json:"paid_units,omitempty"`
	RefundedUnits int64           `json:"refunded_units,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Expired reports whether the invoice can no longer be settled.
func (inv Invoice) Expired(now time.Time) bool {
	return !now.Before(inv.ExpiresAt)
}

// Proof is the payer's settlement claim: a chain transaction said to move
// Amount base units of Mint to the merchant account.
type Proof struct {
	Chain  string `json:"chain"`
	Txid   string `json:"txid"`
	Mint   string `json:"mint"`
	Amount int64  `json:"amount"`
}

// TokenDelta is one account's net balance change for a mint within a
// transaction, in base units.
type TokenDelta struct {
	Owner string
	Mint  string
	Delta int64
}
