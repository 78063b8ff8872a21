// Package receipt implements the signed execution record and its canonical
// serialization. A receipt is created once at execution time, signed with the
// runner's ed25519 key, appended to the durable log, and later batched into a
// Merkle root for external anchoring.
package receipt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AlgoEd25519 is the only signature algorithm receipts carry.
const AlgoEd25519 = "ed25519"

var (
	// ErrUnsigned signals a verification attempt on a receipt without a signature.
	ErrUnsigned = errors.New("receipt: not signed")
)

// Fees records the on-chain cost breakdown of one execution.
type Fees struct {
	Lamports        int64  `json:"lamports"`
	JitoTipLamports int64  `json:"jito_tip_lamports,omitempty"`
	USDC            string `json:"usdc,omitempty"`
}

// GuardSummary is the guard verdict embedded into a receipt. It mirrors the
// fields of guard.Verdict so a signed receipt stands alone for audit.
type GuardSummary struct {
	FreshnessS     float64 `json:"freshness_s"`
	SlippageBps    int     `json:"slippage_bps"`
	NotionalUSD    float64 `json:"notional_usd"`
	PriceDeviation float64 `json:"price_deviation"`
	TxFeeSOL       float64 `json:"tx_fee_sol"`
	Verdict        string  `json:"verdict"`
}

// Refs binds the receipt to the external data its decision was based on.
type Refs struct {
	PythIDs           []string `json:"pyth_ids,omitempty"`
	QuoteResponseHash string   `json:"quote_response_hash,omitempty"`
	ConfigHash        string   `json:"config_hash,omitempty"`
}

// Signature is the detached signature attached to a receipt after Sign.
type Signature struct {
	Algo string `json:"algo"`
	Sig  string `json:"sig"`
}

// Receipt is the canonical record of one execution. Immutable once signed:
// the signature covers every other field via canonical serialization.
type Receipt struct {
	RunnerPubkey string         `json:"runner_pubkey"`
	Agent        string         `json:"agent"`
	TaskID       string         `json:"task_id"`
	WhenUnix     int64          `json:"when_unix"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs"`
	Protocols    []string       `json:"protocols"`
	Fees         Fees           `json:"fees"`
	CostUSD      string         `json:"cost_usd"`
	Guards       GuardSummary   `json:"guards"`
	Refs         Refs           `json:"refs"`
	Sign         *Signature     `json:"sign,omitempty"`
}

// Day returns the receipt's anchoring day as YYYYMMDD in UTC.
func (r Receipt) Day() int {
	t := time.Unix(r.WhenUnix, 0).UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// CanonicalBytes serializes v with stable key ordering, so the result is
// independent of struct field order and of the insertion order of map keys.
// Both the signer and the verifier must go through this exact path.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("receipt: marshal: %w", err)
	}

	// Round-trip through any: encoding/json sorts map keys on the way out.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("receipt: canonicalize: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonical marshal: %w", err)
	}
	return out, nil
}

// SignReceipt returns a copy of r with an ed25519 signature over the
// canonical serialization of every field except Sign.
func SignReceipt(r Receipt, priv ed25519.PrivateKey) (Receipt, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Receipt{}, fmt.Errorf("receipt: bad private key length %d", len(priv))
	}

	r.Sign = nil
	payload, err := CanonicalBytes(r)
	if err != nil {
		return Receipt{}, err
	}

	sig := ed25519.Sign(priv, payload)
	r.Sign = &Signature{
		Algo: AlgoEd25519,
		Sig:  base64.StdEncoding.EncodeToString(sig),
	}
	return r, nil
}

// VerifyReceipt re-serializes the receipt sans Sign and checks the signature.
// Any mutation to any signed field makes this return false.
func VerifyReceipt(r Receipt, pub ed25519.PublicKey) (bool, error) {
	if r.Sign == nil || r.Sign.Sig == "" {
		return false, ErrUnsigned
	}
	if r.Sign.Algo != AlgoEd25519 {
		return false, fmt.Errorf("receipt: unsupported algo %q", r.Sign.Algo)
	}

	sig, err := base64.StdEncoding.DecodeString(r.Sign.Sig)
	if err != nil {
		return false, fmt.Errorf("receipt: decode signature: %w", err)
	}

	r.Sign = nil
	payload, err := CanonicalBytes(r)
	if err != nil {
		return false, err
	}

	return ed25519.Verify(pub, payload, sig), nil
}

// ContentHash returns the "sha256:<hex>" content address of a serialized
// receipt body, used as the receipt's identity in the log and in refs.
func ContentHash(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return "sha256:" + hex.EncodeToString(sum[:])
}
