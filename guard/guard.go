// Package guard is the stateless pre-trade risk evaluator. Given swap
// parameters and a guard profile it fetches a reference price and an
// execution quote, computes freshness, slippage, price-deviation, notional
// and fee metrics, and returns a deterministic OK/FAIL verdict.
//
// A FAIL verdict is an expected business outcome and is returned without an
// error. An unavailable quote is not: without it the notional and deviation
// cannot be assessed, so evaluation aborts with ErrQuoteUnavailable.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

var (
	// ErrQuoteUnavailable signals the swap-routing source could not produce a
	// quote. Evaluation cannot continue without one.
	ErrQuoteUnavailable = errors.New("guard: quote unavailable")
	// ErrInvalidConfig signals a guard profile with non-positive limits.
	ErrInvalidConfig = errors.New("guard: invalid config")
	// ErrInvalidParams signals malformed swap parameters.
	ErrInvalidParams = errors.New("guard: invalid swap params")
)

// Status is the guard decision.
type Status string

const (
	StatusOK   Status = "OK"
	StatusFAIL Status = "FAIL"
)

// Config is the caller-supplied guard profile. All limits must be positive.
type Config struct {
	FreshnessS     int     `json:"freshness_s"`
	SlippageBpsMax int     `json:"slippage_bps_max"`
	PriceDevMax    float64 `json:"price_dev_max"`
	FeeSOLMax      float64 `json:"fee_sol_max"`
	NotionalUSDMax float64 `json:"notional_usd_max"`
}

// DefaultConfig returns the profile applied when the caller omits limits.
func DefaultConfig() Config {
	return Config{
		FreshnessS:     5,
		SlippageBpsMax: 50,
		PriceDevMax:    0.01,
		FeeSOLMax:      0.01,
		NotionalUSDMax: 5000,
	}
}

// WithDefaults fills zero-valued limits from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FreshnessS == 0 {
		c.FreshnessS = d.FreshnessS
	}
	if c.SlippageBpsMax == 0 {
		c.SlippageBpsMax = d.SlippageBpsMax
	}
	if c.PriceDevMax == 0 {
		c.PriceDevMax = d.PriceDevMax
	}
	if c.FeeSOLMax == 0 {
		c.FeeSOLMax = d.FeeSOLMax
	}
	if c.NotionalUSDMax == 0 {
		c.NotionalUSDMax = d.NotionalUSDMax
	}
	return c
}

// Validate rejects profiles with non-positive limits.
func (c Config) Validate() error {
	if c.FreshnessS <= 0 || c.SlippageBpsMax <= 0 || c.PriceDevMax <= 0 ||
		c.FeeSOLMax <= 0 || c.NotionalUSDMax <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// SwapParams describes the proposed swap under evaluation. Amount is the
// input amount in base units, as the routing source expects it.
type SwapParams struct {
	InMint       string   `json:"inMint"`
	OutMint      string   `json:"outMint"`
	Amount       string   `json:"amount"`
	SlippageBps  int      `json:"slippageBps"`
	PythPriceIDs []string `json:"pythPriceIds,omitempty"`
}

// Verdict is the outcome of one evaluation. It is a pure function of the
// inputs and the oracle/quote responses; the caller embeds it in a receipt.
type Verdict struct {
	FreshnessS     float64 `json:"freshness_s"`
	SlippageBps    int     `json:"slippage_bps"`
	NotionalUSD    float64 `json:"notional_usd"`
	PriceDeviation float64 `json:"price_deviation"`
	TxFeeSOL       float64 `json:"tx_fee_sol"`
	Verdict        Status  `json:"verdict"`
	RefPrice       float64 `json:"ref_price,omitempty"`
	PublishTimeMax int64   `json:"publish_time_max,omitempty"`
	QuoteHash      string  `json:"quote_response_hash,omitempty"`
}

// PricePoint is one oracle price observation.
type PricePoint struct {
	Price       float64
	PublishTime int64
}

// Oracle fetches reference prices with publish timestamps.
type Oracle interface {
	LatestPrices(ctx context.Context, ids []string) ([]PricePoint, error)
}

// QuoteResult is an execution quote plus its raw response for audit hashing.
type QuoteResult struct {
	InAmount  float64
	OutAmount float64
	Raw       []byte
}

// QuoteSource fetches an execution quote for a proposed swap.
type QuoteSource interface {
	Quote(ctx context.Context, p SwapParams) (QuoteResult, error)
}

// txFeeSOLEstimate is the conservative flat fee estimate applied pre-send.
const txFeeSOLEstimate = 0.000005

// Engine evaluates swaps against guard profiles. Stateless; safe for
// concurrent use.
type Engine struct {
	oracle Oracle
	quotes QuoteSource
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds an Engine over the given oracle and quote source.
func NewEngine(oracle Oracle, quotes QuoteSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		oracle: oracle,
		quotes: quotes,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate runs the guard checks for one proposed swap.
//
// Oracle staleness fails fast: a quote is never priced against stale data.
// An oracle outage degrades to ref_price=1/freshness=0 (documented
// weakening). A quote outage aborts with ErrQuoteUnavailable.
func (e *Engine) Evaluate(ctx context.Context, p SwapParams, cfg Config) (Verdict, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Verdict{}, err
	}
	if p.InMint == "" || p.OutMint == "" || p.Amount == "" {
		return Verdict{}, ErrInvalidParams
	}

	now := e.now().Unix()
	refPrice := 1.0
	freshness := 0.0
	publishMax := now

	if len(p.PythPriceIDs) > 0 {
		points, err := e.oracle.LatestPrices(ctx, p.PythPriceIDs)
		if err != nil || len(points) == 0 {
			e.logger.Warn("oracle fetch failed, degrading to default reference price",
				"err", err, "ids", len(p.PythPriceIDs))
		} else {
			publishMax = points[0].PublishTime
			for _, pt := range points[1:] {
				if pt.PublishTime > publishMax {
					publishMax = pt.PublishTime
				}
			}
			freshness = float64(now - publishMax)
			if freshness > float64(cfg.FreshnessS) {
				return Verdict{
					FreshnessS:     freshness,
					SlippageBps:    p.SlippageBps,
					NotionalUSD:    0,
					PriceDeviation: 1,
					TxFeeSOL:       0,
					Verdict:        StatusFAIL,
					PublishTimeMax: publishMax,
				}, nil
			}
			refPrice = points[0].Price
		}
	}

	quote, err := e.quotes.Quote(ctx, p)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)
	}

	inAmount := quote.InAmount
	if inAmount == 0 {
		inAmount, _ = strconv.ParseFloat(p.Amount, 64)
	}
	execPrice := math.Inf(1)
	if quote.OutAmount > 0 {
		execPrice = inAmount / quote.OutAmount
	}
	priceDeviation := math.Abs(execPrice-refPrice) / math.Max(refPrice, 1)
	notionalUSD := quote.OutAmount * refPrice

	// NaN and Inf never pass: every comparison below is false for NaN, and
	// Inf exceeds any finite limit.
	ok := float64(p.SlippageBps) <= float64(cfg.SlippageBpsMax) &&
		priceDeviation <= cfg.PriceDevMax &&
		notionalUSD <= cfg.NotionalUSDMax &&
		txFeeSOLEstimate <= cfg.FeeSOLMax

	verdict := StatusFAIL
	if ok {
		verdict = StatusOK
	}

	return Verdict{
		FreshnessS:     freshness,
		SlippageBps:    p.SlippageBps,
		NotionalUSD:    finiteOr(notionalUSD, 0),
		PriceDeviation: finiteOr(priceDeviation, 1),
		TxFeeSOL:       txFeeSOLEstimate,
		Verdict:        verdict,
		RefPrice:       refPrice,
		PublishTimeMax: publishMax,
		QuoteHash:      hashQuote(quote.Raw),
	}, nil
}

// ConfigHash content-addresses a guard profile for receipt refs.
func ConfigHash(cfg Config) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%g|%g|%g",
		cfg.FreshnessS, cfg.SlippageBpsMax, cfg.PriceDevMax, cfg.FeeSOLMax, cfg.NotionalUSDMax)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func hashQuote(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// finiteOr coerces a NaN/Inf sentinel to a recordable value. The verdict is
// decided before coercion, so a non-finite intermediate has already failed.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
