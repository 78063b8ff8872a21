package runner

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/receipt"
)

// GuardEvaluator is the pre-trade risk check; satisfied by *guard.Engine.
type GuardEvaluator interface {
	Evaluate(ctx context.Context, p guard.SwapParams, cfg guard.Config) (guard.Verdict, error)
}

// PaymentChecker gates execution on a settled invoice.
type PaymentChecker interface {
	RequirePaid(ctx context.Context, invoiceID string) (bool, error)
}

// ReceiptSink is the durable receipt log; satisfied by *receipt.Repository.
type ReceiptSink interface {
	Append(ctx context.Context, rec receipt.Receipt) error
}

// Indexer pushes receipts to the discovery layer; optional and best-effort.
type Indexer interface {
	IndexReceipt(ctx context.Context, rec receipt.Receipt) error
}

// Service is the orchestrator: guard, payment gate, execute, sign, append.
type Service struct {
	registry *Registry
	guard    GuardEvaluator
	payments PaymentChecker
	receipts ReceiptSink
	indexer  Indexer
	signKey  ed25519.PrivateKey
	pubkey   string
	identity string
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig wires a runner Service. Indexer may be nil.
type ServiceConfig struct {
	Registry *Registry
	Guard    GuardEvaluator
	Payments PaymentChecker
	Receipts ReceiptSink
	Indexer  Indexer
	SignKey  ed25519.PrivateKey
	Identity string
	Logger   *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := cfg.SignKey.Public().(ed25519.PublicKey)
	return &Service{
		registry: cfg.Registry,
		guard:    cfg.Guard,
		payments: cfg.Payments,
		receipts: cfg.Receipts,
		indexer:  cfg.Indexer,
		signKey:  cfg.SignKey,
		pubkey:   hex.EncodeToString(pub),
		identity: cfg.Identity,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes one paid skill. The order is fixed: guard every leg, gate on
// the paid invoice, execute, then sign and durably append the receipt. A
// failed append fails the run; callers must not see a result that has no
// receipt behind it.
func (s *Service) Run(ctx context.Context, skill string, req Request) (receipt.Receipt, error) {
	exec, err := s.registry.Lookup(skill)
	if err != nil {
		return receipt.Receipt{}, err
	}

	legs, err := exec.Legs(req)
	if err != nil {
		return receipt.Receipt{}, err
	}

	verdict, pythIDs, err := s.evaluateLegs(ctx, legs, req.Config)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if verdict.Verdict != guard.StatusOK {
		return receipt.Receipt{}, fmt.Errorf("%w: skill %s", ErrGuardRejected, skill)
	}

	paid, err := s.payments.RequirePaid(ctx, req.InvoiceID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if !paid {
		return receipt.Receipt{}, fmt.Errorf("%w: invoice %s", ErrPaymentRequired, req.InvoiceID)
	}

	result, err := exec.Execute(ctx, req, verdict)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("runner: execute %s: %w", skill, err)
	}

	rec := receipt.Receipt{
		RunnerPubkey: s.pubkey,
		Agent:        s.identity,
		TaskID:       req.TaskID,
		WhenUnix:     s.now().UTC().Unix(),
		Inputs:       req.Inputs,
		Outputs:      result.Outputs,
		Protocols:    result.Protocols,
		Fees:         result.Fees,
		CostUSD:      result.CostUSD,
		Guards: receipt.GuardSummary{
			FreshnessS:     verdict.FreshnessS,
			SlippageBps:    verdict.SlippageBps,
			NotionalUSD:    verdict.NotionalUSD,
			PriceDeviation: verdict.PriceDeviation,
			TxFeeSOL:       verdict.TxFeeSOL,
			Verdict:        string(verdict.Verdict),
		},
		Refs: receipt.Refs{
			PythIDs:           pythIDs,
			QuoteResponseHash: verdict.QuoteHash,
			ConfigHash:        guard.ConfigHash(req.Config.WithDefaults()),
		},
	}
	if rec.Inputs == nil {
		rec.Inputs = map[string]any{}
	}
	if rec.Outputs == nil {
		rec.Outputs = map[string]any{}
	}

	signed, err := receipt.SignReceipt(rec, s.signKey)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if err := s.receipts.Append(ctx, signed); err != nil {
		return receipt.Receipt{}, err
	}

	if s.indexer != nil {
		go func(rec receipt.Receipt) {
			ictx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.indexer.IndexReceipt(ictx, rec); err != nil {
				s.logger.Warn("receipt indexing failed", "task_id", rec.TaskID, "err", err)
			}
		}(signed)
	}

	return signed, nil
}

// evaluateLegs guards every leg of the run and folds the verdicts into
// one: any FAIL fails the whole run, worst-case freshness, slippage and
// deviation are kept, and notional and fees accumulate.
func (s *Service) evaluateLegs(ctx context.Context, legs []guard.SwapParams, cfg guard.Config) (guard.Verdict, []string, error) {
	if len(legs) == 0 {
		return guard.Verdict{}, nil, fmt.Errorf("%w: run has no swap legs", ErrGuardRejected)
	}

	agg := guard.Verdict{Verdict: guard.StatusOK}
	seen := map[string]bool{}
	var pythIDs []string

	for _, leg := range legs {
		v, err := s.guard.Evaluate(ctx, leg, cfg)
		if err != nil {
			return guard.Verdict{}, nil, err
		}

		if v.Verdict != guard.StatusOK {
			agg.Verdict = v.Verdict
		}
		agg.FreshnessS = max(agg.FreshnessS, v.FreshnessS)
		agg.SlippageBps = max(agg.SlippageBps, v.SlippageBps)
		agg.PriceDeviation = max(agg.PriceDeviation, v.PriceDeviation)
		agg.PublishTimeMax = max(agg.PublishTimeMax, v.PublishTimeMax)
		agg.NotionalUSD += v.NotionalUSD
		agg.TxFeeSOL += v.TxFeeSOL
		if v.QuoteHash != "" {
			agg.QuoteHash = v.QuoteHash
		}
		if v.RefPrice != 0 {
			agg.RefPrice = v.RefPrice
		}
		for _, id := range leg.PythPriceIDs {
			if !seen[id] {
				seen[id] = true
				pythIDs = append(pythIDs, id)
			}
		}
	}
	return agg, pythIDs, nil
}
