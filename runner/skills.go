package runner

import (
	"context"
	"fmt"

	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/receipt"
)

// SwapOutcome is what a venue reports after sending one swap.
type SwapOutcome struct {
	Txid        string
	OutAmount   float64
	FeeLamports int64
	Protocol    string
}

// Venue sends guarded swaps on chain.
type Venue interface {
	ExecuteSwap(ctx context.Context, p guard.SwapParams) (SwapOutcome, error)
}

// SwapExecutor runs the single-swap skill. Inputs are the swap params.
type SwapExecutor struct {
	venue Venue
}

func NewSwapExecutor(venue Venue) *SwapExecutor {
	return &SwapExecutor{venue: venue}
}

func (e *SwapExecutor) Legs(req Request) ([]guard.SwapParams, error) {
	var p guard.SwapParams
	if err := decodeInputs(req.Inputs, &p); err != nil {
		return nil, err
	}
	return []guard.SwapParams{p}, nil
}

func (e *SwapExecutor) Execute(ctx context.Context, req Request, verdict guard.Verdict) (Result, error) {
	legs, err := e.Legs(req)
	if err != nil {
		return Result{}, err
	}

	outcome, err := e.venue.ExecuteSwap(ctx, legs[0])
	if err != nil {
		return Result{}, fmt.Errorf("runner: swap: %w", err)
	}

	return Result{
		Outputs: map[string]any{
			"txid":       outcome.Txid,
			"out_amount": outcome.OutAmount,
		},
		Protocols: []string{outcome.Protocol},
		Fees:      receipt.Fees{Lamports: outcome.FeeLamports},
		CostUSD:   fmt.Sprintf("%.6f", verdict.NotionalUSD),
	}, nil
}

// rebalanceInputs is the wire shape of the rebalance skill's inputs.
type rebalanceInputs struct {
	Legs []guard.SwapParams `json:"legs"`
}

// RebalanceExecutor runs the multi-leg rebalance skill: every leg is
// guarded up front, then legs execute in order, stopping on the first
// venue failure.
type RebalanceExecutor struct {
	venue Venue
}

func NewRebalanceExecutor(venue Venue) *RebalanceExecutor {
	return &RebalanceExecutor{venue: venue}
}

func (e *RebalanceExecutor) Legs(req Request) ([]guard.SwapParams, error) {
	var in rebalanceInputs
	if err := decodeInputs(req.Inputs, &in); err != nil {
		return nil, err
	}
	if len(in.Legs) == 0 {
		return nil, fmt.Errorf("runner: rebalance requires at least one leg")
	}
	return in.Legs, nil
}

func (e *RebalanceExecutor) Execute(ctx context.Context, req Request, verdict guard.Verdict) (Result, error) {
	legs, err := e.Legs(req)
	if err != nil {
		return Result{}, err
	}

	var (
		txids     []any
		feeTotal  int64
		protocols []string
		seen      = map[string]bool{}
	)
	for i, leg := range legs {
		outcome, err := e.venue.ExecuteSwap(ctx, leg)
		if err != nil {
			return Result{}, fmt.Errorf("runner: rebalance leg %d: %w", i, err)
		}
		txids = append(txids, outcome.Txid)
		feeTotal += outcome.FeeLamports
		if outcome.Protocol != "" && !seen[outcome.Protocol] {
			seen[outcome.Protocol] = true
			protocols = append(protocols, outcome.Protocol)
		}
	}

	return Result{
		Outputs: map[string]any{
			"txids": txids,
			"legs":  len(legs),
		},
		Protocols: protocols,
		Fees:      receipt.Fees{Lamports: feeTotal},
		CostUSD:   fmt.Sprintf("%.6f", verdict.NotionalUSD),
	}, nil
}
