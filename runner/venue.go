package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/anushkasomani/agentrunner/guard"
)

// DryRunVenue simulates swap execution without touching a chain: the
// txid is derived from the swap params so repeated dry runs of the same
// request are recognizable, and the out amount echoes the requested size.
// Used in deployments without a signing hot wallet.
type DryRunVenue struct{}

func (DryRunVenue) ExecuteSwap(_ context.Context, p guard.SwapParams) (SwapOutcome, error) {
	amount, err := strconv.ParseFloat(p.Amount, 64)
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("runner: dry run amount %q: %w", p.Amount, err)
	}

	sum := sha256.Sum256([]byte(p.InMint + "|" + p.OutMint + "|" + p.Amount))
	return SwapOutcome{
		Txid:        "dryrun-" + hex.EncodeToString(sum[:8]),
		OutAmount:   amount,
		FeeLamports: 5000,
		Protocol:    "dry-run",
	}, nil
}
