package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DryRunWriter simulates refund transfers without a signing wallet. The
// ledger bound is still enforced by the store; only the on-chain leg is
// simulated.
type DryRunWriter struct{}

func (DryRunWriter) Transfer(_ context.Context, to, mint string, units int64) (string, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", to, mint, units)))
	return "dryrun-" + hex.EncodeToString(sum[:8]), nil
}
