package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SolanaReader is a ChainReader over the Solana JSON-RPC getTransaction
// endpoint. Deltas are computed from pre/post token balances, netted per
// (owner, mint) pair.
type SolanaReader struct {
	rpcURL string
	hc     *http.Client
}

func NewSolanaReader(rpcURL string, timeout time.Duration) *SolanaReader {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &SolanaReader{rpcURL: rpcURL, hc: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type tokenBalance struct {
	AccountIndex int    `json:"accountIndex"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner"`
	UITokenAmt   struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

type getTransactionResult struct {
	Result *struct {
		Meta struct {
			Err               any            `json:"err"`
			PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
			PostTokenBalances []tokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// TokenBalanceDeltas fetches the transaction and returns the net token
// movement per owner and mint. A missing or failed transaction maps to
// ErrInvalidProof so callers treat it as an unverifiable claim, not an
// infrastructure error.
func (s *SolanaReader) TokenBalanceDeltas(ctx context.Context, txid string) ([]TokenDelta, error) {
	req := rpcRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []any{txid, map[string]any{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
			"commitment":                     "confirmed",
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("payment: marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payment: build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment: rpc call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment: rpc status %d", resp.StatusCode)
	}

	var out getTransactionResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("payment: decode rpc response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("payment: rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return nil, fmt.Errorf("%w: transaction %s not found", ErrInvalidProof, txid)
	}
	if out.Result.Meta.Err != nil {
		return nil, fmt.Errorf("%w: transaction %s failed on chain", ErrInvalidProof, txid)
	}

	return diffTokenBalances(out.Result.Meta.PreTokenBalances, out.Result.Meta.PostTokenBalances), nil
}

func diffTokenBalances(pre, post []tokenBalance) []TokenDelta {
	type key struct{ owner, mint string }
	net := map[key]int64{}
	order := []key{}

	add := func(b tokenBalance, sign int64) {
		amt, err := strconv.ParseInt(b.UITokenAmt.Amount, 10, 64)
		if err != nil {
			return
		}
		k := key{b.Owner, b.Mint}
		if _, seen := net[k]; !seen {
			order = append(order, k)
		}
		net[k] += sign * amt
	}
	for _, b := range pre {
		add(b, -1)
	}
	for _, b := range post {
		add(b, +1)
	}

	deltas := make([]TokenDelta, 0, len(order))
	for _, k := range order {
		if net[k] == 0 {
			continue
		}
		deltas = append(deltas, TokenDelta{Owner: k.owner, Mint: k.mint, Delta: net[k]})
	}
	return deltas
}
