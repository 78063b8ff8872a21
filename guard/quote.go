package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RouterQuoteSource fetches execution quotes from a swap-routing HTTP API
// (Raydium-compatible compute endpoint). Quote failure is fatal to a guard
// evaluation, so errors here propagate unwrapped to the engine.
type RouterQuoteSource struct {
	base string
	hc   *http.Client
}

// NewRouterQuoteSource builds a quote client against the given router base
// URL. The timeout bounds the whole evaluation's blocking call.
func NewRouterQuoteSource(base string, timeout time.Duration) *RouterQuoteSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RouterQuoteSource{
		base: base,
		hc:   &http.Client{Timeout: timeout},
	}
}

// Quote requests a swap-base-in computation for the proposed swap.
func (s *RouterQuoteSource) Quote(ctx context.Context, p SwapParams) (QuoteResult, error) {
	q := url.Values{}
	q.Set("inputMint", p.InMint)
	q.Set("outputMint", p.OutMint)
	q.Set("amount", p.Amount)
	q.Set("slippageBps", strconv.Itoa(p.SlippageBps))
	q.Set("txVersion", "V0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.base+"/compute/swap-base-in?"+q.Encode(), nil)
	if err != nil {
		return QuoteResult{}, fmt.Errorf("guard: build quote request: %w", err)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return QuoteResult{}, fmt.Errorf("guard: quote fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return QuoteResult{}, fmt.Errorf("guard: read quote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return QuoteResult{}, fmt.Errorf("guard: quote status %d: %s", resp.StatusCode, body)
	}

	inAmount, _ := strconv.ParseFloat(p.Amount, 64)
	out, err := extractOutAmount(body)
	if err != nil {
		return QuoteResult{}, err
	}

	return QuoteResult{InAmount: inAmount, OutAmount: out, Raw: body}, nil
}

// extractOutAmount reads the estimated output amount from either the
// Raydium response shape (data.default.vh) or the flat outAmount field.
func extractOutAmount(body []byte) (float64, error) {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return 0, fmt.Errorf("guard: decode quote response: %w", err)
	}

	if data, ok := generic["data"].(map[string]any); ok {
		if def, ok := data["default"].(map[string]any); ok {
			if v, ok := numeric(def["vh"]); ok {
				return v, nil
			}
		}
		if v, ok := numeric(data["outputAmount"]); ok {
			return v, nil
		}
	}
	if v, ok := numeric(generic["outAmount"]); ok {
		return v, nil
	}
	return 0, fmt.Errorf("guard: quote response has no output amount")
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
