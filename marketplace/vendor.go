package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// VendorQuote is a live price reply from an agent's own price endpoint.
type VendorQuote struct {
	Vendor      string  `json:"vendor"`
	Capability  string  `json:"capability"`
	PriceUSD    float64 `json:"price_usd"`
	Reliability float64 `json:"reliability"`
	EtaMs       int     `json:"eta_ms,omitempty"`
}

// VendorQuoter probes an agent's price endpoint. Failures are expected and
// never fail the surrounding RFP creation.
type VendorQuoter interface {
	Probe(ctx context.Context, endpoint, capability string) (VendorQuote, error)
}

// VendorClient is the HTTP VendorQuoter used against vendor-sim style
// agents: GET {endpoint}?capability=... returning the quote JSON.
type VendorClient struct {
	hc *http.Client
}

// NewVendorClient builds a probe client with a short per-call timeout.
func NewVendorClient(timeout time.Duration) *VendorClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &VendorClient{hc: &http.Client{Timeout: timeout}}
}

// Probe fetches a live quote for the capability.
func (c *VendorClient) Probe(ctx context.Context, endpoint, capability string) (VendorQuote, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return VendorQuote{}, fmt.Errorf("marketplace: vendor endpoint: %w", err)
	}
	q := u.Query()
	q.Set("capability", capability)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return VendorQuote{}, fmt.Errorf("marketplace: build vendor request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return VendorQuote{}, fmt.Errorf("marketplace: vendor probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VendorQuote{}, fmt.Errorf("marketplace: vendor status %d", resp.StatusCode)
	}

	var quote VendorQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return VendorQuote{}, fmt.Errorf("marketplace: decode vendor quote: %w", err)
	}
	if quote.PriceUSD <= 0 {
		return VendorQuote{}, fmt.Errorf("marketplace: vendor quoted non-positive price")
	}
	return quote, nil
}
