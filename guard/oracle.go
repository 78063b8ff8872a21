package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"
)

// HermesOracle reads reference prices from a Pyth Hermes endpoint.
type HermesOracle struct {
	base string
	hc   *http.Client
}

// NewHermesOracle builds an oracle client against the given Hermes base URL.
// The timeout bounds the whole best-effort oracle path; on expiry the engine
// degrades rather than failing the evaluation.
func NewHermesOracle(base string, timeout time.Duration) *HermesOracle {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HermesOracle{
		base: base,
		hc:   &http.Client{Timeout: timeout},
	}
}

type hermesFeed struct {
	Price struct {
		Price       json.Number `json:"price"`
		Expo        int32       `json:"expo"`
		PublishTime int64       `json:"publish_time"`
	} `json:"price"`
}

// LatestPrices fetches the latest price feeds for the given Pyth ids.
func (o *HermesOracle) LatestPrices(ctx context.Context, ids []string) ([]PricePoint, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.base+"/api/latest_price_feeds?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("guard: build hermes request: %w", err)
	}

	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guard: hermes fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guard: hermes status %d", resp.StatusCode)
	}

	var feeds []hermesFeed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		return nil, fmt.Errorf("guard: decode hermes response: %w", err)
	}

	points := make([]PricePoint, 0, len(feeds))
	for _, f := range feeds {
		raw, err := f.Price.Price.Float64()
		if err != nil {
			continue
		}
		points = append(points, PricePoint{
			Price:       raw * math.Pow10(int(f.Price.Expo)),
			PublishTime: f.Price.PublishTime,
		})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("guard: hermes returned no usable feeds")
	}
	return points, nil
}
