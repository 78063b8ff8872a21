package marketplace

import (
	"math"
	"sort"
)

// Scoring weights. Reliability and cost dominate; safety and latency share
// the remainder.
const (
	weightReliability = 0.30
	weightSafety      = 0.20
	weightCost        = 0.30
	weightLatency     = 0.20

	defaultConfidence = 0.9

	// collusionBand is the relative price gap under which the top two
	// offers are treated as a near-identical bid ring.
	collusionBand = 0.05
	// collusionDiscount is applied to the runner-up's price to set the
	// winner's effective price inside the band.
	collusionDiscount = 0.98
)

// ScoredOffer pairs an offer with its computed score and the effective
// price after any anti-collusion adjustment.
type ScoredOffer struct {
	Offer          Offer
	Score          float64
	EffectivePrice float64
}

// scoreOffer computes the weighted score of one offer against the benchmark
// baselines. Higher is better; every component is clamped to [0,1].
func scoreOffer(o Offer, b Benchmarks) float64 {
	reliability := o.Confidence
	if reliability <= 0 {
		reliability = defaultConfidence
	}

	safety := b.SafetyScore
	if s, ok := termFloat(o.Terms, "safety_score"); ok {
		safety = s
	}
	safety = math.Min(1, safety)

	cost := 0.0
	if b.MedianPriceUSD > 0 {
		cost = 1 - o.PriceUSD/b.MedianPriceUSD
	}

	latency := 0.0
	if b.P95LatencyMs > 0 {
		latency = 1 - float64(o.EtaMs)/float64(b.P95LatencyMs)
	}

	return weightReliability*clamp01(reliability) +
		weightSafety*clamp01(safety) +
		weightCost*clamp01(cost) +
		weightLatency*clamp01(latency)
}

// rankOffers scores and sorts offers descending, then applies the
// anti-collusion rule: when the top two prices sit within the collusion
// band of each other, the winner's effective price is discounted below the
// runner-up's, so a ring of near-identical bids cannot extract the full
// budget.
func rankOffers(offers []Offer, b Benchmarks) []ScoredOffer {
	ranked := make([]ScoredOffer, 0, len(offers))
	for _, o := range offers {
		ranked = append(ranked, ScoredOffer{
			Offer:          o,
			Score:          scoreOffer(o, b),
			EffectivePrice: o.PriceUSD,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	if len(ranked) >= 2 {
		winner, runnerUp := ranked[0].Offer.PriceUSD, ranked[1].Offer.PriceUSD
		if runnerUp > 0 && math.Abs(winner-runnerUp)/runnerUp < collusionBand {
			ranked[0].EffectivePrice = math.Min(winner, runnerUp*collusionDiscount)
		}
	}

	return ranked
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func termFloat(terms map[string]any, key string) (float64, bool) {
	if terms == nil {
		return 0, false
	}
	v, ok := terms[key].(float64)
	return v, ok
}
