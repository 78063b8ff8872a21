// Package marketplace implements the bid marketplace: capability requests
// (RFPs) fan out to the agent directory, offers are collected, scored and
// one is hired, and agent reputation tracks hire outcomes.
package marketplace

import "time"

// Agent is one directory entry: a service agent registered under a
// capability with its standing charge and reputation counters. The counters
// are the source of truth; rating is recomputed from them on every hire.
type Agent struct {
	ID              string
	Capability      string
	ChargeUSD       float64
	Rating          float64
	TotalHires      int64
	SuccessfulHires int64
	PriceEndpoint   string
	CreatedAt       time.Time
}

// SLO captures the caller's latency objective for an RFP.
type SLO struct {
	P95Ms int `json:"p95_ms"`
}

// RFP is a posted capability need. Immutable once created.
type RFP struct {
	ID          string
	Capability  string
	Inputs      map[string]any
	Constraints map[string]any
	BudgetUSD   float64
	SLO         SLO
	CreatedAt   time.Time
}

// Offer is one agent's bid against an RFP. At most one offer per agent per
// RFP is accepted.
type Offer struct {
	ID         string
	RFPID      string
	AgentID    string
	PriceUSD   float64
	EtaMs      int
	Confidence float64
	Terms      map[string]any
	CreatedAt  time.Time
}

// Award is the hire decision: the top-scored offer, with the effective
// price after the anti-collusion discount. Derived, not persisted.
type Award struct {
	AgentID  string  `json:"agent_id"`
	PriceUSD float64 `json:"price_usd"`
	EtaMs    int     `json:"eta_ms"`
	Score    float64 `json:"score"`
}

// Benchmarks are ecosystem reference numbers used as scoring baselines.
type Benchmarks struct {
	MedianPriceUSD float64 `json:"median_price_usd"`
	P95LatencyMs   int     `json:"p95_latency_ms"`
	SafetyScore    float64 `json:"safety_score"`
}

// DefaultBenchmarks fill in when no benchmark source is wired or the fetch
// fails. The latency baseline defers to the RFP's SLO when one is set.
func DefaultBenchmarks(slo SLO) Benchmarks {
	p95 := 3000
	if slo.P95Ms > 0 {
		p95 = slo.P95Ms
	}
	return Benchmarks{
		MedianPriceUSD: 0.20,
		P95LatencyMs:   p95,
		SafetyScore:    0.95,
	}
}
