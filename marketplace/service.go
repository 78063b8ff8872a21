package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRFP signals a malformed capability request; rejected before
	// any side effect.
	ErrInvalidRFP = errors.New("marketplace: invalid rfp")
	// ErrNoOffers signals a hire attempt against an RFP with no offers.
	ErrNoOffers = errors.New("marketplace: no offers for rfp")
)

// defaultEtaMs is the offer ETA used when no live quote path supplies one.
const defaultEtaMs = 1500

// Store is the persistence the service needs; satisfied by *Repository.
type Store interface {
	CreateRFP(ctx context.Context, rfp RFP) error
	GetRFP(ctx context.Context, id string) (RFP, error)
	InsertOffer(ctx context.Context, o Offer) error
	ListOffers(ctx context.Context, rfpID string) ([]Offer, error)
	AgentsByCapability(ctx context.Context, capability string) ([]Agent, error)
	RecordHire(ctx context.Context, agentID string, success bool) error
	CreateAgent(ctx context.Context, a Agent, apiKeyHash string) error
}

// BenchmarkSource supplies scoring baselines; best-effort.
type BenchmarkSource interface {
	Benchmarks(ctx context.Context, capability string) (Benchmarks, error)
}

// CreateRFPParams carries the caller's request.
type CreateRFPParams struct {
	Capability  string
	Inputs      map[string]any
	Constraints map[string]any
	BudgetUSD   float64
	SLO         SLO
}

// Service exposes the marketplace operations.
type Service struct {
	store   Store
	vendors VendorQuoter
	bench   BenchmarkSource
	logger  *slog.Logger
	now     func() time.Time
	idGen   func() string
}

// NewService builds a marketplace service. vendors and bench may be nil;
// both paths then fall back to stored charges and default benchmarks.
func NewService(store Store, vendors VendorQuoter, bench BenchmarkSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		vendors: vendors,
		bench:   bench,
		logger:  logger,
		now:     time.Now,
		idGen:   func() string { return uuid.NewString() },
	}
}

// CreateRFP persists the request, then synchronously fans out to the
// directory: one offer per matching agent, priced from a live probe when
// the agent exposes a price endpoint, otherwise from its stored charge.
// Vendor failures skip that agent; they never fail the RFP itself.
func (s *Service) CreateRFP(ctx context.Context, params CreateRFPParams) (RFP, error) {
	if params.Capability == "" {
		return RFP{}, fmt.Errorf("%w: capability required", ErrInvalidRFP)
	}
	if params.BudgetUSD <= 0 {
		return RFP{}, fmt.Errorf("%w: budget must be positive", ErrInvalidRFP)
	}

	rfp := RFP{
		ID:          s.idGen(),
		Capability:  params.Capability,
		Inputs:      params.Inputs,
		Constraints: params.Constraints,
		BudgetUSD:   params.BudgetUSD,
		SLO:         params.SLO,
		CreatedAt:   s.now().UTC(),
	}
	if rfp.Inputs == nil {
		rfp.Inputs = map[string]any{}
	}
	if rfp.Constraints == nil {
		rfp.Constraints = map[string]any{}
	}

	if err := s.store.CreateRFP(ctx, rfp); err != nil {
		return RFP{}, err
	}

	agents, err := s.store.AgentsByCapability(ctx, rfp.Capability)
	if err != nil {
		// The RFP exists; offers can still arrive via direct submission.
		s.logger.Warn("directory query failed during rfp fan-out", "rfp_id", rfp.ID, "err", err)
		return rfp, nil
	}

	offers := s.collectOffers(ctx, rfp, agents)
	for _, o := range offers {
		if err := s.store.InsertOffer(ctx, o); err != nil {
			if errors.Is(err, ErrDuplicateOffer) {
				continue
			}
			s.logger.Warn("offer insert failed during rfp fan-out",
				"rfp_id", rfp.ID, "agent_id", o.AgentID, "err", err)
		}
	}

	return rfp, nil
}

// collectOffers probes agent price endpoints concurrently and builds one
// offer per agent. A failed probe falls back to the stored charge.
func (s *Service) collectOffers(ctx context.Context, rfp RFP, agents []Agent) []Offer {
	offers := make([]Offer, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, agent := range agents {
		g.Go(func() error {
			price := agent.ChargeUSD
			eta := defaultEtaMs
			confidence := agentRating(agent)

			if s.vendors != nil && agent.PriceEndpoint != "" {
				quote, err := s.vendors.Probe(gctx, agent.PriceEndpoint, rfp.Capability)
				if err != nil {
					s.logger.Warn("vendor probe failed, using stored charge",
						"agent_id", agent.ID, "err", err)
				} else {
					price = quote.PriceUSD
					if quote.Reliability > 0 {
						confidence = quote.Reliability
					}
					if quote.EtaMs > 0 {
						eta = quote.EtaMs
					}
				}
			}

			offers[i] = Offer{
				ID:         s.idGen(),
				RFPID:      rfp.ID,
				AgentID:    agent.ID,
				PriceUSD:   price,
				EtaMs:      eta,
				Confidence: confidence,
				Terms:      map[string]any{},
				CreatedAt:  s.now().UTC(),
			}
			return nil
		})
	}
	_ = g.Wait()

	return offers
}

// ListOffers returns the offers collected for an RFP. The RFP must exist.
func (s *Service) ListOffers(ctx context.Context, rfpID string) ([]Offer, error) {
	if _, err := s.store.GetRFP(ctx, rfpID); err != nil {
		return nil, err
	}
	return s.store.ListOffers(ctx, rfpID)
}

// Hire scores the RFP's offers, selects the winner, applies the
// anti-collusion discount, and bumps the winner's reputation. The
// reputation update is best-effort bookkeeping: its failure never fails
// the hire.
func (s *Service) Hire(ctx context.Context, rfpID string) (Award, error) {
	rfp, err := s.store.GetRFP(ctx, rfpID)
	if err != nil {
		return Award{}, err
	}

	offers, err := s.store.ListOffers(ctx, rfpID)
	if err != nil {
		return Award{}, err
	}
	if len(offers) == 0 {
		return Award{}, ErrNoOffers
	}

	bench := DefaultBenchmarks(rfp.SLO)
	if s.bench != nil {
		if b, err := s.bench.Benchmarks(ctx, rfp.Capability); err != nil {
			s.logger.Warn("benchmark fetch failed, using defaults", "capability", rfp.Capability, "err", err)
		} else {
			bench = mergeBenchmarks(b, bench)
		}
	}

	ranked := rankOffers(offers, bench)
	winner := ranked[0]

	if err := s.store.RecordHire(ctx, winner.Offer.AgentID, true); err != nil {
		s.logger.Warn("reputation update failed after hire",
			"agent_id", winner.Offer.AgentID, "err", err)
	}

	return Award{
		AgentID:  winner.Offer.AgentID,
		PriceUSD: winner.EffectivePrice,
		EtaMs:    winner.Offer.EtaMs,
		Score:    winner.Score,
	}, nil
}

// RegisterAgent adds a directory entry.
func (s *Service) RegisterAgent(ctx context.Context, a Agent, apiKeyHash string) (Agent, error) {
	if a.ID == "" || a.Capability == "" {
		return Agent{}, fmt.Errorf("%w: agent id and capability required", ErrInvalidRFP)
	}
	if a.ChargeUSD < 0 {
		return Agent{}, fmt.Errorf("%w: charge must not be negative", ErrInvalidRFP)
	}
	a.Rating = 1.0
	a.CreatedAt = s.now().UTC()
	if err := s.store.CreateAgent(ctx, a, apiKeyHash); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// SubmitOffer records a direct bid from an agent against an open RFP.
func (s *Service) SubmitOffer(ctx context.Context, rfpID, agentID string, priceUSD float64, etaMs int, confidence float64) (Offer, error) {
	if _, err := s.store.GetRFP(ctx, rfpID); err != nil {
		return Offer{}, err
	}
	if priceUSD < 0 || confidence < 0 || confidence > 1 {
		return Offer{}, fmt.Errorf("%w: offer out of range", ErrInvalidRFP)
	}
	if etaMs <= 0 {
		etaMs = defaultEtaMs
	}

	o := Offer{
		ID:         s.idGen(),
		RFPID:      rfpID,
		AgentID:    agentID,
		PriceUSD:   priceUSD,
		EtaMs:      etaMs,
		Confidence: confidence,
		Terms:      map[string]any{},
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertOffer(ctx, o); err != nil {
		return Offer{}, err
	}
	return o, nil
}

// agentRating preserves the source estimator: a never-hired agent rates 1.0.
func agentRating(a Agent) float64 {
	if a.TotalHires == 0 {
		return 1.0
	}
	return float64(a.SuccessfulHires) / float64(a.TotalHires)
}

// mergeBenchmarks overlays fetched baselines on the defaults, keeping the
// default for any zero-valued field.
func mergeBenchmarks(fetched, def Benchmarks) Benchmarks {
	out := def
	if fetched.MedianPriceUSD > 0 {
		out.MedianPriceUSD = fetched.MedianPriceUSD
	}
	if fetched.P95LatencyMs > 0 {
		out.P95LatencyMs = fetched.P95LatencyMs
	}
	if fetched.SafetyScore > 0 {
		out.SafetyScore = fetched.SafetyScore
	}
	return out
}
