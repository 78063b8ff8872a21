package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRFPNotFound signals the requested RFP does not exist.
	ErrRFPNotFound = errors.New("marketplace: rfp not found")
	// ErrAgentNotFound signals the requested agent does not exist.
	ErrAgentNotFound = errors.New("marketplace: agent not found")
	// ErrDuplicateOffer signals a second offer from the same agent for the
	// same RFP.
	ErrDuplicateOffer = errors.New("marketplace: duplicate offer for rfp")
	// ErrDuplicateAgent signals a registration with an already-used agent id.
	ErrDuplicateAgent = errors.New("marketplace: agent already registered")
)

// Repository provides durable access to the RFP/Offer/Agent store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed marketplace store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateAgent registers a directory entry. A fresh agent starts at rating
// 1.0 with zero hire counters.
func (r *Repository) CreateAgent(ctx context.Context, a Agent, apiKeyHash string) error {
	const query = `
		INSERT INTO agents (id, capability, charge_usd, rating, price_endpoint, api_key_hash)
		VALUES ($1, $2, $3, 1.0, NULLIF($4, ''), NULLIF($5, ''))
	`

	_, err := r.pool.Exec(ctx, query, a.ID, a.Capability, a.ChargeUSD, a.PriceEndpoint, apiKeyHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("marketplace: create agent: %w", err)
	}
	return nil
}

// AgentsByCapability lists directory entries matching a capability.
func (r *Repository) AgentsByCapability(ctx context.Context, capability string) ([]Agent, error) {
	const query = `
		SELECT id, capability, charge_usd, rating, total_hires, successful_hires,
		       COALESCE(price_endpoint, ''), created_at
		FROM agents
		WHERE capability = $1
		ORDER BY rating DESC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, capability)
	if err != nil {
		return nil, fmt.Errorf("marketplace: agents by capability: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0, 8)
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Capability, &a.ChargeUSD, &a.Rating,
			&a.TotalHires, &a.SuccessfulHires, &a.PriceEndpoint, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("marketplace: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketplace: iterate agents: %w", err)
	}
	return agents, nil
}

// CreateRFP persists a new capability request.
func (r *Repository) CreateRFP(ctx context.Context, rfp RFP) error {
	const query = `
		INSERT INTO rfps (id, capability, inputs, constraints, budget_usd, slo_p95_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		rfp.ID, rfp.Capability, rfp.Inputs, rfp.Constraints, rfp.BudgetUSD, rfp.SLO.P95Ms, rfp.CreatedAt)
	if err != nil {
		return fmt.Errorf("marketplace: create rfp: %w", err)
	}
	return nil
}

// GetRFP fetches one RFP by id.
func (r *Repository) GetRFP(ctx context.Context, id string) (RFP, error) {
	const query = `
		SELECT id, capability, inputs, constraints, budget_usd, slo_p95_ms, created_at
		FROM rfps
		WHERE id = $1
	`

	var rfp RFP
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rfp.ID, &rfp.Capability, &rfp.Inputs, &rfp.Constraints,
		&rfp.BudgetUSD, &rfp.SLO.P95Ms, &rfp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RFP{}, ErrRFPNotFound
		}
		return RFP{}, fmt.Errorf("marketplace: get rfp: %w", err)
	}
	return rfp, nil
}

// InsertOffer records one agent's bid. The (rfp_id, agent_id) unique index
// enforces one offer per agent per RFP.
func (r *Repository) InsertOffer(ctx context.Context, o Offer) error {
	const query = `
		INSERT INTO offers (id, rfp_id, agent_id, price_usd, eta_ms, confidence, terms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		o.ID, o.RFPID, o.AgentID, o.PriceUSD, o.EtaMs, o.Confidence, o.Terms, o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOffer
		}
		return fmt.Errorf("marketplace: insert offer: %w", err)
	}
	return nil
}

// ListOffers returns every offer recorded against an RFP.
func (r *Repository) ListOffers(ctx context.Context, rfpID string) ([]Offer, error) {
	const query = `
		SELECT id, rfp_id, agent_id, price_usd, eta_ms, confidence, terms, created_at
		FROM offers
		WHERE rfp_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, rfpID)
	if err != nil {
		return nil, fmt.Errorf("marketplace: list offers: %w", err)
	}
	defer rows.Close()

	offers := make([]Offer, 0, 8)
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.RFPID, &o.AgentID, &o.PriceUSD, &o.EtaMs,
			&o.Confidence, &o.Terms, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("marketplace: scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketplace: iterate offers: %w", err)
	}
	return offers, nil
}

// RecordHire bumps the hire counters and recomputes the rating in one
// statement, so concurrent hires never tear the counters apart from the
// ratio. Every SET expression reads the pre-update row values.
func (r *Repository) RecordHire(ctx context.Context, agentID string, success bool) error {
	const query = `
		UPDATE agents
		SET total_hires      = total_hires + 1,
		    successful_hires = successful_hires + CASE WHEN $2 THEN 1 ELSE 0 END,
		    rating           = (successful_hires + CASE WHEN $2 THEN 1 ELSE 0 END)::float8
		                       / (total_hires + 1)
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, agentID, success)
	if err != nil {
		return fmt.Errorf("marketplace: record hire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// GetAgent fetches one directory entry by id.
func (r *Repository) GetAgent(ctx context.Context, id string) (Agent, error) {
	const query = `
		SELECT id, capability, charge_usd, rating, total_hires, successful_hires,
		       COALESCE(price_endpoint, ''), created_at
		FROM agents
		WHERE id = $1
	`

	var a Agent
	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Capability, &a.ChargeUSD,
		&a.Rating, &a.TotalHires, &a.SuccessfulHires, &a.PriceEndpoint, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("marketplace: get agent: %w", err)
	}
	return a, nil
}
