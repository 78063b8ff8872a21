package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/anushkasomani/agentrunner/anchor"
	"github.com/anushkasomani/agentrunner/auth"
	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/marketplace"
	"github.com/anushkasomani/agentrunner/payment"
	"github.com/anushkasomani/agentrunner/receipt"
	"github.com/anushkasomani/agentrunner/runner"
)

type marketplaceService interface {
	CreateRFP(ctx context.Context, params marketplace.CreateRFPParams) (marketplace.RFP, error)
	ListOffers(ctx context.Context, rfpID string) ([]marketplace.Offer, error)
	SubmitOffer(ctx context.Context, rfpID, agentID string, priceUSD float64, etaMs int, confidence float64) (marketplace.Offer, error)
	Hire(ctx context.Context, rfpID string) (marketplace.Award, error)
	RegisterAgent(ctx context.Context, a marketplace.Agent, apiKeyHash string) (marketplace.Agent, error)
}

type paymentGateway interface {
	Price(skill string) (decimal.Decimal, error)
	CreateInvoice(ctx context.Context, skill string) (payment.Invoice, error)
	Verify(ctx context.Context, invoiceID string, proof payment.Proof) (payment.Invoice, error)
	Refund(ctx context.Context, invoiceID, to string, units int64) (string, error)
}

type guardEngine interface {
	Evaluate(ctx context.Context, p guard.SwapParams, cfg guard.Config) (guard.Verdict, error)
}

type runnerService interface {
	Run(ctx context.Context, skill string, req runner.Request) (receipt.Receipt, error)
}

type receiptLog interface {
	List(ctx context.Context, limit int) ([]receipt.Receipt, error)
}

type anchorService interface {
	AnchorDaily(ctx context.Context, day int) (anchor.Batch, error)
}

type tokenVerifier interface {
	RequireAdmin(tokenString string) (string, error)
}

// Server is the HTTP surface. Fields are narrow interfaces so handler
// tests can stub exactly what they exercise.
type Server struct {
	marketplace marketplaceService
	payments    paymentGateway
	guard       guardEngine
	runner      runnerService
	receipts    receiptLog
	anchors     anchorService
	tokens      tokenVerifier
	logger      *slog.Logger
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /rfp", s.handleCreateRFP)
	mux.HandleFunc("GET /rfp/{id}/offers", s.handleListOffers)
	mux.HandleFunc("POST /rfp/{id}/offers", s.handleSubmitOffer)
	mux.HandleFunc("POST /hire", s.handleHire)
	mux.HandleFunc("GET /price", s.handlePrice)
	mux.HandleFunc("POST /invoice", s.handleCreateInvoice)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /refund", s.handleRefund)
	mux.HandleFunc("POST /guard/evaluate", s.handleGuardEvaluate)
	mux.HandleFunc("POST /run/skill/{name}", s.handleRunSkill)
	mux.HandleFunc("GET /receipts", s.handleReceipts)
	mux.HandleFunc("POST /anchor/daily", s.requireAdmin(s.handleAnchorDaily))
	mux.HandleFunc("POST /agents", s.requireAdmin(s.handleRegisterAgent))
	return mux
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log().Error("request failed", "err", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain sentinels onto HTTP statuses. Unknown errors are
// internal by default so nothing leaks.
func statusFor(err error) int {
	switch {
	case errors.Is(err, marketplace.ErrInvalidRFP),
		errors.Is(err, guard.ErrInvalidConfig),
		errors.Is(err, guard.ErrInvalidParams),
		errors.Is(err, payment.ErrRefundExceedsPaid):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, payment.ErrPaymentShortfall),
		errors.Is(err, payment.ErrInvalidProof),
		errors.Is(err, runner.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, runner.ErrGuardRejected):
		return http.StatusForbidden
	case errors.Is(err, marketplace.ErrRFPNotFound),
		errors.Is(err, marketplace.ErrAgentNotFound),
		errors.Is(err, marketplace.ErrNoOffers),
		errors.Is(err, payment.ErrInvoiceNotFound),
		errors.Is(err, payment.ErrUnknownSkill),
		errors.Is(err, runner.ErrUnknownSkill),
		errors.Is(err, anchor.ErrNoReceipts):
		return http.StatusNotFound
	case errors.Is(err, marketplace.ErrDuplicateOffer),
		errors.Is(err, marketplace.ErrDuplicateAgent):
		return http.StatusConflict
	case errors.Is(err, payment.ErrInvoiceExpired):
		return http.StatusGone
	case errors.Is(err, guard.ErrQuoteUnavailable),
		errors.Is(err, anchor.ErrLedgerUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, payment.ErrRefundsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// requireAdmin wraps a handler with bearer-token admin authorization.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, auth.ErrInvalidToken)
			return
		}
		if _, err := s.tokens.RequireAdmin(token); err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRFPRequest struct {
	Capability  string          `json:"capability"`
	Inputs      map[string]any  `json:"inputs"`
	Constraints map[string]any  `json:"constraints"`
	BudgetUSD   float64         `json:"budget_usd"`
	SLO         marketplace.SLO `json:"slo"`
}

type rfpResponse struct {
	ID         string `json:"id"`
	Capability string `json:"capability"`
	Offers     int    `json:"offers"`
}

func (s *Server) handleCreateRFP(w http.ResponseWriter, r *http.Request) {
	var req createRFPRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	rfp, err := s.marketplace.CreateRFP(r.Context(), marketplace.CreateRFPParams{
		Capability:  req.Capability,
		Inputs:      req.Inputs,
		Constraints: req.Constraints,
		BudgetUSD:   req.BudgetUSD,
		SLO:         req.SLO,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	offers, err := s.marketplace.ListOffers(r.Context(), rfp.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rfpResponse{ID: rfp.ID, Capability: rfp.Capability, Offers: len(offers)})
}

type offerResponse struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	PriceUSD   float64 `json:"price_usd"`
	EtaMs      int     `json:"eta_ms"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	rfpID := r.PathValue("id")
	offers, err := s.marketplace.ListOffers(r.Context(), rfpID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		items = append(items, offerResponse{
			ID:         o.ID,
			AgentID:    o.AgentID,
			PriceUSD:   o.PriceUSD,
			EtaMs:      o.EtaMs,
			Confidence: o.Confidence,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type submitOfferRequest struct {
	AgentID    string  `json:"agent_id"`
	PriceUSD   float64 `json:"price_usd"`
	EtaMs      int     `json:"eta_ms"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	rfpID := r.PathValue("id")

	var req submitOfferRequest
	if err := decodeBody(r, &req); err != nil || req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}

	offer, err := s.marketplace.SubmitOffer(r.Context(), rfpID, req.AgentID, req.PriceUSD, req.EtaMs, req.Confidence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offerResponse{
		ID:         offer.ID,
		AgentID:    offer.AgentID,
		PriceUSD:   offer.PriceUSD,
		EtaMs:      offer.EtaMs,
		Confidence: offer.Confidence,
	})
}

type hireRequest struct {
	RFPID string `json:"rfp_id"`
}

func (s *Server) handleHire(w http.ResponseWriter, r *http.Request) {
	var req hireRequest
	if err := decodeBody(r, &req); err != nil || req.RFPID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rfp_id required"})
		return
	}

	award, err := s.marketplace.Hire(r.Context(), req.RFPID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, award)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		capability = r.URL.Query().Get("skill")
	}
	price, err := s.payments.Price(capability)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"capability": capability, "price_usd": price.String()})
}

type createInvoiceRequest struct {
	Skill string `json:"skill"`
}

// handleCreateInvoice answers 402 Payment Required with the invoice
// payload; settling it is the point.
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := decodeBody(r, &req); err != nil || req.Skill == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "skill required"})
		return
	}

	inv, err := s.payments.CreateInvoice(r.Context(), req.Skill)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusPaymentRequired, inv)
}

type verifyRequest struct {
	InvoiceID string        `json:"invoice_id"`
	Proof     payment.Proof `json:"proof"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil || req.InvoiceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoice_id and proof required"})
		return
	}

	inv, err := s.payments.Verify(r.Context(), req.InvoiceID, req.Proof)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type refundRequest struct {
	InvoiceID string `json:"invoice_id"`
	To        string `json:"to"`
	Units     int64  `json:"units"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(r, &req); err != nil || req.InvoiceID == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoice_id, to and units required"})
		return
	}

	txid, err := s.payments.Refund(r.Context(), req.InvoiceID, req.To, req.Units)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txid": txid})
}

type guardEvaluateRequest struct {
	Params guard.SwapParams `json:"params"`
	Config guard.Config     `json:"config"`
}

func (s *Server) handleGuardEvaluate(w http.ResponseWriter, r *http.Request) {
	var req guardEvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	verdict, err := s.guard.Evaluate(r.Context(), req.Params, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleRunSkill(w http.ResponseWriter, r *http.Request) {
	skill := r.PathValue("name")

	var req runner.Request
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if req.InvoiceID == "" || req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id and invoice_id required"})
		return
	}

	rec, err := s.runner.Run(r.Context(), skill, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	items, err := s.receipts.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type anchorRequest struct {
	Day int `json:"day"`
}

func (s *Server) handleAnchorDaily(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if err := decodeBody(r, &req); err != nil || req.Day <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "day (YYYYMMDD) required"})
		return
	}

	batch, err := s.anchors.AnchorDaily(r.Context(), req.Day)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type registerAgentRequest struct {
	ID            string  `json:"id"`
	Capability    string  `json:"capability"`
	ChargeUSD     float64 `json:"charge_usd"`
	PriceEndpoint string  `json:"price_endpoint"`
	APIKey        string  `json:"api_key"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	var keyHash string
	if req.APIKey != "" {
		h, err := auth.HashAPIKey(req.APIKey)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		keyHash = h
	}

	agent, err := s.marketplace.RegisterAgent(r.Context(), marketplace.Agent{
		ID:            req.ID,
		Capability:    req.Capability,
		ChargeUSD:     req.ChargeUSD,
		PriceEndpoint: req.PriceEndpoint,
	}, keyHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         agent.ID,
		"capability": agent.Capability,
		"rating":     agent.Rating,
	})
}
