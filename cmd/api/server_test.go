package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/anushkasomani/agentrunner/anchor"
	"github.com/anushkasomani/agentrunner/auth"
	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/marketplace"
	"github.com/anushkasomani/agentrunner/payment"
	"github.com/anushkasomani/agentrunner/receipt"
	"github.com/anushkasomani/agentrunner/runner"
)

type stubMarketplace struct {
	rfp       marketplace.RFP
	rfpErr    error
	offers    []marketplace.Offer
	offerErr  error
	submitted marketplace.Offer
	submitErr error
	award     marketplace.Award
	hireErr   error
	agent     marketplace.Agent
	agentErr  error
}

func (s *stubMarketplace) CreateRFP(_ context.Context, _ marketplace.CreateRFPParams) (marketplace.RFP, error) {
	return s.rfp, s.rfpErr
}

func (s *stubMarketplace) ListOffers(_ context.Context, _ string) ([]marketplace.Offer, error) {
	return s.offers, s.offerErr
}

func (s *stubMarketplace) SubmitOffer(_ context.Context, _, _ string, _ float64, _ int, _ float64) (marketplace.Offer, error) {
	return s.submitted, s.submitErr
}

func (s *stubMarketplace) Hire(_ context.Context, _ string) (marketplace.Award, error) {
	return s.award, s.hireErr
}

func (s *stubMarketplace) RegisterAgent(_ context.Context, _ marketplace.Agent, _ string) (marketplace.Agent, error) {
	return s.agent, s.agentErr
}

type stubGateway struct {
	price     decimal.Decimal
	priceErr  error
	invoice   payment.Invoice
	createErr error
	verified  payment.Invoice
	verifyErr error
	txid      string
	refundErr error
}

func (s *stubGateway) Price(_ string) (decimal.Decimal, error) { return s.price, s.priceErr }

func (s *stubGateway) CreateInvoice(_ context.Context, _ string) (payment.Invoice, error) {
	return s.invoice, s.createErr
}

func (s *stubGateway) Verify(_ context.Context, _ string, _ payment.Proof) (payment.Invoice, error) {
	return s.verified, s.verifyErr
}

func (s *stubGateway) Refund(_ context.Context, _, _ string, _ int64) (string, error) {
	return s.txid, s.refundErr
}

type stubGuard struct {
	verdict guard.Verdict
	err     error
}

func (s *stubGuard) Evaluate(_ context.Context, _ guard.SwapParams, _ guard.Config) (guard.Verdict, error) {
	return s.verdict, s.err
}

type stubRunner struct {
	rec receipt.Receipt
	err error
}

func (s *stubRunner) Run(_ context.Context, _ string, _ runner.Request) (receipt.Receipt, error) {
	return s.rec, s.err
}

type stubReceipts struct {
	items []receipt.Receipt
	err   error
}

func (s *stubReceipts) List(_ context.Context, _ int) ([]receipt.Receipt, error) {
	return s.items, s.err
}

type stubAnchors struct {
	batch anchor.Batch
	err   error
}

func (s *stubAnchors) AnchorDaily(_ context.Context, _ int) (anchor.Batch, error) {
	return s.batch, s.err
}

func TestHandleCreateRFP_Created(t *testing.T) {
	server := &Server{marketplace: &stubMarketplace{
		rfp:    marketplace.RFP{ID: "r1", Capability: "swap"},
		offers: []marketplace.Offer{{ID: "o1"}, {ID: "o2"}},
	}}

	body := strings.NewReader(`{"capability":"swap","budget_usd":1,"slo":{"p95_ms":2000}}`)
	req := httptest.NewRequest(http.MethodPost, "/rfp", body)
	rec := httptest.NewRecorder()

	server.handleCreateRFP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp rfpResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "r1" || resp.Offers != 2 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCreateRFP_Invalid(t *testing.T) {
	server := &Server{marketplace: &stubMarketplace{rfpErr: marketplace.ErrInvalidRFP}}

	req := httptest.NewRequest(http.MethodPost, "/rfp", strings.NewReader(`{"budget_usd":0}`))
	rec := httptest.NewRecorder()

	server.handleCreateRFP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSubmitOffer_Created(t *testing.T) {
	server := &Server{marketplace: &stubMarketplace{
		submitted: marketplace.Offer{ID: "o1", RFPID: "r1", AgentID: "agent-a", PriceUSD: 0.1, EtaMs: 900, Confidence: 0.9},
	}}

	body := strings.NewReader(`{"agent_id":"agent-a","price_usd":0.1,"eta_ms":900,"confidence":0.9}`)
	req := httptest.NewRequest(http.MethodPost, "/rfp/r1/offers", body)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()

	server.handleSubmitOffer(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp offerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "o1" || resp.AgentID != "agent-a" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleSubmitOffer_Duplicate(t *testing.T) {
	server := &Server{marketplace: &stubMarketplace{submitErr: marketplace.ErrDuplicateOffer}}

	body := strings.NewReader(`{"agent_id":"agent-a","price_usd":0.1}`)
	req := httptest.NewRequest(http.MethodPost, "/rfp/r1/offers", body)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()

	server.handleSubmitOffer(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandlePrice_CapabilityParam(t *testing.T) {
	server := &Server{payments: &stubGateway{price: decimal.NewFromFloat(0.05)}}

	req := httptest.NewRequest(http.MethodGet, "/price?capability=swap", nil)
	rec := httptest.NewRecorder()

	server.handlePrice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["capability"] != "swap" || resp["price_usd"] != "0.05" {
		t.Fatalf("unexpected payload: %v", resp)
	}
}

func TestHandlePrice_LegacySkillParam(t *testing.T) {
	server := &Server{payments: &stubGateway{price: decimal.NewFromFloat(0.05)}}

	req := httptest.NewRequest(http.MethodGet, "/price?skill=swap", nil)
	rec := httptest.NewRecorder()

	server.handlePrice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["capability"] != "swap" {
		t.Fatalf("unexpected payload: %v", resp)
	}
}

func TestHandleHire_NoOffers(t *testing.T) {
	server := &Server{marketplace: &stubMarketplace{hireErr: marketplace.ErrNoOffers}}

	req := httptest.NewRequest(http.MethodPost, "/hire", strings.NewReader(`{"rfp_id":"r1"}`))
	rec := httptest.NewRecorder()

	server.handleHire(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleHire_Success(t *testing.T) {
	server := &Server{marketplace: &stubMarketplace{
		award: marketplace.Award{AgentID: "a", PriceUSD: 0.09996, EtaMs: 900, Score: 0.8},
	}}

	req := httptest.NewRequest(http.MethodPost, "/hire", strings.NewReader(`{"rfp_id":"r1"}`))
	rec := httptest.NewRecorder()

	server.handleHire(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var award marketplace.Award
	if err := json.Unmarshal(rec.Body.Bytes(), &award); err != nil {
		t.Fatalf("decode award: %v", err)
	}
	if award.AgentID != "a" || award.PriceUSD != 0.09996 {
		t.Fatalf("unexpected award: %+v", award)
	}
}

func TestHandleCreateInvoice_Returns402(t *testing.T) {
	server := &Server{payments: &stubGateway{
		invoice: payment.Invoice{ID: "inv-1", Skill: "swap", Currency: "USDC"},
	}}

	req := httptest.NewRequest(http.MethodPost, "/invoice", strings.NewReader(`{"skill":"swap"}`))
	rec := httptest.NewRecorder()

	server.handleCreateInvoice(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var inv payment.Invoice
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if inv.ID != "inv-1" {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
}

func TestHandleVerify_InvalidProofIs402(t *testing.T) {
	server := &Server{payments: &stubGateway{verifyErr: payment.ErrInvalidProof}}

	body := strings.NewReader(`{"invoice_id":"inv-1","proof":{"chain":"solana","txid":"tx1","mint":"usdc","amount":100000}}`)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	rec := httptest.NewRecorder()

	server.handleVerify(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestHandleVerify_ExpiredIs410(t *testing.T) {
	server := &Server{payments: &stubGateway{verifyErr: payment.ErrInvoiceExpired}}

	body := strings.NewReader(`{"invoice_id":"inv-1","proof":{"txid":"tx1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	rec := httptest.NewRecorder()

	server.handleVerify(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestHandleGuardEvaluate_QuoteOutageIs502(t *testing.T) {
	server := &Server{guard: &stubGuard{err: guard.ErrQuoteUnavailable}}

	body := strings.NewReader(`{"params":{"inMint":"SOL","outMint":"USDC","amount":"100"}}`)
	req := httptest.NewRequest(http.MethodPost, "/guard/evaluate", body)
	rec := httptest.NewRecorder()

	server.handleGuardEvaluate(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandleRunSkill_GuardRejectedIs403(t *testing.T) {
	server := &Server{runner: &stubRunner{err: runner.ErrGuardRejected}}

	body := strings.NewReader(`{"task_id":"t1","invoice_id":"inv-1","inputs":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/run/skill/swap", body)
	req.SetPathValue("name", "swap")
	rec := httptest.NewRecorder()

	server.handleRunSkill(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleRunSkill_UnpaidIs402(t *testing.T) {
	server := &Server{runner: &stubRunner{err: runner.ErrPaymentRequired}}

	body := strings.NewReader(`{"task_id":"t1","invoice_id":"inv-1","inputs":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/run/skill/swap", body)
	req.SetPathValue("name", "swap")
	rec := httptest.NewRecorder()

	server.handleRunSkill(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestHandleReceipts_BadLimit(t *testing.T) {
	server := &Server{receipts: &stubReceipts{}}

	req := httptest.NewRequest(http.MethodGet, "/receipts?limit=zero", nil)
	rec := httptest.NewRecorder()

	server.handleReceipts(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminRoutes_RequireBearerToken(t *testing.T) {
	tokens := auth.NewService("test-secret")
	server := &Server{
		anchors: &stubAnchors{batch: anchor.Batch{Day: 20250601, Root: "0xabc", LeafCount: 3}},
		tokens:  tokens,
	}
	handler := server.requireAdmin(server.handleAnchorDaily)

	// No token.
	req := httptest.NewRequest(http.MethodPost, "/anchor/daily", strings.NewReader(`{"day":20250601}`))
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Agent-role token.
	agentToken, _ := tokens.MintToken("agent-1", auth.RoleAgent)
	req = httptest.NewRequest(http.MethodPost, "/anchor/daily", strings.NewReader(`{"day":20250601}`))
	req.Header.Set("Authorization", "Bearer "+agentToken)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent role, got %d", rec.Code)
	}

	// Admin token.
	adminToken, _ := tokens.MintToken("ops", auth.RoleAdmin)
	req = httptest.NewRequest(http.MethodPost, "/anchor/daily", strings.NewReader(`{"day":20250601}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}

	var batch anchor.Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if batch.Root != "0xabc" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestHandleAnchorDaily_NoReceiptsIs404(t *testing.T) {
	server := &Server{anchors: &stubAnchors{err: anchor.ErrNoReceipts}}

	req := httptest.NewRequest(http.MethodPost, "/anchor/daily", strings.NewReader(`{"day":20250601}`))
	rec := httptest.NewRecorder()

	server.handleAnchorDaily(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatusFor_UnknownErrorIs500(t *testing.T) {
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}
