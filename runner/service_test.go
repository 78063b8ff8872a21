package runner

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/receipt"
)

type fakeGuard struct {
	verdicts map[string]guard.Verdict
	err      error
	calls    int
}

func (f *fakeGuard) Evaluate(_ context.Context, p guard.SwapParams, _ guard.Config) (guard.Verdict, error) {
	f.calls++
	if f.err != nil {
		return guard.Verdict{}, f.err
	}
	if v, ok := f.verdicts[p.InMint]; ok {
		return v, nil
	}
	return guard.Verdict{Verdict: guard.StatusOK, FreshnessS: 1, SlippageBps: p.SlippageBps, NotionalUSD: 10, TxFeeSOL: 0.000005}, nil
}

type fakePayments struct {
	paid map[string]bool
	err  error
}

func (f *fakePayments) RequirePaid(_ context.Context, invoiceID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.paid[invoiceID], nil
}

type fakeSink struct {
	appended []receipt.Receipt
	err      error
}

func (f *fakeSink) Append(_ context.Context, rec receipt.Receipt) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, rec)
	return nil
}

type fakeVenue struct {
	outcomes map[string]SwapOutcome
	err      error
	executed []string
}

func (f *fakeVenue) ExecuteSwap(_ context.Context, p guard.SwapParams) (SwapOutcome, error) {
	if f.err != nil {
		return SwapOutcome{}, f.err
	}
	f.executed = append(f.executed, p.InMint)
	if o, ok := f.outcomes[p.InMint]; ok {
		return o, nil
	}
	return SwapOutcome{Txid: "tx-" + p.InMint, OutAmount: 1, FeeLamports: 5000, Protocol: "test-venue"}, nil
}

func testSigner(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, "runner-service-test-seed-abcdefg")
	return ed25519.NewKeyFromSeed(seed)
}

func newTestRunner(t *testing.T, g GuardEvaluator, p PaymentChecker, sink ReceiptSink, venue Venue) *Service {
	t.Helper()
	registry := NewRegistry()
	registry.Register("swap", NewSwapExecutor(venue))
	registry.Register("rebalance", NewRebalanceExecutor(venue))

	svc := NewService(ServiceConfig{
		Registry: registry,
		Guard:    g,
		Payments: p,
		Receipts: sink,
		SignKey:  testSigner(t),
		Identity: "agentrunner",
	})
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func swapRequest() Request {
	return Request{
		TaskID:    "task-1",
		InvoiceID: "inv-1",
		Inputs: map[string]any{
			"inMint":       "SOL",
			"outMint":      "USDC",
			"amount":       "100",
			"slippageBps":  20,
			"pythPriceIds": []string{"feed-1"},
		},
	}
}

func TestRun_HappyPathProducesSignedAppendedReceipt(t *testing.T) {
	sink := &fakeSink{}
	venue := &fakeVenue{}
	svc := newTestRunner(t, &fakeGuard{}, &fakePayments{paid: map[string]bool{"inv-1": true}}, sink, venue)

	rec, err := svc.Run(context.Background(), "swap", swapRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.Sign == nil {
		t.Fatal("returned receipt must be signed")
	}
	pub := testSigner(t).Public().(ed25519.PublicKey)
	ok, err := receipt.VerifyReceipt(rec, pub)
	if err != nil || !ok {
		t.Fatalf("receipt must verify against the runner key: ok=%v err=%v", ok, err)
	}

	if len(sink.appended) != 1 {
		t.Fatalf("expected 1 appended receipt, got %d", len(sink.appended))
	}
	if rec.Guards.Verdict != string(guard.StatusOK) {
		t.Fatalf("expected OK guard summary, got %s", rec.Guards.Verdict)
	}
	if rec.Refs.PythIDs[0] != "feed-1" {
		t.Fatalf("expected pyth refs carried through, got %+v", rec.Refs)
	}
	if len(venue.executed) != 1 {
		t.Fatalf("expected one swap executed, got %v", venue.executed)
	}
}

func TestRun_GuardFailBlocksExecution(t *testing.T) {
	venue := &fakeVenue{}
	g := &fakeGuard{verdicts: map[string]guard.Verdict{
		"SOL": {Verdict: guard.StatusFAIL, PriceDeviation: 1},
	}}
	svc := newTestRunner(t, g, &fakePayments{paid: map[string]bool{"inv-1": true}}, &fakeSink{}, venue)

	_, err := svc.Run(context.Background(), "swap", swapRequest())
	if !errors.Is(err, ErrGuardRejected) {
		t.Fatalf("expected ErrGuardRejected, got %v", err)
	}
	if len(venue.executed) != 0 {
		t.Fatal("no swap may execute after a FAIL verdict")
	}
}

func TestRun_UnpaidInvoiceBlocksExecution(t *testing.T) {
	venue := &fakeVenue{}
	svc := newTestRunner(t, &fakeGuard{}, &fakePayments{paid: map[string]bool{}}, &fakeSink{}, venue)

	_, err := svc.Run(context.Background(), "swap", swapRequest())
	if !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	if len(venue.executed) != 0 {
		t.Fatal("no swap may execute against an unpaid invoice")
	}
}

func TestRun_UnknownSkill(t *testing.T) {
	svc := newTestRunner(t, &fakeGuard{}, &fakePayments{}, &fakeSink{}, &fakeVenue{})

	_, err := svc.Run(context.Background(), "teleport", swapRequest())
	if !errors.Is(err, ErrUnknownSkill) {
		t.Fatalf("expected ErrUnknownSkill, got %v", err)
	}
}

func TestRun_AppendFailureFailsRun(t *testing.T) {
	sink := &fakeSink{err: errors.New("log down")}
	svc := newTestRunner(t, &fakeGuard{}, &fakePayments{paid: map[string]bool{"inv-1": true}}, sink, &fakeVenue{})

	if _, err := svc.Run(context.Background(), "swap", swapRequest()); err == nil {
		t.Fatal("a run whose receipt cannot be appended must fail")
	}
}

func TestRun_RebalanceAggregatesLegVerdicts(t *testing.T) {
	sink := &fakeSink{}
	venue := &fakeVenue{}
	g := &fakeGuard{verdicts: map[string]guard.Verdict{
		"SOL":  {Verdict: guard.StatusOK, FreshnessS: 1, SlippageBps: 10, NotionalUSD: 40, TxFeeSOL: 0.000005},
		"USDC": {Verdict: guard.StatusOK, FreshnessS: 3, SlippageBps: 25, NotionalUSD: 60, TxFeeSOL: 0.000005},
	}}
	svc := newTestRunner(t, g, &fakePayments{paid: map[string]bool{"inv-1": true}}, sink, venue)

	req := Request{
		TaskID:    "task-2",
		InvoiceID: "inv-1",
		Inputs: map[string]any{
			"legs": []any{
				map[string]any{"inMint": "SOL", "outMint": "USDC", "amount": "50", "slippageBps": 10},
				map[string]any{"inMint": "USDC", "outMint": "JUP", "amount": "60", "slippageBps": 25},
			},
		},
	}

	rec, err := svc.Run(context.Background(), "rebalance", req)
	if err != nil {
		t.Fatalf("run rebalance: %v", err)
	}

	if rec.Guards.FreshnessS != 3 || rec.Guards.SlippageBps != 25 {
		t.Fatalf("expected worst-case freshness/slippage, got %+v", rec.Guards)
	}
	if rec.Guards.NotionalUSD != 100 {
		t.Fatalf("expected summed notional 100, got %g", rec.Guards.NotionalUSD)
	}
	if len(venue.executed) != 2 {
		t.Fatalf("expected both legs executed, got %v", venue.executed)
	}
}

func TestRun_RebalanceAnyFailLegRejectsAll(t *testing.T) {
	venue := &fakeVenue{}
	g := &fakeGuard{verdicts: map[string]guard.Verdict{
		"USDC": {Verdict: guard.StatusFAIL, PriceDeviation: 1},
	}}
	svc := newTestRunner(t, g, &fakePayments{paid: map[string]bool{"inv-1": true}}, &fakeSink{}, venue)

	req := Request{
		TaskID:    "task-3",
		InvoiceID: "inv-1",
		Inputs: map[string]any{
			"legs": []any{
				map[string]any{"inMint": "SOL", "outMint": "USDC", "amount": "50", "slippageBps": 10},
				map[string]any{"inMint": "USDC", "outMint": "JUP", "amount": "60", "slippageBps": 25},
			},
		},
	}

	if _, err := svc.Run(context.Background(), "rebalance", req); !errors.Is(err, ErrGuardRejected) {
		t.Fatalf("expected ErrGuardRejected, got %v", err)
	}
	if len(venue.executed) != 0 {
		t.Fatal("no leg may execute when any leg fails the guard")
	}
}

func TestRegistry_Skills(t *testing.T) {
	r := NewRegistry()
	r.Register("swap", NewSwapExecutor(&fakeVenue{}))
	r.Register("rebalance", NewRebalanceExecutor(&fakeVenue{}))

	skills := r.Skills()
	if len(skills) != 2 || skills[0] != "rebalance" || skills[1] != "swap" {
		t.Fatalf("unexpected skills: %v", skills)
	}
}
