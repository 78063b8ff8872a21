package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHermesOracle_ParsesFeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/latest_price_feeds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query()["ids[]"]; len(got) != 2 {
			t.Errorf("expected 2 ids, got %v", got)
		}
		w.Write([]byte(`[
			{"price":{"price":"15234000000","expo":-8,"publish_time":1700000000}},
			{"price":{"price":"99990000","expo":-8,"publish_time":1700000005}}
		]`))
	}))
	defer srv.Close()

	oracle := NewHermesOracle(srv.URL, time.Second)
	points, err := oracle.LatestPrices(context.Background(), []string{"feed-1", "feed-2"})
	if err != nil {
		t.Fatalf("latest prices: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Price < 152.33 || points[0].Price > 152.35 {
		t.Fatalf("expo not applied: %g", points[0].Price)
	}
	if points[1].PublishTime != 1700000005 {
		t.Fatalf("unexpected publish time %d", points[1].PublishTime)
	}
}

func TestHermesOracle_EmptyFeedsIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	oracle := NewHermesOracle(srv.URL, time.Second)
	if _, err := oracle.LatestPrices(context.Background(), []string{"feed-1"}); err == nil {
		t.Fatal("expected error on empty feed list")
	}
}

func TestRouterQuoteSource_RaydiumShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/compute/swap-base-in" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("inputMint") != "SOL" || q.Get("slippageBps") != "20" || q.Get("txVersion") != "V0" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(`{"data":{"default":{"vh":99.5}}}`))
	}))
	defer srv.Close()

	quotes := NewRouterQuoteSource(srv.URL, time.Second)
	result, err := quotes.Quote(context.Background(), SwapParams{
		InMint: "SOL", OutMint: "USDC", Amount: "100", SlippageBps: 20,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if result.OutAmount != 99.5 || result.InAmount != 100 {
		t.Fatalf("unexpected quote: %+v", result)
	}
	if len(result.Raw) == 0 {
		t.Fatal("raw body must be retained for audit hashing")
	}
}

func TestRouterQuoteSource_FlatShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"outAmount":"42.5"}`))
	}))
	defer srv.Close()

	quotes := NewRouterQuoteSource(srv.URL, time.Second)
	result, err := quotes.Quote(context.Background(), SwapParams{InMint: "SOL", OutMint: "USDC", Amount: "50"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if result.OutAmount != 42.5 {
		t.Fatalf("expected 42.5, got %g", result.OutAmount)
	}
}

func TestRouterQuoteSource_MissingOutputAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	quotes := NewRouterQuoteSource(srv.URL, time.Second)
	if _, err := quotes.Quote(context.Background(), SwapParams{InMint: "SOL", OutMint: "USDC", Amount: "50"}); err == nil {
		t.Fatal("expected error when no output amount present")
	}
}
