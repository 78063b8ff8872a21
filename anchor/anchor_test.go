package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSubmitter_PostsRoot(t *testing.T) {
	var got struct {
		AgentIdentity string `json:"agent_identity"`
		Day           int    `json:"day"`
		Root          string `json:"root"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/anchor" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"txid": "anchor-tx-1"})
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, time.Second)
	txid, err := sub.SubmitRoot(context.Background(), "agentrunner", 20250601, "0xabc")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txid != "anchor-tx-1" {
		t.Fatalf("unexpected txid %q", txid)
	}
	if got.AgentIdentity != "agentrunner" || got.Day != 20250601 || got.Root != "0xabc" {
		t.Fatalf("unexpected submission: %+v", got)
	}
}

func TestHTTPSubmitter_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, time.Second)
	if _, err := sub.SubmitRoot(context.Background(), "agentrunner", 20250601, "0xabc"); err == nil {
		t.Fatal("expected error on non-200 ledger reply")
	}
}

func TestYesterday(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
	if got := yesterday(now); got != 20250531 {
		t.Fatalf("expected 20250531, got %d", got)
	}

	newYear := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := yesterday(newYear); got != 20241231 {
		t.Fatalf("expected 20241231, got %d", got)
	}
}

func TestLockKey_DistinguishesDaysAndIdentities(t *testing.T) {
	a := &Service{identity: "runner-a"}
	b := &Service{identity: "runner-b"}

	if a.lockKey(20250601) == a.lockKey(20250602) {
		t.Fatal("lock key must differ per day")
	}
	if a.lockKey(20250601) == b.lockKey(20250601) {
		t.Fatal("lock key must differ per identity")
	}
}
