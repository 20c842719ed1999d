package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/httpapi"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/protocol"
	"github.com/open-experiments/x402-trust/internal/store"
	"github.com/open-experiments/x402-trust/internal/token"
)

func newTestServer(t *testing.T) (*httptest.Server, *token.MemoryLedger) {
	t.Helper()
	ledger := token.NewMemoryLedger()
	p := protocol.New(store.NewMemoryStore(), ledger, events.NewPublisher("test"), "base-mainnet", "owner", 1)
	ts := httptest.NewServer(httpapi.NewRouter(p))
	t.Cleanup(ts.Close)
	return ts, ledger
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

func TestPaymentLifecycleOverHTTP(t *testing.T) {
	ts, ledger := newTestServer(t)
	ledger.Mint("prov-1", decimal.New(500_000_000, 0))
	ledger.Mint("buyer-1", decimal.New(100_000_000, 0))

	// Register the provider with a stake.
	resp := postJSON(t, ts.URL+"/v1/providers", map[string]any{
		"provider_id": "prov-1",
		"endpoint":    "https://prov-1.example",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected %d got %d", http.StatusCreated, resp.StatusCode)
	}
	var profile map[string]any
	decode(t, resp, &profile)
	if profile["tier"] != "NEWCOMER" {
		t.Fatalf("tier = %v, want NEWCOMER", profile["tier"])
	}

	// A fresh provider routes through escrow.
	resp, err := http.Get(ts.URL + "/v1/providers/prov-1")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]any
	decode(t, resp, &info)
	if info["needs_escrow"] != true {
		t.Fatalf("needs_escrow = %v, want true", info["needs_escrow"])
	}

	// Open an escrowed payment.
	resp = postJSON(t, ts.URL+"/v1/payments", map[string]any{
		"buyer":        "buyer-1",
		"provider":     "prov-1",
		"amount":       "5000000",
		"request_hash": "req-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create payment: expected %d got %d", http.StatusCreated, resp.StatusCode)
	}
	var payment map[string]any
	decode(t, resp, &payment)
	payID, _ := payment["payment_id"].(string)
	if payID == "" {
		t.Fatal("missing payment id")
	}
	if payment["status"] != string(model.PaymentStatusPending) {
		t.Fatalf("status = %v, want PENDING", payment["status"])
	}

	// Confirm delivery with a valid proof.
	resp = postJSON(t, ts.URL+"/v1/payments/"+payID+"/confirm", map[string]any{
		"caller": "buyer-1",
		"proof": model.DeliveryProof{
			RequestHash:  "req-1",
			ResponseHash: "resp-1",
			ResponseSize: 2048,
			Signature:    make([]byte, 65),
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: expected %d got %d", http.StatusOK, resp.StatusCode)
	}
	resp.Body.Close()

	// The payment record reflects the release.
	resp, err = http.Get(ts.URL + "/v1/payments/" + payID)
	if err != nil {
		t.Fatal(err)
	}
	decode(t, resp, &payment)
	if payment["status"] != string(model.PaymentStatusCompleted) {
		t.Fatalf("status = %v, want COMPLETED", payment["status"])
	}

	// A second confirmation conflicts.
	resp = postJSON(t, ts.URL+"/v1/payments/"+payID+"/confirm", map[string]any{
		"caller": "buyer-1",
		"proof": model.DeliveryProof{
			RequestHash:  "req-1",
			ResponseHash: "resp-1",
			ResponseSize: 2048,
			Signature:    make([]byte, 65),
		},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double confirm: expected %d got %d", http.StatusConflict, resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	ts, ledger := newTestServer(t)
	ledger.Mint("prov-1", decimal.New(500_000_000, 0))
	ledger.Mint("buyer-1", decimal.New(100_000_000, 0))

	resp := postJSON(t, ts.URL+"/v1/providers", map[string]any{
		"provider_id": "prov-1",
		"endpoint":    "https://prov-1.example",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Bootstrap a small arbitrator pool.
	for _, id := range []string{"arb-1", "arb-2", "arb-3"} {
		resp = postJSON(t, ts.URL+"/v1/arbitrators", map[string]any{
			"arbitrator_id": id,
			"bootstrap":     true,
			"caller":        "owner",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("bootstrap %s: got %d", id, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp = postJSON(t, ts.URL+"/v1/payments", map[string]any{
		"buyer":        "buyer-1",
		"provider":     "prov-1",
		"amount":       "5000000",
		"request_hash": "req-1",
	})
	var payment map[string]any
	decode(t, resp, &payment)
	payID, _ := payment["payment_id"].(string)

	// Disputing opens the arbitration case on the fast track.
	resp = postJSON(t, ts.URL+"/v1/payments/"+payID+"/dispute", map[string]any{
		"caller":   "buyer-1",
		"evidence": "empty response",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("dispute: expected %d got %d", http.StatusCreated, resp.StatusCode)
	}
	var d map[string]any
	decode(t, resp, &d)
	if d["track"] != string(model.TrackFast) {
		t.Fatalf("track = %v, want FAST_TRACK", d["track"])
	}
	if phase := d["phase"]; phase != string(model.PhaseEvidence) {
		t.Fatalf("phase = %v, want EVIDENCE", phase)
	}
	arbs, _ := d["arbitrators"].([]any)
	if len(arbs) != 3 {
		t.Fatalf("panel size = %d, want the full bootstrap pool", len(arbs))
	}

	// Both parties file evidence.
	disputeID, _ := d["dispute_id"].(string)
	resp = postJSON(t, ts.URL+"/v1/disputes/"+disputeID+"/evidence", map[string]any{
		"caller": "prov-1",
		"item":   "delivery log",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evidence: expected %d got %d", http.StatusOK, resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: got %d", resp.StatusCode)
	}
}
