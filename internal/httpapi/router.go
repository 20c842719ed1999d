package httpapi

import (
	"net/http"

	"github.com/open-experiments/x402-trust/internal/protocol"
)

func NewRouter(p *protocol.Protocol) http.Handler {
	h := NewHandlers(p)
	mux := http.NewServeMux()

	// Providers and reputation
	mux.HandleFunc("/v1/providers", h.dispatchProviders)
	mux.HandleFunc("/v1/providers/", h.dispatchProvider)
	mux.HandleFunc("/v1/providers:compare", h.CompareProviders)
	mux.HandleFunc("/v1/buyers/", h.GetBuyer)

	// Payments
	mux.HandleFunc("/v1/payments", h.CreatePayment)
	mux.HandleFunc("/v1/payments/", h.dispatchPayment)

	// Disputes and arbitration
	mux.HandleFunc("/v1/disputes/", h.dispatchDispute)
	mux.HandleFunc("/v1/arbitrators", h.RegisterArbitrator)

	// Flags and appeals
	mux.HandleFunc("/v1/flags", h.SubmitFlag)
	mux.HandleFunc("/v1/flags/", h.dispatchFlag)
	mux.HandleFunc("/v1/appeals/", h.ResolveAppeal)

	// Cross-chain reputation
	mux.HandleFunc("/v1/reputation/export", h.ExportReputation)
	mux.HandleFunc("/v1/reputation/import", h.ImportReputation)

	// Health
	mux.HandleFunc("/health", h.Health)

	return mux
}
