package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/dispute"
	"github.com/open-experiments/x402-trust/internal/escrow"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/protocol"
	"github.com/open-experiments/x402-trust/internal/reputation"
)

type Handlers struct {
	p *protocol.Protocol
}

func NewHandlers(p *protocol.Protocol) *Handlers {
	return &Handlers{p: p}
}

// --- Providers ---

func (h *Handlers) dispatchProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.ListProviders(w, r)
	case http.MethodPost:
		h.RegisterProvider(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) dispatchProvider(w http.ResponseWriter, r *http.Request) {
	id := getPathSegment(r.URL.Path, 2)
	if id == "" {
		http.Error(w, "provider id is required", http.StatusBadRequest)
		return
	}
	action := getPathSegment(r.URL.Path, 3)

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.GetProviderInfo(w, r, id)
	case action == "score" && r.Method == http.MethodGet:
		h.GetProviderScore(w, r, id)
	case action == "withdraw-stake" && r.Method == http.MethodPost:
		h.WithdrawStake(w, r, id)
	case action == "lift-quarantine" && r.Method == http.MethodPost:
		h.LiftQuarantine(w, r, id)
	case action == "clear-review" && r.Method == http.MethodPost:
		h.ClearReviewFlag(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// RegisterProvider registers a provider with either a stake or a humanity
// proof.
// POST /v1/providers
func (h *Handlers) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID    string `json:"provider_id"`
		Endpoint      string `json:"endpoint"`
		HumanityProof []byte `json:"humanity_proof,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProviderID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}

	var (
		profile *model.ProviderProfile
		err     error
	)
	if len(req.HumanityProof) > 0 {
		profile, err = h.p.Reputation.RegisterWithHumanityProof(r.Context(), req.ProviderID, req.Endpoint, req.HumanityProof)
	} else {
		profile, err = h.p.Reputation.RegisterWithStake(r.Context(), req.ProviderID, req.Endpoint)
	}
	if err != nil {
		respondError(w, r, "register provider failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, profile)
}

// GetProviderInfo returns the buyer-facing provider summary
// GET /v1/providers/{id}
func (h *Handlers) GetProviderInfo(w http.ResponseWriter, r *http.Request, id string) {
	info, err := h.p.GetProviderInfo(r.Context(), id)
	if err != nil {
		respondError(w, r, "get provider failed", err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// GetProviderScore returns the current score and escrow routing
// GET /v1/providers/{id}/score
func (h *Handlers) GetProviderScore(w http.ResponseWriter, r *http.Request, id string) {
	score, err := h.p.Reputation.GetScore(r.Context(), id)
	if err != nil {
		respondError(w, r, "get score failed", err)
		return
	}
	needsEscrow, err := h.p.Reputation.NeedsEscrow(r.Context(), id)
	if err != nil {
		respondError(w, r, "get score failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"provider_id":  id,
		"score":        score,
		"needs_escrow": needsEscrow,
	})
}

// ListProviders returns all registered providers
// GET /v1/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.p.Reputation.ListProviders(r.Context())
	if err != nil {
		respondError(w, r, "list providers failed", err)
		return
	}
	respondJSON(w, http.StatusOK, providers)
}

// WithdrawStake returns a graduated provider's registration stake
// POST /v1/providers/{id}/withdraw-stake
func (h *Handlers) WithdrawStake(w http.ResponseWriter, r *http.Request, id string) {
	amount, err := h.p.Reputation.WithdrawStake(r.Context(), id)
	if err != nil {
		respondError(w, r, "withdraw stake failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"withdrawn": amount.String()})
}

// LiftQuarantine clears a quarantine
// POST /v1/providers/{id}/lift-quarantine
func (h *Handlers) LiftQuarantine(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.p.Reputation.LiftQuarantine(r.Context(), req.Caller, id); err != nil {
		respondError(w, r, "lift quarantine failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "lifted"})
}

// ClearReviewFlag clears the suspicious-behavior review flag
// POST /v1/providers/{id}/clear-review
func (h *Handlers) ClearReviewFlag(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.p.Reputation.ClearReviewFlag(r.Context(), req.Caller, id); err != nil {
		respondError(w, r, "clear review flag failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// CompareProviders ranks the requested providers by score
// POST /v1/providers:compare
func (h *Handlers) CompareProviders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderIDs []string `json:"provider_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.ProviderIDs) == 0 {
		http.Error(w, "provider_ids is required", http.StatusBadRequest)
		return
	}
	infos, err := h.p.CompareProviders(r.Context(), req.ProviderIDs)
	if err != nil {
		respondError(w, r, "compare providers failed", err)
		return
	}
	respondJSON(w, http.StatusOK, infos)
}

// GetBuyer returns the buyer profile and score
// GET /v1/buyers/{id}
func (h *Handlers) GetBuyer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := getPathSegment(r.URL.Path, 2)
	if id == "" {
		http.Error(w, "buyer id is required", http.StatusBadRequest)
		return
	}
	score, err := h.p.Reputation.GetBuyerScore(r.Context(), id)
	if err != nil {
		respondError(w, r, "get buyer failed", err)
		return
	}
	buyer, err := h.p.Reputation.GetBuyer(r.Context(), id)
	if err != nil {
		respondError(w, r, "get buyer failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"buyer_id": id,
		"score":    score,
		"profile":  buyer,
	})
}

// --- Payments ---

// CreatePayment opens a payment
// POST /v1/payments
func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Buyer       string `json:"buyer"`
		Provider    string `json:"provider"`
		Amount      string `json:"amount"`
		RequestHash string `json:"request_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Buyer == "" || req.Provider == "" || req.Amount == "" {
		http.Error(w, "buyer, provider and amount are required", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	payment, err := h.p.Escrow.CreatePayment(r.Context(), req.Buyer, req.Provider, amount, req.RequestHash)
	if err != nil {
		respondError(w, r, "create payment failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, payment)
}

func (h *Handlers) dispatchPayment(w http.ResponseWriter, r *http.Request) {
	id := getPathSegment(r.URL.Path, 2)
	if id == "" {
		http.Error(w, "payment id is required", http.StatusBadRequest)
		return
	}
	action := getPathSegment(r.URL.Path, 3)

	if action == "" && r.Method == http.MethodGet {
		h.GetPayment(w, r, id)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "confirm":
		h.ConfirmDelivery(w, r, id)
	case "timeout":
		h.ClaimTimeout(w, r, id)
	case "dispute":
		h.RaiseDispute(w, r, id)
	case "stuck":
		h.MarkAsStuck(w, r, id)
	case "fallback":
		h.SetFallback(w, r, id)
	case "force-refund":
		h.forceSettle(w, r, id, false)
	case "force-release":
		h.forceSettle(w, r, id, true)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// GetPayment returns the payment record
// GET /v1/payments/{id}
func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request, id string) {
	payment, err := h.p.Escrow.GetPayment(r.Context(), id)
	if err != nil {
		respondError(w, r, "get payment failed", err)
		return
	}
	if payment == nil {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// ConfirmDelivery releases an escrowed payment against a delivery proof
// POST /v1/payments/{id}/confirm
func (h *Handlers) ConfirmDelivery(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller string              `json:"caller"`
		Proof  model.DeliveryProof `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payment, err := h.p.Escrow.ConfirmDelivery(r.Context(), req.Caller, id, req.Proof)
	if err != nil {
		respondError(w, r, "confirm delivery failed", err)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// ClaimTimeout refunds an unconfirmed payment after the timeout window
// POST /v1/payments/{id}/timeout
func (h *Handlers) ClaimTimeout(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payment, err := h.p.Escrow.ClaimTimeout(r.Context(), req.Caller, id)
	if err != nil {
		respondError(w, r, "claim timeout failed", err)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// RaiseDispute moves a payment into arbitration and opens the case
// POST /v1/payments/{id}/dispute
func (h *Handlers) RaiseDispute(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller   string `json:"caller"`
		Evidence string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := h.p.Escrow.RaiseDispute(r.Context(), req.Caller, id, req.Evidence); err != nil {
		respondError(w, r, "raise dispute failed", err)
		return
	}
	d, err := h.p.Disputes.CreateDispute(r.Context(), id)
	if err != nil {
		respondError(w, r, "open dispute case failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// MarkAsStuck flags an abandoned payment
// POST /v1/payments/{id}/stuck
func (h *Handlers) MarkAsStuck(w http.ResponseWriter, r *http.Request, id string) {
	payment, err := h.p.Escrow.MarkAsStuck(r.Context(), id)
	if err != nil {
		respondError(w, r, "mark stuck failed", err)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// SetFallback designates the human fallback address
// POST /v1/payments/{id}/fallback
func (h *Handlers) SetFallback(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller   string `json:"caller"`
		Fallback string `json:"fallback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Fallback == "" {
		http.Error(w, "fallback is required", http.StatusBadRequest)
		return
	}
	if err := h.p.Escrow.SetFallback(r.Context(), req.Caller, id, req.Fallback); err != nil {
		respondError(w, r, "set fallback failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "set"})
}

func (h *Handlers) forceSettle(w http.ResponseWriter, r *http.Request, id string, toProvider bool) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var err error
	if toProvider {
		err = h.p.Escrow.ForceRelease(r.Context(), req.Caller, id)
	} else {
		err = h.p.Escrow.ForceRefund(r.Context(), req.Caller, id)
	}
	if err != nil {
		respondError(w, r, "force settle failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

// --- Disputes ---

func (h *Handlers) dispatchDispute(w http.ResponseWriter, r *http.Request) {
	id := getPathSegment(r.URL.Path, 2)
	if id == "" {
		http.Error(w, "dispute id is required", http.StatusBadRequest)
		return
	}
	action := getPathSegment(r.URL.Path, 3)

	if action == "" && r.Method == http.MethodGet {
		h.GetDispute(w, r, id)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "evidence":
		h.SubmitEvidence(w, r, id)
	case "votes":
		h.CommitVote(w, r, id)
	case "reveals":
		h.RevealVote(w, r, id)
	case "advance":
		h.AdvancePhase(w, r, id)
	case "resolve":
		h.ResolveDispute(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// GetDispute returns the dispute record
// GET /v1/disputes/{id}
func (h *Handlers) GetDispute(w http.ResponseWriter, r *http.Request, id string) {
	d, err := h.p.Disputes.GetDispute(r.Context(), id)
	if err != nil {
		respondError(w, r, "get dispute failed", err)
		return
	}
	if d == nil {
		http.Error(w, "dispute not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// SubmitEvidence appends an evidence item for a party
// POST /v1/disputes/{id}/evidence
func (h *Handlers) SubmitEvidence(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Caller string `json:"caller"`
		Item   string `json:"item"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Item == "" {
		http.Error(w, "item is required", http.StatusBadRequest)
		return
	}
	d, err := h.p.Disputes.SubmitEvidence(r.Context(), req.Caller, id, req.Item)
	if err != nil {
		respondError(w, r, "submit evidence failed", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// CommitVote records a sealed arbitrator vote
// POST /v1/disputes/{id}/votes
func (h *Handlers) CommitVote(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		ArbitratorID string `json:"arbitrator_id"`
		Commitment   string `json:"commitment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ArbitratorID == "" || req.Commitment == "" {
		http.Error(w, "arbitrator_id and commitment are required", http.StatusBadRequest)
		return
	}
	if err := h.p.Disputes.CommitVote(r.Context(), req.ArbitratorID, id, req.Commitment); err != nil {
		respondError(w, r, "commit vote failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "committed"})
}

// RevealVote opens a sealed vote
// POST /v1/disputes/{id}/reveals
func (h *Handlers) RevealVote(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		ArbitratorID  string `json:"arbitrator_id"`
		VotedForBuyer bool   `json:"voted_for_buyer"`
		Salt          string `json:"salt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.p.Disputes.RevealVote(r.Context(), req.ArbitratorID, id, req.VotedForBuyer, req.Salt); err != nil {
		respondError(w, r, "reveal vote failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revealed"})
}

// AdvancePhase persists any deadline-driven phase transition
// POST /v1/disputes/{id}/advance
func (h *Handlers) AdvancePhase(w http.ResponseWriter, r *http.Request, id string) {
	d, err := h.p.Disputes.AdvancePhase(r.Context(), id)
	if err != nil {
		respondError(w, r, "advance phase failed", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// ResolveDispute tallies revealed votes and settles the payment
// POST /v1/disputes/{id}/resolve
func (h *Handlers) ResolveDispute(w http.ResponseWriter, r *http.Request, id string) {
	d, err := h.p.Disputes.Resolve(r.Context(), id)
	if err != nil {
		respondError(w, r, "resolve dispute failed", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// RegisterArbitrator admits an arbitrator, bootstrapped or staked
// POST /v1/arbitrators
func (h *Handlers) RegisterArbitrator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ArbitratorID string `json:"arbitrator_id"`
		Bootstrap    bool   `json:"bootstrap"`
		Caller       string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ArbitratorID == "" {
		http.Error(w, "arbitrator_id is required", http.StatusBadRequest)
		return
	}

	var (
		a   *model.Arbitrator
		err error
	)
	if req.Bootstrap {
		a, err = h.p.Disputes.BootstrapArbitrator(r.Context(), req.Caller, req.ArbitratorID)
	} else {
		a, err = h.p.Disputes.RegisterArbitrator(r.Context(), req.ArbitratorID)
	}
	if err != nil {
		respondError(w, r, "register arbitrator failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

// --- Flags and appeals ---

// SubmitFlag opens a community flag against a provider or buyer
// POST /v1/flags
func (h *Handlers) SubmitFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		FlaggerID  string `json:"flagger_id"`
		TargetID   string `json:"target_id"`
		TargetType string `json:"target_type"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FlaggerID == "" || req.TargetID == "" {
		http.Error(w, "flagger_id and target_id are required", http.StatusBadRequest)
		return
	}
	f, err := h.p.Reputation.SubmitFlag(r.Context(), req.FlaggerID, req.TargetID, req.TargetType, req.Reason)
	if err != nil {
		respondError(w, r, "submit flag failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, f)
}

func (h *Handlers) dispatchFlag(w http.ResponseWriter, r *http.Request) {
	id := getPathSegment(r.URL.Path, 2)
	if id == "" {
		http.Error(w, "flag id is required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch getPathSegment(r.URL.Path, 3) {
	case "endorse":
		h.EndorseFlag(w, r, id)
	case "appeal":
		h.AppealFlag(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// EndorseFlag adds a validator's agreement
// POST /v1/flags/{id}/endorse
func (h *Handlers) EndorseFlag(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		ValidatorID string `json:"validator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ValidatorID == "" {
		http.Error(w, "validator_id is required", http.StatusBadRequest)
		return
	}
	f, err := h.p.Reputation.EndorseFlag(r.Context(), id, req.ValidatorID)
	if err != nil {
		respondError(w, r, "endorse flag failed", err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// AppealFlag files a staked appeal against a validated flag
// POST /v1/flags/{id}/appeal
func (h *Handlers) AppealFlag(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Appellant string `json:"appellant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.p.Reputation.AppealFlag(r.Context(), id, req.Appellant)
	if err != nil {
		respondError(w, r, "appeal flag failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

// ResolveAppeal settles an appeal
// POST /v1/appeals/{id}/resolve
func (h *Handlers) ResolveAppeal(w http.ResponseWriter, r *http.Request) {
	id := getPathSegment(r.URL.Path, 2)
	if id == "" || getPathSegment(r.URL.Path, 3) != "resolve" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Overturn bool   `json:"overturn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.p.Reputation.ResolveAppeal(r.Context(), req.Caller, id, req.Overturn); err != nil {
		respondError(w, r, "resolve appeal failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- Cross-chain reputation ---

// ExportReputation emits a portable reputation proof
// POST /v1/reputation/export
func (h *Handlers) ExportReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		EntityID   string `json:"entity_id"`
		EntityType string `json:"entity_type"`
		DestChain  string `json:"dest_chain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EntityID == "" || req.DestChain == "" {
		http.Error(w, "entity_id and dest_chain are required", http.StatusBadRequest)
		return
	}
	proof, err := h.p.Reputation.ExportReputation(r.Context(), req.EntityID, req.EntityType, req.DestChain)
	if err != nil {
		respondError(w, r, "export reputation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, proof)
}

// ImportReputation accepts a proof exported on a trusted chain
// POST /v1/reputation/import
func (h *Handlers) ImportReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var proof model.ReputationProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	imp, err := h.p.Reputation.ImportReputation(r.Context(), proof)
	if err != nil {
		respondError(w, r, "import reputation failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, imp)
}

// Health check
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.ErrorContext(r.Context(), msg, "error", err)
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrPaymentNotFound),
		errors.Is(err, dispute.ErrDisputeNotFound),
		errors.Is(err, reputation.ErrNotRegistered),
		errors.Is(err, reputation.ErrFlagNotFound),
		errors.Is(err, reputation.ErrAppealNotFound):
		return http.StatusNotFound
	case errors.Is(err, reputation.ErrOwnerOnly),
		errors.Is(err, dispute.ErrOwnerOnly),
		errors.Is(err, escrow.ErrNotBuyer),
		errors.Is(err, escrow.ErrNotAuthorized),
		errors.Is(err, dispute.ErrNotParty),
		errors.Is(err, dispute.ErrNotPanelist),
		errors.Is(err, reputation.ErrOnlyFlagged):
		return http.StatusForbidden
	case errors.Is(err, reputation.ErrAlreadyRegistered),
		errors.Is(err, reputation.ErrProofReused),
		errors.Is(err, reputation.ErrCooldownActive),
		errors.Is(err, reputation.ErrAlreadyValidated),
		errors.Is(err, reputation.ErrAlreadyEndorsed),
		errors.Is(err, reputation.ErrAppealExists),
		errors.Is(err, reputation.ErrAppealResolved),
		errors.Is(err, reputation.ErrAlreadyImported),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, dispute.ErrDisputeExists),
		errors.Is(err, dispute.ErrWrongPhase),
		errors.Is(err, dispute.ErrAlreadyCommitted),
		errors.Is(err, dispute.ErrAlreadyRevealed),
		errors.Is(err, dispute.ErrAlreadyArbitrator),
		errors.Is(err, dispute.ErrNotResolvable),
		errors.Is(err, dispute.ErrPoolTooSmall):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrBelowMinimum),
		errors.Is(err, escrow.ErrSelfPayment),
		errors.Is(err, escrow.ErrProviderInactive),
		errors.Is(err, escrow.ErrNotEscrowed),
		errors.Is(err, escrow.ErrInvalidProof),
		errors.Is(err, escrow.ErrTimeoutNotReached),
		errors.Is(err, escrow.ErrDisputeWindowClosed),
		errors.Is(err, escrow.ErrNotStuck),
		errors.Is(err, reputation.ErrEmptyEndpoint),
		errors.Is(err, reputation.ErrInvalidProof),
		errors.Is(err, reputation.ErrEmptyReason),
		errors.Is(err, reputation.ErrNotGraduated),
		errors.Is(err, reputation.ErrStakeWithdrawn),
		errors.Is(err, reputation.ErrFlagNotValidated),
		errors.Is(err, reputation.ErrAppealWindowClosed),
		errors.Is(err, reputation.ErrWrongChain),
		errors.Is(err, reputation.ErrProofExpired),
		errors.Is(err, reputation.ErrUntrustedChain),
		errors.Is(err, dispute.ErrPaymentNotDisputed),
		errors.Is(err, dispute.ErrDeadlinePassed),
		errors.Is(err, dispute.ErrNotCommitted),
		errors.Is(err, dispute.ErrCommitmentMismatch),
		errors.Is(err, dispute.ErrScoreTooLow),
		errors.Is(err, dispute.ErrAccountTooNew),
		errors.Is(err, dispute.ErrPoolBootstrapped):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Helper to extract path segments
func getPathSegment(path string, index int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if index < len(parts) {
		return parts[index]
	}
	return ""
}
