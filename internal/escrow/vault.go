package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/store"
	"github.com/open-experiments/x402-trust/internal/token"
)

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrBelowMinimum        = errors.New("amount below payment minimum")
	ErrSelfPayment         = errors.New("buyer and provider must differ")
	ErrProviderInactive    = errors.New("provider inactive")
	ErrNotBuyer            = errors.New("caller is not the payment buyer")
	ErrInvalidStatus       = errors.New("payment in wrong status")
	ErrNotEscrowed         = errors.New("payment was not escrowed")
	ErrInvalidProof        = errors.New("delivery proof invalid")
	ErrTimeoutNotReached   = errors.New("timeout not reached")
	ErrDisputeWindowClosed = errors.New("dispute window closed")
	ErrNotStuck            = errors.New("payment not stuck")
	ErrNotAuthorized       = errors.New("caller not authorized")
)

const (
	// Payments are denominated in 6-decimal USDC base units.
	gracePeriod    = 5 * time.Minute
	stuckThreshold = 24 * time.Hour

	minResponseSize = 32
	minSignatureLen = 65

	// EscrowAccount holds funds for pending payments in the token ledger.
	EscrowAccount = "x402:escrow"
	// InsuranceAccount receives half of every dispute slash.
	InsuranceAccount = "x402:insurance"
)

// MinPayment is the smallest accepted payment (1 USDC in base units).
var MinPayment = decimal.New(1_000_000, 0)

// Reputation is the slice of the reputation engine the vault depends on.
// Narrowed to an interface so the packages stay acyclic.
type Reputation interface {
	IsProviderActive(ctx context.Context, providerID string) (bool, error)
	GetRecommendedTimeout(ctx context.Context, providerID string) (time.Duration, error)
	NeedsEscrow(ctx context.Context, providerID string) (bool, error)
	RecordTransaction(ctx context.Context, providerID, buyerID string, amount decimal.Decimal, success bool, responseTime time.Duration) error
	RecordDispute(ctx context.Context, providerID string) error
	RecordBuyerTransaction(ctx context.Context, buyerID string, amount decimal.Decimal, success bool, confirmTime time.Duration) error
	RecordBuyerDispute(ctx context.Context, buyerID string, lost bool) error
	RecordBuyerTimeout(ctx context.Context, buyerID string) error
	SlashStake(ctx context.Context, providerID string, numerator, denominator int64, recipient string) (decimal.Decimal, error)
}

// Vault is the payment state machine. Funds move buyer -> escrow -> provider
// (or back); every settlement path reports to the reputation engine. State
// transitions follow checks, then record updates, then ledger transfers.
type Vault struct {
	mu     sync.Mutex
	store  store.EscrowStore
	ledger token.Ledger
	rep    Reputation
	events *events.Publisher

	now func() time.Time
}

func New(st store.EscrowStore, ledger token.Ledger, rep Reputation, pub *events.Publisher) *Vault {
	return &Vault{
		store:  st,
		ledger: ledger,
		rep:    rep,
		events: pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func paymentID(buyer, provider string, amount decimal.Decimal, at time.Time, nonce string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%s", buyer, provider, amount.String(), at.UnixNano(), nonce)))
	return "pay_" + hex.EncodeToString(sum[:16])
}

// CreatePayment opens a payment from buyer to provider. High-reputation
// providers are paid directly; everyone else goes through escrow with a
// timeout derived from their score.
func (v *Vault) CreatePayment(ctx context.Context, buyerID, providerID string, amount decimal.Decimal, requestHash string) (*model.Payment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount.LessThan(MinPayment) {
		return nil, ErrBelowMinimum
	}
	if buyerID == providerID {
		return nil, ErrSelfPayment
	}
	active, err := v.rep.IsProviderActive(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrProviderInactive
	}
	timeout, err := v.rep.GetRecommendedTimeout(ctx, providerID)
	if err != nil {
		return nil, err
	}
	useEscrow, err := v.rep.NeedsEscrow(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := v.now()
	p := model.Payment{
		PaymentID:   paymentID(buyerID, providerID, amount, now, uuid.New().String()),
		Buyer:       buyerID,
		Provider:    providerID,
		Amount:      amount.String(),
		RequestHash: requestHash,
		CreatedAt:   now,
		TimeoutSec:  int64(timeout / time.Second),
		Status:      model.PaymentStatusPending,
		UseEscrow:   useEscrow,
	}

	if useEscrow {
		if err := v.ledger.TransferFrom(ctx, buyerID, buyerID, EscrowAccount, amount); err != nil {
			return nil, fmt.Errorf("escrow deposit: %w", err)
		}
	} else {
		// Direct path: settle immediately, trusting the provider to deliver.
		p.Status = model.PaymentStatusCompleted
		p.ResolvedAt = &now
		if err := v.ledger.TransferFrom(ctx, buyerID, buyerID, providerID, amount); err != nil {
			return nil, fmt.Errorf("direct transfer: %w", err)
		}
		if err := v.rep.RecordTransaction(ctx, providerID, buyerID, amount, true, 0); err != nil {
			return nil, err
		}
		if err := v.rep.RecordBuyerTransaction(ctx, buyerID, amount, true, 0); err != nil {
			return nil, err
		}
	}

	if err := v.store.PutPayment(ctx, p); err != nil {
		return nil, err
	}

	_ = v.events.Publish(ctx, events.EventPaymentCreated, map[string]any{
		"payment_id":  p.PaymentID,
		"buyer":       buyerID,
		"provider":    providerID,
		"amount":      p.Amount,
		"use_escrow":  useEscrow,
		"timeout_sec": p.TimeoutSec,
	})
	slog.InfoContext(ctx, "payment_created",
		"payment_id", p.PaymentID,
		"amount", p.Amount,
		"use_escrow", useEscrow,
	)
	return &p, nil
}

func validateProof(p *model.Payment, proof model.DeliveryProof) error {
	if proof.RequestHash != p.RequestHash {
		return fmt.Errorf("%w: request hash mismatch", ErrInvalidProof)
	}
	if proof.ResponseHash == "" {
		return fmt.Errorf("%w: missing response hash", ErrInvalidProof)
	}
	if proof.ResponseSize < minResponseSize {
		return fmt.Errorf("%w: response too small", ErrInvalidProof)
	}
	if len(proof.Signature) < minSignatureLen {
		return fmt.Errorf("%w: signature too short", ErrInvalidProof)
	}
	return nil
}

// ConfirmDelivery releases an escrowed payment to the provider against the
// buyer's delivery proof.
func (v *Vault) ConfirmDelivery(ctx context.Context, callerID, payID string, proof model.DeliveryProof) (*model.Payment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	if callerID != p.Buyer {
		return nil, ErrNotBuyer
	}
	if p.Status != model.PaymentStatusPending {
		return nil, ErrInvalidStatus
	}
	if !p.UseEscrow {
		return nil, ErrNotEscrowed
	}
	if err := validateProof(p, proof); err != nil {
		return nil, err
	}

	now := v.now()
	responseTime := now.Sub(p.CreatedAt)
	p.Status = model.PaymentStatusCompleted
	p.DeliveredAt = &now
	p.ResolvedAt = &now
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return nil, err
	}

	amount, _ := decimal.NewFromString(p.Amount)
	if err := v.ledger.Transfer(ctx, EscrowAccount, p.Provider, amount); err != nil {
		return nil, fmt.Errorf("escrow release: %w", err)
	}
	if err := v.rep.RecordTransaction(ctx, p.Provider, p.Buyer, amount, true, responseTime); err != nil {
		return nil, err
	}
	if err := v.rep.RecordBuyerTransaction(ctx, p.Buyer, amount, true, responseTime); err != nil {
		return nil, err
	}

	_ = v.events.Publish(ctx, events.EventPaymentReleased, map[string]any{
		"payment_id": p.PaymentID,
		"provider":   p.Provider,
		"amount":     p.Amount,
	})
	return p, nil
}

// ClaimTimeout refunds an escrowed payment that was never confirmed. Allowed
// once the provider's timeout plus the grace period has elapsed. Counts as a
// failed delivery for the provider and a lapsed confirmation for the buyer.
func (v *Vault) ClaimTimeout(ctx context.Context, callerID, payID string) (*model.Payment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	if callerID != p.Buyer {
		return nil, ErrNotBuyer
	}
	if p.Status != model.PaymentStatusPending {
		return nil, ErrInvalidStatus
	}
	if !p.UseEscrow {
		return nil, ErrNotEscrowed
	}
	now := v.now()
	deadline := p.CreatedAt.Add(time.Duration(p.TimeoutSec)*time.Second + gracePeriod)
	if now.Before(deadline) {
		return nil, ErrTimeoutNotReached
	}

	p.Status = model.PaymentStatusRefunded
	p.ResolvedAt = &now
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return nil, err
	}

	amount, _ := decimal.NewFromString(p.Amount)
	if err := v.ledger.Transfer(ctx, EscrowAccount, p.Buyer, amount); err != nil {
		return nil, fmt.Errorf("escrow refund: %w", err)
	}
	if err := v.rep.RecordTransaction(ctx, p.Provider, p.Buyer, amount, false, 0); err != nil {
		return nil, err
	}
	if err := v.rep.RecordBuyerTimeout(ctx, p.Buyer); err != nil {
		return nil, err
	}

	_ = v.events.Publish(ctx, events.EventPaymentRefunded, map[string]any{
		"payment_id": p.PaymentID,
		"buyer":      p.Buyer,
		"amount":     p.Amount,
		"reason":     "timeout",
	})
	return p, nil
}

// RaiseDispute moves a pending escrowed payment into arbitration. Only the
// buyer may dispute, and only before the timeout window closes.
func (v *Vault) RaiseDispute(ctx context.Context, callerID, payID, evidence string) (*model.Payment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	if callerID != p.Buyer {
		return nil, ErrNotBuyer
	}
	if p.Status != model.PaymentStatusPending {
		return nil, ErrInvalidStatus
	}
	if !p.UseEscrow {
		return nil, ErrNotEscrowed
	}
	now := v.now()
	if now.After(p.CreatedAt.Add(time.Duration(p.TimeoutSec)*time.Second + gracePeriod)) {
		return nil, ErrDisputeWindowClosed
	}

	p.Status = model.PaymentStatusDisputed
	p.Evidence = evidence
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return nil, err
	}

	if err := v.rep.RecordDispute(ctx, p.Provider); err != nil {
		return nil, err
	}
	if err := v.rep.RecordBuyerDispute(ctx, p.Buyer, false); err != nil {
		return nil, err
	}

	_ = v.events.Publish(ctx, events.EventDisputeRaised, map[string]any{
		"payment_id": p.PaymentID,
		"buyer":      p.Buyer,
		"provider":   p.Provider,
	})
	slog.InfoContext(ctx, "dispute_raised", "payment_id", p.PaymentID)
	return p, nil
}

// AttachDispute links the arbitration case to its payment. Invoked by the
// dispute manager when the case opens.
func (v *Vault) AttachDispute(ctx context.Context, payID, disputeID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if p.Status != model.PaymentStatusDisputed {
		return ErrInvalidStatus
	}
	p.DisputeID = disputeID
	return v.store.PutPayment(ctx, *p)
}

// ResolveForBuyer settles a disputed payment in the buyer's favor: the escrow
// is refunded and a tenth of the provider's stake is slashed, split between
// the insurance fund and the buyer. Invoked by the dispute manager.
func (v *Vault) ResolveForBuyer(ctx context.Context, payID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if p.Status != model.PaymentStatusDisputed {
		return ErrInvalidStatus
	}

	now := v.now()
	p.Status = model.PaymentStatusRefunded
	p.ResolvedAt = &now
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return err
	}

	amount, _ := decimal.NewFromString(p.Amount)
	if err := v.ledger.Transfer(ctx, EscrowAccount, p.Buyer, amount); err != nil {
		return fmt.Errorf("escrow refund: %w", err)
	}
	// 10% slash: one twentieth each to the insurance fund and the buyer.
	if _, err := v.rep.SlashStake(ctx, p.Provider, 1, 20, InsuranceAccount); err != nil {
		return err
	}
	if _, err := v.rep.SlashStake(ctx, p.Provider, 1, 20, p.Buyer); err != nil {
		return err
	}
	if err := v.rep.RecordTransaction(ctx, p.Provider, p.Buyer, amount, false, 0); err != nil {
		return err
	}

	_ = v.events.Publish(ctx, events.EventPaymentRefunded, map[string]any{
		"payment_id": p.PaymentID,
		"buyer":      p.Buyer,
		"amount":     p.Amount,
		"reason":     "dispute",
	})
	return nil
}

// ResolveForProvider settles a disputed payment in the provider's favor. The
// dispute counts against the buyer. Invoked by the dispute manager.
func (v *Vault) ResolveForProvider(ctx context.Context, payID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if p.Status != model.PaymentStatusDisputed {
		return ErrInvalidStatus
	}

	now := v.now()
	p.Status = model.PaymentStatusCompleted
	p.ResolvedAt = &now
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return err
	}

	amount, _ := decimal.NewFromString(p.Amount)
	if err := v.ledger.Transfer(ctx, EscrowAccount, p.Provider, amount); err != nil {
		return fmt.Errorf("escrow release: %w", err)
	}
	if err := v.rep.RecordTransaction(ctx, p.Provider, p.Buyer, amount, true, 0); err != nil {
		return err
	}
	if err := v.rep.RecordBuyerDispute(ctx, p.Buyer, true); err != nil {
		return err
	}

	_ = v.events.Publish(ctx, events.EventPaymentReleased, map[string]any{
		"payment_id": p.PaymentID,
		"provider":   p.Provider,
		"amount":     p.Amount,
	})
	return nil
}

// ResolveSplit settles a disputed payment half-and-half, the odd base unit
// going to the provider. Invoked by the dispute manager when arbitration
// fails to reach a majority.
func (v *Vault) ResolveSplit(ctx context.Context, payID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if p.Status != model.PaymentStatusDisputed {
		return ErrInvalidStatus
	}

	now := v.now()
	p.Status = model.PaymentStatusCompleted
	p.ResolvedAt = &now
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return err
	}

	amount, _ := decimal.NewFromString(p.Amount)
	buyerHalf := amount.Div(decimal.New(2, 0)).Floor()
	providerHalf := amount.Sub(buyerHalf)
	if err := v.ledger.Transfer(ctx, EscrowAccount, p.Buyer, buyerHalf); err != nil {
		return fmt.Errorf("split refund: %w", err)
	}
	if err := v.ledger.Transfer(ctx, EscrowAccount, p.Provider, providerHalf); err != nil {
		return fmt.Errorf("split release: %w", err)
	}
	if err := v.rep.RecordTransaction(ctx, p.Provider, p.Buyer, amount, false, 0); err != nil {
		return err
	}

	_ = v.events.Publish(ctx, events.EventPaymentReleased, map[string]any{
		"payment_id": p.PaymentID,
		"provider":   p.Provider,
		"amount":     providerHalf.String(),
		"split":      true,
	})
	return nil
}

// MarkAsStuck flags a payment abandoned a full day past its deadline. Both
// pending and disputed payments qualify, so funds behind a stalled
// arbitration stay reachable. Anyone may call it; the fallback address can
// then force settlement.
func (v *Vault) MarkAsStuck(ctx context.Context, payID string) (*model.Payment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	if p.Status != model.PaymentStatusPending && p.Status != model.PaymentStatusDisputed {
		return nil, ErrInvalidStatus
	}
	if !p.UseEscrow {
		return nil, ErrNotEscrowed
	}
	now := v.now()
	deadline := p.CreatedAt.Add(time.Duration(p.TimeoutSec)*time.Second + stuckThreshold)
	if now.Before(deadline) {
		return nil, ErrTimeoutNotReached
	}

	p.Status = model.PaymentStatusStuck
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return nil, err
	}

	_ = v.events.Publish(ctx, events.EventPaymentStuck, map[string]any{
		"payment_id": p.PaymentID,
	})
	slog.WarnContext(ctx, "payment_stuck", "payment_id", p.PaymentID)
	return p, nil
}

// SetFallback designates a human fallback address for a pending payment.
// Buyer only.
func (v *Vault) SetFallback(ctx context.Context, callerID, payID, fallback string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if callerID != p.Buyer {
		return ErrNotBuyer
	}
	if p.Status != model.PaymentStatusPending {
		return ErrInvalidStatus
	}
	p.Fallback = fallback
	return v.store.PutPayment(ctx, *p)
}

// ForceRefund lets the designated fallback refund a stuck payment.
func (v *Vault) ForceRefund(ctx context.Context, callerID, payID string) error {
	return v.forceSettle(ctx, callerID, payID, false)
}

// ForceRelease lets the designated fallback release a stuck payment.
func (v *Vault) ForceRelease(ctx context.Context, callerID, payID string) error {
	return v.forceSettle(ctx, callerID, payID, true)
}

func (v *Vault) forceSettle(ctx context.Context, callerID, payID string, toProvider bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.store.GetPayment(ctx, payID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if p.Fallback == "" || callerID != p.Fallback {
		return ErrNotAuthorized
	}
	if p.Status != model.PaymentStatusStuck {
		return ErrNotStuck
	}

	now := v.now()
	amount, _ := decimal.NewFromString(p.Amount)
	var event, recipient string
	if toProvider {
		p.Status = model.PaymentStatusCompleted
		event = events.EventPaymentReleased
		recipient = p.Provider
	} else {
		p.Status = model.PaymentStatusRefunded
		event = events.EventPaymentRefunded
		recipient = p.Buyer
	}
	p.ResolvedAt = &now
	if err := v.store.PutPayment(ctx, *p); err != nil {
		return err
	}
	if err := v.ledger.Transfer(ctx, EscrowAccount, recipient, amount); err != nil {
		return fmt.Errorf("force settle: %w", err)
	}

	_ = v.events.Publish(ctx, event, map[string]any{
		"payment_id": p.PaymentID,
		"amount":     p.Amount,
		"forced":     true,
	})
	slog.InfoContext(ctx, "payment_force_settled",
		"payment_id", p.PaymentID,
		"to_provider", toProvider,
	)
	return nil
}

// GetPayment returns the payment record, or nil when unknown.
func (v *Vault) GetPayment(ctx context.Context, payID string) (*model.Payment, error) {
	return v.store.GetPayment(ctx, payID)
}

// ListPaymentsByBuyer returns the buyer's most recent payments.
func (v *Vault) ListPaymentsByBuyer(ctx context.Context, buyerID string, limit int) ([]model.Payment, error) {
	return v.store.ListPaymentsByBuyer(ctx, buyerID, limit)
}
