package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/store"
	"github.com/open-experiments/x402-trust/internal/token"
)

var (
	ErrAlreadyRegistered = errors.New("provider already registered")
	ErrCooldownActive    = errors.New("registration cooldown active")
	ErrEmptyEndpoint     = errors.New("endpoint must not be empty")
	ErrInvalidProof      = errors.New("humanity proof too short")
	ErrProofReused       = errors.New("humanity proof already consumed")
	ErrNotRegistered     = errors.New("provider not registered")
	ErrNotGraduated      = errors.New("provider has not graduated")
	ErrStakeWithdrawn    = errors.New("stake already withdrawn")
	ErrOwnerOnly         = errors.New("owner only")
)

const (
	// Score bounds.
	MinScore     = 300
	MaxScore     = 900
	InitialScore = 500
	// Verified (humanity-proof) registrations start higher.
	VerifiedInitialScore = 600

	// Registration.
	registrationCooldown = 24 * time.Hour
	minHumanityProofLen  = 32

	// Graduation requirements.
	graduationMinTxs            = 100
	graduationMinAge            = 30 * 24 * time.Hour
	graduationMinCounterparties = 25
	graduationMaxDisputePct     = 3
	graduationMaxConcentrationPct = 10

	// Escrow routing.
	EscrowSkipScore = 850
)

// ProviderStakeAmount is the fixed USDC stake for stake-based registration,
// in 6-decimal base units (500 USDC).
var ProviderStakeAmount = decimal.New(500_000_000, 0)

// StakeAccount holds registration stakes in the token ledger.
const StakeAccount = "x402:stakes"

// Engine is the reputation core: profiles, scoring, Sybil counters, flags,
// quarantine, and cross-chain import/export. All state mutations serialize
// through one mutex, reproducing the serial-transaction model of the chain.
type Engine struct {
	mu     sync.Mutex
	store  store.ReputationStore
	ledger token.Ledger
	events *events.Publisher

	chainID       string
	owner         string
	trustedChains map[string]bool

	now func() time.Time
}

func New(st store.ReputationStore, ledger token.Ledger, pub *events.Publisher, chainID, owner string) *Engine {
	return &Engine{
		store:         st,
		ledger:        ledger,
		events:        pub,
		chainID:       chainID,
		owner:         owner,
		trustedChains: make(map[string]bool),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// TrustChain adds a source chain to the import allowlist. Owner only.
func (e *Engine) TrustChain(caller, chainID string) error {
	if caller != e.owner {
		return ErrOwnerOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trustedChains[chainID] = true
	return nil
}

// RegisterWithStake registers a provider backed by a fixed USDC stake.
// The profile starts at tier Newcomer with the initial score.
func (e *Engine) RegisterWithStake(ctx context.Context, providerID, endpoint string) (*model.ProviderProfile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(endpoint) == "" {
		return nil, ErrEmptyEndpoint
	}
	existing, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if existing != nil {
		if !existing.StakeWithdrawn {
			return nil, ErrAlreadyRegistered
		}
		// Re-registration after stake exit honors the cooldown window.
		if now.Sub(existing.LastUpdated) < registrationCooldown {
			return nil, ErrCooldownActive
		}
	}

	if err := e.ledger.TransferFrom(ctx, providerID, providerID, StakeAccount, ProviderStakeAmount); err != nil {
		return nil, fmt.Errorf("stake transfer: %w", err)
	}

	profile := e.freshProfile(providerID, endpoint, model.TierNewcomer, InitialScore, now)
	profile.Stake = ProviderStakeAmount.String()
	if existing != nil {
		// History survives re-registration; only the stake and flags reset.
		profile.TotalTransactions = existing.TotalTransactions
		profile.SuccessfulTransactions = existing.SuccessfulTransactions
		profile.DisputedTransactions = existing.DisputedTransactions
		profile.TotalVolume = existing.TotalVolume
		profile.SuccessfulVolume = existing.SuccessfulVolume
		profile.CounterpartyVolume = existing.CounterpartyVolume
		profile.RegisteredAt = existing.RegisteredAt
	}
	if err := e.store.PutProvider(ctx, profile); err != nil {
		return nil, err
	}

	_ = e.events.Publish(ctx, events.EventProviderRegistered, map[string]any{
		"provider_id": providerID,
		"endpoint":    endpoint,
		"tier":        string(profile.Tier),
	})
	slog.InfoContext(ctx, "provider_registered",
		"provider_id", providerID,
		"tier", profile.Tier,
		"stake", profile.Stake,
	)
	return &profile, nil
}

// RegisterWithHumanityProof registers a provider free of stake against a
// single-use humanity proof. The profile starts at tier Verified.
func (e *Engine) RegisterWithHumanityProof(ctx context.Context, providerID, endpoint string, proof []byte) (*model.ProviderProfile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(endpoint) == "" {
		return nil, ErrEmptyEndpoint
	}
	if len(proof) < minHumanityProofLen {
		return nil, ErrInvalidProof
	}
	existing, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.StakeWithdrawn {
		return nil, ErrAlreadyRegistered
	}

	sum := sha256.Sum256(proof)
	proofHash := hex.EncodeToString(sum[:])
	used, err := e.store.IsProofUsed(ctx, proofHash)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrProofReused
	}

	now := e.now()
	profile := e.freshProfile(providerID, endpoint, model.TierVerified, VerifiedInitialScore, now)
	profile.HumanVerified = true
	if err := e.store.MarkProofUsed(ctx, proofHash); err != nil {
		return nil, err
	}
	if err := e.store.PutProvider(ctx, profile); err != nil {
		return nil, err
	}

	_ = e.events.Publish(ctx, events.EventProviderRegistered, map[string]any{
		"provider_id": providerID,
		"endpoint":    endpoint,
		"tier":        string(profile.Tier),
	})
	return &profile, nil
}

func (e *Engine) freshProfile(providerID, endpoint string, tier model.ProviderTier, score int64, now time.Time) model.ProviderProfile {
	return model.ProviderProfile{
		ProviderID:         providerID,
		Endpoint:           endpoint,
		Tier:               tier,
		Score:              score,
		RegisteredAt:       now,
		TotalVolume:        "0",
		SuccessfulVolume:   "0",
		Stake:              "0",
		CounterpartyVolume: make(map[string]string),
		LastUpdated:        now,
	}
}

// RecordTransaction records one settled payment against a provider. It
// updates counters, velocity windows, the flow graph, graduation state, and
// finally the score. Called by the escrow vault, never externally.
func (e *Engine) RecordTransaction(ctx context.Context, providerID, buyerID string, amount decimal.Decimal, success bool, responseTime time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotRegistered
	}
	now := e.now()

	p.TotalTransactions++
	total, _ := decimal.NewFromString(p.TotalVolume)
	p.TotalVolume = total.Add(amount).String()
	if success {
		p.SuccessfulTransactions++
		okVol, _ := decimal.NewFromString(p.SuccessfulVolume)
		p.SuccessfulVolume = okVol.Add(amount).String()
		p.ResponseTimeTotalSec += int64(responseTime / time.Second)
		p.ResponseSamples++
	}
	if p.CounterpartyVolume == nil {
		p.CounterpartyVolume = make(map[string]string)
	}
	cpVol, _ := decimal.NewFromString(p.CounterpartyVolume[buyerID])
	p.CounterpartyVolume[buyerID] = cpVol.Add(amount).String()

	e.trackVelocity(ctx, p, now)
	if err := e.trackFlow(ctx, p, buyerID, amount); err != nil {
		return err
	}
	e.maybeGraduate(ctx, p, now)
	e.rescore(ctx, p, now)

	return e.store.PutProvider(ctx, *p)
}

// RecordDispute counts a raised dispute against the provider.
func (e *Engine) RecordDispute(ctx context.Context, providerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotRegistered
	}
	p.DisputedTransactions++
	e.rescore(ctx, p, e.now())
	return e.store.PutProvider(ctx, *p)
}

// WithdrawStake returns the registration stake to a graduated provider.
func (e *Engine) WithdrawStake(ctx context.Context, providerID string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return decimal.Zero, err
	}
	if p == nil {
		return decimal.Zero, ErrNotRegistered
	}
	if p.Tier != model.TierGraduated {
		return decimal.Zero, ErrNotGraduated
	}
	if p.StakeWithdrawn {
		return decimal.Zero, ErrStakeWithdrawn
	}
	stake, _ := decimal.NewFromString(p.Stake)
	p.StakeWithdrawn = true
	p.Stake = "0"
	p.LastUpdated = e.now()
	if err := e.store.PutProvider(ctx, *p); err != nil {
		return decimal.Zero, err
	}
	if err := e.ledger.Transfer(ctx, StakeAccount, providerID, stake); err != nil {
		return decimal.Zero, fmt.Errorf("stake return: %w", err)
	}
	return stake, nil
}

// SlashStake forfeits a fraction of the provider's stake to the recipient
// account. Returns the slashed amount. Called by the escrow vault on a
// buyer-wins dispute resolution.
func (e *Engine) SlashStake(ctx context.Context, providerID string, numerator, denominator int64, recipient string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return decimal.Zero, err
	}
	if p == nil {
		return decimal.Zero, ErrNotRegistered
	}
	stake, _ := decimal.NewFromString(p.Stake)
	slash := stake.Mul(decimal.New(numerator, 0)).Div(decimal.New(denominator, 0)).Floor()
	if slash.IsZero() {
		return decimal.Zero, nil
	}
	p.Stake = stake.Sub(slash).String()
	p.LastUpdated = e.now()
	if err := e.store.PutProvider(ctx, *p); err != nil {
		return decimal.Zero, err
	}
	if err := e.ledger.Transfer(ctx, StakeAccount, recipient, slash); err != nil {
		return decimal.Zero, fmt.Errorf("slash transfer: %w", err)
	}
	return slash, nil
}

// maybeGraduate promotes a Newcomer meeting all graduation requirements.
// The transition is one-way.
func (e *Engine) maybeGraduate(ctx context.Context, p *model.ProviderProfile, now time.Time) {
	if p.Tier != model.TierNewcomer {
		return
	}
	if p.TotalTransactions < graduationMinTxs {
		return
	}
	if now.Sub(p.RegisteredAt) < graduationMinAge {
		return
	}
	if len(p.CounterpartyVolume) < graduationMinCounterparties {
		return
	}
	if p.TotalTransactions > 0 &&
		p.DisputedTransactions*100 > p.TotalTransactions*graduationMaxDisputePct {
		return
	}
	total, _ := decimal.NewFromString(p.TotalVolume)
	if total.IsPositive() {
		limit := total.Mul(decimal.New(graduationMaxConcentrationPct, 0)).Div(decimal.New(100, 0))
		for _, v := range p.CounterpartyVolume {
			cp, _ := decimal.NewFromString(v)
			if cp.GreaterThan(limit) {
				return
			}
		}
	}
	p.Tier = model.TierGraduated
	_ = e.events.Publish(ctx, events.EventProviderGraduated, map[string]any{
		"provider_id": p.ProviderID,
	})
	slog.InfoContext(ctx, "provider_graduated", "provider_id", p.ProviderID)
}

// rescore recomputes and stores the provider's score, emitting score.updated
// when it moves.
func (e *Engine) rescore(ctx context.Context, p *model.ProviderProfile, now time.Time) {
	old := p.Score
	p.Score = calculateScore(p, now)
	p.LastUpdated = now
	if p.Score != old {
		_ = e.events.Publish(ctx, events.EventScoreUpdated, map[string]any{
			"entity_id":      p.ProviderID,
			"entity_type":    "provider",
			"previous_score": old,
			"new_score":      p.Score,
		})
	}
}

// GetScore returns the provider's current score, folding in any unlocked
// imported reputation. Pure read.
func (e *Engine) GetScore(ctx context.Context, providerID string) (int64, error) {
	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return 0, err
	}
	imported, err := e.effectiveImportedScore(ctx, providerID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		// With no local history the unlocked import is the whole score,
		// even while still discounted below the unregistered default.
		if imported > 0 {
			return imported, nil
		}
		return InitialScore, nil
	}
	if imported > p.Score {
		return imported, nil
	}
	return p.Score, nil
}

// GetProvider returns the stored profile, or nil when unregistered.
func (e *Engine) GetProvider(ctx context.Context, providerID string) (*model.ProviderProfile, error) {
	return e.store.GetProvider(ctx, providerID)
}

// ListProviders returns all registered profiles.
func (e *Engine) ListProviders(ctx context.Context) ([]model.ProviderProfile, error) {
	return e.store.ListProviders(ctx)
}

// IsProviderActive reports whether the provider may receive payments.
func (e *Engine) IsProviderActive(ctx context.Context, providerID string) (bool, error) {
	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return false, err
	}
	if p == nil || p.Banned {
		return false, nil
	}
	if p.Quarantined && e.now().Before(p.QuarantineEnd) {
		return false, nil
	}
	return true, nil
}

// GetRecommendedTimeout returns the escrow timeout bracket for the
// provider's current score.
func (e *Engine) GetRecommendedTimeout(ctx context.Context, providerID string) (time.Duration, error) {
	score, err := e.GetScore(ctx, providerID)
	if err != nil {
		return 0, err
	}
	return RecommendedTimeout(score), nil
}

// NeedsEscrow reports whether payments to the provider must be escrowed.
// Only the top score bracket skips escrow.
func (e *Engine) NeedsEscrow(ctx context.Context, providerID string) (bool, error) {
	score, err := e.GetScore(ctx, providerID)
	if err != nil {
		return true, err
	}
	return score < EscrowSkipScore, nil
}

// AccountAge returns how long the provider has been registered.
func (e *Engine) AccountAge(ctx context.Context, providerID string) (time.Duration, error) {
	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}
	return e.now().Sub(p.RegisteredAt), nil
}

// LiftQuarantine clears an expired quarantine, or any quarantine when
// invoked by the owner.
func (e *Engine) LiftQuarantine(ctx context.Context, caller, providerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotRegistered
	}
	now := e.now()
	if caller != e.owner && now.Before(p.QuarantineEnd) {
		return ErrOwnerOnly
	}
	if !p.Quarantined {
		return nil
	}
	p.Quarantined = false
	p.QuarantineEnd = time.Time{}
	p.LastUpdated = now
	if err := e.store.PutProvider(ctx, *p); err != nil {
		return err
	}
	_ = e.events.Publish(ctx, events.EventQuarantineLifted, map[string]any{
		"entity_id": providerID,
	})
	return nil
}

// ClearReviewFlag clears the suspicious-behavior review flag. Owner only.
func (e *Engine) ClearReviewFlag(ctx context.Context, caller, providerID string) error {
	if caller != e.owner {
		return ErrOwnerOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotRegistered
	}
	p.FlaggedForReview = false
	p.SuspiciousCount = 0
	e.rescore(ctx, p, e.now())
	return e.store.PutProvider(ctx, *p)
}
