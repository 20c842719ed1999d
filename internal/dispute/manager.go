package dispute

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/store"
	"github.com/open-experiments/x402-trust/internal/token"
)

var (
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrPaymentNotDisputed = errors.New("payment not in disputed status")
	ErrDisputeExists      = errors.New("dispute already open for payment")
	ErrWrongPhase         = errors.New("dispute in wrong phase")
	ErrDeadlinePassed     = errors.New("phase deadline passed")
	ErrNotParty           = errors.New("caller is not a dispute party")
	ErrNotPanelist        = errors.New("arbitrator not on this panel")
	ErrAlreadyCommitted   = errors.New("vote already committed")
	ErrNotCommitted       = errors.New("no committed vote")
	ErrAlreadyRevealed    = errors.New("vote already revealed")
	ErrCommitmentMismatch = errors.New("reveal does not match commitment")
	ErrScoreTooLow        = errors.New("score below arbitrator minimum")
	ErrAccountTooNew      = errors.New("account younger than arbitrator minimum")
	ErrAlreadyArbitrator  = errors.New("already registered as arbitrator")
	ErrPoolBootstrapped   = errors.New("arbitrator pool past bootstrap size")
	ErrPoolTooSmall       = errors.New("arbitrator pool below minimum panel size")
	ErrOwnerOnly          = errors.New("owner only")
	ErrNotResolvable      = errors.New("dispute not ready to resolve")
)

const (
	panelSize = 7
	// Smallest panel a dispute may open with. Below this the case cannot
	// reach a meaningful tally and creation fails instead.
	minPanelSize = 3
	// Majority is 5-of-7; smaller bootstrap panels scale proportionally.
	majorityNum = 5
	majorityDen = 7

	bootstrapPoolSize = 50

	arbitratorMinScore = 700
	arbitratorMinAge   = 30 * 24 * time.Hour

	// stakeAccount holds arbitrator stakes in the token ledger.
	stakeAccount = "x402:stakes"
)

// ArbitratorStakeAmount is the fixed arbitrator stake (500 USDC base units).
var ArbitratorStakeAmount = decimal.New(500_000_000, 0)

// Amount brackets routing disputes to a track.
var (
	fastTrackLimit = decimal.New(100_000_000, 0)   // < 100 USDC
	standardLimit  = decimal.New(1_000_000_000, 0) // < 1000 USDC
)

// Per-track phase durations: evidence, voting, reveal.
var trackDurations = map[model.DisputeTrack][3]time.Duration{
	model.TrackFast:     {24 * time.Hour, 24 * time.Hour, 12 * time.Hour},
	model.TrackStandard: {48 * time.Hour, 48 * time.Hour, 24 * time.Hour},
	model.TrackComplex:  {72 * time.Hour, 72 * time.Hour, 48 * time.Hour},
}

// Escrow is the slice of the vault the manager settles through.
type Escrow interface {
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	AttachDispute(ctx context.Context, paymentID, disputeID string) error
	ResolveForBuyer(ctx context.Context, paymentID string) error
	ResolveForProvider(ctx context.Context, paymentID string) error
	ResolveSplit(ctx context.Context, paymentID string) error
}

// Reputation is the slice of the reputation engine gating arbitrator entry.
type Reputation interface {
	GetScore(ctx context.Context, entityID string) (int64, error)
	AccountAge(ctx context.Context, entityID string) (time.Duration, error)
}

// Manager runs commit-reveal arbitration over disputed payments.
type Manager struct {
	mu     sync.Mutex
	store  store.DisputeStore
	ledger token.Ledger
	escrow Escrow
	rep    Reputation
	events *events.Publisher

	owner     string
	chainSeed int64

	now func() time.Time
}

func New(st store.DisputeStore, ledger token.Ledger, esc Escrow, rep Reputation, pub *events.Publisher, owner string, chainSeed int64) *Manager {
	return &Manager{
		store:     st,
		ledger:    ledger,
		escrow:    esc,
		rep:       rep,
		events:    pub,
		owner:     owner,
		chainSeed: chainSeed,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Commitment derives the vote commitment hash an arbitrator submits during
// the voting phase and opens during reveal.
func Commitment(votedForBuyer bool, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%t|%s", votedForBuyer, salt)))
	return hex.EncodeToString(sum[:])
}

func trackFor(amount decimal.Decimal) model.DisputeTrack {
	switch {
	case amount.LessThan(fastTrackLimit):
		return model.TrackFast
	case amount.LessThan(standardLimit):
		return model.TrackStandard
	default:
		return model.TrackComplex
	}
}

// CreateDispute opens the arbitration case for a payment the vault has
// already marked disputed. The panel is drawn pseudo-randomly from the
// active pool, seeded from the case identity.
func (m *Manager) CreateDispute(ctx context.Context, paymentID string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.escrow.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Status != model.PaymentStatusDisputed {
		return nil, ErrPaymentNotDisputed
	}
	if p.DisputeID != "" {
		return nil, ErrDisputeExists
	}

	now := m.now()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", paymentID, now.UnixNano())))
	disputeID := "dsp_" + hex.EncodeToString(sum[:16])

	amount, _ := decimal.NewFromString(p.Amount)
	track := trackFor(amount)
	durs := trackDurations[track]

	panel, err := m.selectPanel(ctx, disputeID, now)
	if err != nil {
		return nil, err
	}

	d := model.Dispute{
		DisputeID:        disputeID,
		PaymentID:        paymentID,
		Buyer:            p.Buyer,
		Provider:         p.Provider,
		Amount:           p.Amount,
		Track:            track,
		Phase:            model.PhaseEvidence,
		EvidenceDeadline: now.Add(durs[0]),
		VotingDeadline:   now.Add(durs[0] + durs[1]),
		RevealDeadline:   now.Add(durs[0] + durs[1] + durs[2]),
		Arbitrators:      panel,
		Outcome:          model.OutcomePending,
		CreatedAt:        now,
	}
	if err := m.store.PutDispute(ctx, d); err != nil {
		return nil, err
	}
	if err := m.escrow.AttachDispute(ctx, paymentID, disputeID); err != nil {
		return nil, err
	}

	_ = m.events.Publish(ctx, events.EventDisputeCreated, map[string]any{
		"dispute_id": disputeID,
		"payment_id": paymentID,
		"track":      string(track),
		"panel_size": len(panel),
	})
	slog.InfoContext(ctx, "dispute_created",
		"dispute_id", disputeID,
		"payment_id", paymentID,
		"track", track,
	)
	return &d, nil
}

// selectPanel draws up to panelSize arbitrators from the active pool.
// The shuffle is seeded from the dispute identity and the chain seed; a
// verifiable random source can replace it without changing callers.
func (m *Manager) selectPanel(ctx context.Context, disputeID string, now time.Time) ([]string, error) {
	pool, err := m.store.ListActiveArbitrators(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(pool))
	for i, a := range pool {
		ids[i] = a.ArbitratorID
	}
	if len(ids) < minPanelSize {
		return nil, ErrPoolTooSmall
	}
	if len(ids) <= panelSize {
		return ids, nil
	}
	seedSum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", disputeID, now.UnixNano(), m.chainSeed)))
	seed := int64(binary.BigEndian.Uint64(seedSum[:8]))
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids[:panelSize], nil
}

// RegisterArbitrator admits a staked, reputable, aged account to the pool.
func (m *Manager) RegisterArbitrator(ctx context.Context, arbitratorID string) (*model.Arbitrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetArbitrator(ctx, arbitratorID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active {
		return nil, ErrAlreadyArbitrator
	}
	score, err := m.rep.GetScore(ctx, arbitratorID)
	if err != nil {
		return nil, err
	}
	if score < arbitratorMinScore {
		return nil, ErrScoreTooLow
	}
	age, err := m.rep.AccountAge(ctx, arbitratorID)
	if err != nil {
		return nil, err
	}
	if age < arbitratorMinAge {
		return nil, ErrAccountTooNew
	}

	if err := m.ledger.TransferFrom(ctx, arbitratorID, arbitratorID, stakeAccount, ArbitratorStakeAmount); err != nil {
		return nil, fmt.Errorf("arbitrator stake: %w", err)
	}

	a := model.Arbitrator{
		ArbitratorID: arbitratorID,
		Stake:        ArbitratorStakeAmount.String(),
		Active:       true,
		RegisteredAt: m.now(),
	}
	if err := m.store.PutArbitrator(ctx, a); err != nil {
		return nil, err
	}

	_ = m.events.Publish(ctx, events.EventArbitratorRegistered, map[string]any{
		"arbitrator_id": arbitratorID,
		"bootstrapped":  false,
	})
	return &a, nil
}

// BootstrapArbitrator admits an arbitrator without the score, age, and stake
// checks while the pool is still small. Owner only.
func (m *Manager) BootstrapArbitrator(ctx context.Context, caller, arbitratorID string) (*model.Arbitrator, error) {
	if caller != m.owner {
		return nil, ErrOwnerOnly
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetArbitrator(ctx, arbitratorID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active {
		return nil, ErrAlreadyArbitrator
	}
	count, err := m.store.CountArbitrators(ctx)
	if err != nil {
		return nil, err
	}
	if count >= bootstrapPoolSize {
		return nil, ErrPoolBootstrapped
	}

	a := model.Arbitrator{
		ArbitratorID: arbitratorID,
		Stake:        "0",
		Active:       true,
		Bootstrapped: true,
		RegisteredAt: m.now(),
	}
	if err := m.store.PutArbitrator(ctx, a); err != nil {
		return nil, err
	}

	_ = m.events.Publish(ctx, events.EventArbitratorRegistered, map[string]any{
		"arbitrator_id": arbitratorID,
		"bootstrapped":  true,
	})
	return &a, nil
}

// advance moves the phase forward past expired deadlines. Caller holds the
// lock and persists the dispute.
func (m *Manager) advance(d *model.Dispute, now time.Time) {
	if d.Phase == model.PhaseEvidence && now.After(d.EvidenceDeadline) {
		d.Phase = model.PhaseVoting
	}
	if d.Phase == model.PhaseVoting && now.After(d.VotingDeadline) {
		d.Phase = model.PhaseReveal
	}
}

// SubmitEvidence appends an evidence item for one of the parties during the
// evidence phase.
func (m *Manager) SubmitEvidence(ctx context.Context, callerID, disputeID, item string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDisputeNotFound
	}
	now := m.now()
	m.advance(d, now)
	if d.Phase != model.PhaseEvidence {
		return nil, ErrWrongPhase
	}

	switch callerID {
	case d.Buyer:
		d.BuyerEvidence = append(d.BuyerEvidence, item)
	case d.Provider:
		d.ProviderEvidence = append(d.ProviderEvidence, item)
	default:
		return nil, ErrNotParty
	}
	if err := m.store.PutDispute(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// AdvancePhase persists any deadline-driven phase transition.
func (m *Manager) AdvancePhase(ctx context.Context, disputeID string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDisputeNotFound
	}
	before := d.Phase
	m.advance(d, m.now())
	if d.Phase != before {
		if err := m.store.PutDispute(ctx, *d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// CommitVote records an arbitrator's sealed vote during the voting phase.
func (m *Manager) CommitVote(ctx context.Context, arbitratorID, disputeID, commitment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrDisputeNotFound
	}
	now := m.now()
	m.advance(d, now)
	if d.Phase != model.PhaseVoting {
		return ErrWrongPhase
	}
	if !onPanel(d, arbitratorID) {
		return ErrNotPanelist
	}
	existing, err := m.store.GetVote(ctx, disputeID, arbitratorID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyCommitted
	}

	v := model.Vote{
		DisputeID:    disputeID,
		ArbitratorID: arbitratorID,
		Commitment:   commitment,
		CommittedAt:  now,
	}
	if err := m.store.PutVote(ctx, v); err != nil {
		return err
	}
	if err := m.store.PutDispute(ctx, *d); err != nil {
		return err
	}

	_ = m.events.Publish(ctx, events.EventVoteCommitted, map[string]any{
		"dispute_id":    disputeID,
		"arbitrator_id": arbitratorID,
	})
	return nil
}

// RevealVote opens a sealed vote during the reveal phase. The reveal must
// hash back to the commitment.
func (m *Manager) RevealVote(ctx context.Context, arbitratorID, disputeID string, votedForBuyer bool, salt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrDisputeNotFound
	}
	now := m.now()
	m.advance(d, now)
	if d.Phase != model.PhaseReveal {
		return ErrWrongPhase
	}
	if now.After(d.RevealDeadline) {
		return ErrDeadlinePassed
	}

	v, err := m.store.GetVote(ctx, disputeID, arbitratorID)
	if err != nil {
		return err
	}
	if v == nil {
		return ErrNotCommitted
	}
	if v.Revealed {
		return ErrAlreadyRevealed
	}
	if Commitment(votedForBuyer, salt) != v.Commitment {
		return ErrCommitmentMismatch
	}

	v.Revealed = true
	v.VotedForBuyer = votedForBuyer
	v.RevealedAt = &now
	if err := m.store.PutVote(ctx, *v); err != nil {
		return err
	}
	if err := m.store.PutDispute(ctx, *d); err != nil {
		return err
	}

	_ = m.events.Publish(ctx, events.EventVoteRevealed, map[string]any{
		"dispute_id":    disputeID,
		"arbitrator_id": arbitratorID,
	})
	return nil
}

// Resolve tallies the revealed votes and settles the payment. Callable once
// every panelist has revealed, or any time after the reveal deadline.
func (m *Manager) Resolve(ctx context.Context, disputeID string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDisputeNotFound
	}
	if d.Phase == model.PhaseResolved {
		return nil, ErrWrongPhase
	}
	now := m.now()
	m.advance(d, now)

	votes, err := m.store.ListVotes(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	revealed := 0
	forBuyer := 0
	for _, v := range votes {
		if v.Revealed {
			revealed++
			if v.VotedForBuyer {
				forBuyer++
			}
		}
	}
	if revealed < len(d.Arbitrators) && now.Before(d.RevealDeadline) {
		return nil, ErrNotResolvable
	}

	// 5-of-7 majority, scaled for smaller bootstrap panels.
	need := (len(d.Arbitrators)*majorityNum + majorityDen - 1) / majorityDen
	forProvider := revealed - forBuyer

	outcome := model.OutcomeSplit
	switch {
	case forBuyer >= need:
		outcome = model.OutcomeBuyerWins
	case forProvider >= need:
		outcome = model.OutcomeProviderWins
	}

	d.Phase = model.PhaseResolved
	d.Outcome = outcome
	d.ResolvedAt = &now
	if err := m.store.PutDispute(ctx, *d); err != nil {
		return nil, err
	}

	switch outcome {
	case model.OutcomeBuyerWins:
		err = m.escrow.ResolveForBuyer(ctx, d.PaymentID)
	case model.OutcomeProviderWins:
		err = m.escrow.ResolveForProvider(ctx, d.PaymentID)
	default:
		err = m.escrow.ResolveSplit(ctx, d.PaymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("settle dispute %s: %w", disputeID, err)
	}

	m.updateArbitratorRecords(ctx, votes, outcome)

	_ = m.events.Publish(ctx, events.EventDisputeResolved, map[string]any{
		"dispute_id": disputeID,
		"outcome":    string(outcome),
	})
	slog.InfoContext(ctx, "dispute_resolved",
		"dispute_id", disputeID,
		"outcome", outcome,
		"revealed_votes", revealed,
	)
	return d, nil
}

// updateArbitratorRecords credits panelists whose revealed vote matched the
// outcome. A split credits nobody.
func (m *Manager) updateArbitratorRecords(ctx context.Context, votes []model.Vote, outcome model.DisputeOutcome) {
	for _, v := range votes {
		if !v.Revealed {
			continue
		}
		a, err := m.store.GetArbitrator(ctx, v.ArbitratorID)
		if err != nil || a == nil {
			continue
		}
		a.TotalVotes++
		if (outcome == model.OutcomeBuyerWins && v.VotedForBuyer) ||
			(outcome == model.OutcomeProviderWins && !v.VotedForBuyer) {
			a.CorrectVotes++
		}
		_ = m.store.PutArbitrator(ctx, *a)
	}
}

func onPanel(d *model.Dispute, arbitratorID string) bool {
	for _, id := range d.Arbitrators {
		if id == arbitratorID {
			return true
		}
	}
	return false
}

// GetDispute returns the dispute record, or nil when unknown.
func (m *Manager) GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error) {
	return m.store.GetDispute(ctx, disputeID)
}

// GetArbitrator returns the arbitrator record, or nil when unknown.
func (m *Manager) GetArbitrator(ctx context.Context, arbitratorID string) (*model.Arbitrator, error) {
	return m.store.GetArbitrator(ctx, arbitratorID)
}
