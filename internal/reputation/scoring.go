package reputation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/model"
)

// Weighted component ceilings. Together with the MinScore floor they span
// the full 300-900 range: 300 + 315 + 225 + 180 + 90 + 90 = 1200, clamped.
const (
	successRateMax   = 315 // 35%
	volumeWeightMax  = 225 // 25%
	diversityMax     = 180 // 20%
	diversityPerPeer = 18
	longevityMax     = 90 // 10%
	longevityPerMo   = 9
	responseMax      = 90 // 10%

	disputePenaltyPerPct = 2
	disputePenaltyCap    = 100

	suspiciousPenaltyEach = 10
	suspiciousPenaltyCap  = 100

	dailyGrowth = 5
)

// Tier score ceilings.
var tierCaps = map[model.ProviderTier]int64{
	model.TierVerified:     900,
	model.TierGraduated:    800,
	model.TierNewcomer:     650,
	model.TierUnregistered: 500,
}

// calculateScore derives a provider score from profile state alone. The
// successive caps interact, so their order is load-bearing: tier cap, then
// transaction-count gates, then time gates, then the daily growth cap, then
// the suspicious penalty and review-flag cap, then the final clamp.
func calculateScore(p *model.ProviderProfile, now time.Time) int64 {
	if p.TotalTransactions == 0 {
		return InitialScore
	}

	score := int64(MinScore)

	// Success rate: up to 315.
	score += p.SuccessfulTransactions * successRateMax / p.TotalTransactions

	// Volume-weighted success: up to 225.
	total, _ := decimal.NewFromString(p.TotalVolume)
	if total.IsPositive() {
		okVol, _ := decimal.NewFromString(p.SuccessfulVolume)
		score += okVol.Mul(decimal.New(volumeWeightMax, 0)).Div(total).Floor().IntPart()
	}

	// Counterparty diversity: up to 180.
	diversity := int64(len(p.CounterpartyVolume)) * diversityPerPeer
	if diversity > diversityMax {
		diversity = diversityMax
	}
	score += diversity

	// Longevity: up to 90.
	months := int64(now.Sub(p.RegisteredAt) / (30 * 24 * time.Hour))
	longevity := months * longevityPerMo
	if longevity > longevityMax {
		longevity = longevityMax
	}
	score += longevity

	// Response speed: up to 90.
	if p.ResponseSamples > 0 {
		avg := p.ResponseTimeTotalSec / p.ResponseSamples
		switch {
		case avg < 5:
			score += responseMax
		case avg < 10:
			score += 70
		case avg < 30:
			score += 45
		}
	}

	// Dispute penalty: 2 points per 1% dispute rate, capped at 100.
	disputePct := p.DisputedTransactions * 100 / p.TotalTransactions
	penalty := disputePct * disputePenaltyPerPct
	if penalty > disputePenaltyCap {
		penalty = disputePenaltyCap
	}
	score -= penalty
	if score < MinScore {
		score = MinScore
	}

	// Tier cap.
	if ceiling, ok := tierCaps[p.Tier]; ok && score > ceiling {
		score = ceiling
	}

	// Transaction-count gates.
	switch {
	case p.TotalTransactions < 10:
		score = minInt64(score, 600)
	case p.TotalTransactions < 25:
		score = minInt64(score, 700)
	case p.TotalTransactions < 50:
		score = minInt64(score, 800)
	}

	// Time gates.
	age := now.Sub(p.RegisteredAt)
	switch {
	case age < 7*24*time.Hour:
		score = minInt64(score, 600)
	case age < 30*24*time.Hour:
		score = minInt64(score, 700)
	case age < 60*24*time.Hour:
		score = minInt64(score, 800)
	}

	// Daily growth cap: the binding constraint in most early-life scenarios.
	days := int64(age / (24 * time.Hour))
	score = minInt64(score, InitialScore+days*dailyGrowth)

	// Suspicious-behavior penalty.
	sus := p.SuspiciousCount * suspiciousPenaltyEach
	if sus > suspiciousPenaltyCap {
		sus = suspiciousPenaltyCap
	}
	score -= sus

	// A profile under review cannot score above the initial value.
	if p.FlaggedForReview {
		score = minInt64(score, InitialScore)
	}

	if score < MinScore {
		score = MinScore
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// calculateBuyerScore mirrors the provider formula with buyer-side
// weighting.
func calculateBuyerScore(b *model.BuyerProfile, now time.Time) int64 {
	if b.TotalPayments == 0 {
		return InitialScore
	}

	score := int64(InitialScore)

	// Success rate: up to +160.
	score += b.SuccessfulPayments * 160 / b.TotalPayments

	// Dispute penalty scales with how often disputes are raised and how
	// often the buyer loses them; a clean record earns a flat bonus.
	if b.DisputesRaised == 0 {
		score += 50
	} else {
		disputePct := b.DisputesRaised * 100 / b.TotalPayments
		lossPct := b.DisputesLost * 100 / b.DisputesRaised
		penalty := disputePct * lossPct / 10
		if penalty > 150 {
			penalty = 150
		}
		score -= penalty
	}

	// Confirmation speed bonus.
	if b.ConfirmSamples > 0 {
		avg := b.ConfirmTimeTotalSec / b.ConfirmSamples
		switch {
		case avg < 60:
			score += 60
		case avg < 300:
			score += 40
		case avg < 1800:
			score += 20
		}
	}

	// Account age bonus.
	age := now.Sub(b.FirstPaymentAt)
	switch {
	case age >= 90*24*time.Hour:
		score += 40
	case age >= 30*24*time.Hour:
		score += 25
	case age >= 7*24*time.Hour:
		score += 10
	}

	// Timeout penalty: 2 points per 1% timeout rate, capped at 50.
	timeoutPct := b.Timeouts * 100 / b.TotalPayments
	tp := timeoutPct * 2
	if tp > 50 {
		tp = 50
	}
	score -= tp

	// Volume bonus.
	vol, _ := decimal.NewFromString(b.TotalVolume)
	switch {
	case vol.GreaterThanOrEqual(decimal.New(10_000_000_000, 0)): // 10k USDC
		score += 20
	case vol.GreaterThanOrEqual(decimal.New(1_000_000_000, 0)): // 1k USDC
		score += 10
	}

	if b.Flagged {
		score -= 100
	}

	if score < MinScore {
		score = MinScore
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// buyerTier maps a score to the coarse buyer category.
func buyerTier(score int64) model.BuyerTier {
	switch {
	case score >= 750:
		return model.BuyerTierPremium
	case score >= 600:
		return model.BuyerTierReliable
	case score >= 450:
		return model.BuyerTierStandard
	default:
		return model.BuyerTierRisky
	}
}

// RecommendedTimeout maps a provider score to the escrow timeout bracket.
func RecommendedTimeout(score int64) time.Duration {
	switch {
	case score >= 850:
		return 5 * time.Minute
	case score >= 700:
		return 10 * time.Minute
	case score >= 500:
		return 15 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// Recommendation renders the advisory string for a score.
func Recommendation(score int64) string {
	switch {
	case score >= 850:
		return "Highly recommended - Elite provider with excellent track record"
	case score >= 700:
		return "Recommended - Excellent provider, low risk"
	case score >= 500:
		return "Acceptable - Good provider, use with escrow protection"
	case score >= 400:
		return "Caution - Fair provider, escrow strongly recommended"
	default:
		return "Not recommended - Poor track record, high risk"
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
