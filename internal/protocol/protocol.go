package protocol

import (
	"context"
	"sort"
	"time"

	"github.com/open-experiments/x402-trust/internal/dispute"
	"github.com/open-experiments/x402-trust/internal/escrow"
	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/reputation"
	"github.com/open-experiments/x402-trust/internal/store"
	"github.com/open-experiments/x402-trust/internal/token"
)

// Protocol bundles the three engines behind one handle and serves the
// read-side queries buyers use before committing funds.
type Protocol struct {
	Reputation *reputation.Engine
	Escrow     *escrow.Vault
	Disputes   *dispute.Manager
}

// New wires the engines over a shared store, ledger, and event publisher.
func New(st store.Store, ledger token.Ledger, pub *events.Publisher, chainID, owner string, chainSeed int64) *Protocol {
	rep := reputation.New(st, ledger, pub, chainID, owner)
	vault := escrow.New(st, ledger, rep, pub)
	mgr := dispute.New(st, ledger, vault, rep, pub, owner, chainSeed)
	return &Protocol{
		Reputation: rep,
		Escrow:     vault,
		Disputes:   mgr,
	}
}

// ProviderInfo is the buyer-facing summary of one provider.
type ProviderInfo struct {
	ProviderID         string  `json:"provider_id"`
	Registered         bool    `json:"registered"`
	Tier               string  `json:"tier"`
	Score              int64   `json:"score"`
	TotalTransactions  int64   `json:"total_transactions"`
	SuccessRatePct     float64 `json:"success_rate_pct"`
	DisputeRatePct     float64 `json:"dispute_rate_pct"`
	AccountAgeDays     int64   `json:"account_age_days"`
	NeedsEscrow        bool    `json:"needs_escrow"`
	RecommendedTimeout int64   `json:"recommended_timeout_sec"`
	Recommendation     string  `json:"recommendation"`
}

// GetProviderInfo assembles the pre-payment summary for one provider.
// Unregistered providers report the default score and the tightest escrow
// settings.
func (p *Protocol) GetProviderInfo(ctx context.Context, providerID string) (*ProviderInfo, error) {
	prof, err := p.Reputation.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	score, err := p.Reputation.GetScore(ctx, providerID)
	if err != nil {
		return nil, err
	}

	info := ProviderInfo{
		ProviderID:         providerID,
		Score:              score,
		Tier:               string(model.TierUnregistered),
		NeedsEscrow:        score < reputation.EscrowSkipScore,
		RecommendedTimeout: int64(reputation.RecommendedTimeout(score) / time.Second),
		Recommendation:     reputation.Recommendation(score),
	}
	if prof != nil {
		info.Registered = true
		info.Tier = string(prof.Tier)
		info.TotalTransactions = prof.TotalTransactions
		if prof.TotalTransactions > 0 {
			info.SuccessRatePct = float64(prof.SuccessfulTransactions) * 100 / float64(prof.TotalTransactions)
			info.DisputeRatePct = float64(prof.DisputedTransactions) * 100 / float64(prof.TotalTransactions)
		}
		age, err := p.Reputation.AccountAge(ctx, providerID)
		if err != nil {
			return nil, err
		}
		info.AccountAgeDays = int64(age / (24 * time.Hour))
	}
	return &info, nil
}

// GetTrustTier returns the provider's tier, Unregistered when unknown.
func (p *Protocol) GetTrustTier(ctx context.Context, providerID string) (model.ProviderTier, error) {
	prof, err := p.Reputation.GetProvider(ctx, providerID)
	if err != nil {
		return "", err
	}
	if prof == nil {
		return model.TierUnregistered, nil
	}
	return prof.Tier, nil
}

// NeedsEscrow reports whether payments to the provider must be escrowed.
func (p *Protocol) NeedsEscrow(ctx context.Context, providerID string) (bool, error) {
	return p.Reputation.NeedsEscrow(ctx, providerID)
}

// CompareProviders returns the requested providers' summaries ranked by
// score, best first. Ties break on transaction count, then identifier.
func (p *Protocol) CompareProviders(ctx context.Context, providerIDs []string) ([]ProviderInfo, error) {
	infos := make([]ProviderInfo, 0, len(providerIDs))
	for _, id := range providerIDs {
		info, err := p.GetProviderInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Score != infos[j].Score {
			return infos[i].Score > infos[j].Score
		}
		if infos[i].TotalTransactions != infos[j].TotalTransactions {
			return infos[i].TotalTransactions > infos[j].TotalTransactions
		}
		return infos[i].ProviderID < infos[j].ProviderID
	})
	return infos, nil
}
