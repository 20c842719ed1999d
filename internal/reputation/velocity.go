package reputation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
)

const (
	burstWindow          = 60 * time.Second
	burstThreshold       = 30
	severeBurstThreshold = 100
	suspiciousFlagCount  = 5
	quarantineDuration   = 7 * 24 * time.Hour
)

// trackVelocity advances the rolling day/hour/burst counters and applies
// burst consequences. Caller holds the engine lock and persists the profile.
func (e *Engine) trackVelocity(ctx context.Context, p *model.ProviderProfile, now time.Time) {
	if now.Sub(p.DayWindowAt) >= 24*time.Hour {
		p.DayWindowAt = now
		p.DayTxCount = 0
	}
	p.DayTxCount++

	if now.Sub(p.HourWindowAt) >= time.Hour {
		p.HourWindowAt = now
		p.HourTxCount = 0
	}
	p.HourTxCount++

	if now.Sub(p.BurstWindowAt) >= burstWindow {
		p.BurstWindowAt = now
		p.BurstTxCount = 0
	}
	p.BurstTxCount++

	if p.BurstTxCount >= burstThreshold {
		p.SuspiciousCount++
	}
	if p.BurstTxCount >= severeBurstThreshold && !p.Quarantined {
		p.Quarantined = true
		p.QuarantineEnd = now.Add(quarantineDuration)
		_ = e.freezeImport(ctx, p.ProviderID)
		_ = e.events.Publish(ctx, events.EventQuarantined, map[string]any{
			"entity_id": p.ProviderID,
			"reason":    "severe transaction burst",
			"end_time":  p.QuarantineEnd,
		})
		slog.WarnContext(ctx, "provider_quarantined",
			"provider_id", p.ProviderID,
			"burst_count", p.BurstTxCount,
		)
	}

	if p.SuspiciousCount >= suspiciousFlagCount && !p.FlaggedForReview {
		p.FlaggedForReview = true
		slog.WarnContext(ctx, "provider_flagged_for_review",
			"provider_id", p.ProviderID,
			"suspicious_count", p.SuspiciousCount,
		)
	}
}

// trackFlow updates the directed buyer->provider flow edge and checks the
// reverse edge for circular value movement. Only the direct one-hop reverse
// edge is examined; deeper cycle search is left to off-line analysis.
func (e *Engine) trackFlow(ctx context.Context, p *model.ProviderProfile, buyerID string, amount decimal.Decimal) error {
	forward, err := e.store.GetFlow(ctx, buyerID, p.ProviderID)
	if err != nil {
		return err
	}
	fwd, _ := decimal.NewFromString(forward)
	if err := e.store.PutFlow(ctx, buyerID, p.ProviderID, fwd.Add(amount).String()); err != nil {
		return err
	}

	reverse, err := e.store.GetFlow(ctx, p.ProviderID, buyerID)
	if err != nil {
		return err
	}
	rev, _ := decimal.NewFromString(reverse)
	half := amount.Div(decimal.New(2, 0))
	if rev.GreaterThanOrEqual(half) && rev.IsPositive() {
		p.SuspiciousCount++
		slog.WarnContext(ctx, "circular_flow_detected",
			"provider_id", p.ProviderID,
			"buyer_id", buyerID,
			"reverse_volume", rev.String(),
			"amount", amount.String(),
		)
	}
	return nil
}
