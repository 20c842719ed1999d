package reputation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
)

// loadOrCreateBuyer returns the buyer profile, creating it lazily on first
// contact. Caller holds the engine lock.
func (e *Engine) loadOrCreateBuyer(ctx context.Context, buyerID string, now time.Time) (*model.BuyerProfile, error) {
	b, err := e.store.GetBuyer(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}
	fresh := model.BuyerProfile{
		BuyerID:        buyerID,
		Tier:           model.BuyerTierUnknown,
		Score:          InitialScore,
		FirstPaymentAt: now,
		TotalVolume:    "0",
		LastUpdated:    now,
	}
	return &fresh, nil
}

// RecordBuyerTransaction records one settled payment on the buying side.
// confirmTime is how long the buyer took to confirm; zero for non-escrow.
func (e *Engine) RecordBuyerTransaction(ctx context.Context, buyerID string, amount decimal.Decimal, success bool, confirmTime time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	b, err := e.loadOrCreateBuyer(ctx, buyerID, now)
	if err != nil {
		return err
	}

	b.TotalPayments++
	vol, _ := decimal.NewFromString(b.TotalVolume)
	b.TotalVolume = vol.Add(amount).String()
	if success {
		b.SuccessfulPayments++
		if confirmTime > 0 {
			b.ConfirmTimeTotalSec += int64(confirmTime / time.Second)
			b.ConfirmSamples++
		}
	}

	e.rescoreBuyer(ctx, b, now)
	return e.store.PutBuyer(ctx, *b)
}

// RecordBuyerDispute counts a dispute the buyer raised; lost marks the
// eventual outcome against them.
func (e *Engine) RecordBuyerDispute(ctx context.Context, buyerID string, lost bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	b, err := e.loadOrCreateBuyer(ctx, buyerID, now)
	if err != nil {
		return err
	}
	if lost {
		b.DisputesLost++
	} else {
		b.DisputesRaised++
	}
	e.rescoreBuyer(ctx, b, now)
	return e.store.PutBuyer(ctx, *b)
}

// RecordBuyerTimeout counts a claimed timeout against the buyer's
// confirmation discipline.
func (e *Engine) RecordBuyerTimeout(ctx context.Context, buyerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	b, err := e.loadOrCreateBuyer(ctx, buyerID, now)
	if err != nil {
		return err
	}
	b.Timeouts++
	e.rescoreBuyer(ctx, b, now)
	return e.store.PutBuyer(ctx, *b)
}

func (e *Engine) rescoreBuyer(ctx context.Context, b *model.BuyerProfile, now time.Time) {
	old := b.Score
	b.Score = calculateBuyerScore(b, now)
	if b.TotalPayments > 0 {
		b.Tier = buyerTier(b.Score)
	}
	b.LastUpdated = now
	if b.Score != old {
		_ = e.events.Publish(ctx, events.EventScoreUpdated, map[string]any{
			"entity_id":      b.BuyerID,
			"entity_type":    "buyer",
			"previous_score": old,
			"new_score":      b.Score,
		})
	}
}

// GetBuyerScore returns the buyer's current score, folding in any unlocked
// imported reputation. Unknown buyers without an import sit at the initial
// score.
func (e *Engine) GetBuyerScore(ctx context.Context, buyerID string) (int64, error) {
	b, err := e.store.GetBuyer(ctx, buyerID)
	if err != nil {
		return 0, err
	}
	imported, err := e.effectiveImportedScore(ctx, buyerID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		if imported > 0 {
			return imported, nil
		}
		return InitialScore, nil
	}
	if imported > b.Score {
		return imported, nil
	}
	return b.Score, nil
}

// GetBuyer returns the stored buyer profile, or nil when the buyer has
// never paid.
func (e *Engine) GetBuyer(ctx context.Context, buyerID string) (*model.BuyerProfile, error) {
	return e.store.GetBuyer(ctx, buyerID)
}
