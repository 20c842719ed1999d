package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
)

var (
	ErrFlagNotFound       = errors.New("flag not found")
	ErrEmptyReason        = errors.New("flag reason must not be empty")
	ErrAlreadyValidated   = errors.New("flag already validated")
	ErrAlreadyEndorsed    = errors.New("validator already endorsed this flag")
	ErrFlagNotValidated   = errors.New("flag not validated")
	ErrAppealWindowClosed = errors.New("appeal window closed")
	ErrAppealExists       = errors.New("appeal already filed")
	ErrAppealNotFound     = errors.New("appeal not found")
	ErrAppealResolved     = errors.New("appeal already resolved")
	ErrOnlyFlagged        = errors.New("only the flagged party may appeal")
)

const (
	minValidatorsForFlag = 3
	quarantineFlagCount  = 3
	appealWindow         = 48 * time.Hour
)

// AppealStakeAmount is the fixed stake to appeal a validated flag
// (10 USDC in base units).
var AppealStakeAmount = decimal.New(10_000_000, 0)

// AppealAccount holds appeal stakes in the token ledger.
const AppealAccount = "x402:appeals"

// InsuranceAccount receives forfeited appeal stakes and half of every
// dispute slash.
const InsuranceAccount = "x402:insurance"

// SubmitFlag opens a flag against a target. The flagger counts as the first
// endorsing validator; consequences only apply once the flag is validated.
func (e *Engine) SubmitFlag(ctx context.Context, flaggerID, targetID, targetType, reason string) (*model.Flag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(reason) == "" {
		return nil, ErrEmptyReason
	}
	now := e.now()
	f := model.Flag{
		FlagID:     "flag_" + uuid.New().String(),
		TargetID:   targetID,
		TargetType: targetType,
		FlaggerID:  flaggerID,
		Reason:     reason,
		Status:     model.FlagStatusPending,
		Validators: []string{flaggerID},
		CreatedAt:  now,
	}
	if err := e.store.PutFlag(ctx, f); err != nil {
		return nil, err
	}

	if b, err := e.store.GetBuyer(ctx, flaggerID); err == nil && b != nil {
		b.FlagsGiven++
		b.LastUpdated = now
		_ = e.store.PutBuyer(ctx, *b)
	}

	_ = e.events.Publish(ctx, events.EventFlagSubmitted, map[string]any{
		"flag_id":   f.FlagID,
		"target_id": targetID,
		"flagger":   flaggerID,
	})
	return &f, nil
}

// EndorseFlag adds a validator's agreement. Reaching the validation
// threshold applies the flag's consequences.
func (e *Engine) EndorseFlag(ctx context.Context, flagID, validatorID string) (*model.Flag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.store.GetFlag(ctx, flagID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrFlagNotFound
	}
	if f.Status != model.FlagStatusPending {
		return nil, ErrAlreadyValidated
	}
	for _, v := range f.Validators {
		if v == validatorID {
			return nil, ErrAlreadyEndorsed
		}
	}
	f.Validators = append(f.Validators, validatorID)

	if len(f.Validators) >= minValidatorsForFlag {
		now := e.now()
		f.Status = model.FlagStatusValidated
		f.ValidatedAt = &now
		if err := e.applyFlagConsequences(ctx, f, now); err != nil {
			return nil, err
		}
		_ = e.events.Publish(ctx, events.EventFlagValidated, map[string]any{
			"flag_id":   f.FlagID,
			"target_id": f.TargetID,
		})
	}
	if err := e.store.PutFlag(ctx, *f); err != nil {
		return nil, err
	}
	return f, nil
}

// applyFlagConsequences increments the target's flag count and quarantines
// the target once enough flags are confirmed.
func (e *Engine) applyFlagConsequences(ctx context.Context, f *model.Flag, now time.Time) error {
	validated := int64(1) // this flag
	existing, err := e.store.ListFlagsByTarget(ctx, f.TargetID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.FlagID != f.FlagID &&
			(other.Status == model.FlagStatusValidated || other.Status == model.FlagStatusUpheld) {
			validated++
		}
	}

	quarantine := validated >= quarantineFlagCount

	switch f.TargetType {
	case "buyer":
		b, err := e.loadOrCreateBuyer(ctx, f.TargetID, now)
		if err != nil {
			return err
		}
		b.FlagsReceived++
		b.Flagged = true
		if quarantine && !b.Quarantined {
			b.Quarantined = true
			b.QuarantineEnd = now.Add(quarantineDuration)
			_ = e.freezeImport(ctx, b.BuyerID)
		}
		e.rescoreBuyer(ctx, b, now)
		if err := e.store.PutBuyer(ctx, *b); err != nil {
			return err
		}
	default:
		p, err := e.store.GetProvider(ctx, f.TargetID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotRegistered
		}
		p.FlagsReceived++
		p.FlaggedForReview = true
		if quarantine && !p.Quarantined {
			p.Quarantined = true
			p.QuarantineEnd = now.Add(quarantineDuration)
			_ = e.freezeImport(ctx, p.ProviderID)
			_ = e.events.Publish(ctx, events.EventQuarantined, map[string]any{
				"entity_id": p.ProviderID,
				"reason":    "confirmed flags",
				"end_time":  p.QuarantineEnd,
			})
		}
		e.rescore(ctx, p, now)
		if err := e.store.PutProvider(ctx, *p); err != nil {
			return err
		}
	}
	return nil
}

// AppealFlag lets the flagged party challenge a validated flag within the
// appeal window by staking USDC.
func (e *Engine) AppealFlag(ctx context.Context, flagID, appellant string) (*model.Appeal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.store.GetFlag(ctx, flagID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrFlagNotFound
	}
	if f.Status != model.FlagStatusValidated {
		return nil, ErrFlagNotValidated
	}
	if appellant != f.TargetID {
		return nil, ErrOnlyFlagged
	}
	now := e.now()
	if f.ValidatedAt == nil || now.After(f.ValidatedAt.Add(appealWindow)) {
		return nil, ErrAppealWindowClosed
	}
	prior, err := e.store.GetAppealByFlag(ctx, flagID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return nil, ErrAppealExists
	}

	if err := e.ledger.TransferFrom(ctx, appellant, appellant, AppealAccount, AppealStakeAmount); err != nil {
		return nil, fmt.Errorf("appeal stake: %w", err)
	}

	a := model.Appeal{
		AppealID:  "appeal_" + uuid.New().String(),
		FlagID:    flagID,
		Appellant: appellant,
		Stake:     AppealStakeAmount.String(),
		Status:    model.AppealStatusPending,
		FiledAt:   now,
	}
	if err := e.store.PutAppeal(ctx, a); err != nil {
		return nil, err
	}

	if p, err := e.store.GetProvider(ctx, appellant); err == nil && p != nil {
		p.AppealsFiled++
		p.LastUpdated = now
		_ = e.store.PutProvider(ctx, *p)
	}
	return &a, nil
}

// ResolveAppeal settles an appeal. Overturning returns the stake and
// reduces the flagger's credibility; upholding forfeits the stake to the
// insurance fund and confirms the violation. Owner only.
func (e *Engine) ResolveAppeal(ctx context.Context, caller, appealID string, overturn bool) error {
	if caller != e.owner {
		return ErrOwnerOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAppeal(ctx, appealID)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrAppealNotFound
	}
	if a.Status != model.AppealStatusPending {
		return ErrAppealResolved
	}
	f, err := e.store.GetFlag(ctx, a.FlagID)
	if err != nil {
		return err
	}
	if f == nil {
		return ErrFlagNotFound
	}

	now := e.now()
	stake, _ := decimal.NewFromString(a.Stake)

	if overturn {
		a.Status = model.AppealStatusOverturned
		f.Status = model.FlagStatusOverturned
		if err := e.ledger.Transfer(ctx, AppealAccount, a.Appellant, stake); err != nil {
			return fmt.Errorf("return appeal stake: %w", err)
		}
		if b, err := e.store.GetBuyer(ctx, f.FlaggerID); err == nil && b != nil {
			b.FlagsOverturned++
			b.LastUpdated = now
			_ = e.store.PutBuyer(ctx, *b)
		}
		if p, err := e.store.GetProvider(ctx, a.Appellant); err == nil && p != nil {
			p.AppealsOverturned++
			p.FlaggedForReview = false
			e.rescore(ctx, p, now)
			_ = e.store.PutProvider(ctx, *p)
		}
	} else {
		a.Status = model.AppealStatusUpheld
		f.Status = model.FlagStatusUpheld
		if err := e.ledger.Transfer(ctx, AppealAccount, InsuranceAccount, stake); err != nil {
			return fmt.Errorf("forfeit appeal stake: %w", err)
		}
		if p, err := e.store.GetProvider(ctx, a.Appellant); err == nil && p != nil {
			p.ConfirmedViolations++
			e.rescore(ctx, p, now)
			_ = e.store.PutProvider(ctx, *p)
		}
	}

	a.ResolvedAt = &now
	if err := e.store.PutAppeal(ctx, *a); err != nil {
		return err
	}
	if err := e.store.PutFlag(ctx, *f); err != nil {
		return err
	}

	_ = e.events.Publish(ctx, events.EventAppealResolved, map[string]any{
		"appeal_id": a.AppealID,
		"flag_id":   f.FlagID,
		"overturn":  overturn,
	})
	slog.InfoContext(ctx, "appeal_resolved",
		"appeal_id", a.AppealID,
		"overturn", overturn,
	)
	return nil
}

// FlaggerCredibility scores a flagger 0-100 from payment history depth,
// prior overturn rate, and rating-consistency counters. Informational only;
// it does not gate flag submission.
func (e *Engine) FlaggerCredibility(ctx context.Context, flaggerID string) (int64, error) {
	b, err := e.store.GetBuyer(ctx, flaggerID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}

	cred := int64(0)

	// History depth: up to 40.
	depth := b.TotalPayments * 2
	if depth > 40 {
		depth = 40
	}
	cred += depth

	// Overturn rate: up to 40, reduced by prior overturned flags.
	accuracy := int64(40)
	if b.FlagsGiven > 0 {
		accuracy = 40 - b.FlagsOverturned*40/b.FlagsGiven
		if accuracy < 0 {
			accuracy = 0
		}
	}
	cred += accuracy

	// Rating consistency: up to 20, reduced by hallucinated ratings.
	consistency := int64(20)
	rated := b.HallucinationCount + b.OutlierCount + b.ConsistentCount
	if rated > 0 {
		consistency = b.ConsistentCount * 20 / rated
	}
	cred += consistency

	return cred, nil
}
