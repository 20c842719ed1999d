package reputation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-experiments/x402-trust/internal/model"
)

func validateFlag(t *testing.T, f *fixture, flaggerID, targetID, targetType string) *model.Flag {
	t.Helper()
	ctx := context.Background()
	fl, err := f.eng.SubmitFlag(ctx, flaggerID, targetID, targetType, "returns empty responses")
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	for _, v := range []string{"validator-1", "validator-2"} {
		if fl, err = f.eng.EndorseFlag(ctx, fl.FlagID, v); err != nil {
			t.Fatalf("EndorseFlag(%s): %v", v, err)
		}
	}
	return fl
}

func TestFlagValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "prov-1")

	fl, err := f.eng.SubmitFlag(ctx, "buyer-1", "prov-1", "provider", "returns empty responses")
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	if fl.Status != model.FlagStatusPending {
		t.Errorf("status = %v, want PENDING", fl.Status)
	}
	if len(fl.Validators) != 1 || fl.Validators[0] != "buyer-1" {
		t.Errorf("validators = %v, want the flagger alone", fl.Validators)
	}

	// The flagger cannot endorse twice.
	if _, err := f.eng.EndorseFlag(ctx, fl.FlagID, "buyer-1"); !errors.Is(err, ErrAlreadyEndorsed) {
		t.Errorf("self re-endorse err = %v, want ErrAlreadyEndorsed", err)
	}

	// One more validator is not enough.
	fl, err = f.eng.EndorseFlag(ctx, fl.FlagID, "validator-1")
	if err != nil {
		t.Fatalf("EndorseFlag: %v", err)
	}
	if fl.Status != model.FlagStatusPending {
		t.Errorf("status = %v, want PENDING at two validators", fl.Status)
	}
	p, _ := f.eng.GetProvider(ctx, "prov-1")
	if p.FlaggedForReview {
		t.Error("consequences applied before validation threshold")
	}

	// The third validator tips it over.
	fl, err = f.eng.EndorseFlag(ctx, fl.FlagID, "validator-2")
	if err != nil {
		t.Fatalf("EndorseFlag: %v", err)
	}
	if fl.Status != model.FlagStatusValidated {
		t.Errorf("status = %v, want VALIDATED", fl.Status)
	}
	p, _ = f.eng.GetProvider(ctx, "prov-1")
	if !p.FlaggedForReview || p.FlagsReceived != 1 {
		t.Errorf("consequences not applied: review=%v flags=%d", p.FlaggedForReview, p.FlagsReceived)
	}

	if _, err := f.eng.EndorseFlag(ctx, fl.FlagID, "validator-3"); !errors.Is(err, ErrAlreadyValidated) {
		t.Errorf("endorse validated flag err = %v, want ErrAlreadyValidated", err)
	}
	if _, err := f.eng.SubmitFlag(ctx, "buyer-1", "prov-1", "provider", "  "); !errors.Is(err, ErrEmptyReason) {
		t.Errorf("empty reason err = %v, want ErrEmptyReason", err)
	}
}

func TestThreeValidatedFlagsQuarantine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "prov-1")

	for i := 0; i < 3; i++ {
		validateFlag(t, f, "buyer-1", "prov-1", "provider")
	}

	p, _ := f.eng.GetProvider(ctx, "prov-1")
	if !p.Quarantined {
		t.Fatal("provider not quarantined after three validated flags")
	}
	if p.QuarantineEnd != f.now.Add(quarantineDuration) {
		t.Errorf("quarantine end = %v, want %v", p.QuarantineEnd, f.now.Add(quarantineDuration))
	}
}

func TestFlagQuarantineFreezesImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "prov-1")
	if err := f.eng.TrustChain("owner", "polygon-mainnet"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.ImportReputation(ctx, proofFor(f, "prov-1", 800)); err != nil {
		t.Fatalf("ImportReputation: %v", err)
	}

	for i := 0; i < 3; i++ {
		validateFlag(t, f, "buyer-1", "prov-1", "provider")
	}

	imp, _ := f.eng.GetImport(ctx, "prov-1")
	if imp == nil || !imp.Frozen {
		t.Error("import not frozen by flag quarantine")
	}
}

func TestAppealOverturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "prov-1")
	fl := validateFlag(t, f, "buyer-1", "prov-1", "provider")

	// Only the flagged party may appeal, with stake, inside the window.
	if _, err := f.eng.AppealFlag(ctx, fl.FlagID, "someone-else"); !errors.Is(err, ErrOnlyFlagged) {
		t.Errorf("third-party appeal err = %v, want ErrOnlyFlagged", err)
	}

	a, err := f.eng.AppealFlag(ctx, fl.FlagID, "prov-1")
	if err != nil {
		t.Fatalf("AppealFlag: %v", err)
	}
	bal, _ := f.ledger.BalanceOf(ctx, AppealAccount)
	if !bal.Equal(AppealStakeAmount) {
		t.Errorf("appeal account = %s, want %s", bal, AppealStakeAmount)
	}
	if _, err := f.eng.AppealFlag(ctx, fl.FlagID, "prov-1"); !errors.Is(err, ErrAppealExists) {
		t.Errorf("duplicate appeal err = %v, want ErrAppealExists", err)
	}

	if err := f.eng.ResolveAppeal(ctx, "not-owner", a.AppealID, true); !errors.Is(err, ErrOwnerOnly) {
		t.Errorf("non-owner resolve err = %v, want ErrOwnerOnly", err)
	}
	if err := f.eng.ResolveAppeal(ctx, "owner", a.AppealID, true); err != nil {
		t.Fatalf("ResolveAppeal: %v", err)
	}

	// Stake returned, flag overturned, review flag cleared.
	bal, _ = f.ledger.BalanceOf(ctx, AppealAccount)
	if !bal.IsZero() {
		t.Errorf("appeal account after overturn = %s, want 0", bal)
	}
	got, _ := f.st.GetFlag(ctx, fl.FlagID)
	if got.Status != model.FlagStatusOverturned {
		t.Errorf("flag status = %v, want OVERTURNED", got.Status)
	}
	p, _ := f.eng.GetProvider(ctx, "prov-1")
	if p.FlaggedForReview {
		t.Error("review flag survived the overturn")
	}
	if p.AppealsOverturned != 1 {
		t.Errorf("appeals overturned = %d, want 1", p.AppealsOverturned)
	}
}

func TestAppealUpheld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "prov-1")
	fl := validateFlag(t, f, "buyer-1", "prov-1", "provider")

	a, err := f.eng.AppealFlag(ctx, fl.FlagID, "prov-1")
	if err != nil {
		t.Fatalf("AppealFlag: %v", err)
	}
	if err := f.eng.ResolveAppeal(ctx, "owner", a.AppealID, false); err != nil {
		t.Fatalf("ResolveAppeal: %v", err)
	}

	// Stake forfeited to the insurance fund, violation confirmed.
	bal, _ := f.ledger.BalanceOf(ctx, InsuranceAccount)
	if !bal.Equal(AppealStakeAmount) {
		t.Errorf("insurance balance = %s, want %s", bal, AppealStakeAmount)
	}
	p, _ := f.eng.GetProvider(ctx, "prov-1")
	if p.ConfirmedViolations != 1 {
		t.Errorf("confirmed violations = %d, want 1", p.ConfirmedViolations)
	}
	if err := f.eng.ResolveAppeal(ctx, "owner", a.AppealID, false); !errors.Is(err, ErrAppealResolved) {
		t.Errorf("double resolve err = %v, want ErrAppealResolved", err)
	}
}

func TestAppealWindowCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "prov-1")
	fl := validateFlag(t, f, "buyer-1", "prov-1", "provider")

	f.advance(appealWindow + time.Hour)
	if _, err := f.eng.AppealFlag(ctx, fl.FlagID, "prov-1"); !errors.Is(err, ErrAppealWindowClosed) {
		t.Errorf("late appeal err = %v, want ErrAppealWindowClosed", err)
	}
}

func TestFlaggerCredibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unknown flagger scores zero.
	cred, err := f.eng.FlaggerCredibility(ctx, "nobody")
	if err != nil || cred != 0 {
		t.Errorf("FlaggerCredibility(nobody) = %d, %v; want 0, nil", cred, err)
	}

	b := model.BuyerProfile{
		BuyerID:         "buyer-1",
		TotalPayments:   30,
		FlagsGiven:      4,
		FlagsOverturned: 1,
		ConsistentCount: 8,
		OutlierCount:    2,
		TotalVolume:     "0",
	}
	if err := f.st.PutBuyer(ctx, b); err != nil {
		t.Fatal(err)
	}
	// depth 40 (capped) + accuracy 40-10 + consistency 16
	cred, err = f.eng.FlaggerCredibility(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("FlaggerCredibility: %v", err)
	}
	if cred != 86 {
		t.Errorf("credibility = %d, want 86", cred)
	}
}
