package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
	"github.com/open-experiments/x402-trust/internal/store"
	"github.com/open-experiments/x402-trust/internal/token"
)

type txRecord struct {
	provider, buyer string
	amount          decimal.Decimal
	success         bool
	responseTime    time.Duration
}

// fakeRep satisfies the Reputation interface with canned routing answers and
// call recording.
type fakeRep struct {
	ledger *token.MemoryLedger

	active      bool
	timeout     time.Duration
	needsEscrow bool

	txs           []txRecord
	disputes      []string
	buyerTxs      []string
	buyerDisputes []string
	buyerLosses   []string
	buyerTimeouts []string
	slashes       []decimal.Decimal
}

func (r *fakeRep) IsProviderActive(ctx context.Context, providerID string) (bool, error) {
	return r.active, nil
}

func (r *fakeRep) GetRecommendedTimeout(ctx context.Context, providerID string) (time.Duration, error) {
	return r.timeout, nil
}

func (r *fakeRep) NeedsEscrow(ctx context.Context, providerID string) (bool, error) {
	return r.needsEscrow, nil
}

func (r *fakeRep) RecordTransaction(ctx context.Context, providerID, buyerID string, amount decimal.Decimal, success bool, responseTime time.Duration) error {
	r.txs = append(r.txs, txRecord{providerID, buyerID, amount, success, responseTime})
	return nil
}

func (r *fakeRep) RecordDispute(ctx context.Context, providerID string) error {
	r.disputes = append(r.disputes, providerID)
	return nil
}

func (r *fakeRep) RecordBuyerTransaction(ctx context.Context, buyerID string, amount decimal.Decimal, success bool, confirmTime time.Duration) error {
	r.buyerTxs = append(r.buyerTxs, buyerID)
	return nil
}

func (r *fakeRep) RecordBuyerDispute(ctx context.Context, buyerID string, lost bool) error {
	if lost {
		r.buyerLosses = append(r.buyerLosses, buyerID)
	} else {
		r.buyerDisputes = append(r.buyerDisputes, buyerID)
	}
	return nil
}

func (r *fakeRep) RecordBuyerTimeout(ctx context.Context, buyerID string) error {
	r.buyerTimeouts = append(r.buyerTimeouts, buyerID)
	return nil
}

func (r *fakeRep) SlashStake(ctx context.Context, providerID string, numerator, denominator int64, recipient string) (decimal.Decimal, error) {
	// Fixed 500-unit stake, matching registration.
	stake := decimal.New(500_000_000, 0)
	slash := stake.Mul(decimal.New(numerator, 0)).Div(decimal.New(denominator, 0)).Floor()
	if err := r.ledger.Transfer(ctx, "x402:stakes", recipient, slash); err != nil {
		return decimal.Zero, err
	}
	r.slashes = append(r.slashes, slash)
	return slash, nil
}

type vaultFixture struct {
	vault  *Vault
	rep    *fakeRep
	ledger *token.MemoryLedger
	now    time.Time
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	ledger := token.NewMemoryLedger()
	rep := &fakeRep{
		ledger:      ledger,
		active:      true,
		timeout:     10 * time.Minute,
		needsEscrow: true,
	}
	f := &vaultFixture{
		vault:  New(store.NewMemoryStore(), ledger, rep, events.NewPublisher("test")),
		rep:    rep,
		ledger: ledger,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.vault.now = func() time.Time { return f.now }
	ledger.Mint("buyer-1", decimal.New(1_000_000_000, 0))
	ledger.Mint("x402:stakes", decimal.New(500_000_000, 0))
	return f
}

func (f *vaultFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *vaultFixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.BalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("BalanceOf(%s): %v", account, err)
	}
	return bal
}

func (f *vaultFixture) create(t *testing.T, amount int64) *model.Payment {
	t.Helper()
	p, err := f.vault.CreatePayment(context.Background(), "buyer-1", "prov-1", decimal.New(amount, 0), "req-hash-1")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return p
}

func goodProof() model.DeliveryProof {
	return model.DeliveryProof{
		RequestHash:  "req-hash-1",
		ResponseHash: "resp-hash-1",
		ResponseSize: 2048,
		Signature:    make([]byte, 65),
	}
}

func TestCreatePaymentEscrowPath(t *testing.T) {
	f := newVaultFixture(t)
	f.rep.timeout = 10 * time.Minute

	p := f.create(t, 5_000_000)
	if p.Status != model.PaymentStatusPending {
		t.Errorf("status = %v, want PENDING", p.Status)
	}
	if !p.UseEscrow {
		t.Error("UseEscrow = false, want escrow for a mid-reputation provider")
	}
	if p.TimeoutSec != 600 {
		t.Errorf("timeout = %d, want 600", p.TimeoutSec)
	}
	if got := f.balance(t, EscrowAccount); !got.Equal(decimal.New(5_000_000, 0)) {
		t.Errorf("escrow balance = %s, want 5000000", got)
	}
	if got := f.balance(t, "prov-1"); !got.IsZero() {
		t.Errorf("provider paid early: %s", got)
	}
}

func TestCreatePaymentDirectPath(t *testing.T) {
	f := newVaultFixture(t)
	f.rep.needsEscrow = false

	p := f.create(t, 5_000_000)
	if p.Status != model.PaymentStatusCompleted {
		t.Errorf("status = %v, want COMPLETED on the direct path", p.Status)
	}
	if got := f.balance(t, "prov-1"); !got.Equal(decimal.New(5_000_000, 0)) {
		t.Errorf("provider balance = %s, want 5000000", got)
	}
	if len(f.rep.txs) != 1 || !f.rep.txs[0].success {
		t.Errorf("provider transaction not recorded as success: %+v", f.rep.txs)
	}
	if len(f.rep.buyerTxs) != 1 {
		t.Errorf("buyer transaction not recorded: %+v", f.rep.buyerTxs)
	}
}

func TestCreatePaymentChecks(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()

	if _, err := f.vault.CreatePayment(ctx, "buyer-1", "prov-1", decimal.New(999_999, 0), "h"); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("below minimum err = %v, want ErrBelowMinimum", err)
	}
	if _, err := f.vault.CreatePayment(ctx, "buyer-1", "buyer-1", decimal.New(5_000_000, 0), "h"); !errors.Is(err, ErrSelfPayment) {
		t.Errorf("self payment err = %v, want ErrSelfPayment", err)
	}
	f.rep.active = false
	if _, err := f.vault.CreatePayment(ctx, "buyer-1", "prov-1", decimal.New(5_000_000, 0), "h"); !errors.Is(err, ErrProviderInactive) {
		t.Errorf("inactive provider err = %v, want ErrProviderInactive", err)
	}
	f.rep.active = true
	if _, err := f.vault.CreatePayment(ctx, "buyer-broke", "prov-1", decimal.New(5_000_000, 0), "h"); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("unfunded buyer err = %v, want ErrInsufficientBalance", err)
	}
}

func TestConfirmDelivery(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)

	f.advance(90 * time.Second)
	got, err := f.vault.ConfirmDelivery(ctx, "buyer-1", p.PaymentID, goodProof())
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if got.Status != model.PaymentStatusCompleted {
		t.Errorf("status = %v, want COMPLETED", got.Status)
	}
	if bal := f.balance(t, "prov-1"); !bal.Equal(decimal.New(5_000_000, 0)) {
		t.Errorf("provider balance = %s, want 5000000", bal)
	}
	if len(f.rep.txs) != 1 || f.rep.txs[0].responseTime != 90*time.Second {
		t.Errorf("response time not recorded: %+v", f.rep.txs)
	}

	// Second confirmation must fail: the state machine never re-releases.
	if _, err := f.vault.ConfirmDelivery(ctx, "buyer-1", p.PaymentID, goodProof()); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("double confirm err = %v, want ErrInvalidStatus", err)
	}
}

func TestConfirmDeliveryRejections(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)

	tests := []struct {
		name   string
		caller string
		mod    func(pr *model.DeliveryProof)
		want   error
	}{
		{"wrong caller", "prov-1", nil, ErrNotBuyer},
		{"request hash mismatch", "buyer-1", func(pr *model.DeliveryProof) { pr.RequestHash = "other" }, ErrInvalidProof},
		{"missing response hash", "buyer-1", func(pr *model.DeliveryProof) { pr.ResponseHash = "" }, ErrInvalidProof},
		{"tiny response", "buyer-1", func(pr *model.DeliveryProof) { pr.ResponseSize = 16 }, ErrInvalidProof},
		{"short signature", "buyer-1", func(pr *model.DeliveryProof) { pr.Signature = make([]byte, 10) }, ErrInvalidProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof := goodProof()
			if tt.mod != nil {
				tt.mod(&proof)
			}
			if _, err := f.vault.ConfirmDelivery(ctx, tt.caller, p.PaymentID, proof); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Funds must still be in escrow after every rejection.
	if bal := f.balance(t, EscrowAccount); !bal.Equal(decimal.New(5_000_000, 0)) {
		t.Errorf("escrow balance = %s, want untouched 5000000", bal)
	}
}

func TestClaimTimeout(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)
	buyerBefore := f.balance(t, "buyer-1")

	// Inside timeout plus grace: too early.
	f.advance(12 * time.Minute)
	if _, err := f.vault.ClaimTimeout(ctx, "buyer-1", p.PaymentID); !errors.Is(err, ErrTimeoutNotReached) {
		t.Errorf("early claim err = %v, want ErrTimeoutNotReached", err)
	}

	// Past the 10-minute timeout and 5-minute grace.
	f.advance(13 * time.Minute)
	got, err := f.vault.ClaimTimeout(ctx, "buyer-1", p.PaymentID)
	if err != nil {
		t.Fatalf("ClaimTimeout: %v", err)
	}
	if got.Status != model.PaymentStatusRefunded {
		t.Errorf("status = %v, want REFUNDED", got.Status)
	}
	if bal := f.balance(t, "buyer-1"); !bal.Equal(buyerBefore.Add(decimal.New(5_000_000, 0))) {
		t.Errorf("buyer not refunded: %s", bal)
	}
	if len(f.rep.txs) != 1 || f.rep.txs[0].success {
		t.Errorf("provider failure not recorded: %+v", f.rep.txs)
	}
	if len(f.rep.buyerTimeouts) != 1 {
		t.Errorf("buyer timeout not recorded: %+v", f.rep.buyerTimeouts)
	}
}

func TestRaiseDispute(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)

	got, err := f.vault.RaiseDispute(ctx, "buyer-1", p.PaymentID, "empty response body")
	if err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	if got.Status != model.PaymentStatusDisputed {
		t.Errorf("status = %v, want DISPUTED", got.Status)
	}
	if len(f.rep.disputes) != 1 || len(f.rep.buyerDisputes) != 1 {
		t.Errorf("dispute not recorded on both sides: %+v %+v", f.rep.disputes, f.rep.buyerDisputes)
	}

	// Window closes after timeout plus grace.
	p2 := f.create(t, 5_000_000)
	f.advance(20 * time.Minute)
	if _, err := f.vault.RaiseDispute(ctx, "buyer-1", p2.PaymentID, "late"); !errors.Is(err, ErrDisputeWindowClosed) {
		t.Errorf("late dispute err = %v, want ErrDisputeWindowClosed", err)
	}
}

func TestResolveForBuyer(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)
	if _, err := f.vault.RaiseDispute(ctx, "buyer-1", p.PaymentID, "bad output"); err != nil {
		t.Fatal(err)
	}
	buyerBefore := f.balance(t, "buyer-1")

	if err := f.vault.ResolveForBuyer(ctx, p.PaymentID); err != nil {
		t.Fatalf("ResolveForBuyer: %v", err)
	}

	got, _ := f.vault.GetPayment(ctx, p.PaymentID)
	if got.Status != model.PaymentStatusRefunded {
		t.Errorf("status = %v, want REFUNDED", got.Status)
	}
	// Refund plus half of the 10% stake slash (25 USDC).
	wantBuyer := buyerBefore.Add(decimal.New(5_000_000+25_000_000, 0))
	if bal := f.balance(t, "buyer-1"); !bal.Equal(wantBuyer) {
		t.Errorf("buyer balance = %s, want %s", bal, wantBuyer)
	}
	if bal := f.balance(t, InsuranceAccount); !bal.Equal(decimal.New(25_000_000, 0)) {
		t.Errorf("insurance balance = %s, want 25000000", bal)
	}
	if len(f.rep.slashes) != 2 {
		t.Errorf("slash count = %d, want 2", len(f.rep.slashes))
	}
}

func TestResolveForProvider(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)
	if _, err := f.vault.RaiseDispute(ctx, "buyer-1", p.PaymentID, "bad output"); err != nil {
		t.Fatal(err)
	}

	if err := f.vault.ResolveForProvider(ctx, p.PaymentID); err != nil {
		t.Fatalf("ResolveForProvider: %v", err)
	}
	got, _ := f.vault.GetPayment(ctx, p.PaymentID)
	if got.Status != model.PaymentStatusCompleted {
		t.Errorf("status = %v, want COMPLETED", got.Status)
	}
	if bal := f.balance(t, "prov-1"); !bal.Equal(decimal.New(5_000_000, 0)) {
		t.Errorf("provider balance = %s, want 5000000", bal)
	}
	if len(f.rep.buyerLosses) != 1 {
		t.Errorf("buyer loss not recorded: %+v", f.rep.buyerLosses)
	}
	if len(f.rep.slashes) != 0 {
		t.Errorf("stake slashed on a provider win: %+v", f.rep.slashes)
	}
}

func TestResolveSplitOddUnit(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 1_000_001)
	if _, err := f.vault.RaiseDispute(ctx, "buyer-1", p.PaymentID, "partial delivery"); err != nil {
		t.Fatal(err)
	}
	buyerBefore := f.balance(t, "buyer-1")

	if err := f.vault.ResolveSplit(ctx, p.PaymentID); err != nil {
		t.Fatalf("ResolveSplit: %v", err)
	}
	if bal := f.balance(t, "buyer-1"); !bal.Equal(buyerBefore.Add(decimal.New(500_000, 0))) {
		t.Errorf("buyer half = %s, want +500000", bal.Sub(buyerBefore))
	}
	if bal := f.balance(t, "prov-1"); !bal.Equal(decimal.New(500_001, 0)) {
		t.Errorf("provider half = %s, want 500001 (odd unit)", bal)
	}
	if bal := f.balance(t, EscrowAccount); !bal.IsZero() {
		t.Errorf("escrow remainder = %s, want 0", bal)
	}
}

func TestStuckAndForceSettle(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)
	if err := f.vault.SetFallback(ctx, "buyer-1", p.PaymentID, "human-1"); err != nil {
		t.Fatalf("SetFallback: %v", err)
	}

	if _, err := f.vault.MarkAsStuck(ctx, p.PaymentID); !errors.Is(err, ErrTimeoutNotReached) {
		t.Errorf("early stuck err = %v, want ErrTimeoutNotReached", err)
	}

	f.advance(10*time.Minute + 25*time.Hour)
	got, err := f.vault.MarkAsStuck(ctx, p.PaymentID)
	if err != nil {
		t.Fatalf("MarkAsStuck: %v", err)
	}
	if got.Status != model.PaymentStatusStuck {
		t.Errorf("status = %v, want STUCK", got.Status)
	}

	if err := f.vault.ForceRefund(ctx, "stranger", p.PaymentID); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger force err = %v, want ErrNotAuthorized", err)
	}
	buyerBefore := f.balance(t, "buyer-1")
	if err := f.vault.ForceRefund(ctx, "human-1", p.PaymentID); err != nil {
		t.Fatalf("ForceRefund: %v", err)
	}
	got, _ = f.vault.GetPayment(ctx, p.PaymentID)
	if got.Status != model.PaymentStatusRefunded {
		t.Errorf("status = %v, want REFUNDED", got.Status)
	}
	if bal := f.balance(t, "buyer-1"); !bal.Equal(buyerBefore.Add(decimal.New(5_000_000, 0))) {
		t.Errorf("buyer balance = %s, want refund", bal)
	}
}

func TestDisputedPaymentCanGoStuck(t *testing.T) {
	f := newVaultFixture(t)
	ctx := context.Background()
	p := f.create(t, 5_000_000)
	if err := f.vault.SetFallback(ctx, "buyer-1", p.PaymentID, "human-1"); err != nil {
		t.Fatalf("SetFallback: %v", err)
	}
	if _, err := f.vault.RaiseDispute(ctx, "buyer-1", p.PaymentID, "bad output"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}

	// An arbitration that never settles must not strand the escrow.
	f.advance(10*time.Minute + 25*time.Hour)
	got, err := f.vault.MarkAsStuck(ctx, p.PaymentID)
	if err != nil {
		t.Fatalf("MarkAsStuck: %v", err)
	}
	if got.Status != model.PaymentStatusStuck {
		t.Errorf("status = %v, want STUCK", got.Status)
	}

	buyerBefore := f.balance(t, "buyer-1")
	if err := f.vault.ForceRefund(ctx, "human-1", p.PaymentID); err != nil {
		t.Fatalf("ForceRefund: %v", err)
	}
	if bal := f.balance(t, "buyer-1"); !bal.Equal(buyerBefore.Add(decimal.New(5_000_000, 0))) {
		t.Errorf("buyer balance = %s, want refund", bal)
	}
}
