package quota_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/account"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/memory"
	"github.com/xraph/quota/types"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...quota.Option) (*quota.Engine, *memory.Store) {
	t.Helper()

	s := memory.New()
	return startEngine(t, s, opts...), s
}

func startEngine(t *testing.T, s store.Store, opts ...quota.Option) *quota.Engine {
	t.Helper()

	base := []quota.Option{
		quota.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		quota.WithClock(func() time.Time { return t0 }),
		quota.WithMeterConfig(10, 10*time.Millisecond),
	}
	e := quota.New(s, append(base, opts...)...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func ensure(t *testing.T, e *quota.Engine, userID int64, referrer *int64) *account.Account {
	t.Helper()
	a, err := e.EnsureAccount(context.Background(), userID, referrer)
	require.NoError(t, err)
	return a
}

func ptr(v int64) *int64 { return &v }

func settle(t *testing.T, e *quota.Engine, userID int64, kind payment.Kind, key string, stars int64) *payment.SettleResult {
	t.Helper()
	res, err := e.SettlePayment(context.Background(), payment.SettleRequest{
		UserID:  userID,
		Payload: payment.NewPayload(kind, key),
		Amount:  types.Stars(stars),
	})
	require.NoError(t, err)
	return res
}

// ──────────────────────────────────────────────────
// Admission
// ──────────────────────────────────────────────────

func TestTryConsumeAdminBypass(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, quota.WithAdmins(7))

	ensure(t, e, 7, nil)
	_, err := e.GrantBonusCredits(ctx, 7, 5)
	require.NoError(t, err)
	_, err = e.ActivateSubscription(ctx, 7, "start", t0)
	require.NoError(t, err)

	for range 100 {
		res, err := e.TryConsume(ctx, 7, t0)
		require.NoError(t, err)
		assert.Equal(t, entitlement.Result{Granted: true, Source: entitlement.SourceAdmin}, *res)
	}

	a, err := e.GetAccount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.BonusCredits)
	assert.Equal(t, int64(0), a.DailyUsed)
	assert.True(t, a.IsAdmin)
}

func TestTryConsumeAdminNeedsAccount(t *testing.T) {
	e, _ := newEngine(t, quota.WithAdmins(7))

	_, err := e.TryConsume(context.Background(), 7, t0)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func TestTryConsumeUnknownAccount(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.TryConsume(context.Background(), 404, t0)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
	assert.True(t, quota.IsNotFound(err))
}

func TestTryConsumeResetsOnNewDay(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	yesterday := t0.Add(-24 * time.Hour)

	ensure(t, e, 1, nil)
	_, err := e.ActivateSubscription(ctx, 1, "start", yesterday)
	require.NoError(t, err)
	for range 50 {
		res, err := e.TryConsume(ctx, 1, yesterday)
		require.NoError(t, err)
		require.True(t, res.Granted)
	}
	res, err := e.TryConsume(ctx, 1, yesterday)
	require.NoError(t, err)
	require.False(t, res.Granted)

	res, err = e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SourceSubscription, res.Source)

	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.DailyUsed)
	assert.Equal(t, account.Day(t0), a.LastResetDay)
}

func TestTryConsumeAllowanceBeforeCredits(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	ensure(t, e, 1, nil)
	_, err := e.GrantBonusCredits(ctx, 1, 4)
	require.NoError(t, err)
	_, err = e.ActivateSubscription(ctx, 1, "pro", t0)
	require.NoError(t, err)

	res, err := e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SourceSubscription, res.Source)

	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.BonusCredits)
	assert.Equal(t, int64(1), a.DailyUsed)
}

func TestTryConsumeCreditFallback(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	ensure(t, e, 1, nil)
	_, err := e.ActivateSubscription(ctx, 1, "start", t0)
	require.NoError(t, err)
	for range 50 {
		_, err := e.TryConsume(ctx, 1, t0)
		require.NoError(t, err)
	}
	_, err = e.GrantBonusCredits(ctx, 1, 3)
	require.NoError(t, err)

	for range 3 {
		res, err := e.TryConsume(ctx, 1, t0)
		require.NoError(t, err)
		assert.Equal(t, entitlement.SourceBonus, res.Source)
	}
	res, err := e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Denied, *res)

	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.BonusCredits)
	assert.Equal(t, int64(50), a.DailyUsed)
}

func TestTryConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	ensure(t, e, 1, nil)
	_, err := e.GrantBonusCredits(ctx, 1, 100)
	require.NoError(t, err)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for range 150 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.TryConsume(ctx, 1, t0)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), granted.Load())
	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.BonusCredits)
}

func TestAvailableUnitsIsReadOnly(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	yesterday := t0.Add(-24 * time.Hour)

	ensure(t, e, 1, nil)
	_, err := e.ActivateSubscription(ctx, 1, "start", yesterday)
	require.NoError(t, err)
	for range 10 {
		_, err := e.TryConsume(ctx, 1, yesterday)
		require.NoError(t, err)
	}

	av, err := e.AvailableUnits(ctx, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), av.DailyRemaining)
	assert.Equal(t, int64(50), av.Total)

	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.DailyUsed)
	assert.Equal(t, account.Day(yesterday), a.LastResetDay)
}

func TestAvailableUnitsAdmin(t *testing.T) {
	e, _ := newEngine(t, quota.WithAdmins(7))
	ensure(t, e, 7, nil)

	av, err := e.AvailableUnits(context.Background(), 7, t0)
	require.NoError(t, err)
	assert.True(t, av.Unlimited)
	assert.Equal(t, int64(-1), av.Total)
}

func TestScenarioCreditsOnly(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	ensure(t, e, 1, nil)
	res, err := e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	_, err = e.GrantBonusCredits(ctx, 1, 10)
	require.NoError(t, err)
	for i := range 10 {
		res, err := e.TryConsume(ctx, 1, t0)
		require.NoError(t, err)
		assert.Equal(t, entitlement.SourceBonus, res.Source, "call %d", i+1)
	}
	res, err = e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.False(t, res.Granted)
}

func TestScenarioProPlanDay(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	res := settle(t, e, 1, payment.KindSubscription, "pro", 350)
	require.False(t, res.AlreadySettled)

	av, err := e.AvailableUnits(ctx, 1, t0)
	require.NoError(t, err)
	assert.True(t, av.SubscriptionActive)
	assert.Equal(t, "pro", av.Plan)
	assert.Equal(t, int64(100), av.DailyRemaining)

	for range 100 {
		res, err := e.TryConsume(ctx, 1, t0)
		require.NoError(t, err)
		require.Equal(t, entitlement.SourceSubscription, res.Source)
	}
	denied, err := e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.False(t, denied.Granted)

	settle(t, e, 1, payment.KindTopUp, "10", 99)
	bonus, err := e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SourceBonus, bonus.Source)
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func TestEnsureAccountIdempotent(t *testing.T) {
	e, s := newEngine(t)

	first := ensure(t, e, 1, nil)
	second := ensure(t, e, 1, nil)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	n, err := s.CountAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnsureAccountRejectsBadUserID(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.EnsureAccount(context.Background(), 0, nil)
	assert.True(t, quota.IsInvalidInput(err))
}

func TestEnsureAccountSelfReferral(t *testing.T) {
	e, _ := newEngine(t)

	a := ensure(t, e, 5, ptr(5))
	assert.Nil(t, a.ReferredBy)
}

func TestEnsureAccountReferrerFirstWriteWins(t *testing.T) {
	e, _ := newEngine(t)

	ensure(t, e, 5, ptr(1))
	a := ensure(t, e, 5, ptr(2))
	require.NotNil(t, a.ReferredBy)
	assert.Equal(t, int64(1), *a.ReferredBy)
}

func TestLinkReferral(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 5, nil)

	linked, err := e.LinkReferral(ctx, 5, 5)
	require.NoError(t, err)
	assert.False(t, linked)

	linked, err = e.LinkReferral(ctx, 5, 1)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = e.LinkReferral(ctx, 5, 2)
	require.NoError(t, err)
	assert.False(t, linked)

	a, err := e.GetAccount(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), *a.ReferredBy)

	_, err = e.LinkReferral(ctx, 404, 1)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func TestSetMode(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)

	a, err := e.SetMode(ctx, 1, account.ModePhoto)
	require.NoError(t, err)
	assert.Equal(t, account.ModePhoto, a.Mode)

	_, err = e.SetMode(ctx, 1, account.Mode("video"))
	assert.ErrorIs(t, err, quota.ErrInvalidMode)
}

func TestGrantBonusCreditsValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)

	_, err := e.GrantBonusCredits(ctx, 1, 0)
	assert.ErrorIs(t, err, quota.ErrInvalidAmount)

	_, err = e.GrantBonusCredits(ctx, 404, 5)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

// ──────────────────────────────────────────────────
// Subscriptions and payments
// ──────────────────────────────────────────────────

func TestActivateSubscriptionExtends(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)

	// A 30 day "start" plan bought 25 days ago ends in 5 days.
	_, err := e.ActivateSubscription(ctx, 1, "start", t0.AddDate(0, 0, -25))
	require.NoError(t, err)
	_, err = e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)

	a, err := e.ActivateSubscription(ctx, 1, "pro", t0)
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 0, 35), a.Subscription.PeriodEnd)
	assert.Equal(t, int64(100), a.Subscription.DailyAllowance)
	assert.Equal(t, "pro", a.Subscription.PlanKey)
	assert.Equal(t, int64(0), a.DailyUsed)
}

func TestActivateSubscriptionUnknownPlan(t *testing.T) {
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)

	_, err := e.ActivateSubscription(context.Background(), 1, "gold", t0)
	assert.ErrorIs(t, err, quota.ErrInvalidProduct)
}

func TestSettlePaymentIdempotent(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	req := payment.SettleRequest{
		UserID:  1,
		Payload: payment.NewPayload(payment.KindTopUp, "50"),
		Amount:  types.Stars(150),
	}
	first, err := e.SettlePayment(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.AlreadySettled)
	require.NotNil(t, first.Payment)
	var pid quota.ID = first.Payment.ID
	assert.Equal(t, quota.Prefix("pay"), pid.Prefix())
	assert.Equal(t, int64(50), first.Account.BonusCredits)

	second, err := e.SettlePayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)

	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.BonusCredits)
	assert.Equal(t, int64(1), a.TopUpPurchases)

	totals, err := s.PaymentTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Count)
}

func TestSettlePaymentConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	req := payment.SettleRequest{
		UserID:  1,
		Payload: payment.NewPayload(payment.KindSubscription, "pro"),
		Amount:  types.Stars(350),
	}

	var applied atomic.Int64
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.SettlePayment(ctx, req)
			if err == nil && !res.AlreadySettled {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), applied.Load())
	a, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.SubscriptionPurchases)
	assert.Equal(t, t0.AddDate(0, 0, 30), a.Subscription.PeriodEnd)
}

func TestSettlePaymentRejections(t *testing.T) {
	tests := []struct {
		name string
		req  payment.SettleRequest
		want error
	}{
		{
			name: "malformed",
			req:  payment.SettleRequest{UserID: 1, Payload: "sub_pro"},
			want: quota.ErrMalformedPayload,
		},
		{
			name: "unknown plan",
			req:  payment.SettleRequest{UserID: 1, Payload: payment.NewPayload(payment.KindSubscription, "gold")},
			want: quota.ErrInvalidProduct,
		},
		{
			name: "unknown package",
			req:  payment.SettleRequest{UserID: 1, Payload: payment.NewPayload(payment.KindTopUp, "7")},
			want: quota.ErrInvalidProduct,
		},
		{
			name: "kind mismatch",
			req: payment.SettleRequest{
				UserID:  1,
				Payload: payment.NewPayload(payment.KindTopUp, "10"),
				Kind:    payment.KindSubscription,
			},
			want: quota.ErrKindMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, _ := newEngine(t)

			_, err := e.SettlePayment(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, quota.IsInvalidProduct(err))

			_, err = e.GetPayment(ctx, tt.req.Payload)
			assert.ErrorIs(t, err, quota.ErrPaymentNotFound)
			_, err = e.GetAccount(ctx, 1)
			assert.ErrorIs(t, err, quota.ErrAccountNotFound)
		})
	}
}

func TestSettlePaymentAmountValidation(t *testing.T) {
	for _, stars := range []int64{0, -1000} {
		ctx := context.Background()
		e, s := newEngine(t)

		req := payment.SettleRequest{
			UserID:  1,
			Payload: payment.NewPayload(payment.KindTopUp, "50"),
			Amount:  types.Stars(stars),
		}
		_, err := e.SettlePayment(ctx, req)
		require.ErrorIs(t, err, quota.ErrInvalidAmount, "amount %d", stars)
		assert.True(t, quota.IsInvalidInput(err))

		_, err = e.GetAccount(ctx, 1)
		assert.ErrorIs(t, err, quota.ErrAccountNotFound)
		totals, err := s.PaymentTotals(ctx)
		require.NoError(t, err)
		assert.Zero(t, totals.Count)
		assert.Zero(t, totals.Revenue.Amount)
	}
}

func TestSettlePaymentNormalizesCurrency(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	res, err := e.SettlePayment(ctx, payment.SettleRequest{
		UserID:  1,
		Payload: payment.NewPayload(payment.KindSubscription, "pro"),
		Amount:  types.Money{Amount: 350, Currency: "XTR"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CurrencyXTR, res.Payment.Amount.Currency)
	require.NoError(t, e.Stop())

	stats, err := e.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalPayments)
	assert.Equal(t, types.Stars(350), stats.TotalRevenue)
}

func TestListPayments(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	settle(t, e, 1, payment.KindTopUp, "10", 99)
	settle(t, e, 1, payment.KindSubscription, "start", 199)
	settle(t, e, 2, payment.KindTopUp, "10", 99)

	list, err := e.ListPayments(ctx, 1, payment.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = e.ListPayments(ctx, 1, payment.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// ──────────────────────────────────────────────────
// Referral payouts
// ──────────────────────────────────────────────────

func TestReferralDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))

	res := settle(t, e, 2, payment.KindTopUp, "10", 99)
	assert.Nil(t, res.Referral, "top-ups do not pay by default")

	res = settle(t, e, 2, payment.KindSubscription, "pro", 350)
	require.NotNil(t, res.Referral)
	assert.Equal(t, int64(referral.DefaultBonusCredits), res.Referral.Credits)

	res = settle(t, e, 2, payment.KindSubscription, "pro", 350)
	assert.Nil(t, res.Referral, "only the first subscription pays")

	inviter, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(referral.DefaultBonusCredits), inviter.BonusCredits)
}

// failingEarnings fails the next n referral payouts.
type failingEarnings struct {
	store.Store
	n atomic.Int32
}

func (s *failingEarnings) RecordEarning(ctx context.Context, e *referral.Earning, fn account.MutateFunc) (bool, error) {
	if s.n.Add(-1) >= 0 {
		return false, quota.ErrStoreUnavailable
	}
	return s.Store.RecordEarning(ctx, e, fn)
}

func TestReferralPayoutResumesOnReplay(t *testing.T) {
	ctx := context.Background()
	s := &failingEarnings{Store: memory.New()}
	s.n.Store(1)
	e := startEngine(t, s)

	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))

	req := payment.SettleRequest{
		UserID:  2,
		Payload: payment.NewPayload(payment.KindSubscription, "pro"),
		Amount:  types.Stars(350),
	}
	first, err := e.SettlePayment(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, first.Referral)
	assert.True(t, first.Payment.ReferralDue)

	inviter, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, inviter.BonusCredits)

	replay, err := e.SettlePayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.AlreadySettled)
	require.NotNil(t, replay.Referral)
	assert.Equal(t, int64(referral.DefaultBonusCredits), replay.Referral.Credits)

	again, err := e.SettlePayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Nil(t, again.Referral, "a completed payout is not repeated")

	settle(t, e, 2, payment.KindSubscription, "pro", 350)

	inviter, err = e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(referral.DefaultBonusCredits), inviter.BonusCredits)

	buyer, err := e.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), buyer.SubscriptionPurchases)
}

func TestReferralDueOnlyWhenQualifying(t *testing.T) {
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))
	ensure(t, e, 3, nil)

	assert.False(t, settle(t, e, 3, payment.KindSubscription, "pro", 350).Payment.ReferralDue, "no inviter")
	assert.False(t, settle(t, e, 2, payment.KindTopUp, "10", 99).Payment.ReferralDue, "top-ups excluded")
	assert.True(t, settle(t, e, 2, payment.KindSubscription, "pro", 350).Payment.ReferralDue)
	assert.False(t, settle(t, e, 2, payment.KindSubscription, "pro", 350).Payment.ReferralDue, "not the first purchase")
}

func TestReferralPolicyMatrix(t *testing.T) {
	tests := []struct {
		name        string
		policy      referral.Policy
		purchases   []payment.Kind
		wantCredits int64
		wantBalance int64
	}{
		{
			name:        "first purchase flat",
			policy:      referral.Policy{Trigger: referral.TriggerFirstPurchase, Shape: referral.ShapeFlatBonus, BonusCredits: 30},
			purchases:   []payment.Kind{payment.KindSubscription, payment.KindSubscription},
			wantCredits: 30,
		},
		{
			name:        "every purchase flat",
			policy:      referral.Policy{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapeFlatBonus, BonusCredits: 30},
			purchases:   []payment.Kind{payment.KindSubscription, payment.KindSubscription, payment.KindTopUp},
			wantCredits: 60,
		},
		{
			name:        "every purchase percentage",
			policy:      referral.Policy{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapePercentage, Percent: 10},
			purchases:   []payment.Kind{payment.KindSubscription, payment.KindSubscription},
			wantBalance: 70,
		},
		{
			name:        "first purchase percentage",
			policy:      referral.Policy{Trigger: referral.TriggerFirstPurchase, Shape: referral.ShapePercentage, Percent: 20},
			purchases:   []payment.Kind{payment.KindSubscription, payment.KindSubscription},
			wantBalance: 70,
		},
		{
			name: "first purchase including top-ups",
			policy: referral.Policy{
				Trigger: referral.TriggerFirstPurchase, Shape: referral.ShapeFlatBonus,
				BonusCredits: 15, IncludeTopUps: true,
			},
			purchases:   []payment.Kind{payment.KindTopUp, payment.KindSubscription},
			wantCredits: 15,
		},
		{
			name: "every purchase including top-ups",
			policy: referral.Policy{
				Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapePercentage,
				Percent: 10, IncludeTopUps: true,
			},
			purchases:   []payment.Kind{payment.KindTopUp, payment.KindSubscription},
			wantBalance: 9 + 35,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, _ := newEngine(t, quota.WithReferralPolicy(tt.policy))
			ensure(t, e, 1, nil)
			ensure(t, e, 2, ptr(1))

			for _, kind := range tt.purchases {
				if kind == payment.KindSubscription {
					settle(t, e, 2, kind, "pro", 350)
				} else {
					settle(t, e, 2, kind, "10", 99)
				}
			}

			inviter, err := e.GetAccount(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCredits, inviter.BonusCredits)
			assert.Equal(t, tt.wantBalance, inviter.ReferralBalance)
		})
	}
}

func TestReferralPercentageRoundsToNothing(t *testing.T) {
	ctx := context.Background()
	policy := referral.Policy{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapePercentage, Percent: 10}
	e, _ := newEngine(t, quota.WithReferralPolicy(policy))
	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))

	res := settle(t, e, 2, payment.KindSubscription, "start", 5)
	assert.Nil(t, res.Referral)

	earnings, err := e.Store().ListEarnings(ctx, 1, referral.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, earnings)
}

func TestReferralMissingInviter(t *testing.T) {
	e, _ := newEngine(t)
	ensure(t, e, 2, ptr(999))

	res := settle(t, e, 2, payment.KindSubscription, "pro", 350)
	assert.False(t, res.AlreadySettled)
	assert.Nil(t, res.Referral)
}

func TestPayoutOnPurchaseOncePerPayment(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))

	res := settle(t, e, 2, payment.KindSubscription, "pro", 350)
	require.NotNil(t, res.Referral)

	again, err := e.PayoutOnPurchase(ctx, 2, res.Payment)
	require.NoError(t, err)
	assert.Nil(t, again)

	inviter, err := e.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), inviter.BonusCredits)

	// No inviter, nothing to pay.
	alone := settle(t, e, 3, payment.KindSubscription, "pro", 350)
	earning, err := e.PayoutOnPurchase(ctx, 3, alone.Payment)
	require.NoError(t, err)
	assert.Nil(t, earning)
}

func TestReferralSummary(t *testing.T) {
	ctx := context.Background()
	policy := referral.Policy{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapePercentage, Percent: 10}
	e, _ := newEngine(t, quota.WithReferralPolicy(policy))
	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))
	ensure(t, e, 3, ptr(1))

	settle(t, e, 2, payment.KindSubscription, "premium", 700)

	sum, err := e.ReferralSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Invited)
	assert.Equal(t, types.Stars(70), sum.Balance)
	require.Len(t, sum.Earnings, 1)
	assert.Equal(t, int64(2), sum.Earnings[0].FromUserID)
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

func TestAdminStats(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	ensure(t, e, 1, nil)
	settle(t, e, 2, payment.KindSubscription, "pro", 350)
	settle(t, e, 3, payment.KindTopUp, "10", 99)
	_, err := e.SettlePayment(ctx, payment.SettleRequest{
		UserID:  3,
		Payload: payment.NewPayload(payment.KindTopUp, "10"),
		Amount:  types.USD(199),
	})
	require.NoError(t, err)

	for range 3 {
		_, err := e.TryConsume(ctx, 2, t0)
		require.NoError(t, err)
	}
	require.NoError(t, e.Stop())

	stats, err := e.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalUsers)
	assert.Equal(t, int64(1), stats.ActiveSubscriptions)
	assert.Equal(t, int64(3), stats.TotalPayments)
	assert.Equal(t, types.Stars(449), stats.TotalRevenue)
	assert.Equal(t, int64(3), stats.RequestsToday)
}

func TestPurgeUsage(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, quota.WithUsageRetention(24*time.Hour))

	settle(t, e, 4, payment.KindTopUp, "10", quota.Stars(99).Amount)
	for _, at := range []time.Time{t0.Add(-48 * time.Hour), t0} {
		_, err := e.TryConsume(ctx, 4, at)
		require.NoError(t, err)
	}
	require.NoError(t, e.Stop())

	n, err := e.PurgeUsage(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := e.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RequestsToday)
	assert.Equal(t, quota.Sum("xtr", quota.Stars(99)), stats.TotalRevenue)
}

func TestReconfigure(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	ensure(t, e, 9, nil)

	res, err := e.TryConsume(ctx, 9, t0)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	settings := quota.DefaultSettings()
	settings.AdminIDs = []int64{9}
	require.NoError(t, e.Reconfigure(settings))

	res, err = e.TryConsume(ctx, 9, t0)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SourceAdmin, res.Source)

	bad := quota.DefaultSettings()
	bad.Referral.Shape = "lottery"
	assert.Error(t, e.Reconfigure(bad))
	assert.True(t, e.IsAdmin(9))
}

func TestReconfigureCatalog(t *testing.T) {
	e, _ := newEngine(t)

	settings := quota.DefaultSettings()
	settings.Catalog = plan.MustCatalog(
		[]plan.Plan{{Key: "gold", DailyAllowance: 500, Price: types.Stars(1000)}},
		nil,
	)
	require.NoError(t, e.Reconfigure(settings))

	res := settle(t, e, 1, payment.KindSubscription, "gold", 1000)
	assert.Equal(t, int64(500), res.Account.Subscription.DailyAllowance)
	assert.Equal(t, t0.AddDate(0, 0, plan.DefaultDurationDays), res.Account.Subscription.PeriodEnd)
}

// ──────────────────────────────────────────────────
// Plugins
// ──────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnAccountCreated(context.Context, *account.Account) error {
	r.add("account_created")
	return nil
}

func (r *recorder) OnPaymentSettled(context.Context, *payment.Payment) error {
	r.add("payment_settled")
	return nil
}

func (r *recorder) OnPaymentRejected(context.Context, payment.SettleRequest, error) error {
	r.add("payment_rejected")
	return nil
}

func (r *recorder) OnReferralPaid(context.Context, *referral.Earning) error {
	r.add("referral_paid")
	return nil
}

func (r *recorder) OnQuotaExhausted(context.Context, int64) error {
	r.add("quota_exhausted")
	return nil
}

func TestPluginHooks(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e, _ := newEngine(t, quota.WithPlugin(rec))

	ensure(t, e, 1, nil)
	ensure(t, e, 2, ptr(1))
	settle(t, e, 2, payment.KindSubscription, "pro", 350)
	_, err := e.SettlePayment(ctx, payment.SettleRequest{UserID: 2, Payload: "bogus"})
	require.Error(t, err)
	_, err = e.TryConsume(ctx, 1, t0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"account_created",
		"account_created",
		"payment_settled",
		"referral_paid",
		"payment_rejected",
		"quota_exhausted",
	}, rec.events)
}
