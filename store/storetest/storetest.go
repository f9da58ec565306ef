// Package storetest is the behavioral contract every quota store backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/account"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/types"
)

// Factory returns an empty, migrated store. Run closes it when the
// subtest ends.
type Factory func(t *testing.T) store.Store

// base is a fixed instant with whole-second precision, which every
// backend stores without loss.
var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var errAbort = errors.New("abort")

// Run executes the contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAccountOnce", testCreateAccountOnce},
		{"GetAccountMissing", testGetAccountMissing},
		{"UpdateAccountRoundTrip", testUpdateAccountRoundTrip},
		{"UpdateAccountAbortLeavesNoTrace", testUpdateAccountAbort},
		{"UpdateAccountSerializes", testUpdateAccountSerializes},
		{"Counts", testCounts},
		{"SettlePaymentOnce", testSettlePaymentOnce},
		{"SettlePaymentAbortReleasesPayload", testSettlePaymentAbort},
		{"ListPaymentsNewestFirst", testListPayments},
		{"PaymentTotals", testPaymentTotals},
		{"RecordEarningOnce", testRecordEarningOnce},
		{"UsageEvents", testUsageEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newAccount(t *testing.T, s store.Store, userID int64) *account.Account {
	t.Helper()
	a, created, err := s.CreateAccount(context.Background(), account.New(userID, base))
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func newPayment(userID int64, key string, amount types.Money, at time.Time) *payment.Payment {
	return &payment.Payment{
		ID:         id.NewPaymentID(),
		UserID:     userID,
		Payload:    payment.NewPayload(payment.KindTopUp, key),
		Kind:       payment.KindTopUp,
		ProductKey: key,
		Amount:     amount,
		CreatedAt:  at,
	}
}

func addCredits(n int64) account.MutateFunc {
	return func(a *account.Account) error {
		a.BonusCredits += n
		return nil
	}
}

func testCreateAccountOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := newAccount(t, s, 100)
	assert.Equal(t, int64(100), first.UserID)

	again := account.New(100, base.Add(time.Hour))
	inviter := int64(7)
	again.ReferredBy = &inviter
	got, created, err := s.CreateAccount(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, got.ReferredBy, "first write wins")
}

func testGetAccountMissing(t *testing.T, s store.Store) {
	_, err := s.GetAccount(context.Background(), 404)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)

	_, err = s.UpdateAccount(context.Background(), 404, addCredits(1))
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func testUpdateAccountRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)

	inviter := int64(2)
	_, err := s.UpdateAccount(ctx, 1, func(a *account.Account) error {
		a.ReferredBy = &inviter
		a.Subscription = &account.Subscription{
			PlanKey:        "pro",
			DailyAllowance: 100,
			PeriodStart:    base,
			PeriodEnd:      base.AddDate(0, 0, 30),
		}
		a.DailyUsed = 3
		a.BonusCredits = 40
		a.ReferralBalance = 12
		a.SubscriptionPurchases = 1
		a.Mode = account.ModePhoto
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got.ReferredBy)
	assert.Equal(t, inviter, *got.ReferredBy)
	require.NotNil(t, got.Subscription)
	assert.Equal(t, "pro", got.Subscription.PlanKey)
	assert.Equal(t, int64(100), got.Subscription.DailyAllowance)
	assert.True(t, got.Subscription.PeriodEnd.Equal(base.AddDate(0, 0, 30)))
	assert.Equal(t, int64(3), got.DailyUsed)
	assert.Equal(t, int64(40), got.BonusCredits)
	assert.Equal(t, int64(12), got.ReferralBalance)
	assert.Equal(t, int64(1), got.SubscriptionPurchases)
	assert.Equal(t, account.ModePhoto, got.Mode)
	assert.True(t, got.LastResetDay.Equal(account.Day(base)))
}

func testUpdateAccountAbort(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)

	_, err := s.UpdateAccount(ctx, 1, func(a *account.Account) error {
		a.BonusCredits = 999
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	got, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, got.BonusCredits)
}

func testUpdateAccountSerializes(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				for {
					_, err := s.UpdateAccount(ctx, 1, addCredits(1))
					if errors.Is(err, quota.ErrConflict) {
						continue
					}
					assert.NoError(t, err)
					break
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), got.BonusCredits)
}

func testCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)
	newAccount(t, s, 2)
	newAccount(t, s, 3)

	inviter := int64(1)
	for _, uid := range []int64{2, 3} {
		_, err := s.UpdateAccount(ctx, uid, func(a *account.Account) error {
			a.ReferredBy = &inviter
			return nil
		})
		require.NoError(t, err)
	}
	_, err := s.UpdateAccount(ctx, 2, func(a *account.Account) error {
		a.Subscription = &account.Subscription{PlanKey: "lite", DailyAllowance: 10, PeriodStart: base, PeriodEnd: base.Add(time.Hour)}
		return nil
	})
	require.NoError(t, err)

	n, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.CountReferrals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountActiveSubscriptions(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountActiveSubscriptions(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testSettlePaymentOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)
	p := newPayment(1, "pack_10", types.Stars(50), base)
	p.ReferralDue = true

	settled, a, err := s.SettlePayment(ctx, p, addCredits(10))
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, int64(10), a.BonusCredits)

	dup := newPayment(1, "pack_10", types.Stars(50), base)
	dup.Payload = p.Payload
	settled, _, err = s.SettlePayment(ctx, dup, addCredits(10))
	require.NoError(t, err)
	assert.False(t, settled)

	got, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.BonusCredits)

	stored, err := s.GetPayment(ctx, p.Payload)
	require.NoError(t, err)
	assert.Equal(t, p.ID.String(), stored.ID.String())
	assert.Equal(t, types.Stars(50), stored.Amount)
	assert.True(t, stored.ReferralDue)

	_, err = s.GetPayment(ctx, "topup:none:0")
	assert.ErrorIs(t, err, quota.ErrPaymentNotFound)
}

func testSettlePaymentAbort(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)
	p := newPayment(1, "pack_10", types.Stars(50), base)

	settled, _, err := s.SettlePayment(ctx, p, func(*account.Account) error { return errAbort })
	require.ErrorIs(t, err, errAbort)
	assert.False(t, settled)

	_, err = s.GetPayment(ctx, p.Payload)
	assert.ErrorIs(t, err, quota.ErrPaymentNotFound)

	settled, _, err = s.SettlePayment(ctx, p, addCredits(10))
	require.NoError(t, err)
	assert.True(t, settled)
}

func testListPayments(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)
	newAccount(t, s, 2)

	var payloads []string
	for i := range 3 {
		p := newPayment(1, "pack_10", types.Stars(50), base.Add(time.Duration(i)*time.Minute))
		_, _, err := s.SettlePayment(ctx, p, addCredits(1))
		require.NoError(t, err)
		payloads = append(payloads, p.Payload)
	}
	_, _, err := s.SettlePayment(ctx, newPayment(2, "pack_10", types.Stars(50), base), addCredits(1))
	require.NoError(t, err)

	all, err := s.ListPayments(ctx, 1, payment.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, payloads[2], all[0].Payload)
	assert.Equal(t, payloads[0], all[2].Payload)

	page, err := s.ListPayments(ctx, 1, payment.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, payloads[1], page[0].Payload)
}

func testPaymentTotals(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)

	_, _, err := s.SettlePayment(ctx, newPayment(1, "pack_10", types.Stars(50), base), addCredits(1))
	require.NoError(t, err)
	_, _, err = s.SettlePayment(ctx, newPayment(1, "pack_50", types.Stars(200), base), addCredits(1))
	require.NoError(t, err)
	_, _, err = s.SettlePayment(ctx, newPayment(1, "pack_50", types.USD(499), base), addCredits(1))
	require.NoError(t, err)

	totals, err := s.PaymentTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Count)
	assert.Equal(t, types.Stars(250), totals.Revenue)
}

func testRecordEarningOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	newAccount(t, s, 1)

	e := &referral.Earning{
		ID:             id.NewEarningID(),
		ReferrerID:     1,
		FromUserID:     2,
		PaymentPayload: payment.NewPayload(payment.KindSubscription, "pro"),
		Shape:          referral.ShapeFlatBonus,
		Credits:        30,
		Amount:         types.Zero(types.CurrencyXTR),
		CreatedAt:      base,
	}
	recorded, err := s.RecordEarning(ctx, e, addCredits(30))
	require.NoError(t, err)
	assert.True(t, recorded)

	again := *e
	again.ID = id.NewEarningID()
	recorded, err = s.RecordEarning(ctx, &again, addCredits(30))
	require.NoError(t, err)
	assert.False(t, recorded)

	got, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.BonusCredits)

	list, err := s.ListEarnings(ctx, 1, referral.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].FromUserID)
	assert.Equal(t, referral.ShapeFlatBonus, list[0].Shape)

	_, err = s.RecordEarning(ctx, &referral.Earning{
		ID:             id.NewEarningID(),
		ReferrerID:     404,
		PaymentPayload: payment.NewPayload(payment.KindTopUp, "pack_10"),
		Shape:          referral.ShapeFlatBonus,
		CreatedAt:      base,
	}, addCredits(1))
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func testUsageEvents(t *testing.T, s store.Store) {
	ctx := context.Background()

	events := make([]*meter.UsageEvent, 0, 4)
	for i := range 4 {
		events = append(events, &meter.UsageEvent{
			ID:        id.NewUsageEventID(),
			UserID:    1,
			Source:    "allowance",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, s.IngestBatch(ctx, events))
	require.NoError(t, s.IngestBatch(ctx, nil))

	n, err := s.CountUsage(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	purged, err := s.PurgeUsage(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	n, err = s.CountUsage(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
