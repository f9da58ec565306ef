package referral_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/types"
)

func TestPolicyQualifies(t *testing.T) {
	first := referral.DefaultPolicy()
	every := referral.Policy{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapeFlatBonus, BonusCredits: 1}
	firstAny := first
	firstAny.IncludeTopUps = true

	tests := []struct {
		name     string
		policy   referral.Policy
		purchase referral.Purchase
		want     bool
	}{
		{"first subscription", first, referral.Purchase{Subscription: true}, true},
		{"second subscription", first, referral.Purchase{Subscription: true, PriorSubscriptions: 1}, false},
		{"top-up ignored by default", first, referral.Purchase{}, false},
		{"prior top-ups do not count", first, referral.Purchase{Subscription: true, PriorTopUps: 3}, true},
		{"every purchase repeats", every, referral.Purchase{Subscription: true, PriorSubscriptions: 4}, true},
		{"every purchase still skips top-ups", every, referral.Purchase{PriorTopUps: 1}, false},
		{"top-ups included, first of any kind", firstAny, referral.Purchase{}, true},
		{"top-ups included, prior top-up blocks", firstAny, referral.Purchase{Subscription: true, PriorTopUps: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Qualifies(tt.purchase))
		})
	}
}

func TestPolicyAward(t *testing.T) {
	credits, amount := referral.DefaultPolicy().Award(referral.Purchase{Amount: types.Stars(350)})
	assert.Equal(t, int64(30), credits)
	assert.True(t, amount.IsZero())

	pct := referral.Policy{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapePercentage, Percent: 10}
	credits, amount = pct.Award(referral.Purchase{Amount: types.Stars(350)})
	assert.Equal(t, int64(0), credits)
	assert.Equal(t, types.Stars(35), amount)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, referral.DefaultPolicy().Validate())

	tests := []referral.Policy{
		{Trigger: "sometimes", Shape: referral.ShapeFlatBonus, BonusCredits: 1},
		{Trigger: referral.TriggerEveryPurchase, Shape: "stock", BonusCredits: 1},
		{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapeFlatBonus},
		{Trigger: referral.TriggerEveryPurchase, Shape: referral.ShapePercentage, Percent: 101},
	}
	for _, p := range tests {
		assert.Error(t, p.Validate(), "%+v", p)
	}
}

func TestStartParam(t *testing.T) {
	assert.Equal(t, "ref_42", referral.StartParam(42))

	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"ref_42", 42, true},
		{"42", 42, true},
		{" ref_7 ", 7, true},
		{"ref_", 0, false},
		{"ref_-5", 0, false},
		{"promo", 0, false},
	}
	for _, tt := range tests {
		got, ok := referral.ParseStartParam(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
