// Package referral links invited users to their inviter and pays the
// inviter when an invited user buys something.
package referral

import (
	"time"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/types"
)

// Trigger selects which of the buyer's purchases pay the inviter.
type Trigger string

const (
	TriggerFirstPurchase Trigger = "first_purchase_only"
	TriggerEveryPurchase Trigger = "every_purchase"
)

// Shape selects what the inviter receives.
type Shape string

const (
	// ShapeFlatBonus adds a fixed number of bonus credits.
	ShapeFlatBonus Shape = "flat_bonus"
	// ShapePercentage adds a share of the payment to the inviter's
	// earnings balance, which is not spendable as credits.
	ShapePercentage Shape = "percentage"
)

type Earning struct {
	ID             id.EarningID `json:"id"`
	ReferrerID     int64        `json:"referrer_id"`
	FromUserID     int64        `json:"from_user_id"`
	PaymentPayload string       `json:"payment_payload"`
	Shape          Shape        `json:"shape"`
	Credits        int64        `json:"credits,omitempty"`
	Amount         types.Money  `json:"amount"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Purchase describes the buyer's settled purchase as seen by the policy.
type Purchase struct {
	Subscription bool
	Amount       types.Money
	// Prior counters exclude the purchase being paid out.
	PriorSubscriptions int64
	PriorTopUps        int64
}

type Summary struct {
	Invited  int64       `json:"invited"`
	Balance  types.Money `json:"balance"`
	Earnings []*Earning  `json:"earnings"`
}
