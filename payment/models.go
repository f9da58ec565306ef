// Package payment models settled in-app currency payments. Payments are
// append-only and unique by their invoice payload, which is the
// idempotency key of a settlement.
package payment

import (
	"time"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/types"
)

type Kind string

const (
	KindSubscription Kind = "subscription"
	KindTopUp        Kind = "topup"
)

type Payment struct {
	ID               id.PaymentID `json:"id"`
	UserID           int64        `json:"user_id"`
	Payload          string       `json:"payload"`
	Kind             Kind         `json:"kind"`
	ProductKey       string       `json:"product_key"`
	Amount           types.Money  `json:"amount"`
	TelegramChargeID string       `json:"telegram_charge_id,omitempty"`
	ProviderChargeID string       `json:"provider_charge_id,omitempty"`
	ReferralDue      bool         `json:"referral_due,omitempty"` // the buyer's inviter is owed a payout
	CreatedAt        time.Time    `json:"created_at"`
}

// SettleRequest is a successful-payment notification from the transport.
// Kind may be left empty, in which case the payload decides it.
type SettleRequest struct {
	UserID           int64       `json:"user_id"`
	Payload          string      `json:"payload"`
	Kind             Kind        `json:"kind,omitempty"`
	Amount           types.Money `json:"amount"`
	TelegramChargeID string      `json:"telegram_charge_id,omitempty"`
	ProviderChargeID string      `json:"provider_charge_id,omitempty"`
}

type SettleResult struct {
	AlreadySettled bool              `json:"already_settled"`
	Payment        *Payment          `json:"payment,omitempty"`
	Account        *account.Account  `json:"account,omitempty"`
	Referral       *referral.Earning `json:"referral,omitempty"`
}

type Totals struct {
	Count   int64       `json:"count"`
	Revenue types.Money `json:"revenue"`
}
