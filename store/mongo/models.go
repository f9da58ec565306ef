package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/grove"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/types"
)

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:quota_accounts"`

	UserID                int64      `grove:"id,pk"                  bson:"_id"`
	IsAdmin               bool       `grove:"is_admin"               bson:"is_admin"`
	ReferredBy            *int64     `grove:"referred_by"            bson:"referred_by,omitempty"`
	PlanKey               string     `grove:"plan_key"               bson:"plan_key"`
	DailyAllowance        int64      `grove:"daily_allowance"        bson:"daily_allowance"`
	PeriodStart           *time.Time `grove:"period_start"           bson:"period_start,omitempty"`
	PeriodEnd             *time.Time `grove:"period_end"             bson:"period_end,omitempty"`
	DailyUsed             int64      `grove:"daily_used"             bson:"daily_used"`
	LastResetDay          time.Time  `grove:"last_reset_day"         bson:"last_reset_day"`
	BonusCredits          int64      `grove:"bonus_credits"          bson:"bonus_credits"`
	ReferralBalance       int64      `grove:"referral_balance"       bson:"referral_balance"`
	SubscriptionPurchases int64      `grove:"subscription_purchases" bson:"subscription_purchases"`
	TopUpPurchases        int64      `grove:"topup_purchases"        bson:"topup_purchases"`
	Mode                  string     `grove:"mode"                   bson:"mode"`
	Version               int64      `grove:"version"                bson:"version"`
	CreatedAt             time.Time  `grove:"created_at"             bson:"created_at"`
	UpdatedAt             time.Time  `grove:"updated_at"             bson:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	m := &accountModel{
		UserID:                a.UserID,
		IsAdmin:               a.IsAdmin,
		ReferredBy:            a.ReferredBy,
		DailyUsed:             a.DailyUsed,
		LastResetDay:          a.LastResetDay.UTC(),
		BonusCredits:          a.BonusCredits,
		ReferralBalance:       a.ReferralBalance,
		SubscriptionPurchases: a.SubscriptionPurchases,
		TopUpPurchases:        a.TopUpPurchases,
		Mode:                  string(a.Mode),
		Version:               a.Version,
		CreatedAt:             a.CreatedAt.UTC(),
		UpdatedAt:             a.UpdatedAt.UTC(),
	}
	if sub := a.Subscription; sub != nil {
		start, end := sub.PeriodStart.UTC(), sub.PeriodEnd.UTC()
		m.PlanKey = sub.PlanKey
		m.DailyAllowance = sub.DailyAllowance
		m.PeriodStart = &start
		m.PeriodEnd = &end
	}
	return m
}

func fromAccountModel(m *accountModel) *account.Account {
	a := &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		UserID:                m.UserID,
		IsAdmin:               m.IsAdmin,
		ReferredBy:            m.ReferredBy,
		DailyUsed:             m.DailyUsed,
		LastResetDay:          m.LastResetDay.UTC(),
		BonusCredits:          m.BonusCredits,
		ReferralBalance:       m.ReferralBalance,
		SubscriptionPurchases: m.SubscriptionPurchases,
		TopUpPurchases:        m.TopUpPurchases,
		Mode:                  account.Mode(m.Mode),
		Version:               m.Version,
	}
	if m.PeriodEnd != nil {
		sub := &account.Subscription{
			PlanKey:        m.PlanKey,
			DailyAllowance: m.DailyAllowance,
			PeriodEnd:      m.PeriodEnd.UTC(),
		}
		if m.PeriodStart != nil {
			sub.PeriodStart = m.PeriodStart.UTC()
		}
		a.Subscription = sub
	}
	return a
}

// accountUpdate renders the full replacement $set for an account write.
// Subscription fields are unset when the account has none.
func accountUpdate(m *accountModel) bson.M {
	set := bson.M{
		"is_admin":               m.IsAdmin,
		"plan_key":               m.PlanKey,
		"daily_allowance":        m.DailyAllowance,
		"daily_used":             m.DailyUsed,
		"last_reset_day":         m.LastResetDay,
		"bonus_credits":          m.BonusCredits,
		"referral_balance":       m.ReferralBalance,
		"subscription_purchases": m.SubscriptionPurchases,
		"topup_purchases":        m.TopUpPurchases,
		"mode":                   m.Mode,
		"version":                m.Version,
		"updated_at":             m.UpdatedAt,
	}
	unset := bson.M{}
	if m.ReferredBy != nil {
		set["referred_by"] = *m.ReferredBy
	} else {
		unset["referred_by"] = ""
	}
	if m.PeriodEnd != nil {
		set["period_start"] = *m.PeriodStart
		set["period_end"] = *m.PeriodEnd
	} else {
		unset["period_start"] = ""
		unset["period_end"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// ==================== Payment models ====================

type paymentModel struct {
	grove.BaseModel `grove:"table:quota_payments"`

	ID               string    `grove:"id,pk"              bson:"_id"`
	Payload          string    `grove:"payload"            bson:"payload"`
	UserID           int64     `grove:"user_id"            bson:"user_id"`
	Kind             string    `grove:"kind"               bson:"kind"`
	ProductKey       string    `grove:"product_key"        bson:"product_key"`
	Amount           int64     `grove:"amount"             bson:"amount"`
	Currency         string    `grove:"currency"           bson:"currency"`
	TelegramChargeID string    `grove:"telegram_charge_id" bson:"telegram_charge_id"`
	ProviderChargeID string    `grove:"provider_charge_id" bson:"provider_charge_id"`
	ReferralDue      bool      `grove:"referral_due"       bson:"referral_due"`
	CreatedAt        time.Time `grove:"created_at"         bson:"created_at"`
}

func toPaymentModel(p *payment.Payment) *paymentModel {
	return &paymentModel{
		ID:               p.ID.String(),
		Payload:          p.Payload,
		UserID:           p.UserID,
		Kind:             string(p.Kind),
		ProductKey:       p.ProductKey,
		Amount:           p.Amount.Amount,
		Currency:         p.Amount.Currency,
		TelegramChargeID: p.TelegramChargeID,
		ProviderChargeID: p.ProviderChargeID,
		ReferralDue:      p.ReferralDue,
		CreatedAt:        p.CreatedAt.UTC(),
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Payment, error) {
	paymentID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, err
	}
	return &payment.Payment{
		ID:               paymentID,
		UserID:           m.UserID,
		Payload:          m.Payload,
		Kind:             payment.Kind(m.Kind),
		ProductKey:       m.ProductKey,
		Amount:           types.Money{Amount: m.Amount, Currency: m.Currency},
		TelegramChargeID: m.TelegramChargeID,
		ProviderChargeID: m.ProviderChargeID,
		ReferralDue:      m.ReferralDue,
		CreatedAt:        m.CreatedAt.UTC(),
	}, nil
}

// ==================== Referral models ====================

type earningModel struct {
	grove.BaseModel `grove:"table:quota_referral_earnings"`

	ID             string    `grove:"id,pk"           bson:"_id"`
	PaymentPayload string    `grove:"payment_payload" bson:"payment_payload"`
	ReferrerID     int64     `grove:"referrer_id"     bson:"referrer_id"`
	FromUserID     int64     `grove:"from_user_id"    bson:"from_user_id"`
	Shape          string    `grove:"shape"           bson:"shape"`
	Credits        int64     `grove:"credits"         bson:"credits"`
	Amount         int64     `grove:"amount"          bson:"amount"`
	Currency       string    `grove:"currency"        bson:"currency"`
	CreatedAt      time.Time `grove:"created_at"      bson:"created_at"`
}

func toEarningModel(e *referral.Earning) *earningModel {
	return &earningModel{
		ID:             e.ID.String(),
		PaymentPayload: e.PaymentPayload,
		ReferrerID:     e.ReferrerID,
		FromUserID:     e.FromUserID,
		Shape:          string(e.Shape),
		Credits:        e.Credits,
		Amount:         e.Amount.Amount,
		Currency:       e.Amount.Currency,
		CreatedAt:      e.CreatedAt.UTC(),
	}
}

func fromEarningModel(m *earningModel) (*referral.Earning, error) {
	earningID, err := id.ParseEarningID(m.ID)
	if err != nil {
		return nil, err
	}
	return &referral.Earning{
		ID:             earningID,
		ReferrerID:     m.ReferrerID,
		FromUserID:     m.FromUserID,
		PaymentPayload: m.PaymentPayload,
		Shape:          referral.Shape(m.Shape),
		Credits:        m.Credits,
		Amount:         types.Money{Amount: m.Amount, Currency: m.Currency},
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// ==================== Meter models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:quota_usage_events"`

	ID        string    `grove:"id,pk"     bson:"_id"`
	UserID    int64     `grove:"user_id"   bson:"user_id"`
	Source    string    `grove:"source"    bson:"source"`
	Timestamp time.Time `grove:"timestamp" bson:"timestamp"`
}

func toUsageEventModel(e *meter.UsageEvent) usageEventModel {
	return usageEventModel{
		ID:        e.ID.String(),
		UserID:    e.UserID,
		Source:    e.Source,
		Timestamp: e.Timestamp.UTC(),
	}
}
