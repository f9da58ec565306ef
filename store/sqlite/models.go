package sqlite

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/types"
)

// Instants are stored as Unix nanoseconds so range filters compare
// integers rather than formatted strings.

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:quota_accounts"`

	UserID                int64  `grove:"user_id,pk"`
	IsAdmin               bool   `grove:"is_admin"`
	ReferredBy            *int64 `grove:"referred_by"`
	PlanKey               string `grove:"plan_key"`
	DailyAllowance        int64  `grove:"daily_allowance"`
	PeriodStart           *int64 `grove:"period_start"`
	PeriodEnd             *int64 `grove:"period_end"`
	DailyUsed             int64  `grove:"daily_used"`
	LastResetDay          int64  `grove:"last_reset_day"`
	BonusCredits          int64  `grove:"bonus_credits"`
	ReferralBalance       int64  `grove:"referral_balance"`
	SubscriptionPurchases int64  `grove:"subscription_purchases"`
	TopUpPurchases        int64  `grove:"topup_purchases"`
	Mode                  string `grove:"mode"`
	Version               int64  `grove:"version"`
	CreatedAt             int64  `grove:"created_at"`
	UpdatedAt             int64  `grove:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	m := &accountModel{
		UserID:                a.UserID,
		IsAdmin:               a.IsAdmin,
		ReferredBy:            a.ReferredBy,
		DailyUsed:             a.DailyUsed,
		LastResetDay:          a.LastResetDay.UnixNano(),
		BonusCredits:          a.BonusCredits,
		ReferralBalance:       a.ReferralBalance,
		SubscriptionPurchases: a.SubscriptionPurchases,
		TopUpPurchases:        a.TopUpPurchases,
		Mode:                  string(a.Mode),
		Version:               a.Version,
		CreatedAt:             a.CreatedAt.UnixNano(),
		UpdatedAt:             a.UpdatedAt.UnixNano(),
	}
	if sub := a.Subscription; sub != nil {
		start, end := sub.PeriodStart.UnixNano(), sub.PeriodEnd.UnixNano()
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
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		UserID:                m.UserID,
		IsAdmin:               m.IsAdmin,
		ReferredBy:            m.ReferredBy,
		DailyUsed:             m.DailyUsed,
		LastResetDay:          fromNanos(m.LastResetDay),
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
			PeriodEnd:      fromNanos(*m.PeriodEnd),
		}
		if m.PeriodStart != nil {
			sub.PeriodStart = fromNanos(*m.PeriodStart)
		}
		a.Subscription = sub
	}
	return a
}

// ==================== Payment models ====================

type paymentModel struct {
	grove.BaseModel `grove:"table:quota_payments"`

	ID               string `grove:"id,pk"`
	Payload          string `grove:"payload"`
	UserID           int64  `grove:"user_id"`
	Kind             string `grove:"kind"`
	ProductKey       string `grove:"product_key"`
	Amount           int64  `grove:"amount"`
	Currency         string `grove:"currency"`
	TelegramChargeID string `grove:"telegram_charge_id"`
	ProviderChargeID string `grove:"provider_charge_id"`
	ReferralDue      bool   `grove:"referral_due"`
	CreatedAt        int64  `grove:"created_at"`
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
		CreatedAt:        p.CreatedAt.UnixNano(),
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
		CreatedAt:        fromNanos(m.CreatedAt),
	}, nil
}

// ==================== Referral models ====================

type earningModel struct {
	grove.BaseModel `grove:"table:quota_referral_earnings"`

	ID             string `grove:"id,pk"`
	PaymentPayload string `grove:"payment_payload"`
	ReferrerID     int64  `grove:"referrer_id"`
	FromUserID     int64  `grove:"from_user_id"`
	Shape          string `grove:"shape"`
	Credits        int64  `grove:"credits"`
	Amount         int64  `grove:"amount"`
	Currency       string `grove:"currency"`
	CreatedAt      int64  `grove:"created_at"`
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
		CreatedAt:      e.CreatedAt.UnixNano(),
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
		CreatedAt:      fromNanos(m.CreatedAt),
	}, nil
}

// ==================== Meter models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:quota_usage_events"`

	ID        string `grove:"id,pk"`
	UserID    int64  `grove:"user_id"`
	Source    string `grove:"source"`
	Timestamp int64  `grove:"timestamp"`
}

func toUsageEventModel(e *meter.UsageEvent) usageEventModel {
	return usageEventModel{
		ID:        e.ID.String(),
		UserID:    e.UserID,
		Source:    e.Source,
		Timestamp: e.Timestamp.UnixNano(),
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
