// Package account defines the per-user balance record the engine mutates.
package account

import (
	"time"

	"github.com/xraph/quota/types"
)

// Mode is the input mode a user picked for their requests.
type Mode string

const (
	ModeAny   Mode = "any"
	ModeHW    Mode = "hw"
	ModePhoto Mode = "photo"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAny, ModeHW, ModePhoto:
		return true
	}
	return false
}

type Subscription struct {
	PlanKey        string    `json:"plan_key"`
	DailyAllowance int64     `json:"daily_allowance"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

// Active reports whether the subscription covers now. The end instant
// itself is still covered.
func (s *Subscription) Active(now time.Time) bool {
	return s != nil && !s.PeriodEnd.Before(now)
}

type Account struct {
	types.Entity
	UserID                int64         `json:"user_id"`
	IsAdmin               bool          `json:"is_admin"`
	ReferredBy            *int64        `json:"referred_by,omitempty"`
	Subscription          *Subscription `json:"subscription,omitempty"`
	DailyUsed             int64         `json:"daily_used"`
	LastResetDay          time.Time     `json:"last_reset_day"`
	BonusCredits          int64         `json:"bonus_credits"`
	ReferralBalance       int64         `json:"referral_balance"`
	SubscriptionPurchases int64         `json:"subscription_purchases"`
	TopUpPurchases        int64         `json:"topup_purchases"`
	Mode                  Mode          `json:"mode"`
	Version               int64         `json:"-"`
}

// New returns a fresh account for userID as of now.
func New(userID int64, now time.Time) *Account {
	return &Account{
		Entity:       types.NewEntity(now),
		UserID:       userID,
		LastResetDay: Day(now),
		Mode:         ModeAny,
	}
}

// Day truncates t to midnight of its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Clone returns a deep copy, so a mutation can be discarded on failure.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.ReferredBy != nil {
		ref := *a.ReferredBy
		c.ReferredBy = &ref
	}
	if a.Subscription != nil {
		sub := *a.Subscription
		c.Subscription = &sub
	}
	return &c
}

// Link sets the inviter once. It reports whether the link was written.
func (a *Account) Link(inviterID int64) bool {
	if a.ReferredBy != nil || inviterID == a.UserID || inviterID == 0 {
		return false
	}
	a.ReferredBy = &inviterID
	return true
}
