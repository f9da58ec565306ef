// Package entitlement decides admission for a single request against an
// account snapshot. Every function here is pure: callers run them inside
// the store's atomic mutation and persist whatever they changed.
package entitlement

import "time"

// Source names the balance a granted unit was debited from.
type Source string

const (
	SourceAdmin        Source = "admin"
	SourceSubscription Source = "subscription"
	SourceBonus        Source = "bonus"
)

type Result struct {
	Granted bool   `json:"granted"`
	Source  Source `json:"source,omitempty"`
}

// Denied is the outcome when no balance can cover the request.
var Denied = Result{}

type Availability struct {
	Unlimited          bool       `json:"unlimited"`
	SubscriptionActive bool       `json:"subscription_active"`
	Plan               string     `json:"plan,omitempty"`
	PeriodEnd          *time.Time `json:"period_end,omitempty"`
	DailyAllowance     int64      `json:"daily_allowance"`
	DailyUsed          int64      `json:"daily_used"`
	DailyRemaining     int64      `json:"daily_remaining"`
	BonusCredits       int64      `json:"bonus_credits"`
	// Total is -1 when Unlimited.
	Total int64 `json:"total"`
}
