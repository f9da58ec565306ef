package subscription

import (
	"time"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/plan"
)

// Activate applies p to a as of now.
//
// A subscription still running past now is extended from its current end,
// so purchases stack. Otherwise the period starts at now. The new plan's
// allowance applies to the whole period, and the daily counter starts
// over.
func Activate(a *account.Account, p plan.Plan, now time.Time) {
	start, from := now, now
	if cur := a.Subscription; cur != nil && cur.PeriodEnd.After(now) {
		start, from = cur.PeriodStart, cur.PeriodEnd
	}

	a.Subscription = &account.Subscription{
		PlanKey:        p.Key,
		DailyAllowance: p.DailyAllowance,
		PeriodStart:    start.UTC(),
		PeriodEnd:      from.AddDate(0, 0, p.DurationDays).UTC(),
	}
	a.DailyUsed = 0
	a.LastResetDay = account.Day(now)
}
