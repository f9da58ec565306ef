package entitlement

import (
	"time"

	"github.com/xraph/quota/account"
)

// ResetIfStale zeroes the daily counter when the last reset happened on
// an earlier UTC date than now. It reports whether a reset happened.
func ResetIfStale(a *account.Account, now time.Time) bool {
	today := account.Day(now)
	if a.LastResetDay.Equal(today) {
		return false
	}
	a.DailyUsed = 0
	a.LastResetDay = today
	return true
}

// Consume debits one unit from a, preferring the subscription allowance
// over bonus credits. Exactly one counter changes when the result is
// granted. Admin bypass is decided by the caller, not here.
func Consume(a *account.Account, now time.Time) Result {
	ResetIfStale(a, now)

	if sub := a.Subscription; sub.Active(now) && a.DailyUsed < sub.DailyAllowance {
		a.DailyUsed++
		return Result{Granted: true, Source: SourceSubscription}
	}
	if a.BonusCredits > 0 {
		a.BonusCredits--
		return Result{Granted: true, Source: SourceBonus}
	}
	return Denied
}

// Available reports the balances of a as of now without modifying it.
func Available(a *account.Account, now time.Time) Availability {
	view := a.Clone()
	ResetIfStale(view, now)

	av := Availability{BonusCredits: view.BonusCredits}
	if sub := view.Subscription; sub != nil {
		av.Plan = sub.PlanKey
		end := sub.PeriodEnd
		av.PeriodEnd = &end
	}
	if sub := view.Subscription; sub.Active(now) {
		av.SubscriptionActive = true
		av.DailyAllowance = sub.DailyAllowance
		av.DailyUsed = view.DailyUsed
		av.DailyRemaining = max(sub.DailyAllowance-view.DailyUsed, 0)
	}
	av.Total = av.DailyRemaining + av.BonusCredits
	return av
}

// Unlimited is the availability reported for admins.
func Unlimited(a *account.Account, now time.Time) Availability {
	av := Available(a, now)
	av.Unlimited = true
	av.Total = -1
	return av
}
