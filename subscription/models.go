// Package subscription turns a purchased plan into a time-boxed daily
// allowance on an account.
package subscription

import (
	"time"

	"github.com/xraph/quota/account"
)

type Status string

const (
	StatusNone    Status = "none"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// StatusOf reports the subscription status of a at now.
func StatusOf(a *account.Account, now time.Time) Status {
	switch {
	case a.Subscription == nil:
		return StatusNone
	case a.Subscription.Active(now):
		return StatusActive
	default:
		return StatusExpired
	}
}
