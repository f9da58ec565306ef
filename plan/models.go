// Package plan holds the purchasable catalog: subscription plans that
// grant a daily allowance for a number of days, and top-up packages that
// add non-expiring bonus credits.
package plan

import (
	"github.com/xraph/quota/types"
)

type Plan struct {
	Key            string      `json:"key" mapstructure:"key"`
	Title          string      `json:"title" mapstructure:"title"`
	DailyAllowance int64       `json:"daily_allowance" mapstructure:"daily_allowance"`
	DurationDays   int         `json:"duration_days" mapstructure:"duration_days"`
	Price          types.Money `json:"price" mapstructure:"-"`
}

type TopUp struct {
	Key     string      `json:"key" mapstructure:"key"`
	Title   string      `json:"title" mapstructure:"title"`
	Credits int64       `json:"credits" mapstructure:"credits"`
	Price   types.Money `json:"price" mapstructure:"-"`
}
