package referral

import (
	"errors"
	"fmt"

	"github.com/xraph/quota/types"
)

// Defaults observed in production.
const (
	DefaultBonusCredits = 30
	DefaultPercent      = 10
)

type Policy struct {
	Trigger       Trigger `json:"trigger" mapstructure:"trigger"`
	Shape         Shape   `json:"shape" mapstructure:"shape"`
	BonusCredits  int64   `json:"bonus_credits" mapstructure:"bonus_credits"`
	Percent       int64   `json:"percent" mapstructure:"percent"`
	IncludeTopUps bool    `json:"include_topups" mapstructure:"include_topups"`
}

// DefaultPolicy pays 30 bonus credits on the invitee's first subscription.
func DefaultPolicy() Policy {
	return Policy{
		Trigger:      TriggerFirstPurchase,
		Shape:        ShapeFlatBonus,
		BonusCredits: DefaultBonusCredits,
		Percent:      DefaultPercent,
	}
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	var errs []error
	switch p.Trigger {
	case TriggerFirstPurchase, TriggerEveryPurchase:
	default:
		errs = append(errs, fmt.Errorf("referral: unknown trigger %q", p.Trigger))
	}
	switch p.Shape {
	case ShapeFlatBonus:
		if p.BonusCredits <= 0 {
			errs = append(errs, errors.New("referral: bonus_credits must be positive"))
		}
	case ShapePercentage:
		if p.Percent <= 0 || p.Percent > 100 {
			errs = append(errs, fmt.Errorf("referral: percent %d out of range (0,100]", p.Percent))
		}
	default:
		errs = append(errs, fmt.Errorf("referral: unknown shape %q", p.Shape))
	}
	return errors.Join(errs...)
}

// Qualifies reports whether purchase pays the inviter.
func (p Policy) Qualifies(purchase Purchase) bool {
	if !purchase.Subscription && !p.IncludeTopUps {
		return false
	}
	if p.Trigger == TriggerEveryPurchase {
		return true
	}
	prior := purchase.PriorSubscriptions
	if p.IncludeTopUps {
		prior += purchase.PriorTopUps
	}
	return prior == 0
}

// Award computes the inviter's earning for purchase. Both fields are
// zero when the percentage rounds down to nothing.
func (p Policy) Award(purchase Purchase) (credits int64, amount types.Money) {
	if p.Shape == ShapePercentage {
		return 0, purchase.Amount.Percent(p.Percent)
	}
	return p.BonusCredits, types.Zero(purchase.Amount.Currency)
}
