package plan

import (
	"errors"
	"fmt"

	"github.com/xraph/quota/types"
)

// PlanSpec is the configured form of a plan. Its key is the map key it
// is configured under.
type PlanSpec struct {
	Title          string `json:"title,omitempty" mapstructure:"title" yaml:"title"`
	DailyAllowance int64  `json:"daily_allowance" mapstructure:"daily_allowance" yaml:"daily_allowance"`
	DurationDays   int    `json:"duration_days,omitempty" mapstructure:"duration_days" yaml:"duration_days"`
	Price          int64  `json:"price" mapstructure:"price" yaml:"price"` // Stars
}

// TopUpSpec is the configured form of a top-up package.
type TopUpSpec struct {
	Title   string `json:"title,omitempty" mapstructure:"title" yaml:"title"`
	Credits int64  `json:"credits" mapstructure:"credits" yaml:"credits"`
	Price   int64  `json:"price" mapstructure:"price" yaml:"price"` // Stars
}

// FromConfig builds a catalog from configured plans and top-ups. When
// both are empty the default catalog is returned.
func FromConfig(plans map[string]PlanSpec, topUps map[string]TopUpSpec) (*Catalog, error) {
	if len(plans) == 0 && len(topUps) == 0 {
		return DefaultCatalog(), nil
	}

	var errs []error
	ps := make([]Plan, 0, len(plans))
	for key, s := range plans {
		if s.Price <= 0 {
			errs = append(errs, fmt.Errorf("plan %q: price must be positive", key))
		}
		ps = append(ps, Plan{
			Key:            key,
			Title:          titleOr(s.Title, key),
			DailyAllowance: s.DailyAllowance,
			DurationDays:   s.DurationDays,
			Price:          types.Stars(s.Price),
		})
	}
	ts := make([]TopUp, 0, len(topUps))
	for key, s := range topUps {
		if s.Price <= 0 {
			errs = append(errs, fmt.Errorf("top-up %q: price must be positive", key))
		}
		ts = append(ts, TopUp{
			Key:     key,
			Title:   titleOr(s.Title, key),
			Credits: s.Credits,
			Price:   types.Stars(s.Price),
		})
	}

	c, err := NewCatalog(ps, ts)
	if err := errors.Join(append(errs, err)...); err != nil {
		return nil, err
	}
	return c, nil
}

func titleOr(title, key string) string {
	if title == "" {
		return key
	}
	return title
}
