package plan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/xraph/quota/types"
)

// DefaultDurationDays is the period of a plan that does not set one.
const DefaultDurationDays = 30

// Catalog is an immutable set of plans and top-ups keyed by their Key.
type Catalog struct {
	plans  map[string]Plan
	topUps map[string]TopUp
}

// NewCatalog validates and indexes plans and top-ups.
func NewCatalog(plans []Plan, topUps []TopUp) (*Catalog, error) {
	c := &Catalog{
		plans:  make(map[string]Plan, len(plans)),
		topUps: make(map[string]TopUp, len(topUps)),
	}

	var errs []error
	for _, p := range plans {
		if p.DurationDays == 0 {
			p.DurationDays = DefaultDurationDays
		}
		switch {
		case p.Key == "":
			errs = append(errs, errors.New("plan: empty plan key"))
		case p.DailyAllowance <= 0:
			errs = append(errs, fmt.Errorf("plan %q: daily allowance must be positive", p.Key))
		case p.DurationDays < 0:
			errs = append(errs, fmt.Errorf("plan %q: negative duration", p.Key))
		}
		if _, dup := c.plans[p.Key]; dup {
			errs = append(errs, fmt.Errorf("plan %q: duplicate key", p.Key))
		}
		c.plans[p.Key] = p
	}
	for _, t := range topUps {
		switch {
		case t.Key == "":
			errs = append(errs, errors.New("plan: empty top-up key"))
		case t.Credits <= 0:
			errs = append(errs, fmt.Errorf("top-up %q: credits must be positive", t.Key))
		}
		if _, dup := c.topUps[t.Key]; dup {
			errs = append(errs, fmt.Errorf("top-up %q: duplicate key", t.Key))
		}
		c.topUps[t.Key] = t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// MustCatalog is like NewCatalog but panics on invalid input.
func MustCatalog(plans []Plan, topUps []TopUp) *Catalog {
	c, err := NewCatalog(plans, topUps)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog is the bot's Stars price list.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		[]Plan{
			{Key: "start", Title: "Start", DailyAllowance: 50, DurationDays: 30, Price: types.Stars(199)},
			{Key: "pro", Title: "Pro", DailyAllowance: 100, DurationDays: 30, Price: types.Stars(350)},
			{Key: "premium", Title: "Premium", DailyAllowance: 200, DurationDays: 30, Price: types.Stars(700)},
		},
		[]TopUp{
			{Key: "10", Title: "+10 requests", Credits: 10, Price: types.Stars(99)},
			{Key: "50", Title: "+50 requests", Credits: 50, Price: types.Stars(150)},
		},
	)
}

// Plan looks up a plan by key.
func (c *Catalog) Plan(key string) (Plan, bool) {
	p, ok := c.plans[key]
	return p, ok
}

// TopUp looks up a top-up package by key.
func (c *Catalog) TopUp(key string) (TopUp, bool) {
	t, ok := c.topUps[key]
	return t, ok
}

// Plans returns every plan ordered by daily allowance.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DailyAllowance != out[j].DailyAllowance {
			return out[i].DailyAllowance < out[j].DailyAllowance
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// TopUps returns every top-up ordered by credits.
func (c *Catalog) TopUps() []TopUp {
	out := make([]TopUp, 0, len(c.topUps))
	for _, t := range c.topUps {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits != out[j].Credits {
			return out[i].Credits < out[j].Credits
		}
		return out[i].Key < out[j].Key
	})
	return out
}
