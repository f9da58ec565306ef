package referral

import (
	"context"

	"github.com/xraph/quota/account"
)

type Store interface {
	// RecordEarning inserts e unless an earning for the same payment
	// payload exists, and applies fn to the referrer's account in the
	// same atomic unit. recorded is false for a duplicate.
	RecordEarning(ctx context.Context, e *Earning, fn account.MutateFunc) (recorded bool, err error)
	ListEarnings(ctx context.Context, referrerID int64, opts ListOpts) ([]*Earning, error)
}

type ListOpts struct {
	Limit  int
	Offset int
}
