package payment

import (
	"context"

	"github.com/xraph/quota/account"
)

type Store interface {
	// SettlePayment inserts p unless a payment with the same payload
	// already exists, and applies fn to the buyer's account in the same
	// atomic unit. settled is false for a duplicate, in which case
	// nothing was written.
	SettlePayment(ctx context.Context, p *Payment, fn account.MutateFunc) (settled bool, acct *account.Account, err error)
	GetPayment(ctx context.Context, payload string) (*Payment, error)
	ListPayments(ctx context.Context, userID int64, opts ListOpts) ([]*Payment, error)
	PaymentTotals(ctx context.Context) (*Totals, error)
}

type ListOpts struct {
	Limit  int
	Offset int
}
