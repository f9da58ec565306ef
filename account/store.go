package account

import (
	"context"
	"time"
)

// MutateFunc edits an account in place inside a store's atomic
// read-modify-write. Returning an error discards every change.
type MutateFunc func(a *Account) error

type Store interface {
	// CreateAccount inserts a if no account with the same UserID exists.
	// It returns the stored account and whether this call created it.
	CreateAccount(ctx context.Context, a *Account) (*Account, bool, error)
	GetAccount(ctx context.Context, userID int64) (*Account, error)
	// UpdateAccount applies fn with at most one writer per user at a time.
	UpdateAccount(ctx context.Context, userID int64, fn MutateFunc) (*Account, error)
	CountAccounts(ctx context.Context) (int64, error)
	CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error)
	CountReferrals(ctx context.Context, referrerID int64) (int64, error)
}
