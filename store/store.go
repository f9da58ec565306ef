// Package store declares the unified persistence contract every quota
// backend implements.
package store

import (
	"context"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
)

// Store is the unified storage interface for all quota records.
//
// Account mutations, payment settlement and referral payouts must each
// run as one atomic unit per account: a failed or rejected mutation
// leaves nothing behind.
type Store interface {
	account.Store
	payment.Store
	referral.Store
	meter.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
