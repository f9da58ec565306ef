// Package plugin lets extensions observe quota events. A plugin
// implements Plugin plus any of the hook interfaces below; the registry
// discovers the hooks once at registration.
//
// Hooks run after the state change they describe has been committed.
// They cannot veto it, and a failing or slow hook is logged and skipped.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *quota.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

type OnAccountCreated interface {
	Plugin
	OnAccountCreated(ctx context.Context, a *account.Account) error
}

type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, userID, credits int64) error
}

type OnSubscriptionActivated interface {
	Plugin
	OnSubscriptionActivated(ctx context.Context, a *account.Account, p plan.Plan) error
}

// ──────────────────────────────────────────────────
// Consumption hooks
// ──────────────────────────────────────────────────

// OnConsumed is called for every granted unit.
type OnConsumed interface {
	Plugin
	OnConsumed(ctx context.Context, userID int64, result entitlement.Result) error
}

// OnQuotaExhausted is called when a request is denied.
type OnQuotaExhausted interface {
	Plugin
	OnQuotaExhausted(ctx context.Context, userID int64) error
}

// OnUsageFlushed is called after a batch of usage events reaches the store.
type OnUsageFlushed interface {
	Plugin
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Payment and referral hooks
// ──────────────────────────────────────────────────

type OnPaymentSettled interface {
	Plugin
	OnPaymentSettled(ctx context.Context, p *payment.Payment) error
}

// OnPaymentRejected is called when a settlement fails validation.
type OnPaymentRejected interface {
	Plugin
	OnPaymentRejected(ctx context.Context, req payment.SettleRequest, reason error) error
}

type OnReferralLinked interface {
	Plugin
	OnReferralLinked(ctx context.Context, userID, inviterID int64) error
}

type OnReferralPaid interface {
	Plugin
	OnReferralPaid(ctx context.Context, e *referral.Earning) error
}
