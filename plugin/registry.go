package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages registered plugins and dispatches events to the ones
// implementing each hook.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for dispatch
	onInit                  []OnInit
	onShutdown              []OnShutdown
	onAccountCreated        []OnAccountCreated
	onCreditsGranted        []OnCreditsGranted
	onSubscriptionActivated []OnSubscriptionActivated
	onConsumed              []OnConsumed
	onQuotaExhausted        []OnQuotaExhausted
	onUsageFlushed          []OnUsageFlushed
	onPaymentSettled        []OnPaymentSettled
	onPaymentRejected       []OnPaymentRejected
	onReferralLinked        []OnReferralLinked
	onReferralPaid          []OnReferralPaid
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}
	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnAccountCreated); ok {
		r.onAccountCreated = append(r.onAccountCreated, v)
		hooks = append(hooks, "OnAccountCreated")
	}
	if v, ok := p.(OnCreditsGranted); ok {
		r.onCreditsGranted = append(r.onCreditsGranted, v)
		hooks = append(hooks, "OnCreditsGranted")
	}
	if v, ok := p.(OnSubscriptionActivated); ok {
		r.onSubscriptionActivated = append(r.onSubscriptionActivated, v)
		hooks = append(hooks, "OnSubscriptionActivated")
	}
	if v, ok := p.(OnConsumed); ok {
		r.onConsumed = append(r.onConsumed, v)
		hooks = append(hooks, "OnConsumed")
	}
	if v, ok := p.(OnQuotaExhausted); ok {
		r.onQuotaExhausted = append(r.onQuotaExhausted, v)
		hooks = append(hooks, "OnQuotaExhausted")
	}
	if v, ok := p.(OnUsageFlushed); ok {
		r.onUsageFlushed = append(r.onUsageFlushed, v)
		hooks = append(hooks, "OnUsageFlushed")
	}
	if v, ok := p.(OnPaymentSettled); ok {
		r.onPaymentSettled = append(r.onPaymentSettled, v)
		hooks = append(hooks, "OnPaymentSettled")
	}
	if v, ok := p.(OnPaymentRejected); ok {
		r.onPaymentRejected = append(r.onPaymentRejected, v)
		hooks = append(hooks, "OnPaymentRejected")
	}
	if v, ok := p.(OnReferralLinked); ok {
		r.onReferralLinked = append(r.onReferralLinked, v)
		hooks = append(hooks, "OnReferralLinked")
	}
	if v, ok := p.(OnReferralPaid); ok {
		r.onReferralPaid = append(r.onReferralPaid, v)
		hooks = append(hooks, "OnReferralPaid")
	}

	r.logger.Debug("plugin registered",
		"plugin", p.Name(),
		"hooks", hooks,
	)
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitAccountCreated(ctx context.Context, a *account.Account) {
	emit(ctx, r, "OnAccountCreated", &r.onAccountCreated, func(p OnAccountCreated) error {
		return p.OnAccountCreated(ctx, a)
	})
}

func (r *Registry) EmitCreditsGranted(ctx context.Context, userID, credits int64) {
	emit(ctx, r, "OnCreditsGranted", &r.onCreditsGranted, func(p OnCreditsGranted) error {
		return p.OnCreditsGranted(ctx, userID, credits)
	})
}

func (r *Registry) EmitSubscriptionActivated(ctx context.Context, a *account.Account, pl plan.Plan) {
	emit(ctx, r, "OnSubscriptionActivated", &r.onSubscriptionActivated, func(p OnSubscriptionActivated) error {
		return p.OnSubscriptionActivated(ctx, a, pl)
	})
}

func (r *Registry) EmitConsumed(ctx context.Context, userID int64, result entitlement.Result) {
	emit(ctx, r, "OnConsumed", &r.onConsumed, func(p OnConsumed) error {
		return p.OnConsumed(ctx, userID, result)
	})
}

func (r *Registry) EmitQuotaExhausted(ctx context.Context, userID int64) {
	emit(ctx, r, "OnQuotaExhausted", &r.onQuotaExhausted, func(p OnQuotaExhausted) error {
		return p.OnQuotaExhausted(ctx, userID)
	})
}

func (r *Registry) EmitUsageFlushed(ctx context.Context, count int, elapsed time.Duration) {
	emit(ctx, r, "OnUsageFlushed", &r.onUsageFlushed, func(p OnUsageFlushed) error {
		return p.OnUsageFlushed(ctx, count, elapsed)
	})
}

func (r *Registry) EmitPaymentSettled(ctx context.Context, pay *payment.Payment) {
	emit(ctx, r, "OnPaymentSettled", &r.onPaymentSettled, func(p OnPaymentSettled) error {
		return p.OnPaymentSettled(ctx, pay)
	})
}

func (r *Registry) EmitPaymentRejected(ctx context.Context, req payment.SettleRequest, reason error) {
	emit(ctx, r, "OnPaymentRejected", &r.onPaymentRejected, func(p OnPaymentRejected) error {
		return p.OnPaymentRejected(ctx, req, reason)
	})
}

func (r *Registry) EmitReferralLinked(ctx context.Context, userID, inviterID int64) {
	emit(ctx, r, "OnReferralLinked", &r.onReferralLinked, func(p OnReferralLinked) error {
		return p.OnReferralLinked(ctx, userID, inviterID)
	})
}

func (r *Registry) EmitReferralPaid(ctx context.Context, e *referral.Earning) {
	emit(ctx, r, "OnReferralPaid", &r.onReferralPaid, func(p OnReferralPaid) error {
		return p.OnReferralPaid(ctx, e)
	})
}

// emit calls hook on every plugin in list, logging failures.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list *[]T, call func(T) error) {
	r.mu.RLock()
	plugins := *list
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return call(p) }); err != nil {
			r.logger.Warn("plugin hook failed",
				"plugin", p.Name(),
				"hook", hook,
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the request path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
