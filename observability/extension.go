// Package observability provides a metrics extension for quota that
// records event counts through a pluggable MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                  = (*MetricsExtension)(nil)
	_ plugin.OnInit                  = (*MetricsExtension)(nil)
	_ plugin.OnAccountCreated        = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted        = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionActivated = (*MetricsExtension)(nil)
	_ plugin.OnConsumed              = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExhausted        = (*MetricsExtension)(nil)
	_ plugin.OnUsageFlushed          = (*MetricsExtension)(nil)
	_ plugin.OnPaymentSettled        = (*MetricsExtension)(nil)
	_ plugin.OnPaymentRejected       = (*MetricsExtension)(nil)
	_ plugin.OnReferralLinked        = (*MetricsExtension)(nil)
	_ plugin.OnReferralPaid          = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide quota metrics.
// Register it as a quota plugin to track consumption and revenue.
type MetricsExtension struct {
	// Account metrics
	AccountsCreated Counter
	CreditsGranted  Counter

	// Subscription metrics
	SubscriptionsActivated Counter

	// Consumption metrics
	ConsumedSubscription Counter
	ConsumedBonus        Counter
	ConsumedAdmin        Counter
	QuotaExhausted       Counter
	UsageBatchSize       Histogram
	UsageFlushLatency    Histogram

	// Payment metrics
	PaymentsSettled  Counter
	PaymentsRejected Counter
	StarsRevenue     Counter
	PaymentAmount    Histogram

	// Referral metrics
	ReferralsLinked Counter
	ReferralsPaid   Counter
	ReferralCredits Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		AccountsCreated: factory.Counter("quota.account.created"),
		CreditsGranted:  factory.Counter("quota.account.credits_granted"),

		SubscriptionsActivated: factory.Counter("quota.subscription.activated"),

		ConsumedSubscription: factory.Counter("quota.consume.subscription"),
		ConsumedBonus:        factory.Counter("quota.consume.bonus"),
		ConsumedAdmin:        factory.Counter("quota.consume.admin"),
		QuotaExhausted:       factory.Counter("quota.consume.exhausted"),
		UsageBatchSize:       factory.Histogram("quota.usage.batch.size"),
		UsageFlushLatency:    factory.Histogram("quota.usage.flush.latency_ms"),

		PaymentsSettled:  factory.Counter("quota.payment.settled"),
		PaymentsRejected: factory.Counter("quota.payment.rejected"),
		StarsRevenue:     factory.Counter("quota.payment.revenue_xtr"),
		PaymentAmount:    factory.Histogram("quota.payment.amount"),

		ReferralsLinked: factory.Counter("quota.referral.linked"),
		ReferralsPaid:   factory.Counter("quota.referral.paid"),
		ReferralCredits: factory.Counter("quota.referral.credits"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (m *MetricsExtension) OnAccountCreated(_ context.Context, _ *account.Account) error {
	m.AccountsCreated.Inc()
	return nil
}

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, _, credits int64) error {
	m.CreditsGranted.Add(float64(credits))
	return nil
}

// OnSubscriptionActivated implements plugin.OnSubscriptionActivated.
func (m *MetricsExtension) OnSubscriptionActivated(_ context.Context, _ *account.Account, _ plan.Plan) error {
	m.SubscriptionsActivated.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Consumption hooks
// ──────────────────────────────────────────────────

// OnConsumed implements plugin.OnConsumed.
func (m *MetricsExtension) OnConsumed(_ context.Context, _ int64, result entitlement.Result) error {
	switch result.Source {
	case entitlement.SourceSubscription:
		m.ConsumedSubscription.Inc()
	case entitlement.SourceBonus:
		m.ConsumedBonus.Inc()
	case entitlement.SourceAdmin:
		m.ConsumedAdmin.Inc()
	}
	return nil
}

// OnQuotaExhausted implements plugin.OnQuotaExhausted.
func (m *MetricsExtension) OnQuotaExhausted(_ context.Context, _ int64) error {
	m.QuotaExhausted.Inc()
	return nil
}

// OnUsageFlushed implements plugin.OnUsageFlushed.
func (m *MetricsExtension) OnUsageFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.UsageBatchSize.Observe(float64(count))
	m.UsageFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Payment and referral hooks
// ──────────────────────────────────────────────────

// OnPaymentSettled implements plugin.OnPaymentSettled.
func (m *MetricsExtension) OnPaymentSettled(_ context.Context, p *payment.Payment) error {
	m.PaymentsSettled.Inc()
	m.PaymentAmount.Observe(float64(p.Amount.Amount))
	if p.Amount.Currency == types.CurrencyXTR {
		m.StarsRevenue.Add(float64(p.Amount.Amount))
	}
	return nil
}

// OnPaymentRejected implements plugin.OnPaymentRejected.
func (m *MetricsExtension) OnPaymentRejected(_ context.Context, _ payment.SettleRequest, _ error) error {
	m.PaymentsRejected.Inc()
	return nil
}

// OnReferralLinked implements plugin.OnReferralLinked.
func (m *MetricsExtension) OnReferralLinked(_ context.Context, _, _ int64) error {
	m.ReferralsLinked.Inc()
	return nil
}

// OnReferralPaid implements plugin.OnReferralPaid.
func (m *MetricsExtension) OnReferralPaid(_ context.Context, e *referral.Earning) error {
	m.ReferralsPaid.Inc()
	m.ReferralCredits.Add(float64(e.Credits))
	return nil
}
