package observability_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/observability"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/types"
)

type fakeMetric struct {
	mu     sync.Mutex
	total  float64
	points []float64
}

func (f *fakeMetric) Inc() { f.Add(1) }

func (f *fakeMetric) Add(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total += v
}

func (f *fakeMetric) Observe(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, v)
}

type fakeFactory struct {
	metrics map[string]*fakeMetric
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{metrics: make(map[string]*fakeMetric)}
}

func (f *fakeFactory) get(name string) *fakeMetric {
	m, ok := f.metrics[name]
	if !ok {
		m = &fakeMetric{}
		f.metrics[name] = m
	}
	return m
}

func (f *fakeFactory) Counter(name string) observability.Counter     { return f.get(name) }
func (f *fakeFactory) Histogram(name string) observability.Histogram { return f.get(name) }

func TestConsumedBySource(t *testing.T) {
	f := newFakeFactory()
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	_ = m.OnConsumed(ctx, 1, entitlement.Result{Granted: true, Source: entitlement.SourceSubscription})
	_ = m.OnConsumed(ctx, 1, entitlement.Result{Granted: true, Source: entitlement.SourceSubscription})
	_ = m.OnConsumed(ctx, 1, entitlement.Result{Granted: true, Source: entitlement.SourceBonus})
	_ = m.OnQuotaExhausted(ctx, 1)

	assert.InDelta(t, 2, f.get("quota.consume.subscription").total, 0)
	assert.InDelta(t, 1, f.get("quota.consume.bonus").total, 0)
	assert.InDelta(t, 0, f.get("quota.consume.admin").total, 0)
	assert.InDelta(t, 1, f.get("quota.consume.exhausted").total, 0)
}

func TestRevenueCountsStarsOnly(t *testing.T) {
	f := newFakeFactory()
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	_ = m.OnPaymentSettled(ctx, &payment.Payment{Amount: types.Stars(350)})
	_ = m.OnPaymentSettled(ctx, &payment.Payment{Amount: types.USD(499)})

	assert.InDelta(t, 2, f.get("quota.payment.settled").total, 0)
	assert.InDelta(t, 350, f.get("quota.payment.revenue_xtr").total, 0)
	assert.Equal(t, []float64{350, 499}, f.get("quota.payment.amount").points)
}

func TestReferralAndFlush(t *testing.T) {
	f := newFakeFactory()
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	_ = m.OnReferralPaid(ctx, &referral.Earning{Credits: 30})
	_ = m.OnUsageFlushed(ctx, 12, 40*time.Millisecond)

	assert.InDelta(t, 1, f.get("quota.referral.paid").total, 0)
	assert.InDelta(t, 30, f.get("quota.referral.credits").total, 0)
	assert.Equal(t, []float64{12}, f.get("quota.usage.batch.size").points)
	assert.Equal(t, []float64{40}, f.get("quota.usage.flush.latency_ms").points)
}
