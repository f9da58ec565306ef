package extension

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/forge"

	quota "github.com/xraph/quota"
	audithook "github.com/xraph/quota/audit_hook"
	"github.com/xraph/quota/observability"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	e := New()
	cfg := e.mergeWithDefaults(Config{MeterBatchSize: 7})

	assert.Equal(t, "/quota", cfg.BasePath)
	assert.Equal(t, 7, cfg.MeterBatchSize)
	assert.Equal(t, 5*time.Second, cfg.MeterFlushInterval)
}

func TestMergeConfigurations(t *testing.T) {
	e := New()
	policy := referral.DefaultPolicy()
	policy.Shape = referral.ShapePercentage

	file := Config{
		BasePath:  "/billing",
		JWTSecret: "from-file",
	}
	programmatic := Config{
		DisableRoutes:      true,
		BasePath:           "/ignored",
		JWTSecret:          "from-code",
		MeterFlushInterval: time.Second,
		AdminIDs:           []int64{1, 2},
		Referral:           &policy,
	}

	cfg := e.mergeConfigurations(file, programmatic)
	assert.True(t, cfg.DisableRoutes)
	assert.Equal(t, "/billing", cfg.BasePath)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, time.Second, cfg.MeterFlushInterval)
	assert.Equal(t, 100, cfg.MeterBatchSize)
	assert.Equal(t, []int64{1, 2}, cfg.AdminIDs)
	require.NotNil(t, cfg.Referral)
	assert.Equal(t, referral.ShapePercentage, cfg.Referral.Shape)
}

func TestOptions(t *testing.T) {
	s := memory.New()
	e := New(
		WithStore(s),
		WithAdmins(9),
		WithJWTSecret("k"),
		WithBasePath("/q"),
		WithDisableMigrate(),
		WithGroveDatabase("primary"),
	)

	assert.Same(t, s, e.store)
	assert.Equal(t, []int64{9}, e.config.AdminIDs)
	assert.Equal(t, "k", e.config.JWTSecret)
	assert.Equal(t, "/q", e.config.BasePath)
	assert.True(t, e.config.DisableMigrate)
	assert.True(t, e.useGrove)
	assert.Equal(t, "primary", e.config.GroveDatabase)
}

func TestBuildEngineOptsRejectsBadPolicy(t *testing.T) {
	policy := referral.Policy{Trigger: "sometimes", Shape: referral.ShapeFlatBonus, BonusCredits: 1}
	e := New(WithConfig(Config{Referral: &policy, DisableMetrics: true, DisableAudit: true}))

	_, err := e.buildEngineOpts(nil)
	assert.Error(t, err)
}

func TestBuildEngineOptsCatalog(t *testing.T) {
	e := New(WithConfig(Config{
		Plans:          map[string]plan.PlanSpec{"weekly": {DailyAllowance: 40, DurationDays: 7, Price: 60}},
		DisableMetrics: true,
		DisableAudit:   true,
	}))

	opts, err := e.buildEngineOpts(nil)
	require.NoError(t, err)

	engine := quota.New(memory.New(), opts...)
	weekly, ok := engine.Catalog().Plan("weekly")
	require.True(t, ok)
	assert.Equal(t, 7, weekly.DurationDays)
	_, ok = engine.Catalog().Plan("pro")
	assert.False(t, ok)

	bad := New(WithConfig(Config{
		TopUps:         map[string]plan.TopUpSpec{"x": {Credits: 5}},
		DisableMetrics: true,
		DisableAudit:   true,
	}))
	_, err = bad.buildEngineOpts(nil)
	assert.Error(t, err)
}

func TestForgeMetricsAdapter(t *testing.T) {
	m := observability.NewMetricsExtension(forgeMetrics{m: forge.NewNoOpMetrics()})
	require.NotNil(t, m.PaymentsSettled)
	require.NotNil(t, m.UsageFlushLatency)

	m.PaymentsSettled.Inc()
	m.UsageFlushLatency.Observe(3)
}

func TestLogAudit(t *testing.T) {
	e := New()
	e.SetLogger(forge.NewNoopLogger())

	for _, sev := range []string{audithook.SeverityInfo, audithook.SeverityCritical} {
		err := e.logAudit(context.Background(), &audithook.AuditEvent{
			Action:   audithook.ActionPaymentSettled,
			Severity: sev,
			Metadata: map[string]any{"user_id": int64(5)},
		})
		assert.NoError(t, err)
	}
}

func TestAssistantClientNeedsKey(t *testing.T) {
	e := New()
	assert.Nil(t, e.assistantClient())

	e.config.Assistant.APIKey = "k"
	assert.NotNil(t, e.assistantClient())
}
