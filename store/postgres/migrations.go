package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the quota store.
var Migrations = migrate.NewGroup("quota")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_quota_accounts",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_accounts (
    user_id                BIGINT PRIMARY KEY,
    is_admin               BOOLEAN NOT NULL DEFAULT FALSE,
    referred_by            BIGINT,
    plan_key               TEXT NOT NULL DEFAULT '',
    daily_allowance        BIGINT NOT NULL DEFAULT 0,
    period_start           TIMESTAMPTZ,
    period_end             TIMESTAMPTZ,
    daily_used             BIGINT NOT NULL DEFAULT 0 CHECK (daily_used >= 0),
    last_reset_day         TIMESTAMPTZ NOT NULL,
    bonus_credits          BIGINT NOT NULL DEFAULT 0 CHECK (bonus_credits >= 0),
    referral_balance       BIGINT NOT NULL DEFAULT 0,
    subscription_purchases BIGINT NOT NULL DEFAULT 0,
    topup_purchases        BIGINT NOT NULL DEFAULT 0,
    mode                   TEXT NOT NULL DEFAULT 'any',
    version                BIGINT NOT NULL DEFAULT 1,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_quota_accounts_referred_by ON quota_accounts (referred_by);
CREATE INDEX IF NOT EXISTS idx_quota_accounts_period_end ON quota_accounts (period_end);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_quota_payments",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_payments (
    id                 TEXT PRIMARY KEY,
    payload            TEXT NOT NULL,
    user_id            BIGINT NOT NULL,
    kind               TEXT NOT NULL,
    product_key        TEXT NOT NULL,
    amount             BIGINT NOT NULL DEFAULT 0,
    currency           TEXT NOT NULL DEFAULT 'xtr',
    telegram_charge_id TEXT NOT NULL DEFAULT '',
    provider_charge_id TEXT NOT NULL DEFAULT '',
    referral_due       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_payments_payload ON quota_payments (payload);
CREATE INDEX IF NOT EXISTS idx_quota_payments_user ON quota_payments (user_id, created_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_payments`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_quota_referral_earnings",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_referral_earnings (
    id              TEXT PRIMARY KEY,
    payment_payload TEXT NOT NULL,
    referrer_id     BIGINT NOT NULL,
    from_user_id    BIGINT NOT NULL,
    shape           TEXT NOT NULL,
    credits         BIGINT NOT NULL DEFAULT 0,
    amount          BIGINT NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT 'xtr',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_earnings_payload ON quota_referral_earnings (payment_payload);
CREATE INDEX IF NOT EXISTS idx_quota_earnings_referrer ON quota_referral_earnings (referrer_id, created_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_referral_earnings`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_quota_usage_events",
			Version: "20240101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_usage_events (
    id        TEXT PRIMARY KEY,
    user_id   BIGINT NOT NULL,
    source    TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_quota_usage_timestamp ON quota_usage_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_quota_usage_user ON quota_usage_events (user_id, timestamp);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_usage_events`)
				return err
			},
		},
	)
}
