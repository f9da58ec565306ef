package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/quota"
	"github.com/xraph/quota/account"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	quotastore "github.com/xraph/quota/store"
	"github.com/xraph/quota/types"
)

// compile-time interface check
var _ quotastore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
//
// Every account mutation runs in a transaction that locks the account row
// with SELECT ... FOR UPDATE. Payment and earning payloads carry unique
// indexes, so a duplicate insert is a no-op instead of a second effect.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// Open connects to dsn and wraps the connection in a Store.
func Open(ctx context.Context, dsn string, opts ...driver.Option) (*Store, error) {
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, dsn, opts...); err != nil {
		return nil, fmt.Errorf("quota/postgres: open: %w", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		_ = pgdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("quota/postgres: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("quota/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("quota/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) (*account.Account, bool, error) {
	stored := a.Clone()
	stored.Version = 1

	res, err := s.pg.NewInsert(toAccountModel(stored)).
		OnConflict("(user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("quota/postgres: create account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 1 {
		return stored, true, nil
	}

	existing, err := s.GetAccount(ctx, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetAccount(ctx context.Context, userID int64) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota/postgres: get account: %w", err)
	}
	return fromAccountModel(m), nil
}

func (s *Store) UpdateAccount(ctx context.Context, userID int64, fn account.MutateFunc) (*account.Account, error) {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	a, err := mutateLocked(ctx, tx, userID, fn)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("quota/postgres: commit: %w", err)
	}
	return a, nil
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	return s.pg.NewSelect((*accountModel)(nil)).Count(ctx)
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	return s.pg.NewSelect((*accountModel)(nil)).
		Where("period_end >= $1", now.UTC()).
		Count(ctx)
}

func (s *Store) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	return s.pg.NewSelect((*accountModel)(nil)).
		Where("referred_by = $1", referrerID).
		Count(ctx)
}

// ==================== Payment Store ====================

func (s *Store) SettlePayment(ctx context.Context, p *payment.Payment, fn account.MutateFunc) (bool, *account.Account, error) {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	// A concurrent insert of the same payload blocks on the unique index
	// until the first transaction finishes, then does nothing.
	res, err := tx.NewInsert(toPaymentModel(p)).
		OnConflict("(payload) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("quota/postgres: insert payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if rows == 0 {
		return false, nil, nil
	}

	a, err := mutateLocked(ctx, tx, p.UserID, fn)
	if err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("quota/postgres: commit: %w", err)
	}
	return true, a, nil
}

func (s *Store) GetPayment(ctx context.Context, payload string) (*payment.Payment, error) {
	m := new(paymentModel)
	err := s.pg.NewSelect(m).
		Where("payload = $1", payload).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("quota/postgres: get payment: %w", err)
	}
	return fromPaymentModel(m)
}

func (s *Store) ListPayments(ctx context.Context, userID int64, opts payment.ListOpts) ([]*payment.Payment, error) {
	var models []paymentModel
	q := s.pg.NewSelect(&models).Where("user_id = $1", userID)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/postgres: list payments: %w", err)
	}

	result := make([]*payment.Payment, len(models))
	for i := range models {
		p, err := fromPaymentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) PaymentTotals(ctx context.Context) (*payment.Totals, error) {
	totals := &payment.Totals{Revenue: types.Zero(types.CurrencyXTR)}
	err := s.pg.NewRaw(`
		SELECT COUNT(*), COALESCE(SUM(amount) FILTER (WHERE currency = $1), 0)
		FROM quota_payments
	`, types.CurrencyXTR).Scan(ctx, &totals.Count, &totals.Revenue.Amount)
	if err != nil {
		return nil, fmt.Errorf("quota/postgres: payment totals: %w", err)
	}
	return totals, nil
}

// ==================== Referral Store ====================

func (s *Store) RecordEarning(ctx context.Context, e *referral.Earning, fn account.MutateFunc) (bool, error) {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	res, err := tx.NewInsert(toEarningModel(e)).
		OnConflict("(payment_payload) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("quota/postgres: insert earning: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if _, err := mutateLocked(ctx, tx, e.ReferrerID, fn); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("quota/postgres: commit: %w", err)
	}
	return true, nil
}

func (s *Store) ListEarnings(ctx context.Context, referrerID int64, opts referral.ListOpts) ([]*referral.Earning, error) {
	var models []earningModel
	q := s.pg.NewSelect(&models).Where("referrer_id = $1", referrerID)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/postgres: list earnings: %w", err)
	}

	result := make([]*referral.Earning, len(models))
	for i := range models {
		e, err := fromEarningModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// ==================== Meter Store ====================

func (s *Store) IngestBatch(ctx context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]usageEventModel, len(events))
	for i, e := range events {
		models[i] = toUsageEventModel(e)
	}
	_, err := s.pg.NewInsert(&models).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("quota/postgres: ingest usage: %w", err)
	}
	return nil
}

func (s *Store) CountUsage(ctx context.Context, since time.Time) (int64, error) {
	return s.pg.NewSelect((*usageEventModel)(nil)).
		Where("timestamp >= $1", since.UTC()).
		Count(ctx)
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*usageEventModel)(nil)).
		Where("timestamp < $1", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota/postgres: purge usage: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Helpers ====================

// mutateLocked loads the account row under FOR UPDATE, applies fn and
// writes the result back inside tx.
func mutateLocked(ctx context.Context, tx *pgdriver.PgTx, userID int64, fn account.MutateFunc) (*account.Account, error) {
	m := new(accountModel)
	err := tx.NewSelect(m).
		Where("user_id = $1", userID).
		ForUpdate().
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota/postgres: lock account: %w", err)
	}

	a := fromAccountModel(m)
	if err := fn(a); err != nil {
		return nil, err
	}
	a.Version++

	if _, err := tx.NewUpdate(toAccountModel(a)).WherePK().Exec(ctx); err != nil {
		return nil, fmt.Errorf("quota/postgres: update account: %w", err)
	}
	return a, nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
