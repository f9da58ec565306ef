package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the migration executor
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

// maxRetries bounds optimistic retries of one account mutation.
const maxRetries = 5

// Store implements store.Store using SQLite via Grove ORM.
//
// Account writes are compare-and-swap on the version column inside a
// transaction and are retried when another writer got there first.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// Open opens the SQLite database at dsn. The pool defaults to a single
// connection: SQLite has one writer, and ":memory:" databases are private
// to their connection.
func Open(ctx context.Context, dsn string, opts ...driver.Option) (*Store, error) {
	sdb := sqlitedriver.New()
	opts = append([]driver.Option{driver.WithPoolSize(1)}, opts...)
	if err := sdb.Open(ctx, dsn, opts...); err != nil {
		return nil, fmt.Errorf("quota/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("quota/sqlite: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("quota/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("quota/sqlite: migration failed: %w", err)
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

	res, err := s.sdb.NewInsert(toAccountModel(stored)).
		OnConflict("(user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("quota/sqlite: create account: %w", err)
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
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota/sqlite: get account: %w", err)
	}
	return fromAccountModel(m), nil
}

func (s *Store) UpdateAccount(ctx context.Context, userID int64, fn account.MutateFunc) (*account.Account, error) {
	var result *account.Account
	err := s.withRetry(ctx, func(tx *sqlitedriver.SqliteTx) error {
		a, err := mutateCAS(ctx, tx, userID, fn)
		result = a
		return err
	})
	return result, err
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	return s.sdb.NewSelect((*accountModel)(nil)).Count(ctx)
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	return s.sdb.NewSelect((*accountModel)(nil)).
		Where("period_end >= ?", now.UnixNano()).
		Count(ctx)
}

func (s *Store) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	return s.sdb.NewSelect((*accountModel)(nil)).
		Where("referred_by = ?", referrerID).
		Count(ctx)
}

// ==================== Payment Store ====================

func (s *Store) SettlePayment(ctx context.Context, p *payment.Payment, fn account.MutateFunc) (bool, *account.Account, error) {
	var (
		settled bool
		result  *account.Account
	)
	err := s.withRetry(ctx, func(tx *sqlitedriver.SqliteTx) error {
		settled, result = false, nil

		inserted, err := insertOnce(ctx, tx.NewInsert(toPaymentModel(p)).OnConflict("(payload) DO NOTHING"))
		if err != nil || !inserted {
			return err
		}
		a, err := mutateCAS(ctx, tx, p.UserID, fn)
		if err != nil {
			return err
		}
		settled, result = true, a
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return settled, result, nil
}

func (s *Store) GetPayment(ctx context.Context, payload string) (*payment.Payment, error) {
	m := new(paymentModel)
	err := s.sdb.NewSelect(m).
		Where("payload = ?", payload).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("quota/sqlite: get payment: %w", err)
	}
	return fromPaymentModel(m)
}

func (s *Store) ListPayments(ctx context.Context, userID int64, opts payment.ListOpts) ([]*payment.Payment, error) {
	var models []paymentModel
	q := s.sdb.NewSelect(&models).Where("user_id = ?", userID)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/sqlite: list payments: %w", err)
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
	err := s.sdb.NewRaw(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN currency = ? THEN amount ELSE 0 END), 0)
		FROM quota_payments
	`, types.CurrencyXTR).Scan(ctx, &totals.Count, &totals.Revenue.Amount)
	if err != nil {
		return nil, fmt.Errorf("quota/sqlite: payment totals: %w", err)
	}
	return totals, nil
}

// ==================== Referral Store ====================

func (s *Store) RecordEarning(ctx context.Context, e *referral.Earning, fn account.MutateFunc) (bool, error) {
	var recorded bool
	err := s.withRetry(ctx, func(tx *sqlitedriver.SqliteTx) error {
		recorded = false

		inserted, err := insertOnce(ctx, tx.NewInsert(toEarningModel(e)).OnConflict("(payment_payload) DO NOTHING"))
		if err != nil || !inserted {
			return err
		}
		if _, err := mutateCAS(ctx, tx, e.ReferrerID, fn); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

func (s *Store) ListEarnings(ctx context.Context, referrerID int64, opts referral.ListOpts) ([]*referral.Earning, error) {
	var models []earningModel
	q := s.sdb.NewSelect(&models).Where("referrer_id = ?", referrerID)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/sqlite: list earnings: %w", err)
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
	_, err := s.sdb.NewInsert(&models).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("quota/sqlite: ingest usage: %w", err)
	}
	return nil
}

func (s *Store) CountUsage(ctx context.Context, since time.Time) (int64, error) {
	return s.sdb.NewSelect((*usageEventModel)(nil)).
		Where("timestamp >= ?", since.UnixNano()).
		Count(ctx)
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*usageEventModel)(nil)).
		Where("timestamp < ?", before.UnixNano()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota/sqlite: purge usage: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Helpers ====================

// withRetry runs fn in a transaction, retrying from scratch when a
// version check lost a race. fn must reset any state it captures.
func (s *Store) withRetry(ctx context.Context, fn func(tx *sqlitedriver.SqliteTx) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := s.sdb.BeginTxQuery(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
		}

		err = fn(tx)
		if errors.Is(err, quota.ErrConflict) {
			_ = tx.Rollback() //nolint:errcheck // retrying
			continue
		}
		if err != nil {
			_ = tx.Rollback() //nolint:errcheck // reporting the original error
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("quota/sqlite: commit: %w", err)
		}
		return nil
	}
	return quota.ErrConflict
}

// mutateCAS applies fn to the account and writes it back only if nobody
// else changed it since it was read.
func mutateCAS(ctx context.Context, tx *sqlitedriver.SqliteTx, userID int64, fn account.MutateFunc) (*account.Account, error) {
	m := new(accountModel)
	err := tx.NewSelect(m).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota/sqlite: get account: %w", err)
	}

	a := fromAccountModel(m)
	prev := a.Version
	if err := fn(a); err != nil {
		return nil, err
	}
	a.Version = prev + 1

	res, err := tx.NewUpdate(toAccountModel(a)).
		WherePK().
		Where("version = ?", prev).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota/sqlite: update account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, quota.ErrConflict
	}
	return a, nil
}

// insertOnce runs an ON CONFLICT DO NOTHING insert and reports whether a
// row was written.
func insertOnce(ctx context.Context, q *sqlitedriver.InsertQuery) (bool, error) {
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("quota/sqlite: insert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
