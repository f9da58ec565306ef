package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/quota"
	"github.com/xraph/quota/account"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	quotastore "github.com/xraph/quota/store"
	"github.com/xraph/quota/types"
)

// Collection name constants.
const (
	colAccounts    = "quota_accounts"
	colPayments    = "quota_payments"
	colEarnings    = "quota_referral_earnings"
	colUsageEvents = "quota_usage_events"
)

// maxRetries bounds optimistic retries of one account mutation.
const maxRetries = 8

// compile-time interface check
var _ quotastore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Account writes are compare-and-swap on the version field. Payments and
// referral earnings are claimed through unique indexes first; if the
// account write then fails the claim is deleted again.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Open connects to the MongoDB deployment at uri. The database name is
// taken from the URI path unless overridden with mongodriver.WithDatabase.
func Open(ctx context.Context, uri string, opts ...mongodriver.MongoOption) (*Store, error) {
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri, opts...); err != nil {
		return nil, fmt.Errorf("quota/mongo: open: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("quota/mongo: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all quota collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("quota/mongo: migrate %s indexes: %w", col, err)
		}
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

	_, err := s.mdb.NewInsert(toAccountModel(stored)).Exec(ctx)
	if err == nil {
		return stored, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("quota/mongo: create account: %w", err)
	}

	existing, err := s.GetAccount(ctx, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetAccount(ctx context.Context, userID int64) (*account.Account, error) {
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": userID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) UpdateAccount(ctx context.Context, userID int64, fn account.MutateFunc) (*account.Account, error) {
	return s.mutateCAS(ctx, userID, fn)
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	return s.mdb.NewFind((*accountModel)(nil)).Count(ctx)
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	return s.mdb.NewFind((*accountModel)(nil)).
		Filter(bson.M{"period_end": bson.M{"$gte": now.UTC()}}).
		Count(ctx)
}

func (s *Store) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	return s.mdb.NewFind((*accountModel)(nil)).
		Filter(bson.M{"referred_by": referrerID}).
		Count(ctx)
}

// ==================== Payment Store ====================

func (s *Store) SettlePayment(ctx context.Context, p *payment.Payment, fn account.MutateFunc) (bool, *account.Account, error) {
	m := toPaymentModel(p)
	claimed, err := s.claim(ctx, s.mdb.NewInsert(m))
	if err != nil || !claimed {
		return false, nil, err
	}

	a, err := s.mutateCAS(ctx, p.UserID, fn)
	if err != nil {
		s.release(ctx, colPayments, m.ID)
		return false, nil, err
	}
	return true, a, nil
}

func (s *Store) GetPayment(ctx context.Context, payload string) (*payment.Payment, error) {
	var m paymentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"payload": payload}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, quota.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("quota/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) ListPayments(ctx context.Context, userID int64, opts payment.ListOpts) ([]*payment.Payment, error) {
	var models []paymentModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/mongo: list payments: %w", err)
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
	col := s.mdb.Collection(colPayments)

	count, err := col.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("quota/mongo: payment totals: %w", err)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"currency": types.CurrencyXTR}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "revenue": bson.M{"$sum": "$amount"}}}},
	}
	cursor, err := col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("quota/mongo: payment totals: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck // read-only cursor

	var rows []struct {
		Revenue int64 `bson:"revenue"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("quota/mongo: payment totals: %w", err)
	}

	totals := &payment.Totals{Count: count, Revenue: types.Zero(types.CurrencyXTR)}
	if len(rows) > 0 {
		totals.Revenue.Amount = rows[0].Revenue
	}
	return totals, nil
}

// ==================== Referral Store ====================

func (s *Store) RecordEarning(ctx context.Context, e *referral.Earning, fn account.MutateFunc) (bool, error) {
	m := toEarningModel(e)
	claimed, err := s.claim(ctx, s.mdb.NewInsert(m))
	if err != nil || !claimed {
		return false, err
	}

	if _, err := s.mutateCAS(ctx, e.ReferrerID, fn); err != nil {
		s.release(ctx, colEarnings, m.ID)
		return false, err
	}
	return true, nil
}

func (s *Store) ListEarnings(ctx context.Context, referrerID int64, opts referral.ListOpts) ([]*referral.Earning, error) {
	var models []earningModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"referrer_id": referrerID}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/mongo: list earnings: %w", err)
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
	_, err := s.mdb.NewInsert(&models).Exec(ctx)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("quota/mongo: ingest usage: %w", err)
	}
	return nil
}

func (s *Store) CountUsage(ctx context.Context, since time.Time) (int64, error) {
	return s.mdb.NewFind((*usageEventModel)(nil)).
		Filter(bson.M{"timestamp": bson.M{"$gte": since.UTC()}}).
		Count(ctx)
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*usageEventModel)(nil)).
		Filter(bson.M{"timestamp": bson.M{"$lt": before.UTC()}}).
		Many().
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota/mongo: purge usage: %w", err)
	}
	return res.DeletedCount(), nil
}

// ==================== Helpers ====================

// mutateCAS applies fn to the account and writes it back only if the
// stored version is still the one that was read, retrying on a lost race.
func (s *Store) mutateCAS(ctx context.Context, userID int64, fn account.MutateFunc) (*account.Account, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		a, err := s.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}

		prev := a.Version
		if err := fn(a); err != nil {
			return nil, err
		}
		a.Version = prev + 1

		res, err := s.mdb.NewUpdate((*accountModel)(nil)).
			Filter(bson.M{"_id": userID, "version": prev}).
			SetUpdate(accountUpdate(toAccountModel(a))).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("quota/mongo: update account: %w", err)
		}
		if res.MatchedCount() == 1 {
			return a, nil
		}
	}
	return nil, quota.ErrConflict
}

// claim inserts a record guarded by a unique index and reports whether
// this call wrote it.
func (s *Store) claim(ctx context.Context, q *mongodriver.InsertQuery) (bool, error) {
	_, err := q.Exec(ctx)
	if err == nil {
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return false, fmt.Errorf("quota/mongo: insert: %w", err)
}

// release removes a claimed record after its account write failed so
// the same payload can be retried.
func (s *Store) release(ctx context.Context, col, recordID string) {
	_, _ = s.mdb.Collection(col).DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": recordID}) //nolint:errcheck // best-effort
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all quota collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{Keys: bson.D{{Key: "referred_by", Value: 1}}},
			{Keys: bson.D{{Key: "period_end", Value: 1}}},
		},
		colPayments: {
			{
				Keys:    bson.D{{Key: "payload", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colEarnings: {
			{
				Keys:    bson.D{{Key: "payment_payload", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "referrer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colUsageEvents: {
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
	}
}
