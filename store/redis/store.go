// Package redis implements the quota store on Redis.
//
// Every account lives in one JSON value. Mutations run inside
// WATCH/MULTI on the account key (and the payment or earning key when a
// record is being claimed), so a concurrent writer forces a retry rather
// than a lost update. The default key prefix carries a hash tag so all
// keys map to one cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/quota"
	"github.com/xraph/quota/account"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	quotastore "github.com/xraph/quota/store"
	"github.com/xraph/quota/types"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "{quota}:"

// maxRetries bounds optimistic retries of one watched transaction.
const maxRetries = 16

// compile-time interface check
var _ quotastore.Store = (*Store)(nil)

// Store implements store.Store using Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a store on an existing client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server described by a redis:// URL.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("quota/redis: parse url: %w", err)
	}
	s := New(goredis.NewClient(o), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op: Redis keys need no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping checks server connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) (*account.Account, bool, error) {
	stored := a.Clone()
	stored.Version = 1
	akey := s.accountKey(a.UserID)

	var (
		result  *account.Account
		created bool
	)
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		result, created = nil, false

		existing, err := s.readAccount(ctx, tx, a.UserID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, quota.ErrAccountNotFound) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SAdd(ctx, s.key(keyAccountIDs), a.UserID)
			return s.writeAccount(ctx, pipe, nil, stored)
		})
		if err != nil {
			return err
		}
		result, created = stored, true
		return nil
	}, akey)
	if err != nil {
		return nil, false, fmt.Errorf("quota/redis: create account: %w", err)
	}
	return result, created, nil
}

func (s *Store) GetAccount(ctx context.Context, userID int64) (*account.Account, error) {
	return s.readAccount(ctx, s.client, userID)
}

func (s *Store) UpdateAccount(ctx context.Context, userID int64, fn account.MutateFunc) (*account.Account, error) {
	var result *account.Account
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		result = nil

		prev, next, err := s.apply(ctx, tx, userID, fn)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return s.writeAccount(ctx, pipe, prev, next)
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}, s.accountKey(userID))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.key(keyAccountIDs)).Result()
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	return s.client.ZCount(ctx, s.key(keyPeriodEnds), scoreString(now), "+inf").Result()
}

func (s *Store) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	return s.client.SCard(ctx, s.key(keyReferrals, userKey(referrerID))).Result()
}

// ==================== Payment Store ====================

func (s *Store) SettlePayment(ctx context.Context, p *payment.Payment, fn account.MutateFunc) (bool, *account.Account, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return false, nil, fmt.Errorf("quota/redis: encode payment: %w", err)
	}
	pkey := s.key(keyPayment, p.Payload)

	var (
		settled bool
		result  *account.Account
	)
	err = s.watch(ctx, func(tx *goredis.Tx) error {
		settled, result = false, nil

		n, err := tx.Exists(ctx, pkey).Result()
		if err != nil || n > 0 {
			return err
		}
		prev, next, err := s.apply(ctx, tx, p.UserID, fn)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, pkey, data, 0)
			pipe.ZAdd(ctx, s.key(keyUserPayments, userKey(p.UserID)), goredis.Z{Score: score(p.CreatedAt), Member: p.Payload})
			pipe.Incr(ctx, s.key(keyPaymentCount))
			pipe.IncrBy(ctx, s.key(keyRevenue, p.Amount.Currency), p.Amount.Amount)
			return s.writeAccount(ctx, pipe, prev, next)
		})
		if err != nil {
			return err
		}
		settled, result = true, next
		return nil
	}, s.accountKey(p.UserID), pkey)
	if err != nil {
		return false, nil, err
	}
	return settled, result, nil
}

func (s *Store) GetPayment(ctx context.Context, payload string) (*payment.Payment, error) {
	raw, err := s.client.Get(ctx, s.key(keyPayment, payload)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, quota.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("quota/redis: get payment: %w", err)
	}
	p := new(payment.Payment)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("quota/redis: decode payment: %w", err)
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, userID int64, opts payment.ListOpts) ([]*payment.Payment, error) {
	raws, err := s.page(ctx, s.key(keyUserPayments, userKey(userID)), keyPayment, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("quota/redis: list payments: %w", err)
	}
	result := make([]*payment.Payment, 0, len(raws))
	for _, raw := range raws {
		p := new(payment.Payment)
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("quota/redis: decode payment: %w", err)
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *Store) PaymentTotals(ctx context.Context) (*payment.Totals, error) {
	count, err := s.counter(ctx, s.key(keyPaymentCount))
	if err != nil {
		return nil, fmt.Errorf("quota/redis: payment totals: %w", err)
	}
	revenue, err := s.counter(ctx, s.key(keyRevenue, types.CurrencyXTR))
	if err != nil {
		return nil, fmt.Errorf("quota/redis: payment totals: %w", err)
	}
	return &payment.Totals{Count: count, Revenue: types.Stars(revenue)}, nil
}

// ==================== Referral Store ====================

func (s *Store) RecordEarning(ctx context.Context, e *referral.Earning, fn account.MutateFunc) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("quota/redis: encode earning: %w", err)
	}
	ekey := s.key(keyEarning, e.PaymentPayload)

	var recorded bool
	err = s.watch(ctx, func(tx *goredis.Tx) error {
		recorded = false

		n, err := tx.Exists(ctx, ekey).Result()
		if err != nil || n > 0 {
			return err
		}
		prev, next, err := s.apply(ctx, tx, e.ReferrerID, fn)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, ekey, data, 0)
			pipe.ZAdd(ctx, s.key(keyUserEarnings, userKey(e.ReferrerID)), goredis.Z{Score: score(e.CreatedAt), Member: e.PaymentPayload})
			return s.writeAccount(ctx, pipe, prev, next)
		})
		if err != nil {
			return err
		}
		recorded = true
		return nil
	}, s.accountKey(e.ReferrerID), ekey)
	if err != nil {
		return false, err
	}
	return recorded, nil
}

func (s *Store) ListEarnings(ctx context.Context, referrerID int64, opts referral.ListOpts) ([]*referral.Earning, error) {
	raws, err := s.page(ctx, s.key(keyUserEarnings, userKey(referrerID)), keyEarning, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("quota/redis: list earnings: %w", err)
	}
	result := make([]*referral.Earning, 0, len(raws))
	for _, raw := range raws {
		e := new(referral.Earning)
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("quota/redis: decode earning: %w", err)
		}
		result = append(result, e)
	}
	return result, nil
}

// ==================== Meter Store ====================

func (s *Store) IngestBatch(ctx context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	members := make([]goredis.Z, len(events))
	for i, e := range events {
		members[i] = goredis.Z{Score: score(e.Timestamp), Member: e.ID.String()}
	}
	if err := s.client.ZAdd(ctx, s.key(keyUsage), members...).Err(); err != nil {
		return fmt.Errorf("quota/redis: ingest usage: %w", err)
	}
	return nil
}

func (s *Store) CountUsage(ctx context.Context, since time.Time) (int64, error) {
	return s.client.ZCount(ctx, s.key(keyUsage), scoreString(since), "+inf").Result()
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.key(keyUsage), "-inf", "("+scoreString(before)).Result()
	if err != nil {
		return 0, fmt.Errorf("quota/redis: purge usage: %w", err)
	}
	return n, nil
}

// ==================== Helpers ====================

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (s *Store) accountKey(userID int64) string {
	return s.key(keyAccount, userKey(userID))
}

// watch runs fn under WATCH on keys, retrying when another client
// touched a watched key before EXEC. fn must reset any state it captures.
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return quota.ErrConflict
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *Store) readAccount(ctx context.Context, g getter, userID int64) (*account.Account, error) {
	raw, err := g.Get(ctx, s.accountKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota/redis: get account: %w", err)
	}
	a, err := decodeAccount(raw)
	if err != nil {
		return nil, fmt.Errorf("quota/redis: decode account: %w", err)
	}
	return a, nil
}

// apply reads the account inside a watched transaction and runs fn on a
// copy, leaving prev untouched for index maintenance.
func (s *Store) apply(ctx context.Context, tx *goredis.Tx, userID int64, fn account.MutateFunc) (prev, next *account.Account, err error) {
	prev, err = s.readAccount(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	next = prev.Clone()
	if err := fn(next); err != nil {
		return nil, nil, err
	}
	next.Version = prev.Version + 1
	return prev, next, nil
}

// writeAccount queues the account value and its secondary indexes.
func (s *Store) writeAccount(ctx context.Context, pipe goredis.Pipeliner, prev, next *account.Account) error {
	data, err := encodeAccount(next)
	if err != nil {
		return fmt.Errorf("quota/redis: encode account: %w", err)
	}
	pipe.Set(ctx, s.accountKey(next.UserID), data, 0)

	if next.ReferredBy != nil && (prev == nil || prev.ReferredBy == nil) {
		pipe.SAdd(ctx, s.key(keyReferrals, userKey(*next.ReferredBy)), next.UserID)
	}
	switch {
	case next.Subscription != nil:
		pipe.ZAdd(ctx, s.key(keyPeriodEnds), goredis.Z{Score: score(next.Subscription.PeriodEnd), Member: userKey(next.UserID)})
	case prev != nil && prev.Subscription != nil:
		pipe.ZRem(ctx, s.key(keyPeriodEnds), userKey(next.UserID))
	}
	return nil
}

// page reads one page of an index zset newest first and loads the
// referenced records.
func (s *Store) page(ctx context.Context, index, recordPrefix string, limit, offset int) ([][]byte, error) {
	start := int64(max(offset, 0))
	stop := int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, index, start, stop).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.key(recordPrefix, m)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	raws := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			raws = append(raws, []byte(str))
		}
	}
	return raws, nil
}

func (s *Store) counter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return n, err
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
