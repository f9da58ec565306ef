// Package memory is an in-process quota store. Mutations of one account
// are serialized by a striped mutex, so its lock memory stays fixed however
// many users it holds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/quota"
	"github.com/xraph/quota/account"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	accounts map[int64]*account.Account

	// Payments and earnings are keyed by payment payload.
	payments map[string]*payment.Payment
	earnings map[string]*referral.Earning

	usageEvents []meter.UsageEvent

	userLocks [lockStripes]sync.Mutex
}

// lockStripes is the number of account mutexes. Accounts whose ids share a
// stripe serialize against each other.
const lockStripes = 256

func New() *Store {
	return &Store{
		accounts:    make(map[int64]*account.Account),
		payments:    make(map[string]*payment.Payment),
		earnings:    make(map[string]*referral.Earning),
		usageEvents: make([]meter.UsageEvent, 0),
	}
}

func (s *Store) lockUser(userID int64) func() {
	mu := s.lockFor(userID)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) lockFor(userID int64) *sync.Mutex {
	return &s.userLocks[uint64(userID)%lockStripes]
}

// snapshot returns a private copy of the stored account.
func (s *Store) snapshot(userID int64) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, quota.ErrAccountNotFound
	}
	return a.Clone(), nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(_ context.Context, a *account.Account) (*account.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[a.UserID]; ok {
		return existing.Clone(), false, nil
	}
	stored := a.Clone()
	stored.Version = 1
	s.accounts[a.UserID] = stored
	return stored.Clone(), true, nil
}

func (s *Store) GetAccount(_ context.Context, userID int64) (*account.Account, error) {
	return s.snapshot(userID)
}

func (s *Store) UpdateAccount(_ context.Context, userID int64, fn account.MutateFunc) (*account.Account, error) {
	defer s.lockUser(userID)()

	a, err := s.snapshot(userID)
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	a.Version++

	s.mu.Lock()
	s.accounts[userID] = a
	s.mu.Unlock()
	return a.Clone(), nil
}

func (s *Store) CountAccounts(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.accounts)), nil
}

func (s *Store) CountActiveSubscriptions(_ context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.accounts {
		if a.Subscription.Active(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountReferrals(_ context.Context, referrerID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.accounts {
		if a.ReferredBy != nil && *a.ReferredBy == referrerID {
			n++
		}
	}
	return n, nil
}

// ==================== Payment Store ====================

func (s *Store) SettlePayment(_ context.Context, p *payment.Payment, fn account.MutateFunc) (bool, *account.Account, error) {
	defer s.lockUser(p.UserID)()

	a, err := s.snapshot(p.UserID)
	if err != nil {
		return false, nil, err
	}
	if err := fn(a); err != nil {
		return false, nil, err
	}
	a.Version++

	s.mu.Lock()
	defer s.mu.Unlock()

	// Checked under the map lock: a duplicate payload may belong to a
	// different user, whose lock we do not hold.
	if _, dup := s.payments[p.Payload]; dup {
		return false, nil, nil
	}
	stored := *p
	s.payments[p.Payload] = &stored
	s.accounts[p.UserID] = a
	return true, a.Clone(), nil
}

func (s *Store) GetPayment(_ context.Context, payload string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[payload]
	if !ok {
		return nil, quota.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPayments(_ context.Context, userID int64, opts payment.ListOpts) ([]*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*payment.Payment, 0)
	for _, p := range s.payments {
		if p.UserID == userID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) PaymentTotals(_ context.Context) (*payment.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &payment.Totals{Revenue: types.Zero(types.CurrencyXTR)}
	for _, p := range s.payments {
		totals.Count++
		if p.Amount.Currency == types.CurrencyXTR {
			totals.Revenue.Amount += p.Amount.Amount
		}
	}
	return totals, nil
}

// ==================== Referral Store ====================

func (s *Store) RecordEarning(_ context.Context, e *referral.Earning, fn account.MutateFunc) (bool, error) {
	defer s.lockUser(e.ReferrerID)()

	a, err := s.snapshot(e.ReferrerID)
	if err != nil {
		return false, err
	}
	if err := fn(a); err != nil {
		return false, err
	}
	a.Version++

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.earnings[e.PaymentPayload]; dup {
		return false, nil
	}
	stored := *e
	s.earnings[e.PaymentPayload] = &stored
	s.accounts[e.ReferrerID] = a
	return true, nil
}

func (s *Store) ListEarnings(_ context.Context, referrerID int64, opts referral.ListOpts) ([]*referral.Earning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*referral.Earning, 0)
	for _, e := range s.earnings {
		if e.ReferrerID == referrerID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return paginate(result, opts.Offset, opts.Limit), nil
}

// ==================== Meter Store ====================

func (s *Store) IngestBatch(_ context.Context, events []*meter.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.usageEvents = append(s.usageEvents, *e)
	}
	return nil
}

func (s *Store) CountUsage(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.usageEvents {
		if !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	kept := make([]meter.UsageEvent, 0, len(s.usageEvents))
	for _, e := range s.usageEvents {
		if e.Timestamp.Before(before) {
			count++
		} else {
			kept = append(kept, e)
		}
	}
	s.usageEvents = kept
	return count, nil
}

// ==================== Lifecycle ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	return nil // Always available
}

func (s *Store) Close() error {
	return nil // Nothing to close
}

func paginate[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
