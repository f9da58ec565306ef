package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/referral"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
	"github.com/xraph/quota/types"
)

// errUnchanged aborts a store mutation that would not change anything.
var errUnchanged = errors.New("quota: unchanged")

// errStaleBuyer aborts a settlement whose referral decision was made on an
// account that changed before the write.
var errStaleBuyer = errors.New("quota: buyer changed during settlement")

// settleAttempts bounds the retries after errStaleBuyer.
const settleAttempts = 3

// Engine is the quota and entitlement engine.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time

	settings atomic.Pointer[snapshot]
	pending  Settings

	// Background workers
	meterBuffer chan *meter.UsageEvent
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// Configuration
	meterBatchSize     int
	meterFlushInterval time.Duration
	skipMigrate        bool
	usageRetention     time.Duration
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		now:                time.Now,
		pending:            DefaultSettings(),
		meterBuffer:        make(chan *meter.UsageEvent, 10000),
		stopChan:           make(chan struct{}),
		meterBatchSize:     100,
		meterFlushInterval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.settings.Store(newSnapshot(e.pending))
	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithMeterConfig configures usage event batching.
func WithMeterConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		e.meterBatchSize = batchSize
		e.meterFlushInterval = flushInterval
	}
}

// WithCatalog replaces the default plan and top-up catalog.
func WithCatalog(c *plan.Catalog) Option {
	return func(e *Engine) { e.pending.Catalog = c }
}

// WithReferralPolicy sets the referral payout policy.
func WithReferralPolicy(p referral.Policy) Option {
	return func(e *Engine) { e.pending.Referral = p }
}

// WithAdmins sets the admin allow-list.
func WithAdmins(userIDs ...int64) Option {
	return func(e *Engine) { e.pending.AdminIDs = append([]int64(nil), userIDs...) }
}

// WithSettings replaces catalog, referral policy and admins at once.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.pending = s }
}

// WithClock overrides the time source used for records the caller does
// not timestamp itself.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithUsageRetention makes the engine purge usage events older than d
// every hour. Zero keeps events forever.
func WithUsageRetention(d time.Duration) Option {
	return func(e *Engine) { e.usageRetention = d }
}

// WithoutMigrate makes Start skip store migrations.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pending.Validate(); err != nil {
		return err
	}
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.wg.Add(1)
	go e.meterFlushWorker(context.WithoutCancel(ctx))

	if e.usageRetention > 0 {
		e.wg.Add(1)
		go e.retentionWorker(context.WithoutCancel(ctx))
	}

	cfg := e.settings.Load()
	e.logger.Info("quota engine started",
		"plans", len(cfg.catalog.Plans()),
		"topups", len(cfg.catalog.TopUps()),
		"admins", len(cfg.admins),
		"referral_trigger", cfg.policy.Trigger,
		"referral_shape", cfg.policy.Shape,
		"batch_size", e.meterBatchSize,
		"flush_interval", e.meterFlushInterval,
	)
	return nil
}

// Stop flushes pending usage events and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	e.plugins.EmitShutdown(context.Background())
	return e.store.Close()
}

// Reconfigure swaps catalog, referral policy and admin allow-list.
// Calls already in flight finish with the previous settings.
func (e *Engine) Reconfigure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.settings.Store(newSnapshot(s))
	e.logger.Info("quota settings reloaded",
		"plans", len(s.Catalog.Plans()),
		"admins", len(s.AdminIDs),
		"referral_trigger", s.Referral.Trigger,
		"referral_shape", s.Referral.Shape,
	)
	return nil
}

// Catalog returns the active catalog.
func (e *Engine) Catalog() *plan.Catalog { return e.settings.Load().catalog }

// ReferralPolicy returns the active referral policy.
func (e *Engine) ReferralPolicy() referral.Policy { return e.settings.Load().policy }

// IsAdmin reports whether userID is on the admin allow-list. The
// allow-list is the only source of admin status.
func (e *Engine) IsAdmin(userID int64) bool { return e.settings.Load().isAdmin(userID) }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

// EnsureAccount provisions userID if it does not exist yet. referrerID is
// recorded only when this call creates the account; a self-referral is
// ignored.
func (e *Engine) EnsureAccount(ctx context.Context, userID int64, referrerID *int64) (*account.Account, error) {
	if userID <= 0 {
		return nil, ValidationError{Field: "user_id", Message: "must be positive"}
	}

	now := e.now()
	a := account.New(userID, now)
	a.IsAdmin = e.IsAdmin(userID)
	if referrerID != nil {
		a.Link(*referrerID)
	}

	stored, created, err := e.store.CreateAccount(ctx, a)
	if err != nil {
		return nil, err
	}

	if !created {
		if stored.IsAdmin != a.IsAdmin {
			return e.store.UpdateAccount(ctx, userID, func(acct *account.Account) error {
				acct.IsAdmin = a.IsAdmin
				acct.Touch(now)
				return nil
			})
		}
		return stored, nil
	}

	e.logger.Info("account created",
		"user_id", userID,
		"referred_by", derefOrZero(stored.ReferredBy),
		"is_admin", stored.IsAdmin,
	)
	e.plugins.EmitAccountCreated(ctx, stored)
	if stored.ReferredBy != nil {
		e.plugins.EmitReferralLinked(ctx, userID, *stored.ReferredBy)
	}
	return stored, nil
}

// GetAccount returns the stored account.
func (e *Engine) GetAccount(ctx context.Context, userID int64) (*account.Account, error) {
	return e.store.GetAccount(ctx, userID)
}

// SetMode persists the user's preferred input mode.
func (e *Engine) SetMode(ctx context.Context, userID int64, mode account.Mode) (*account.Account, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	now := e.now()
	return e.store.UpdateAccount(ctx, userID, func(a *account.Account) error {
		a.Mode = mode
		e.syncAdmin(a)
		a.Touch(now)
		return nil
	})
}

// GrantBonusCredits adds amount non-expiring credits to userID.
func (e *Engine) GrantBonusCredits(ctx context.Context, userID, amount int64) (*account.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	now := e.now()
	acct, err := e.store.UpdateAccount(ctx, userID, func(a *account.Account) error {
		a.BonusCredits += amount
		e.syncAdmin(a)
		a.Touch(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("bonus credits granted",
		"user_id", userID,
		"credits", amount,
		"balance", acct.BonusCredits,
	)
	e.plugins.EmitCreditsGranted(ctx, userID, amount)
	return acct, nil
}

// ──────────────────────────────────────────────────
// Entitlements
// ──────────────────────────────────────────────────

// TryConsume debits one unit of service for userID. A denied request is a
// result, not an error. The account must exist.
func (e *Engine) TryConsume(ctx context.Context, userID int64, now time.Time) (*entitlement.Result, error) {
	if e.IsAdmin(userID) {
		if _, err := e.store.GetAccount(ctx, userID); err != nil {
			return nil, err
		}
		res := entitlement.Result{Granted: true, Source: entitlement.SourceAdmin}
		e.consumed(ctx, userID, res, now)
		return &res, nil
	}

	var res entitlement.Result
	_, err := e.store.UpdateAccount(ctx, userID, func(a *account.Account) error {
		reset := entitlement.ResetIfStale(a, now)
		res = entitlement.Consume(a, now)
		if !res.Granted && !reset && !a.IsAdmin {
			return errUnchanged
		}
		a.IsAdmin = false
		a.Touch(now)
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}

	if !res.Granted {
		e.logger.Debug("quota exhausted", "user_id", userID)
		e.plugins.EmitQuotaExhausted(ctx, userID)
		return &res, nil
	}
	e.consumed(ctx, userID, res, now)
	return &res, nil
}

// AvailableUnits reports the balances of userID without changing them.
func (e *Engine) AvailableUnits(ctx context.Context, userID int64, now time.Time) (*entitlement.Availability, error) {
	a, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	var av entitlement.Availability
	if e.IsAdmin(userID) {
		av = entitlement.Unlimited(a, now)
	} else {
		av = entitlement.Available(a, now)
	}
	return &av, nil
}

func (e *Engine) consumed(ctx context.Context, userID int64, res entitlement.Result, now time.Time) {
	e.logger.Debug("unit consumed",
		"user_id", userID,
		"source", res.Source,
	)

	event := &meter.UsageEvent{
		ID:        id.NewUsageEventID(),
		UserID:    userID,
		Source:    string(res.Source),
		Timestamp: now.UTC(),
	}
	select {
	case e.meterBuffer <- event:
	default:
		e.logger.Warn("meter buffer full, usage event dropped", "user_id", userID)
	}

	e.plugins.EmitConsumed(ctx, userID, res)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// ActivateSubscription applies the catalog plan planKey to userID.
func (e *Engine) ActivateSubscription(ctx context.Context, userID int64, planKey string, now time.Time) (*account.Account, error) {
	p, ok := e.Catalog().Plan(planKey)
	if !ok {
		return nil, fmt.Errorf("%w: plan %q", ErrInvalidProduct, planKey)
	}

	acct, err := e.store.UpdateAccount(ctx, userID, func(a *account.Account) error {
		subscription.Activate(a, p, now)
		e.syncAdmin(a)
		a.Touch(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("subscription activated",
		"user_id", userID,
		"plan", p.Key,
		"period_end", acct.Subscription.PeriodEnd,
	)
	e.plugins.EmitSubscriptionActivated(ctx, acct, p)
	return acct, nil
}

// ──────────────────────────────────────────────────
// Payments
// ──────────────────────────────────────────────────

// SettlePayment records a successful payment and applies its effect
// exactly once per payload. Replays return AlreadySettled.
func (e *Engine) SettlePayment(ctx context.Context, req payment.SettleRequest) (*payment.SettleResult, error) {
	cfg := e.settings.Load()

	product, err := payment.ParsePayload(req.Payload)
	if err == nil && req.Kind != "" && req.Kind != product.Kind {
		err = fmt.Errorf("%w: %q is a %s payload", ErrKindMismatch, req.Payload, product.Kind)
	}
	var (
		pl    plan.Plan
		topUp plan.TopUp
		ok    bool
	)
	if err == nil {
		switch product.Kind {
		case payment.KindSubscription:
			pl, ok = cfg.catalog.Plan(product.Key)
		case payment.KindTopUp:
			topUp, ok = cfg.catalog.TopUp(product.Key)
		}
		if !ok {
			err = fmt.Errorf("%w: %s %q", ErrInvalidProduct, product.Kind, product.Key)
		}
	}
	if err == nil && req.UserID <= 0 {
		err = ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if err == nil && req.Amount.Amount <= 0 {
		err = fmt.Errorf("%w: got %d", ErrInvalidAmount, req.Amount.Amount)
	}
	if err != nil {
		e.logger.Warn("payment rejected",
			"user_id", req.UserID,
			"payload", req.Payload,
			"error", err,
		)
		e.plugins.EmitPaymentRejected(ctx, req, err)
		return nil, err
	}

	buyer, err := e.EnsureAccount(ctx, req.UserID, nil)
	if err != nil {
		return nil, err
	}

	now := e.now()
	amount := req.Amount
	amount.Currency = strings.ToLower(amount.Currency)
	if amount.Currency == "" {
		amount.Currency = types.CurrencyXTR
	}
	p := &payment.Payment{
		ID:               id.NewPaymentID(),
		UserID:           req.UserID,
		Payload:          req.Payload,
		Kind:             product.Kind,
		ProductKey:       product.Key,
		Amount:           amount,
		TelegramChargeID: req.TelegramChargeID,
		ProviderChargeID: req.ProviderChargeID,
		CreatedAt:        now.UTC(),
	}

	// The payment row carries whether the inviter is owed a payout, so the
	// decision must match the account state the write is applied to.
	var (
		settled bool
		acct    *account.Account
	)
	for attempt := 1; ; attempt++ {
		p.ReferralDue = referralDue(cfg.policy, buyer, p)
		settled, acct, err = e.store.SettlePayment(ctx, p, func(a *account.Account) error {
			if referralDue(cfg.policy, a, p) != p.ReferralDue {
				return errStaleBuyer
			}
			switch product.Kind {
			case payment.KindSubscription:
				subscription.Activate(a, pl, now)
				a.SubscriptionPurchases++
			case payment.KindTopUp:
				a.BonusCredits += topUp.Credits
				a.TopUpPurchases++
			}
			e.syncAdmin(a)
			a.Touch(now)
			return nil
		})
		if !errors.Is(err, errStaleBuyer) {
			break
		}
		if attempt == settleAttempts {
			return nil, fmt.Errorf("%w: settle %s", ErrConflict, req.Payload)
		}
		if buyer, err = e.store.GetAccount(ctx, req.UserID); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	if !settled {
		e.logger.Info("duplicate payment ignored",
			"user_id", req.UserID,
			"payload", req.Payload,
		)
		return e.resumePayout(ctx, cfg.policy, req.Payload), nil
	}

	e.logger.Info("payment settled",
		"user_id", p.UserID,
		"payment_id", p.ID.String(),
		"kind", p.Kind,
		"product", p.ProductKey,
		"amount", p.Amount.String(),
	)
	e.plugins.EmitPaymentSettled(ctx, p)
	switch product.Kind {
	case payment.KindSubscription:
		e.plugins.EmitSubscriptionActivated(ctx, acct, pl)
	case payment.KindTopUp:
		e.plugins.EmitCreditsGranted(ctx, acct.UserID, topUp.Credits)
	}

	result := &payment.SettleResult{Payment: p, Account: acct}
	if p.ReferralDue {
		earning, err := e.payout(ctx, cfg.policy, acct, p, purchaseOf(acct, p))
		if err != nil {
			// The payment is committed with ReferralDue set; replaying the
			// notification finishes the payout.
			e.logger.Error("referral payout failed",
				"user_id", acct.UserID,
				"referrer_id", *acct.ReferredBy,
				"payload", p.Payload,
				"error", err,
			)
		}
		result.Referral = earning
	}
	return result, nil
}

// resumePayout completes the referral payout of an already settled
// payment when it is still owed. Earnings are unique per payload, so a
// payout that already happened is not repeated.
func (e *Engine) resumePayout(ctx context.Context, policy referral.Policy, payload string) *payment.SettleResult {
	result := &payment.SettleResult{AlreadySettled: true}

	prev, err := e.store.GetPayment(ctx, payload)
	if err != nil {
		e.logger.Warn("settled payment unreadable", "payload", payload, "error", err)
		return result
	}
	result.Payment = prev
	if !prev.ReferralDue {
		return result
	}

	buyer, err := e.store.GetAccount(ctx, prev.UserID)
	if err == nil && buyer.ReferredBy != nil {
		result.Referral, err = e.payout(ctx, policy, buyer, prev, purchaseOf(buyer, prev))
	}
	if err != nil {
		e.logger.Error("referral payout failed",
			"user_id", prev.UserID,
			"payload", payload,
			"error", err,
		)
	}
	return result
}

// purchaseOf describes p as a purchase by a, counting a's purchases so far.
func purchaseOf(a *account.Account, p *payment.Payment) referral.Purchase {
	return referral.Purchase{
		Subscription:       p.Kind == payment.KindSubscription,
		Amount:             p.Amount,
		PriorSubscriptions: a.SubscriptionPurchases,
		PriorTopUps:        a.TopUpPurchases,
	}
}

// referralDue reports whether p, bought by a before it is applied, earns
// a's inviter a payout under policy.
func referralDue(policy referral.Policy, a *account.Account, p *payment.Payment) bool {
	return a.ReferredBy != nil && policy.Qualifies(purchaseOf(a, p))
}

// GetPayment returns the payment settled for payload.
func (e *Engine) GetPayment(ctx context.Context, payload string) (*payment.Payment, error) {
	return e.store.GetPayment(ctx, payload)
}

// ListPayments returns the payments of userID, newest first.
func (e *Engine) ListPayments(ctx context.Context, userID int64, opts payment.ListOpts) ([]*payment.Payment, error) {
	return e.store.ListPayments(ctx, userID, opts)
}

// ──────────────────────────────────────────────────
// Referrals
// ──────────────────────────────────────────────────

// LinkReferral records inviterID as the inviter of newUserID when no
// inviter is set yet. Self-referrals and repeated links are no-ops.
func (e *Engine) LinkReferral(ctx context.Context, newUserID, inviterID int64) (bool, error) {
	if inviterID == newUserID || inviterID <= 0 {
		return false, nil
	}
	now := e.now()
	_, err := e.store.UpdateAccount(ctx, newUserID, func(a *account.Account) error {
		if !a.Link(inviterID) {
			return errUnchanged
		}
		a.Touch(now)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.logger.Info("referral linked", "user_id", newUserID, "referrer_id", inviterID)
	e.plugins.EmitReferralLinked(ctx, newUserID, inviterID)
	return true, nil
}

// PayoutOnPurchase pays the inviter of buyerID for p under the active
// policy's shape. It pays at most once per payment and returns nil when
// there is nobody to pay or the payment was already paid out.
func (e *Engine) PayoutOnPurchase(ctx context.Context, buyerID int64, p *payment.Payment) (*referral.Earning, error) {
	buyer, err := e.store.GetAccount(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if buyer.ReferredBy == nil {
		return nil, nil
	}
	purchase := referral.Purchase{
		Subscription: p.Kind == payment.KindSubscription,
		Amount:       p.Amount,
	}
	return e.payout(ctx, e.ReferralPolicy(), buyer, p, purchase)
}

func (e *Engine) payout(ctx context.Context, policy referral.Policy, buyer *account.Account, p *payment.Payment, purchase referral.Purchase) (*referral.Earning, error) {
	credits, amount := policy.Award(purchase)
	if credits == 0 && amount.IsZero() {
		return nil, nil
	}

	now := e.now()
	earning := &referral.Earning{
		ID:             id.NewEarningID(),
		ReferrerID:     *buyer.ReferredBy,
		FromUserID:     buyer.UserID,
		PaymentPayload: p.Payload,
		Shape:          policy.Shape,
		Credits:        credits,
		Amount:         amount,
		CreatedAt:      now.UTC(),
	}
	recorded, err := e.store.RecordEarning(ctx, earning, func(a *account.Account) error {
		a.BonusCredits += credits
		a.ReferralBalance += amount.Amount
		e.syncAdmin(a)
		a.Touch(now)
		return nil
	})
	if IsNotFound(err) {
		e.logger.Warn("referrer account missing, payout skipped",
			"referrer_id", earning.ReferrerID,
			"user_id", buyer.UserID,
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !recorded {
		return nil, nil
	}

	e.logger.Info("referral paid",
		"referrer_id", earning.ReferrerID,
		"user_id", buyer.UserID,
		"shape", earning.Shape,
		"credits", earning.Credits,
		"amount", earning.Amount.String(),
	)
	e.plugins.EmitReferralPaid(ctx, earning)
	return earning, nil
}

// ReferralSummary reports how many users userID invited and what they
// earned from them.
func (e *Engine) ReferralSummary(ctx context.Context, userID int64) (*referral.Summary, error) {
	a, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	invited, err := e.store.CountReferrals(ctx, userID)
	if err != nil {
		return nil, err
	}
	earnings, err := e.store.ListEarnings(ctx, userID, referral.ListOpts{Limit: 20})
	if err != nil {
		return nil, err
	}
	return &referral.Summary{
		Invited:  invited,
		Balance:  types.Stars(a.ReferralBalance),
		Earnings: earnings,
	}, nil
}

// ──────────────────────────────────────────────────
// Statistics
// ──────────────────────────────────────────────────

type Stats struct {
	TotalUsers          int64       `json:"total_users"`
	ActiveSubscriptions int64       `json:"active_subscriptions"`
	TotalPayments       int64       `json:"total_payments"`
	TotalRevenue        types.Money `json:"total_revenue"`
	// RequestsToday counts flushed usage events since UTC midnight.
	RequestsToday int64 `json:"requests_today"`
}

// AdminStats aggregates counters across all accounts.
func (e *Engine) AdminStats(ctx context.Context) (*Stats, error) {
	now := e.now()

	users, err := e.store.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}
	active, err := e.store.CountActiveSubscriptions(ctx, now)
	if err != nil {
		return nil, err
	}
	totals, err := e.store.PaymentTotals(ctx)
	if err != nil {
		return nil, err
	}
	requests, err := e.store.CountUsage(ctx, account.Day(now))
	if err != nil {
		return nil, err
	}

	return &Stats{
		TotalUsers:          users,
		ActiveSubscriptions: active,
		TotalPayments:       totals.Count,
		TotalRevenue:        totals.Revenue,
		RequestsToday:       requests,
	}, nil
}

// ──────────────────────────────────────────────────
// Usage Metering
// ──────────────────────────────────────────────────

// meterFlushWorker flushes usage events to the store.
func (e *Engine) meterFlushWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*meter.UsageEvent, 0, e.meterBatchSize)
	ticker := time.NewTicker(e.meterFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Final flush, including whatever is still buffered.
			for {
				select {
				case event := <-e.meterBuffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
			}
			return

		case event := <-e.meterBuffer:
			batch = append(batch, event)
			if len(batch) >= e.meterBatchSize {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}
		}
	}
}

func (e *Engine) flushMeterBatch(ctx context.Context, batch []*meter.UsageEvent) {
	start := time.Now()

	if err := e.store.IngestBatch(ctx, batch); err != nil {
		e.logger.Error("failed to flush meter batch",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	e.plugins.EmitUsageFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed meter batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// PurgeUsage deletes usage events recorded before before.
func (e *Engine) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	n, err := e.store.PurgeUsage(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("usage events purged", "count", n, "before", before)
	}
	return n, nil
}

func (e *Engine) retentionWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if _, err := e.PurgeUsage(ctx, e.now().Add(-e.usageRetention)); err != nil {
				e.logger.Warn("usage purge failed", "error", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// syncAdmin refreshes the account's admin mirror from the allow-list.
func (e *Engine) syncAdmin(a *account.Account) {
	a.IsAdmin = e.IsAdmin(a.UserID)
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
