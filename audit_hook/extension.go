// Package audithook bridges quota events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit system. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/referral"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                  = (*Extension)(nil)
	_ plugin.OnAccountCreated        = (*Extension)(nil)
	_ plugin.OnCreditsGranted        = (*Extension)(nil)
	_ plugin.OnSubscriptionActivated = (*Extension)(nil)
	_ plugin.OnQuotaExhausted        = (*Extension)(nil)
	_ plugin.OnPaymentSettled        = (*Extension)(nil)
	_ plugin.OnPaymentRejected       = (*Extension)(nil)
	_ plugin.OnReferralLinked        = (*Extension)(nil)
	_ plugin.OnReferralPaid          = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a single audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges quota events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	minRank  int
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (e *Extension) OnAccountCreated(ctx context.Context, a *account.Account) error {
	kv := []any{"user_id", a.UserID}
	if a.ReferredBy != nil {
		kv = append(kv, "referred_by", *a.ReferredBy)
	}
	return e.record(ctx, ActionAccountCreated, SeverityInfo, OutcomeSuccess,
		ResourceAccount, userRef(a.UserID), CategoryAccount, nil,
		kv...,
	)
}

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (e *Extension) OnCreditsGranted(ctx context.Context, userID, credits int64) error {
	return e.record(ctx, ActionCreditsGranted, SeverityWarning, OutcomeSuccess,
		ResourceAccount, userRef(userID), CategoryAccount, nil,
		"credits", credits,
	)
}

// OnSubscriptionActivated implements plugin.OnSubscriptionActivated.
func (e *Extension) OnSubscriptionActivated(ctx context.Context, a *account.Account, p plan.Plan) error {
	kv := []any{"plan", p.Key, "daily_allowance", p.DailyAllowance}
	if a.Subscription != nil {
		kv = append(kv, "period_end", a.Subscription.PeriodEnd)
	}
	return e.record(ctx, ActionSubscriptionActivated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, userRef(a.UserID), CategorySubscription, nil,
		kv...,
	)
}

// ──────────────────────────────────────────────────
// Consumption hooks
// ──────────────────────────────────────────────────

// OnQuotaExhausted implements plugin.OnQuotaExhausted.
func (e *Extension) OnQuotaExhausted(ctx context.Context, userID int64) error {
	return e.record(ctx, ActionQuotaExhausted, SeverityWarning, OutcomeFailure,
		ResourceAccount, userRef(userID), CategoryAccess, nil,
	)
}

// ──────────────────────────────────────────────────
// Payment and referral hooks
// ──────────────────────────────────────────────────

// OnPaymentSettled implements plugin.OnPaymentSettled.
func (e *Extension) OnPaymentSettled(ctx context.Context, p *payment.Payment) error {
	return e.record(ctx, ActionPaymentSettled, SeverityInfo, OutcomeSuccess,
		ResourcePayment, p.Payload, CategoryPayment, nil,
		"user_id", p.UserID,
		"kind", string(p.Kind),
		"product", p.ProductKey,
		"amount", p.Amount.String(),
	)
}

// OnPaymentRejected implements plugin.OnPaymentRejected.
func (e *Extension) OnPaymentRejected(ctx context.Context, req payment.SettleRequest, reason error) error {
	return e.record(ctx, ActionPaymentRejected, SeverityCritical, OutcomeFailure,
		ResourcePayment, req.Payload, CategoryPayment, reason,
		"user_id", req.UserID,
		"amount", req.Amount.String(),
	)
}

// OnReferralLinked implements plugin.OnReferralLinked.
func (e *Extension) OnReferralLinked(ctx context.Context, userID, inviterID int64) error {
	return e.record(ctx, ActionReferralLinked, SeverityInfo, OutcomeSuccess,
		ResourceReferral, userRef(userID), CategoryReferral, nil,
		"inviter_id", inviterID,
	)
}

// OnReferralPaid implements plugin.OnReferralPaid.
func (e *Extension) OnReferralPaid(ctx context.Context, earning *referral.Earning) error {
	return e.record(ctx, ActionReferralPaid, SeverityInfo, OutcomeSuccess,
		ResourceReferral, earning.PaymentPayload, CategoryReferral, nil,
		"referrer_id", earning.ReferrerID,
		"from_user_id", earning.FromUserID,
		"shape", string(earning.Shape),
		"credits", earning.Credits,
		"amount", earning.Amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}
	if severityRank(severity) < e.minRank {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func userRef(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
