package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountCreated = "account.created"
	ActionCreditsGranted = "credits.granted"

	// Subscription actions
	ActionSubscriptionActivated = "subscription.activated"

	// Consumption actions
	ActionQuotaExhausted = "quota.exhausted"

	// Payment actions
	ActionPaymentSettled  = "payment.settled"
	ActionPaymentRejected = "payment.rejected"

	// Referral actions
	ActionReferralLinked = "referral.linked"
	ActionReferralPaid   = "referral.paid"
)

// Resource constants for audit events.
const (
	ResourceAccount      = "account"
	ResourceSubscription = "subscription"
	ResourcePayment      = "payment"
	ResourceReferral     = "referral"
)

// Category constants for audit events.
const (
	CategoryAccount      = "account"
	CategorySubscription = "subscription"
	CategoryAccess       = "access"
	CategoryPayment      = "payment"
	CategoryReferral     = "referral"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
