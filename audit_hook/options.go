package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used when the recorder fails.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions restricts auditing to the given actions.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = setOf(actions)
	}
}

// WithDisabledActions audits every known action except the given ones.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			e.enabled = setOf(Actions())
		}
		for _, a := range actions {
			delete(e.enabled, a)
		}
	}
}

// WithMinSeverity drops events ranked below severity. Unknown severities
// rank lowest.
func WithMinSeverity(severity string) Option {
	return func(e *Extension) {
		e.minRank = severityRank(severity)
	}
}

// Actions lists every action the extension can emit.
func Actions() []string {
	return []string{
		ActionAccountCreated,
		ActionCreditsGranted,
		ActionSubscriptionActivated,
		ActionQuotaExhausted,
		ActionPaymentSettled,
		ActionPaymentRejected,
		ActionReferralLinked,
		ActionReferralPaid,
	}
}

func setOf(actions []string) map[string]bool {
	m := make(map[string]bool, len(actions))
	for _, a := range actions {
		m[a] = true
	}
	return m
}

func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
