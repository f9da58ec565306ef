package extension

import (
	"time"

	"github.com/xraph/quota/assistant"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
)

// Config holds the quota extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.quota" or "quota" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for quota routes (default: "/quota").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// MeterBatchSize is the number of usage events to buffer before flushing
	// to the store (default: 100).
	MeterBatchSize int `json:"meter_batch_size" mapstructure:"meter_batch_size" yaml:"meter_batch_size"`

	// MeterFlushInterval is how frequently the usage buffer is flushed
	// even if the batch size has not been reached (default: 5s).
	MeterFlushInterval time.Duration `json:"meter_flush_interval" mapstructure:"meter_flush_interval" yaml:"meter_flush_interval"`

	// AdminIDs is the admin allow-list.
	AdminIDs []int64 `json:"admin_ids" mapstructure:"admin_ids" yaml:"admin_ids"`

	// Plans and TopUps replace the default catalog when either is set.
	Plans  map[string]plan.PlanSpec  `json:"plans,omitempty" mapstructure:"plans" yaml:"plans"`
	TopUps map[string]plan.TopUpSpec `json:"topups,omitempty" mapstructure:"topups" yaml:"topups"`

	// Referral overrides the default referral policy when set.
	Referral *referral.Policy `json:"referral,omitempty" mapstructure:"referral" yaml:"referral"`

	// DisableAudit stops audit events from being written to the app logger.
	DisableAudit bool `json:"disable_audit" mapstructure:"disable_audit" yaml:"disable_audit"`

	// AuditMinSeverity drops audit events below this severity ("info",
	// "warning", "critical"). Empty logs everything.
	AuditMinSeverity string `json:"audit_min_severity,omitempty" mapstructure:"audit_min_severity" yaml:"audit_min_severity"`

	// DisableMetrics stops quota metrics from being reported to app.Metrics().
	DisableMetrics bool `json:"disable_metrics" mapstructure:"disable_metrics" yaml:"disable_metrics"`

	// JWTSecret verifies bearer tokens on the HTTP routes.
	JWTSecret string `json:"-" mapstructure:"jwt_secret" yaml:"jwt_secret"`

	// Assistant enables the ask route when its APIKey is set.
	Assistant assistant.Config `json:"assistant" mapstructure:"assistant" yaml:"assistant"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and auto-constructs
	// the appropriate store based on the driver type (pg/sqlite/mongo).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:           "/quota",
		MeterBatchSize:     100,
		MeterFlushInterval: 5 * time.Second,
	}
}
