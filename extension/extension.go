// Package extension provides the Forge extension adapter for quota.
//
// It implements the forge.Extension interface to integrate the quota engine
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.quota" or "quota" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	quota "github.com/xraph/quota"
	"github.com/xraph/quota/api"
	"github.com/xraph/quota/assistant"
	audithook "github.com/xraph/quota/audit_hook"
	"github.com/xraph/quota/observability"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/memory"
	mongostore "github.com/xraph/quota/store/mongo"
	pgstore "github.com/xraph/quota/store/postgres"
	sqlitestore "github.com/xraph/quota/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "quota"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Request quotas, subscriptions and Stars settlement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the quota engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *quota.Engine
	store      store.Store
	assistant  assistant.Client
	engineOpts []quota.Option
	useGrove   bool
}

// New creates a new quota Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *quota.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, registers it in the DI container and mounts
// the HTTP routes.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil && e.useGrove {
		s, err := e.resolveGroveStore(fapp)
		if err != nil {
			return err
		}
		e.store = s
	}

	// Use memory store if no store was provided.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts(fapp)
	if err != nil {
		return err
	}
	e.engine = quota.New(e.store, opts...)

	if err := vessel.Provide(fapp.Container(), func() (*quota.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}
	return e.mountRoutes(fapp)
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("quota: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("quota: store not initialized")
	}
	return e.store.Ping(ctx)
}

// resolveGroveStore builds a store on the grove.DB registered in the
// container, picking the backend by driver name.
func (e *Extension) resolveGroveStore(fapp forge.App) (store.Store, error) {
	var (
		db  *grove.DB
		err error
	)
	if e.config.GroveDatabase != "" {
		db, err = vessel.InjectNamed[*grove.DB](fapp.Container(), e.config.GroveDatabase)
	} else {
		db, err = vessel.Inject[*grove.DB](fapp.Container())
	}
	if err != nil {
		return nil, fmt.Errorf("quota: resolve grove database %q: %w", e.config.GroveDatabase, err)
	}

	switch name := db.Driver().Name(); name {
	case "pg":
		return pgstore.New(db), nil
	case "sqlite":
		return sqlitestore.New(db), nil
	case "mongo":
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("quota: unsupported grove driver %q", name)
	}
}

// buildEngineOpts constructs quota.Option values from the resolved config.
func (e *Extension) buildEngineOpts(fapp forge.App) ([]quota.Option, error) {
	opts := make([]quota.Option, 0, len(e.engineOpts)+5)
	opts = append(opts, quota.WithMeterConfig(e.config.MeterBatchSize, e.config.MeterFlushInterval))
	if e.config.DisableMigrate {
		opts = append(opts, quota.WithoutMigrate())
	}

	catalog, err := plan.FromConfig(e.config.Plans, e.config.TopUps)
	if err != nil {
		return nil, quota.ValidationError{Field: "plans", Message: err.Error()}
	}
	settings := quota.DefaultSettings()
	settings.Catalog = catalog
	settings.AdminIDs = e.config.AdminIDs
	if e.config.Referral != nil {
		settings.Referral = *e.config.Referral
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	opts = append(opts, quota.WithSettings(settings))

	if !e.config.DisableMetrics {
		opts = append(opts, quota.WithPlugin(observability.NewMetricsExtension(forgeMetrics{m: fapp.Metrics()})))
	}
	if !e.config.DisableAudit {
		opts = append(opts, quota.WithPlugin(audithook.New(
			audithook.RecorderFunc(e.logAudit),
			audithook.WithMinSeverity(e.config.AuditMinSeverity),
		)))
	}

	// Pass-through options go last so they win.
	opts = append(opts, e.engineOpts...)
	return opts, nil
}

// mountRoutes serves the api handler under BasePath.
func (e *Extension) mountRoutes(fapp forge.App) error {
	apiOpts := []api.Option{
		api.WithLogger(slog.Default()),
		api.WithSecret([]byte(e.config.JWTSecret)),
	}
	if c := e.assistantClient(); c != nil {
		apiOpts = append(apiOpts, api.WithAssistant(c))
	}

	base := "/" + strings.Trim(e.config.BasePath, "/")
	h := api.New(e.engine, apiOpts...).Handler()
	return fapp.Router().Handle(base, http.StripPrefix(base, h))
}

func (e *Extension) assistantClient() assistant.Client {
	if e.assistant != nil {
		return e.assistant
	}
	if e.config.Assistant.APIKey == "" {
		return nil
	}
	return assistant.New(e.config.Assistant)
}

// logAudit writes audit events to the app logger.
func (e *Extension) logAudit(_ context.Context, evt *audithook.AuditEvent) error {
	fields := []forge.Field{
		forge.F("action", evt.Action),
		forge.F("resource", evt.Resource),
		forge.F("resource_id", evt.ResourceID),
		forge.F("outcome", evt.Outcome),
		forge.F("severity", evt.Severity),
	}
	for k, v := range evt.Metadata {
		fields = append(fields, forge.F(k, v))
	}
	if evt.Severity == audithook.SeverityCritical {
		e.Logger().Warn("quota: audit", fields...)
		return nil
	}
	e.Logger().Info("quota: audit", fields...)
	return nil
}

// forgeMetrics adapts forge.Metrics to observability.MetricFactory.
type forgeMetrics struct {
	m forge.Metrics
}

func (f forgeMetrics) Counter(name string) observability.Counter     { return f.m.Counter(name) }
func (f forgeMetrics) Histogram(name string) observability.Histogram { return f.m.Histogram(name) }

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("quota: configuration is required but not found in config files; " +
				"ensure 'extensions.quota' or 'quota' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}
	if e.config.GroveDatabase != "" {
		e.useGrove = true
	}

	e.Logger().Debug("quota: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("meter_batch_size", e.config.MeterBatchSize),
		forge.F("meter_flush_interval", e.config.MeterFlushInterval),
		forge.F("admins", len(e.config.AdminIDs)),
		forge.F("grove_database", e.config.GroveDatabase),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.quota", "quota"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("quota: failed to bind config",
				forge.F("key", key),
				forge.F("error", err),
			)
			continue
		}
		e.Logger().Debug("quota: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.MeterBatchSize == 0 {
		cfg.MeterBatchSize = defaults.MeterBatchSize
	}
	if cfg.MeterFlushInterval == 0 {
		cfg.MeterFlushInterval = defaults.MeterFlushInterval
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	yamlConfig.DisableRoutes = yamlConfig.DisableRoutes || programmaticConfig.DisableRoutes
	yamlConfig.DisableMigrate = yamlConfig.DisableMigrate || programmaticConfig.DisableMigrate
	yamlConfig.DisableAudit = yamlConfig.DisableAudit || programmaticConfig.DisableAudit
	yamlConfig.DisableMetrics = yamlConfig.DisableMetrics || programmaticConfig.DisableMetrics

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.JWTSecret == "" {
		yamlConfig.JWTSecret = programmaticConfig.JWTSecret
	}
	if yamlConfig.GroveDatabase == "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}
	if yamlConfig.AuditMinSeverity == "" {
		yamlConfig.AuditMinSeverity = programmaticConfig.AuditMinSeverity
	}
	if yamlConfig.Assistant.APIKey == "" {
		yamlConfig.Assistant = programmaticConfig.Assistant
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.MeterBatchSize == 0 {
		yamlConfig.MeterBatchSize = programmaticConfig.MeterBatchSize
	}
	if yamlConfig.MeterFlushInterval == 0 {
		yamlConfig.MeterFlushInterval = programmaticConfig.MeterFlushInterval
	}
	if len(yamlConfig.AdminIDs) == 0 {
		yamlConfig.AdminIDs = programmaticConfig.AdminIDs
	}
	if yamlConfig.Referral == nil {
		yamlConfig.Referral = programmaticConfig.Referral
	}
	if len(yamlConfig.Plans) == 0 && len(yamlConfig.TopUps) == 0 {
		yamlConfig.Plans = programmaticConfig.Plans
		yamlConfig.TopUps = programmaticConfig.TopUps
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
