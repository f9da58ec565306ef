// Package config loads quotad configuration from .env, environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	quota "github.com/xraph/quota"
	"github.com/xraph/quota/assistant"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
)

// EnvPrefix prefixes every environment variable read through AutomaticEnv.
const EnvPrefix = "QUOTA"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
)

type Config struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`

	Store StoreConfig `mapstructure:"store"`
	Meter MeterConfig `mapstructure:"meter"`

	// AdminID and AdminIDs are merged; either may hold several ids.
	AdminID  string `mapstructure:"admin_id"`
	AdminIDs string `mapstructure:"admin_ids"`

	// Plans and TopUps replace the default catalog when either is set.
	Plans  map[string]plan.PlanSpec  `mapstructure:"plans"`
	TopUps map[string]plan.TopUpSpec `mapstructure:"topups"`

	Referral  referral.Policy  `mapstructure:"referral"`
	Assistant assistant.Config `mapstructure:"assistant"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"` // mongo, when the DSN names none
	Prefix   string `mapstructure:"prefix"`   // redis key namespace
}

type MeterConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Admins returns the parsed admin allow-list.
func (c *Config) Admins() []int64 {
	return quota.ParseAdminIDs(c.AdminID, c.AdminIDs)
}

// Settings returns the hot-swappable engine settings.
func (c *Config) Settings() (quota.Settings, error) {
	catalog, err := plan.FromConfig(c.Plans, c.TopUps)
	if err != nil {
		return quota.Settings{}, quota.ValidationError{Field: "plans", Message: err.Error()}
	}
	return quota.Settings{
		Catalog:  catalog,
		Referral: c.Referral,
		AdminIDs: c.Admins(),
	}, nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs quota.MultiError
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMongo, DriverRedis:
		if c.Store.DSN == "" {
			errs.Add(quota.ValidationError{Field: "store.dsn", Message: "is required for " + c.Store.Driver})
		}
	default:
		errs.Add(quota.ValidationError{Field: "store.driver", Message: fmt.Sprintf("unknown driver %q", c.Store.Driver)})
	}
	if c.JWTSecret == "" {
		errs.Add(quota.ValidationError{Field: "jwt_secret", Message: "is required"})
	}
	settings, err := c.Settings()
	if err != nil {
		errs.Add(err)
	} else if err := settings.Validate(); err != nil {
		errs.Add(err)
	}
	return errs.Err()
}

// Loader reads configuration and reports changes to the YAML file.
type Loader struct {
	v      *viper.Viper
	file   string
	logger *slog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewLoader creates a loader. file may be empty, in which case only the
// environment is read.
func NewLoader(file string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{v: newViper(), file: file, logger: logger}
}

// Load reads .env, the environment and the YAML file, in increasing
// order of precedence for env over file.
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", l.file, err)
		}
	}
	return l.decode()
}

// Watch calls fn with the new configuration whenever the YAML file
// changes. Bursts of events within 500ms collapse into one reload.
func (l *Loader) Watch(fn func(*Config)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.debounce != nil {
			l.debounce.Stop()
		}
		l.debounce = time.AfterFunc(500*time.Millisecond, func() {
			cfg, err := l.decode()
			if err != nil {
				l.logger.Warn("config: reload failed", "file", e.Name, "error", err)
				return
			}
			l.logger.Info("config: reloaded", "file", e.Name)
			fn(cfg)
		})
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := assistant.DefaultConfig()
	pol := referral.DefaultPolicy()
	defaults := map[string]any{
		"http_addr":               ":8080",
		"log_level":               "info",
		"jwt_secret":              "",
		"store.driver":            DriverMemory,
		"store.dsn":               "",
		"store.database":          "",
		"store.prefix":            "",
		"meter.batch_size":        100,
		"meter.flush_interval":    5 * time.Second,
		"admin_id":                "",
		"admin_ids":               "",
		"referral.trigger":        string(pol.Trigger),
		"referral.shape":          string(pol.Shape),
		"referral.bonus_credits":  pol.BonusCredits,
		"referral.percent":        pol.Percent,
		"referral.include_topups": pol.IncludeTopUps,
		"assistant.api_key":       "",
		"assistant.base_url":      def.BaseURL,
		"assistant.text_model":    def.TextModel,
		"assistant.vision_model":  def.VisionModel,
		"assistant.temperature":   def.Temperature,
		"assistant.timeout":       def.Timeout,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	// Names the bot deployment already uses.
	aliases := map[string][]string{
		"admin_id":               {"QUOTA_ADMIN_ID", "ADMIN_ID"},
		"admin_ids":              {"QUOTA_ADMIN_IDS", "ADMIN_IDS"},
		"store.dsn":              {"QUOTA_STORE_DSN", "DATABASE_URL"},
		"referral.bonus_credits": {"QUOTA_REFERRAL_BONUS_CREDITS", "REF_BONUS_REQUESTS"},
		"assistant.api_key":      {"QUOTA_ASSISTANT_API_KEY", "DEEPSEEK_API_KEY"},
		"assistant.base_url":     {"QUOTA_ASSISTANT_BASE_URL", "DEEPSEEK_BASE_URL"},
		"assistant.text_model":   {"QUOTA_ASSISTANT_TEXT_MODEL", "DEEPSEEK_TEXT_MODEL"},
		"assistant.vision_model": {"QUOTA_ASSISTANT_VISION_MODEL", "DEEPSEEK_VISION_MODEL"},
	}
	for k, envs := range aliases {
		_ = v.BindEnv(append([]string{k}, envs...)...) //nolint:errcheck // only fails without a key
	}
	return v
}
