// Package config loads the billingd configuration from an optional YAML
// file, a .env file and BILLING_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendGorm      = "gorm"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

// Config is the full billingd configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	Listen      string `mapstructure:"listen"`
	LogLevel    string `mapstructure:"log_level"`

	// BaseURL is the public frontend URL used for checkout redirects.
	BaseURL string `mapstructure:"base_url"`

	// AdminToken protects the admin subscription endpoints. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Paystack PaystackConfig `mapstructure:"paystack"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Plans    PlansConfig    `mapstructure:"plans"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend          string        `mapstructure:"backend"`
	RedisURL         string        `mapstructure:"redis_url"`
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
	GormDriver       string        `mapstructure:"gorm_driver"`
	GormDSN          string        `mapstructure:"gorm_dsn"`
	FirestoreProject string        `mapstructure:"firestore_project"`
	EventTTL         time.Duration `mapstructure:"event_ttl"`

	// TieredHot and TieredCold name the backends composed by BackendTiered.
	TieredHot  string `mapstructure:"tiered_hot"`
	TieredCold string `mapstructure:"tiered_cold"`
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Enabled reports whether Stripe checkout and webhooks are configured.
func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

// PaystackConfig holds Paystack credentials.
type PaystackConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// Enabled reports whether Paystack is configured.
func (c PaystackConfig) Enabled() bool { return c.SecretKey != "" }

// SMTPConfig configures outgoing billing email. Empty Host logs emails instead.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ArchiveConfig configures the S3 webhook archive. Empty Bucket disables it.
type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	EndpointURL     string `mapstructure:"endpoint_url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// PlansConfig overrides the plan tables. Lists are used instead of maps
// because viper lowercases map keys and Stripe price IDs are case sensitive.
type PlansConfig struct {
	StripePrices    []PriceMapping  `mapstructure:"stripe_prices"`
	PaystackAmounts []AmountMapping `mapstructure:"paystack_amounts"`
	Limits          []PlanLimits    `mapstructure:"limits"`
}

// PriceMapping maps a Stripe price ID to a plan.
type PriceMapping struct {
	PriceID string `mapstructure:"price_id"`
	Plan    string `mapstructure:"plan"`
}

// AmountMapping maps a Paystack amount in kobo to a plan.
type AmountMapping struct {
	Kobo int64  `mapstructure:"kobo"`
	Plan string `mapstructure:"plan"`
}

// PlanLimits are the limits of one plan.
type PlanLimits struct {
	Plan              string `mapstructure:"plan"`
	MaxGuilds         int    `mapstructure:"max_guilds"`
	MaxTelegramGroups int    `mapstructure:"max_telegram_groups"`
}

// RegistryConfig merges the overrides over billing.DefaultPlanRegistryConfig.
// A non-empty list replaces the whole default table.
func (p PlansConfig) RegistryConfig() billing.PlanRegistryConfig {
	out := billing.DefaultPlanRegistryConfig()
	if len(p.StripePrices) > 0 {
		out.StripePrices = make(map[string]billing.Plan, len(p.StripePrices))
		for _, m := range p.StripePrices {
			out.StripePrices[strings.TrimSpace(m.PriceID)] = billing.ParsePlan(m.Plan)
		}
	}
	if len(p.PaystackAmounts) > 0 {
		out.PaystackAmounts = make(map[int64]billing.Plan, len(p.PaystackAmounts))
		for _, m := range p.PaystackAmounts {
			out.PaystackAmounts[m.Kobo] = billing.ParsePlan(m.Plan)
		}
	}
	if len(p.Limits) > 0 {
		out.Limits = make(map[billing.Plan]billing.Limits, len(p.Limits))
		for _, l := range p.Limits {
			out.Limits[billing.ParsePlan(l.Plan)] = billing.Limits{
				MaxGuilds:         l.MaxGuilds,
				MaxTelegramGroups: l.MaxTelegramGroups,
			}
		}
	}
	return out
}

// IsDevelopment reports whether secrets may be omitted.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case billing.EnvironmentDevelopment, "dev", "test":
		return true
	default:
		return false
	}
}

// legacyEnv lists unprefixed variable names also accepted for a key.
var legacyEnv = map[string]string{
	"stripe.secret_key":     "STRIPE_SECRET_KEY",
	"stripe.webhook_secret": "STRIPE_WEBHOOK_SECRET",
	"paystack.secret_key":   "PAYSTACK_SECRET_KEY",
	"base_url":              "FRONTEND_URL",
	"storage.redis_url":     "REDIS_URL",
	"storage.postgres_dsn":  "DATABASE_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", billing.EnvironmentDevelopment)
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("base_url", "http://localhost:3000")
	v.SetDefault("admin_token", "")
	v.SetDefault("shutdown_timeout", 15*time.Second)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.auto_migrate", false)
	v.SetDefault("storage.gorm_driver", "postgres")
	v.SetDefault("storage.gorm_dsn", "")
	v.SetDefault("storage.firestore_project", "")
	v.SetDefault("storage.event_ttl", 30*24*time.Hour)
	v.SetDefault("storage.tiered_hot", BackendRedis)
	v.SetDefault("storage.tiered_cold", BackendPostgres)

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("paystack.secret_key", "")
	v.SetDefault("paystack.base_url", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "webhooks")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint_url", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "gobilling")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration. path may be empty, in which case billing.yaml is
// looked up in the working directory and /etc/gobilling and is optional.
// Values from BILLING_* environment variables win over the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "BILLING_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gobilling")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	return &cfg, nil
}

// Validate checks the configuration for the serve command.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	errs = append(errs, c.validateStorage(c.Storage.Backend, true)...)

	if c.Stripe.Enabled() && c.Stripe.WebhookSecret == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("stripe.webhook_secret is required outside development"))
	}
	if !c.IsDevelopment() {
		if !c.Stripe.Enabled() && !c.Paystack.Enabled() {
			errs = append(errs, errors.New("at least one of stripe.secret_key or paystack.secret_key is required"))
		}
		if c.Storage.Backend == BackendMemory {
			errs = append(errs, errors.New("memory storage is not allowed outside development"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateStorage(backend string, allowTiered bool) []error {
	s := c.Storage
	switch backend {
	case BackendMemory:
	case BackendRedis:
		if s.RedisURL == "" {
			return []error{errors.New("storage.redis_url is required for redis storage")}
		}
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return []error{errors.New("storage.postgres_dsn is required for postgres storage")}
		}
	case BackendGorm:
		if s.GormDSN == "" {
			return []error{errors.New("storage.gorm_dsn is required for gorm storage")}
		}
		switch s.GormDriver {
		case "postgres", "mysql", "sqlite":
		default:
			return []error{fmt.Errorf("storage.gorm_driver %q is not supported", s.GormDriver)}
		}
	case BackendFirestore:
		if s.FirestoreProject == "" {
			return []error{errors.New("storage.firestore_project is required for firestore storage")}
		}
	case BackendTiered:
		if !allowTiered {
			return []error{errors.New("tiered storage cannot be nested")}
		}
		var errs []error
		errs = append(errs, c.validateStorage(s.TieredHot, false)...)
		errs = append(errs, c.validateStorage(s.TieredCold, false)...)
		return errs
	default:
		return []error{fmt.Errorf("unknown storage backend %q", backend)}
	}
	return nil
}
