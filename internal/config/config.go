// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/kamilpajak/pagewise/internal/billing"
	"github.com/spf13/viper"
)

// Config holds all configuration for the billing service.
type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripePriceStarter  string `mapstructure:"STRIPE_PRICE_STARTER"`
	StripePricePro      string `mapstructure:"STRIPE_PRICE_PRO"`
	PlansFile           string `mapstructure:"PLANS_FILE"`

	RedisURL      string        `mapstructure:"REDIS_URL"`
	UsageCacheTTL time.Duration `mapstructure:"USAGE_CACHE_TTL"`

	AuthDomain   string `mapstructure:"AUTH_DOMAIN"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	ServiceToken string `mapstructure:"SERVICE_TOKEN"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	WebhookTimeout    time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	EventRetention    time.Duration `mapstructure:"EVENT_RETENTION"`
	RetentionSchedule string        `mapstructure:"RETENTION_SCHEDULE"`

	QuotaRatePerSecond float64 `mapstructure:"QUOTA_RATE_PER_SECOND"`
	QuotaRateBurst     int     `mapstructure:"QUOTA_RATE_BURST"`
}

var keys = []string{
	"PORT", "DATABASE_URL",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRICE_STARTER", "STRIPE_PRICE_PRO", "PLANS_FILE",
	"REDIS_URL", "USAGE_CACHE_TTL",
	"AUTH_DOMAIN", "AUTH_AUDIENCE", "SERVICE_TOKEN",
	"LOG_LEVEL", "LOG_FORMAT",
	"WEBHOOK_TIMEOUT", "EVENT_RETENTION", "RETENTION_SCHEDULE",
	"QUOTA_RATE_PER_SECOND", "QUOTA_RATE_BURST",
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("USAGE_CACHE_TTL", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("WEBHOOK_TIMEOUT", billing.DefaultWebhookTimeout.String())
	v.SetDefault("EVENT_RETENTION", "2160h")
	v.SetDefault("RETENTION_SCHEDULE", "@daily")
	v.SetDefault("QUOTA_RATE_PER_SECOND", 5.0)
	v.SetDefault("QUOTA_RATE_BURST", 10)
	v.AutomaticEnv()

	// Bind explicitly so keys without defaults appear in Unmarshal.
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the HTTP server cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.EventRetention <= 0 {
		errs = append(errs, errors.New("EVENT_RETENTION must be positive"))
	}
	if c.QuotaRatePerSecond < 0 || c.QuotaRateBurst < 0 {
		errs = append(errs, errors.New("quota rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Stripe returns the Stripe client configuration.
func (c Config) Stripe() billing.Config {
	return billing.Config{
		SecretKey:     c.StripeSecretKey,
		WebhookSecret: c.StripeWebhookSecret,
		PriceIDs: billing.PriceIDs{
			Starter: c.StripePriceStarter,
			Pro:     c.StripePricePro,
		},
	}
}

// Catalog loads PLANS_FILE, or builds the default catalog from the configured prices.
func (c Config) Catalog() (*billing.Catalog, error) {
	if c.PlansFile != "" {
		return billing.LoadCatalog(c.PlansFile)
	}
	return billing.DefaultCatalog(c.Stripe().PriceIDs)
}
