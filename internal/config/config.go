/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the affiliate finder
// backend. These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisSnapshotPrefix  string `mapstructure:"REDIS_SNAPSHOT_PREFIX"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	ApifyAPIBaseURL string `mapstructure:"APIFY_API_BASE_URL"`
	ApifyAPIToken   string `mapstructure:"APIFY_API_TOKEN"`
	ApifyActorID    string `mapstructure:"APIFY_ACTOR_ID"`

	StripeAPIKey        string `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string `mapstructure:"CHECKOUT_CANCEL_URL"`

	FirecrawlAPIBaseURL string `mapstructure:"FIRECRAWL_API_BASE_URL"`
	FirecrawlAPIKey     string `mapstructure:"FIRECRAWL_API_KEY"`

	ClerkJWKSURL   string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience  string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer    string `mapstructure:"CLERK_ISSUER"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	JobTimeoutMinutes      int `mapstructure:"JOB_TIMEOUT_MINUTES"`
	EnrichmentBudgetSecs   int `mapstructure:"ENRICHMENT_BUDGET_SECONDS"`
	MaxEnrichingCycles     int `mapstructure:"MAX_ENRICHING_CYCLES"`
	PollRateLimitPerMinute int `mapstructure:"POLL_RATE_LIMIT_PER_MINUTE"`

	CreditRolloverSchedule string `mapstructure:"CREDIT_ROLLOVER_SCHEDULE"`
	PurchaseSweepSchedule  string `mapstructure:"PURCHASE_SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_SNAPSHOT_PREFIX", "afb:snapshot")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "afb:rate_limit")
	viper.SetDefault("APIFY_API_BASE_URL", "https://api.apify.com")
	viper.SetDefault("FIRECRAWL_API_BASE_URL", "https://api.firecrawl.dev")
	viper.SetDefault("JOB_TIMEOUT_MINUTES", 10)
	viper.SetDefault("ENRICHMENT_BUDGET_SECONDS", 8)
	viper.SetDefault("MAX_ENRICHING_CYCLES", 3)
	viper.SetDefault("POLL_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("CREDIT_ROLLOVER_SCHEDULE", "15 0 1 * *")
	viper.SetDefault("PURCHASE_SWEEP_SCHEDULE", "*/30 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_SNAPSHOT_PREFIX")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("APIFY_API_BASE_URL")
	_ = viper.BindEnv("APIFY_API_TOKEN")
	_ = viper.BindEnv("APIFY_ACTOR_ID")
	_ = viper.BindEnv("STRIPE_API_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("CHECKOUT_SUCCESS_URL")
	_ = viper.BindEnv("CHECKOUT_CANCEL_URL")
	_ = viper.BindEnv("FIRECRAWL_API_BASE_URL")
	_ = viper.BindEnv("FIRECRAWL_API_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("JOB_TIMEOUT_MINUTES")
	_ = viper.BindEnv("ENRICHMENT_BUDGET_SECONDS")
	_ = viper.BindEnv("MAX_ENRICHING_CYCLES")
	_ = viper.BindEnv("POLL_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CREDIT_ROLLOVER_SCHEDULE")
	_ = viper.BindEnv("PURCHASE_SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisSnapshotPrefix = strings.TrimSpace(config.RedisSnapshotPrefix)
	if config.RedisSnapshotPrefix == "" {
		config.RedisSnapshotPrefix = "afb:snapshot"
	}
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "afb:rate_limit"
	}

	if config.JobTimeoutMinutes <= 0 {
		config.JobTimeoutMinutes = 10
	}
	if config.EnrichmentBudgetSecs <= 0 {
		config.EnrichmentBudgetSecs = 8
	}
	if config.MaxEnrichingCycles <= 0 {
		config.MaxEnrichingCycles = 3
	}
	if config.PollRateLimitPerMinute <= 0 {
		config.PollRateLimitPerMinute = 60
	}

	return
}
