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

// Config holds all the configuration variables for the settlement engine.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string  `mapstructure:"SERVER_PORT"`
	DatabaseURL               string  `mapstructure:"DATABASE_URL"`
	RedisURL                  string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string  `mapstructure:"RABBITMQ_URL"`
	GatewayAPIBaseURL         string  `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey             string  `mapstructure:"GATEWAY_API_KEY"`
	TenantServiceURL          string  `mapstructure:"TENANT_SERVICE_URL"`
	TenantServiceAPIKey       string  `mapstructure:"TENANT_SERVICE_API_KEY"`
	AuthJWKSURL               string  `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey            string  `mapstructure:"INTERNAL_API_KEY"`
	DefaultPlatformFeePercent float64 `mapstructure:"DEFAULT_PLATFORM_FEE_PERCENT"`
	RetryBaseSeconds          int     `mapstructure:"RETRY_BASE_SECONDS"`
	RetryCapSeconds           int     `mapstructure:"RETRY_CAP_SECONDS"`
	RetryMaxAttempts          int     `mapstructure:"RETRY_MAX_ATTEMPTS"`
	SweepSchedule             string  `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchLimit           int     `mapstructure:"SWEEP_BATCH_LIMIT"`
	IngestRateLimitPerMinute  int     `mapstructure:"INGEST_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("DEFAULT_PLATFORM_FEE_PERCENT", 10.0)
	viper.SetDefault("RETRY_BASE_SECONDS", 30)
	viper.SetDefault("RETRY_CAP_SECONDS", 3600)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 10)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_BATCH_LIMIT", 100)
	viper.SetDefault("INGEST_RATE_LIMIT_PER_MINUTE", 600)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("TENANT_SERVICE_URL")
	_ = viper.BindEnv("TENANT_SERVICE_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("RETRY_BASE_SECONDS")
	_ = viper.BindEnv("RETRY_CAP_SECONDS")
	_ = viper.BindEnv("RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("INGEST_RATE_LIMIT_PER_MINUTE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}

	if config.DefaultPlatformFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative default fee percent configured; coercing to zero\" fee_percent=%f", config.DefaultPlatformFeePercent)
		config.DefaultPlatformFeePercent = 0
	}
	if config.DefaultPlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"default fee percent too high; capping at 100\" fee_percent=%f", config.DefaultPlatformFeePercent)
		config.DefaultPlatformFeePercent = 100
	}

	if config.RetryBaseSeconds <= 0 {
		config.RetryBaseSeconds = 30
	}
	if config.RetryCapSeconds < config.RetryBaseSeconds {
		config.RetryCapSeconds = 3600
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = 10
	}
	if config.SweepBatchLimit <= 0 {
		config.SweepBatchLimit = 100
	}
	if config.IngestRateLimitPerMinute <= 0 {
		config.IngestRateLimitPerMinute = 600
	}

	return
}
