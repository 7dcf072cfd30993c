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
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	StoreBackend            string `mapstructure:"STORE_BACKEND"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	BadgerDir               string `mapstructure:"BADGER_DIR"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventsExchange          string `mapstructure:"EVENTS_EXCHANGE"`
	JWTSecret               string `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LoginMaxFailedAttempts  int    `mapstructure:"LOGIN_MAX_FAILED_ATTEMPTS"`
	LoginLockoutSeconds     int    `mapstructure:"LOGIN_LOCKOUT_SECONDS"`
	LoginRateLimitPerMinute int    `mapstructure:"LOGIN_RATE_LIMIT_PER_MINUTE"`
	LoginIdentityRateLimit  int    `mapstructure:"LOGIN_IDENTITY_RATE_LIMIT_PER_MINUTE"`
	TrustProxyHeaders       bool   `mapstructure:"TRUST_PROXY_HEADERS"`
	LedgerLockTimeoutMs     int    `mapstructure:"LEDGER_LOCK_TIMEOUT_MS"`
	LedgerMaxRetries        int    `mapstructure:"LEDGER_MAX_RETRIES"`
	BcryptCost              int    `mapstructure:"BCRYPT_COST"`
	AccountNumberPrefix     string `mapstructure:"ACCOUNT_NUMBER_PREFIX"`
	ThrottleSweepSchedule   string `mapstructure:"THROTTLE_SWEEP_SCHEDULE"`
}

// LockoutWindow is how long an identity stays locked after its last failure.
func (c Config) LockoutWindow() time.Duration {
	return time.Duration(c.LoginLockoutSeconds) * time.Second
}

// LockTimeout bounds how long a ledger operation waits for an account lock.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LedgerLockTimeoutMs) * time.Millisecond
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
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
	viper.SetDefault("STORE_BACKEND", BackendMemory)
	viper.SetDefault("BADGER_DIR", "./data/badger")
	viper.SetDefault("REDIS_KEY_PREFIX", "ledger")
	viper.SetDefault("EVENTS_EXCHANGE", "ledger_events")
	viper.SetDefault("LOGIN_MAX_FAILED_ATTEMPTS", 5)
	viper.SetDefault("LOGIN_LOCKOUT_SECONDS", 1800)
	viper.SetDefault("LOGIN_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("LOGIN_IDENTITY_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("TRUST_PROXY_HEADERS", false)
	viper.SetDefault("LEDGER_LOCK_TIMEOUT_MS", 2000)
	viper.SetDefault("LEDGER_MAX_RETRIES", 3)
	viper.SetDefault("BCRYPT_COST", 10)
	viper.SetDefault("ACCOUNT_NUMBER_PREFIX", "150")
	viper.SetDefault("THROTTLE_SWEEP_SCHEDULE", "@every 5m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_BACKEND")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("BADGER_DIR")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOGIN_MAX_FAILED_ATTEMPTS")
	_ = viper.BindEnv("LOGIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("LOGIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("LOGIN_IDENTITY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRUST_PROXY_HEADERS")
	_ = viper.BindEnv("LEDGER_LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("LEDGER_MAX_RETRIES")
	_ = viper.BindEnv("BCRYPT_COST")
	_ = viper.BindEnv("ACCOUNT_NUMBER_PREFIX")
	_ = viper.BindEnv("THROTTLE_SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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

	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))
	if config.StoreBackend == "" {
		config.StoreBackend = BackendMemory
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "ledger"
	}
	config.AccountNumberPrefix = strings.TrimSpace(config.AccountNumberPrefix)
	if config.AccountNumberPrefix == "" {
		config.AccountNumberPrefix = "150"
	}
	if strings.TrimSpace(config.ThrottleSweepSchedule) == "" {
		config.ThrottleSweepSchedule = "@every 5m"
	}

	if config.LoginMaxFailedAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"invalid LOGIN_MAX_FAILED_ATTEMPTS; using default\" value=%d", config.LoginMaxFailedAttempts)
		config.LoginMaxFailedAttempts = 5
	}
	if config.LoginLockoutSeconds <= 0 {
		config.LoginLockoutSeconds = 1800
	}
	if config.LoginRateLimitPerMinute < 0 {
		config.LoginRateLimitPerMinute = 0
	}
	if config.LoginIdentityRateLimit < 0 {
		config.LoginIdentityRateLimit = 0
	}
	if config.LedgerLockTimeoutMs <= 0 {
		config.LedgerLockTimeoutMs = 2000
	}
	if config.LedgerMaxRetries < 0 {
		config.LedgerMaxRetries = 0
	}

	switch config.StoreBackend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if config.DatabaseURL == "" {
			return config, fmt.Errorf("STORE_BACKEND=%s requires DATABASE_URL", BackendPostgres)
		}
	default:
		return config, fmt.Errorf("unsupported STORE_BACKEND %q", config.StoreBackend)
	}

	return
}
