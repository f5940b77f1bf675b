/**
 * @description
 * This package handles the configuration management for the engine. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, then normalises the values the engine cannot run without.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Money limits are parsed as exact decimals.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	defaultApprovalThreshold     = "1000000"
	defaultDailyLimit            = "5000000"
	defaultMinAmount             = "100"
	defaultInternalCommission    = "500"
	defaultThirdPartyCommission  = "1000"
	defaultServiceCommission     = "0"
	defaultBusinessTimezone      = "America/Costa_Rica"
	defaultSchedulerSpec         = "@every 1m"
	defaultSchedulerBatchSize    = 100
	defaultClaimStaleMinutes     = 15
	defaultIdempotencyTTLMinutes = 1440
)

// Config holds all the configuration variables for the banking engine.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	StorageDriver               string `mapstructure:"STORAGE_DRIVER"`
	RunMigrations               bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix              string `mapstructure:"REDIS_KEY_PREFIX"`
	IdempotencyCacheTTLMinutes  int    `mapstructure:"IDEMPOTENCY_CACHE_TTL_MINUTES"`
	ExecuteRateLimitPerMinute   int    `mapstructure:"EXECUTE_RATE_LIMIT_PER_MINUTE"`
	PaymentRateLimitPerMinute   int    `mapstructure:"PAYMENT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventsExchange              string `mapstructure:"EVENTS_EXCHANGE"`
	JWTSecret                   string `mapstructure:"JWT_SECRET"`
	JWTIssuer                   string `mapstructure:"JWT_ISSUER"`
	ApprovalThresholdRaw        string `mapstructure:"APPROVAL_THRESHOLD"`
	DailyLimitRaw               string `mapstructure:"DAILY_LIMIT"`
	MinAmountRaw                string `mapstructure:"MIN_AMOUNT"`
	CommissionInternalRaw       string `mapstructure:"COMMISSION_INTERNAL_TRANSFER"`
	CommissionThirdPartyRaw     string `mapstructure:"COMMISSION_THIRD_PARTY_TRANSFER"`
	CommissionServicePaymentRaw string `mapstructure:"COMMISSION_SERVICE_PAYMENT"`
	BusinessTimezone            string `mapstructure:"BUSINESS_TIMEZONE"`
	SchedulerSpec               string `mapstructure:"SCHEDULER_SPEC"`
	SchedulerBatchSize          int    `mapstructure:"SCHEDULER_BATCH_SIZE"`
	ScheduleClaimStaleMinutes   int    `mapstructure:"SCHEDULE_CLAIM_STALE_MINUTES"`
	SchedulerInProcess          bool   `mapstructure:"SCHEDULER_IN_PROCESS"`

	// Parsed values, filled in by LoadConfig.
	ApprovalThreshold        decimal.Decimal `mapstructure:"-"`
	DailyLimit               decimal.Decimal `mapstructure:"-"`
	MinAmount                decimal.Decimal `mapstructure:"-"`
	CommissionInternal       decimal.Decimal `mapstructure:"-"`
	CommissionThirdParty     decimal.Decimal `mapstructure:"-"`
	CommissionServicePayment decimal.Decimal `mapstructure:"-"`
	Location                 *time.Location  `mapstructure:"-"`
}

// IdempotencyCacheTTL returns the Redis TTL for idempotency entries.
func (c Config) IdempotencyCacheTTL() time.Duration {
	return time.Duration(c.IdempotencyCacheTTLMinutes) * time.Minute
}

// ScheduleClaimStaleAfter returns the age after which an InProgress claim is reclaimed.
func (c Config) ScheduleClaimStaleAfter() time.Duration {
	return time.Duration(c.ScheduleClaimStaleMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "banking")
	viper.SetDefault("IDEMPOTENCY_CACHE_TTL_MINUTES", defaultIdempotencyTTLMinutes)
	viper.SetDefault("EXECUTE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("PAYMENT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENTS_EXCHANGE", "transaction_events")
	viper.SetDefault("JWT_ISSUER", "")
	viper.SetDefault("APPROVAL_THRESHOLD", defaultApprovalThreshold)
	viper.SetDefault("DAILY_LIMIT", defaultDailyLimit)
	viper.SetDefault("MIN_AMOUNT", defaultMinAmount)
	viper.SetDefault("COMMISSION_INTERNAL_TRANSFER", defaultInternalCommission)
	viper.SetDefault("COMMISSION_THIRD_PARTY_TRANSFER", defaultThirdPartyCommission)
	viper.SetDefault("COMMISSION_SERVICE_PAYMENT", defaultServiceCommission)
	viper.SetDefault("BUSINESS_TIMEZONE", defaultBusinessTimezone)
	viper.SetDefault("SCHEDULER_SPEC", defaultSchedulerSpec)
	viper.SetDefault("SCHEDULER_BATCH_SIZE", defaultSchedulerBatchSize)
	viper.SetDefault("SCHEDULE_CLAIM_STALE_MINUTES", defaultClaimStaleMinutes)
	viper.SetDefault("SCHEDULER_IN_PROCESS", false)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ENGINE_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("IDEMPOTENCY_CACHE_TTL_MINUTES")
	_ = viper.BindEnv("EXECUTE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PAYMENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("APPROVAL_THRESHOLD")
	_ = viper.BindEnv("DAILY_LIMIT")
	_ = viper.BindEnv("MIN_AMOUNT")
	_ = viper.BindEnv("COMMISSION_INTERNAL_TRANSFER")
	_ = viper.BindEnv("COMMISSION_THIRD_PARTY_TRANSFER")
	_ = viper.BindEnv("COMMISSION_SERVICE_PAYMENT")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("SCHEDULER_SPEC")
	_ = viper.BindEnv("SCHEDULER_BATCH_SIZE")
	_ = viper.BindEnv("SCHEDULE_CLAIM_STALE_MINUTES")
	_ = viper.BindEnv("SCHEDULER_IN_PROCESS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	if config.StorageDriver != StorageDriverPostgres && config.StorageDriver != StorageDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown storage driver; using postgres\" driver=%q", config.StorageDriver)
		config.StorageDriver = StorageDriverPostgres
	}

	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "banking"
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = "transaction_events"
	}

	config.ApprovalThreshold = parseAmount("APPROVAL_THRESHOLD", config.ApprovalThresholdRaw, defaultApprovalThreshold, false)
	config.DailyLimit = parseAmount("DAILY_LIMIT", config.DailyLimitRaw, defaultDailyLimit, false)
	config.MinAmount = parseAmount("MIN_AMOUNT", config.MinAmountRaw, defaultMinAmount, true)
	config.CommissionInternal = parseAmount("COMMISSION_INTERNAL_TRANSFER", config.CommissionInternalRaw, defaultInternalCommission, true)
	config.CommissionThirdParty = parseAmount("COMMISSION_THIRD_PARTY_TRANSFER", config.CommissionThirdPartyRaw, defaultThirdPartyCommission, true)
	config.CommissionServicePayment = parseAmount("COMMISSION_SERVICE_PAYMENT", config.CommissionServicePaymentRaw, defaultServiceCommission, true)

	config.BusinessTimezone = strings.TrimSpace(config.BusinessTimezone)
	if config.BusinessTimezone == "" {
		config.BusinessTimezone = defaultBusinessTimezone
	}
	loc, locErr := time.LoadLocation(config.BusinessTimezone)
	if locErr != nil {
		log.Printf("level=warn component=config msg=\"unknown business timezone; using UTC\" timezone=%q err=%v", config.BusinessTimezone, locErr)
		loc = time.UTC
	}
	config.Location = loc

	config.SchedulerSpec = strings.TrimSpace(config.SchedulerSpec)
	if config.SchedulerSpec == "" {
		config.SchedulerSpec = defaultSchedulerSpec
	}
	if config.SchedulerBatchSize <= 0 {
		config.SchedulerBatchSize = defaultSchedulerBatchSize
	}
	if config.ScheduleClaimStaleMinutes <= 0 {
		config.ScheduleClaimStaleMinutes = defaultClaimStaleMinutes
	}
	if config.IdempotencyCacheTTLMinutes <= 0 {
		config.IdempotencyCacheTTLMinutes = defaultIdempotencyTTLMinutes
	}
	if config.ExecuteRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative execute rate limit; disabling\" limit=%d", config.ExecuteRateLimitPerMinute)
		config.ExecuteRateLimitPerMinute = 0
	}
	if config.PaymentRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative payment rate limit; disabling\" limit=%d", config.PaymentRateLimitPerMinute)
		config.PaymentRateLimitPerMinute = 0
	}

	return
}

// parseAmount parses a decimal setting, falling back to def when it is missing, malformed
// or out of range. Zero is only accepted when allowZero is set.
func parseAmount(key, raw, def string, allowZero bool) decimal.Decimal {
	fallback := decimal.RequireFromString(def)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid amount; using default\" key=%s value=%q default=%s err=%v", key, raw, def, err)
		return fallback
	}
	if value.IsNegative() || (!allowZero && value.IsZero()) {
		log.Printf("level=warn component=config msg=\"amount out of range; using default\" key=%s value=%s default=%s", key, value, def)
		return fallback
	}
	return value
}
