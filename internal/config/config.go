package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                    string
	DBUrl                   string
	JWTSecret               string
	AppEnv                  string
	CreditUnitPrice         int64
	CommissionRate          decimal.Decimal
	SettlementTimezone      string
	ConsecutiveWindow       time.Duration
	EntryOpensBefore        time.Duration
	ReconcileInterval       time.Duration
	ReconcileBatchSize      int
	PaymentMaxRetries       int
	ChannelTokenTTL         time.Duration
	RateLimitEnabled        bool
	RateLimitPerMinute      int
	settlementLocationCache *time.Location
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	commissionRate, err := decimal.NewFromString(getEnv("COMMISSION_RATE", "0.20"))
	if err != nil {
		return nil, fmt.Errorf("COMMISSION_RATE must be a decimal: %w", err)
	}
	if commissionRate.IsNegative() || commissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("COMMISSION_RATE must be between 0 and 1")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBUrl:              getEnv("DB_URL", ""),
		JWTSecret:          jwtSecret,
		AppEnv:             normalizeEnv(getEnv("APP_ENV", "production")),
		CreditUnitPrice:    int64(getEnvInt("CREDIT_UNIT_PRICE", 33000)),
		CommissionRate:     commissionRate,
		SettlementTimezone: getEnv("SETTLEMENT_TIMEZONE", "UTC"),
		ConsecutiveWindow:  time.Duration(getEnvInt("CONSECUTIVE_WINDOW_MINUTES", 35)) * time.Minute,
		EntryOpensBefore:   time.Duration(getEnvInt("ENTRY_OPENS_BEFORE_MINUTES", 10)) * time.Minute,
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 0),
		ReconcileBatchSize: getEnvInt("RECONCILE_BATCH_SIZE", 50),
		PaymentMaxRetries:  getEnvInt("PAYMENT_MAX_RETRIES", 3),
		ChannelTokenTTL:    getEnvDuration("CHANNEL_TOKEN_TTL", 2*time.Hour),
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
	}
	if cfg.CreditUnitPrice <= 0 {
		return nil, fmt.Errorf("CREDIT_UNIT_PRICE must be greater than 0")
	}
	if cfg.PaymentMaxRetries <= 0 {
		return nil, fmt.Errorf("PAYMENT_MAX_RETRIES must be greater than 0")
	}

	location, err := time.LoadLocation(cfg.SettlementTimezone)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_TIMEZONE is invalid: %w", err)
	}
	cfg.settlementLocationCache = location

	return cfg, nil
}

// SettlementLocation is the zone payout periods are cut in. UTC when unset.
func (c *Config) SettlementLocation() *time.Location {
	if c == nil || c.settlementLocationCache == nil {
		return time.UTC
	}
	return c.settlementLocationCache
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
