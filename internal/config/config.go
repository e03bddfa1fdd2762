// Package config handles application configuration from environment variables
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage and mirrors. Empty values select in-memory or disabled backends.
	DatabaseURL      string
	RedisURL         string
	KafkaBrokers     []string
	KafkaAuditTopic  string
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Alert webhook mirror. Disabled when the URL is empty.
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Admin routes (provisioning, incidents). Open when empty.
	AdminSecret string

	// Sessions issued after a verified challenge
	SessionSecret string
	SessionTTL    time.Duration

	// Decision policy
	HighRiskThreshold   float64
	MediumRiskThreshold float64

	// Velocity
	MaxTransactionAmount float64
	MaxDailyTransactions int
	VelocityLookback     time.Duration

	// Step-up verification
	MFATTL         time.Duration
	MFAMaxAttempts int
	MFACodeLength  int

	// Extractor tuning
	AccountAgeSaturationDays int
	NightStartHour           int
	NightEndHour             int

	// Transport
	RateLimitRPS   float64
	RateLimitBurst int
}

// Documented defaults.
const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "json"
	DefaultKafkaAuditTopic          = "trust-audit"
	DefaultTraceSampleRatio         = 1.0
	DefaultSessionTTL               = 12 * time.Hour
	DefaultHighRiskThreshold        = 40.0
	DefaultMediumRiskThreshold      = 70.0
	DefaultMaxTransactionAmount     = 5000.0
	DefaultMaxDailyTransactions     = 50
	DefaultVelocityLookback         = 10 * time.Minute
	DefaultMFATTL                   = 5 * time.Minute
	DefaultMFAMaxAttempts           = 3
	DefaultMFACodeLength            = 6
	DefaultAccountAgeSaturationDays = 90
	DefaultNightStartHour           = 0
	DefaultNightEndHour             = 6
	DefaultRateLimitRPS             = 20.0
	DefaultRateLimitBurst           = 40
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		KafkaBrokers:             getEnvList("KAFKA_BROKERS"),
		KafkaAuditTopic:          getEnv("KAFKA_AUDIT_TOPIC", DefaultKafkaAuditTopic),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", DefaultTraceSampleRatio),
		AlertWebhookURL:          os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:       os.Getenv("ALERT_WEBHOOK_SECRET"),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		SessionSecret:            os.Getenv("SESSION_SECRET"),
		SessionTTL:               getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		HighRiskThreshold:        getEnvFloat("HIGH_RISK_THRESHOLD", DefaultHighRiskThreshold),
		MediumRiskThreshold:      getEnvFloat("MEDIUM_RISK_THRESHOLD", DefaultMediumRiskThreshold),
		MaxTransactionAmount:     getEnvFloat("MAX_TRANSACTION_AMOUNT", DefaultMaxTransactionAmount),
		MaxDailyTransactions:     getEnvInt("MAX_DAILY_TRANSACTIONS", DefaultMaxDailyTransactions),
		VelocityLookback:         getEnvDuration("VELOCITY_LOOKBACK", DefaultVelocityLookback),
		MFATTL:                   getEnvDuration("MFA_TTL", DefaultMFATTL),
		MFAMaxAttempts:           getEnvInt("MFA_MAX_ATTEMPTS", DefaultMFAMaxAttempts),
		MFACodeLength:            getEnvInt("MFA_CODE_LENGTH", DefaultMFACodeLength),
		AccountAgeSaturationDays: getEnvInt("ACCOUNT_AGE_SATURATION_DAYS", DefaultAccountAgeSaturationDays),
		NightStartHour:           getEnvInt("NIGHT_START_HOUR", DefaultNightStartHour),
		NightEndHour:             getEnvInt("NIGHT_END_HOUR", DefaultNightEndHour),
		RateLimitRPS:             getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:           getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}

	if cfg.SessionSecret == "" && !cfg.IsProduction() {
		cfg.SessionSecret = devSecret()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in production")
	}
	if len(c.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET must be at least 16 characters")
	}
	if c.HighRiskThreshold < 0 || c.MediumRiskThreshold > 100 {
		return fmt.Errorf("risk thresholds must lie within [0,100]")
	}
	if c.HighRiskThreshold >= c.MediumRiskThreshold {
		return fmt.Errorf("HIGH_RISK_THRESHOLD (%.1f) must be below MEDIUM_RISK_THRESHOLD (%.1f)",
			c.HighRiskThreshold, c.MediumRiskThreshold)
	}
	if c.MaxTransactionAmount <= 0 {
		return fmt.Errorf("MAX_TRANSACTION_AMOUNT must be positive")
	}
	if c.MaxDailyTransactions <= 0 {
		return fmt.Errorf("MAX_DAILY_TRANSACTIONS must be positive")
	}
	if c.VelocityLookback <= 0 {
		return fmt.Errorf("VELOCITY_LOOKBACK must be positive")
	}
	if c.MFATTL <= 0 {
		return fmt.Errorf("MFA_TTL must be positive")
	}
	if c.MFAMaxAttempts < 1 {
		return fmt.Errorf("MFA_MAX_ATTEMPTS must be at least 1")
	}
	if c.MFACodeLength < 4 || c.MFACodeLength > 10 {
		return fmt.Errorf("MFA_CODE_LENGTH must be between 4 and 10")
	}
	if c.AccountAgeSaturationDays <= 0 {
		return fmt.Errorf("ACCOUNT_AGE_SATURATION_DAYS must be positive")
	}
	if !validHour(c.NightStartHour) || !validHour(c.NightEndHour) {
		return fmt.Errorf("NIGHT_START_HOUR and NIGHT_END_HOUR must be within 0..23")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0,1]")
	}
	if c.AlertWebhookURL != "" {
		u, err := url.Parse(c.AlertWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func validHour(h int) bool {
	return h >= 0 && h <= 23
}

func devSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
