package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port               string
	Env                string
	LogLevel           string
	ServerWriteTimeout time.Duration
	MaxBodyBytes       int64

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Catalog
	CatalogPath string

	// Routing
	MaxRetries      int
	UpstreamTimeout time.Duration
	FreeWorkspaces  []string

	// Quotas
	RateLimitWindowHours int
	StickyTTL            time.Duration

	// Subscriptions, in dollars
	SubscriptionWeeklyLimitUSD  string
	SubscriptionRollingLimitUSD string
	SubscriptionRollingWindow   time.Duration

	// Reload
	ReloadTriggerUSD int64
	ReloadLock       time.Duration
	ReloadWebhookURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", "8080"),
		Env:                         getEnv("ENV", "development"),
		LogLevel:                    getEnv("LOG_LEVEL", "info"),
		ServerWriteTimeout:          getEnvSeconds("SERVER_WRITE_TIMEOUT_SECONDS", 600),
		MaxBodyBytes:                int64(getEnvInt("MAX_BODY_MB", 32)) << 20,
		DatabaseURL:                 getEnv("DATABASE_URL", ""),
		RedisURL:                    getEnv("REDIS_URL", "redis://localhost:6379"),
		CatalogPath:                 getEnv("CATALOG_PATH", "configs/catalog.yaml"),
		MaxRetries:                  getEnvInt("MAX_RETRIES", 3),
		UpstreamTimeout:             getEnvSeconds("UPSTREAM_TIMEOUT_SECONDS", 300),
		FreeWorkspaces:              getEnvList("FREE_WORKSPACES"),
		RateLimitWindowHours:        getEnvInt("RATE_LIMIT_WINDOW_HOURS", 3),
		StickyTTL:                   time.Duration(getEnvInt("STICKY_TTL_HOURS", 24)) * time.Hour,
		SubscriptionWeeklyLimitUSD:  getEnv("SUBSCRIPTION_WEEKLY_LIMIT_USD", "200"),
		SubscriptionRollingLimitUSD: getEnv("SUBSCRIPTION_ROLLING_LIMIT_USD", "20"),
		SubscriptionRollingWindow:   time.Duration(getEnvInt("SUBSCRIPTION_ROLLING_WINDOW_HOURS", 5)) * time.Hour,
		ReloadTriggerUSD:            int64(getEnvInt("RELOAD_TRIGGER_USD", 5)),
		ReloadLock:                  getEnvSeconds("RELOAD_LOCK_SECONDS", 60),
		ReloadWebhookURL:            getEnv("RELOAD_WEBHOOK_URL", ""),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES must not be negative")
	}

	return cfg, nil
}

// IsDevelopment reports whether the gateway runs locally.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
