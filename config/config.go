/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Gateway configuration: server address, Redis-backed
             key-value store, upstream provider connection, initial
             budget limit, price refresh cadence, and the currency
             multiplier predicate.
Root Cause:  DeepSentinel needs a single source of truth for every
             environment input the gateway consumes.
Context:     Env-driven configuration struct, limited to the fields
             the streaming billing pipeline consumes.
Suitability: L4 model used for security-critical config design.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Key-value store (sessions namespace B, prices namespace A)
	RedisURL string

	// Upstream model provider
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration

	// Price catalog
	PriceRefreshInterval     time.Duration
	PriceRefreshURL          string
	CurrencyMultiplierModels map[string]float64

	// Budget
	InitialBudgetLimit float64 // display currency

	// Session history
	SessionTTL time.Duration

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)
	upstreamTimeoutSec := getEnvInt("UPSTREAM_TIMEOUT_SEC", 120)
	refreshHours := getEnvInt("PRICE_REFRESH_INTERVAL_HOURS", 24)
	sessionTTLHours := getEnvInt("SESSION_TTL_HOURS", 24)

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", "redis://redis:6379"),
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		UpstreamAPIKey:  getEnv("UPSTREAM_API_KEY", ""),
		UpstreamTimeout: time.Duration(upstreamTimeoutSec) * time.Second,

		PriceRefreshInterval:     time.Duration(refreshHours) * time.Hour,
		PriceRefreshURL:          getEnv("PRICE_REFRESH_URL", ""),
		CurrencyMultiplierModels: parseMultiplierPredicate(getEnv("CURRENCY_MULTIPLIER_MODELS", "deepseek=7.2")),

		InitialBudgetLimit: getEnvFloat("BUDGET_LIMIT", 50.0),

		SessionTTL: time.Duration(sessionTTLHours) * time.Hour,

		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// parseMultiplierPredicate parses a comma-separated "substring=multiplier"
// list into a lookup table: which model ids trigger a currency conversion,
// and by what factor.
func parseMultiplierPredicate(raw string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		mult, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(kv[0]))] = mult
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
