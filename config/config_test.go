package config_test

import (
	"os"
	"testing"

	"github.com/deepsentinel/gateway/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("REDIS_URL", "redis://localhost:6379")
	os.Setenv("ENV", "test")
	os.Setenv("BUDGET_LIMIT", "12.5")
	os.Setenv("CURRENCY_MULTIPLIER_MODELS", "deepseek=7.2, moonshot=1.0")
	defer func() {
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("ENV")
		os.Unsetenv("BUDGET_LIMIT")
		os.Unsetenv("CURRENCY_MULTIPLIER_MODELS")
	}()

	cfg := config.Load()
	require.NotNil(t, cfg)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 12.5, cfg.InitialBudgetLimit)
	assert.Equal(t, 7.2, cfg.CurrencyMultiplierModels["deepseek"])
	assert.Equal(t, 1.0, cfg.CurrencyMultiplierModels["moonshot"])
}

func TestLoadConfigDefaults(t *testing.T) {
	os.Unsetenv("BUDGET_LIMIT")
	os.Unsetenv("CURRENCY_MULTIPLIER_MODELS")

	cfg := config.Load()
	assert.Equal(t, 50.0, cfg.InitialBudgetLimit)
	assert.Equal(t, 7.2, cfg.CurrencyMultiplierModels["deepseek"])
	assert.True(t, cfg.IsDevelopment() || cfg.Env != "")
}
