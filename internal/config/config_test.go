package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/config"
	"github.com/noah-isme/pos-settlement/internal/pricing"
)

func baseEnv() map[string]string {
	return map[string]string{
		"SALE_API_BASE_URL":             "http://localhost:8081/",
		"SALE_API_TIMEOUT":              "",
		"REDIS_URL":                     "",
		"DEFAULT_TAX_ENABLED":           "",
		"DEFAULT_TAX_TYPE":              "",
		"DEFAULT_TAX_VALUE":             "",
		"CIRCUIT_SALE_API_FAILURE_RATE": "",
		"RETRY_MAX_ATTEMPTS":            "",
		"DEV_SALE_API_PORT":             "",
		"CORS_ALLOWED_ORIGINS":          "",
		"ACCOUNTS_CACHE_TTL":            "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8081", cfg.SaleAPIBaseURL)
	require.Equal(t, 5*time.Second, cfg.SaleAPITimeout)
	require.Empty(t, cfg.RedisURL)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, ":8081", cfg.DevAPIAddr())
	require.Equal(t, 5*time.Minute, cfg.AccountsTTL)

	in := cfg.FormulaDefaults()
	require.False(t, in.TaxEnabled)
	require.Equal(t, pricing.Percentage, in.TaxType)
	require.Equal(t, 1, in.Divisor)
}

func TestLoadFormulaDefaultsAndOrigins(t *testing.T) {
	env := baseEnv()
	env["DEFAULT_TAX_ENABLED"] = "true"
	env["DEFAULT_TAX_TYPE"] = "percentage"
	env["DEFAULT_TAX_VALUE"] = "11"
	env["CORS_ALLOWED_ORIGINS"] = "http://pos.local, http://admin.local ,"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)

	in := cfg.FormulaDefaults()
	require.True(t, in.TaxEnabled)
	require.True(t, decimal.NewFromInt(11).Equal(in.TaxValue))
	require.Equal(t, []string{"http://pos.local", "http://admin.local"}, cfg.DevAPI.CORSAllowedOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SALE_API_BASE_URL":             "localhost:8081",
		"DEFAULT_TAX_TYPE":              "ratio",
		"DEFAULT_TAX_VALUE":             "ten",
		"CIRCUIT_SALE_API_FAILURE_RATE": "1.5",
		"RETRY_MAX_ATTEMPTS":            "0",
	}
	for key, value := range cases {
		env := baseEnv()
		env[key] = value
		_, err := config.LoadForTests(env)
		require.Error(t, err, key)
	}

	env := baseEnv()
	env["SALE_API_BASE_URL"] = ""
	_, err := config.LoadForTests(env)
	require.EqualError(t, err, "SALE_API_BASE_URL is required")
}
