package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-settlement/internal/pricing"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv string

	SaleAPIBaseURL string
	SaleAPIToken   string
	SaleAPITimeout time.Duration

	RedisURL       string
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
	EventsStream   string
	AccountsTTL    time.Duration

	DefaultTaxEnabled bool
	DefaultTaxType    pricing.AdjustmentType
	DefaultTaxValue   decimal.Decimal

	Breaker BreakerConfig
	Retry   RetryConfig
	Obs     ObsConfig
	DevAPI  DevAPIConfig
}

// BreakerConfig tunes the circuit breaker in front of the sale API.
type BreakerConfig struct {
	MinRequests int
	FailureRate float64
	OpenFor     time.Duration
	Window      time.Duration
}

// RetryConfig tunes retries of idempotent sale API reads.
type RetryConfig struct {
	Base          time.Duration
	MaxAttempts   int
	JitterPercent int
}

// ObsConfig groups logging, metrics and tracing settings.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	HTTPBuckets      string
	EnableTracing    bool
	OTLPEndpoint     string
	SamplingRatio    float64
}

// DevAPIConfig configures the development sale API server.
type DevAPIConfig struct {
	Port               string
	RateLimit          string
	CORSAllowedOrigins []string
	SeedDemoSales      bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:         valueOrDefault(k.String("APP_ENV"), "development"),
		SaleAPIBaseURL: strings.TrimRight(strings.TrimSpace(k.String("SALE_API_BASE_URL")), "/"),
		SaleAPIToken:   strings.TrimSpace(k.String("SALE_API_TOKEN")),
		SaleAPITimeout: parseDuration(k.String("SALE_API_TIMEOUT"), "5s"),
		RedisURL:       strings.TrimSpace(k.String("REDIS_URL")),
		LockTTL:        parseDuration(k.String("SETTLEMENT_LOCK_TTL"), "30s"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		EventsStream:   valueOrDefault(k.String("EVENTS_STREAM"), "settlement:events"),
		AccountsTTL:    parseDuration(k.String("ACCOUNTS_CACHE_TTL"), "5m"),

		DefaultTaxEnabled: parseBool(k.String("DEFAULT_TAX_ENABLED")),
		DefaultTaxType:    pricing.AdjustmentType(strings.ToUpper(valueOrDefault(k.String("DEFAULT_TAX_TYPE"), string(pricing.Percentage)))),

		Breaker: BreakerConfig{
			MinRequests: parseInt(k.String("CIRCUIT_SALE_API_MIN_REQ"), 20),
			FailureRate: parseFloat(k.String("CIRCUIT_SALE_API_FAILURE_RATE"), 0.5),
			OpenFor:     parseDuration(k.String("CIRCUIT_SALE_API_OPEN_FOR"), "30s"),
			Window:      parseDuration(k.String("CIRCUIT_SALE_API_WINDOW"), "60s"),
		},
		Retry: RetryConfig{
			Base:          parseDuration(k.String("RETRY_BASE"), "200ms"),
			MaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
			JitterPercent: parseInt(k.String("RETRY_JITTER_PERCENT"), 20),
		},
		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "settlement"),
			HTTPBuckets:      strings.TrimSpace(k.String("OBS_HTTP_BUCKETS_MS")),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING")),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
		},
		DevAPI: DevAPIConfig{
			Port:               valueOrDefault(k.String("DEV_SALE_API_PORT"), "8081"),
			RateLimit:          valueOrDefault(k.String("DEV_SALE_API_RATE"), "120-M"),
			CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
			SeedDemoSales:      parseBoolDefault(k.String("DEV_SALE_API_SEED"), true),
		},
	}

	taxValue, err := parseDecimal(k.String("DEFAULT_TAX_VALUE"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TAX_VALUE: %w", err)
	}
	cfg.DefaultTaxValue = taxValue

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SaleAPIBaseURL == "" {
		return errors.New("SALE_API_BASE_URL is required")
	}
	u, err := url.Parse(c.SaleAPIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SALE_API_BASE_URL must be an absolute URL, got %q", c.SaleAPIBaseURL)
	}
	if !c.DefaultTaxType.IsValid() {
		return fmt.Errorf("DEFAULT_TAX_TYPE must be FIXED or PERCENTAGE, got %q", c.DefaultTaxType)
	}
	if c.DefaultTaxValue.IsNegative() {
		return errors.New("DEFAULT_TAX_VALUE must not be negative")
	}
	if c.Breaker.FailureRate <= 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("CIRCUIT_SALE_API_FAILURE_RATE must be in (0,1], got %v", c.Breaker.FailureRate)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// FormulaDefaults returns the formula inputs every payment session starts with.
func (c *Config) FormulaDefaults() pricing.Inputs {
	in := pricing.DefaultInputs()
	in.TaxEnabled = c.DefaultTaxEnabled
	in.TaxType = c.DefaultTaxType
	in.TaxValue = c.DefaultTaxValue
	return in
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// DevAPIAddr returns the address the development sale API binds to.
func (c *Config) DevAPIAddr() string {
	port := strings.TrimSpace(c.DevAPI.Port)
	if port == "" {
		port = "8081"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
