package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-settlement/internal/backend"
	"github.com/noah-isme/pos-settlement/internal/cache"
	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/config"
	"github.com/noah-isme/pos-settlement/internal/events"
	"github.com/noah-isme/pos-settlement/internal/health"
	"github.com/noah-isme/pos-settlement/internal/lock"
	"github.com/noah-isme/pos-settlement/internal/obs"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/resilience"
	"github.com/noah-isme/pos-settlement/internal/session"
)

// Options overrides collaborators Build would otherwise create.
type Options struct {
	Logger    *zerolog.Logger
	Registry  prometheus.Registerer
	Transport http.RoundTripper
	// Redis replaces the client parsed from REDIS_URL.
	Redis *redis.Client
}

// Engine wires the settlement components for one process. Sessions opened
// from the same Engine share the per-sale guard.
type Engine struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Redis    *redis.Client
	Client   *backend.Client
	Breaker  *resilience.Breaker
	Payments *payment.Service
	Events   *events.Bus
	Metrics  *obs.SettlementMetrics

	closers []func(context.Context) error
}

// Build creates the engine from configuration. Without Redis the lock,
// idempotency store and event store fall back to in-process variants.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	}
	e := &Engine{Config: cfg, Logger: logger}

	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.Obs.EnableTracing,
		Endpoint:      cfg.Obs.OTLPEndpoint,
		SamplingRatio: cfg.Obs.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		e.closers = append(e.closers, shutdown)
	}

	e.Redis = opts.Redis
	if e.Redis == nil && cfg.RedisURL != "" {
		e.Redis, err = NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		rdb := e.Redis
		e.closers = append(e.closers, func(context.Context) error { return rdb.Close() })
	}

	e.Breaker = resilience.NewBreaker(cfg.Breaker.MinRequests, cfg.Breaker.FailureRate, cfg.Breaker.OpenFor).
		WithWindow(cfg.Breaker.Window).
		WithTarget("sale-api").
		WithLogger(logger)
	e.Client, err = backend.NewClient(backend.ClientConfig{
		BaseURL:     cfg.SaleAPIBaseURL,
		Token:       cfg.SaleAPIToken,
		Timeout:     cfg.SaleAPITimeout,
		Breaker:     e.Breaker,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.Base,
		Jitter:      float64(cfg.Retry.JitterPercent) / 100,
		Transport:   opts.Transport,
		Logger:      logger,
	})
	if err != nil {
		_ = e.Close(ctx)
		return nil, fmt.Errorf("app: sale api client: %w", err)
	}

	e.Metrics = obs.NewSettlementMetrics(cfg.Obs.MetricsNamespace, opts.Registry)
	e.Events = &events.Bus{Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}}}
	svc := &payment.Service{
		Backend: e.Client,
		LockTTL: cfg.LockTTL,
		Events:  e.Events,
		Metrics: e.Metrics,
		Logger:  logger,
	}
	if e.Redis != nil {
		svc.Locker = lock.Locker{R: e.Redis}
		svc.Idem = common.RedisIdem{R: e.Redis, TTL: cfg.IdempotencyTTL}
		svc.Cache = cache.NewJSON(e.Redis, cfg.AccountsTTL)
		e.Events.Store = events.RedisStreamStore{R: e.Redis, Stream: cfg.EventsStream, MaxLen: 100_000}
	} else {
		svc.Idem = &common.MemoryIdem{}
		e.Events.Store = &events.MemoryStore{}
	}
	e.Payments = svc

	logger.Info().
		Str("sale_api", cfg.SaleAPIBaseURL).
		Bool("redis", e.Redis != nil).
		Bool("tracing", cfg.Obs.EnableTracing).
		Msg("settlement engine ready")
	return e, nil
}

// Open starts a payment session for a sale with the configured formula defaults.
func (e *Engine) Open(ctx context.Context, saleID string, opts ...session.Option) (*session.Session, error) {
	base := []session.Option{
		session.WithDefaults(e.Config.FormulaDefaults()),
		session.WithLogger(e.Logger),
	}
	return session.Open(ctx, e.Payments, saleID, append(base, opts...)...)
}

// Probes returns readiness checks for the engine's dependencies.
func (e *Engine) Probes() map[string]health.Probe {
	probes := map[string]health.Probe{
		"sale_api": func(context.Context) error {
			switch st := e.Breaker.Stats(); st.State {
			case resilience.Open:
				return fmt.Errorf("circuit open after %d of %d failed calls, retry at %s",
					st.Failures, st.Requests, st.RetryAt.Format(time.RFC3339))
			case resilience.HalfOpen:
				return errors.New("circuit half-open, probing")
			}
			return nil
		},
	}
	if e.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return e.Redis.Ping(ctx).Err() }
	}
	return probes
}

// Close releases everything Build opened, in reverse order.
func (e *Engine) Close(ctx context.Context) error {
	var joined error
	for i := len(e.closers) - 1; i >= 0; i-- {
		joined = errors.Join(joined, e.closers[i](ctx))
	}
	e.closers = nil
	return joined
}

// NewRedis connects to Redis and instruments the client with OpenTelemetry.
func NewRedis(ctx context.Context, url string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return rdb, nil
}
