package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/pos-settlement/internal/app"
	"github.com/noah-isme/pos-settlement/internal/backend"
	"github.com/noah-isme/pos-settlement/internal/config"
	"github.com/noah-isme/pos-settlement/internal/health"
	"github.com/noah-isme/pos-settlement/internal/obs"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/ratelimit"
	"github.com/noah-isme/pos-settlement/internal/security"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
)

func main() {
	// The dev server is the sale API, so the engine URL defaults to itself.
	if os.Getenv("SALE_API_BASE_URL") == "" {
		_ = os.Setenv("SALE_API_BASE_URL", "http://localhost:8081")
	}
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "saleapi-dev").Logger()

	if cfg.Obs.EnableTracing {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			Enabled:       true,
			ServiceName:   "pos-saleapi-dev",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = app.NewRedis(ctx, cfg.RedisURL, logger)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	sales := backend.NewMemory(
		payment.Account{ID: "acc-bca", Name: "BCA", Number: "1234567890"},
		payment.Account{ID: "acc-mandiri", Name: "Mandiri EDC", Number: "0987654321"},
	)
	if cfg.DevAPI.SeedDemoSales {
		for _, sale := range demoSales() {
			sales.Put(sale)
		}
	}

	lim, err := ratelimit.New(cfg.DevAPI.RateLimit, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.HTTPBuckets), nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Obs.EnableTracing {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", ratelimit.TerminalHeader},
		ExposedHeaders:   []string{"X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	probes := map[string]health.Probe{}
	if rdb != nil {
		probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	healthHandler := health.Handler{Probes: probes}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	limited := ratelimit.Handler{
		Limiter: lim,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}
	r.Mount("/", limited.Middleware(backend.Handler{Sales: sales, Token: cfg.SaleAPIToken}.Routes()))

	srv := &http.Server{
		Addr:              cfg.DevAPIAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("seeded", cfg.DevAPI.SeedDemoSales).Msg("sale api starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	health.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("sale api stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.DevAPI.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.DevAPI.CORSAllowedOrigins
}

func money(v int64) *int64 { return &v }

func demoSales() []snapshot.RawSale {
	return []snapshot.RawSale{
		{
			ID:             "demo-table-1",
			State:          "OPEN",
			SubtotalAmount: money(100_000),
			TaxAmount:      money(10_000),
			DiscountAmount: money(0),
			TotalAmount:    money(110_000),
			TotalPaid:      money(0),
			Items: []snapshot.RawItem{
				{ID: "nasi-goreng", Name: "Nasi goreng", UnitPrice: money(30_000), Quantity: money(2)},
				{ID: "es-teh", Name: "Es teh", UnitPrice: money(5_000), Quantity: money(4),
					Extras: []snapshot.RawExtra{{ID: "lemon", Name: "Lemon", UnitPrice: money(2_500), Quantity: 4}}},
				{ID: "sate", Name: "Sate ayam", UnitPrice: money(10_000), Quantity: money(1)},
			},
		},
		{
			ID:             "demo-table-2",
			State:          "OPEN",
			SubtotalAmount: money(75_000),
			TaxAmount:      money(0),
			DiscountAmount: money(5_000),
			TotalAmount:    money(70_000),
			TotalPaid:      money(0),
			Items: []snapshot.RawItem{
				{ID: "mie-ayam", Name: "Mie ayam", UnitPrice: money(25_000), Quantity: money(3)},
			},
		},
	}
}
