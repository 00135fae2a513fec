package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/app"
	"github.com/noah-isme/pos-settlement/internal/backend"
	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/config"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
)

func ptr(v int64) *int64 { return &v }

func settleEnv(t *testing.T) (*config.Config, *miniredis.Miniredis) {
	t.Helper()
	mem := backend.NewMemory(payment.Account{ID: "acc-1", Name: "Main register"})
	mem.Put(snapshot.RawSale{
		ID:             "table-7",
		State:          "OPEN",
		SubtotalAmount: ptr(50_000),
		TaxAmount:      ptr(0),
		DiscountAmount: ptr(0),
		TotalAmount:    ptr(50_000),
		TotalPaid:      ptr(0),
		Items:          []snapshot.RawItem{{ID: "soup", Name: "Soup", UnitPrice: ptr(25_000), Quantity: ptr(2)}},
	})
	srv := httptest.NewServer(backend.Handler{Sales: mem, Token: "dev"}.Routes())
	t.Cleanup(srv.Close)
	mr := miniredis.RunT(t)

	return &config.Config{
		SaleAPIBaseURL: srv.URL,
		SaleAPIToken:   "dev",
		SaleAPITimeout: time.Second,
		RedisURL:       "redis://" + mr.Addr(),
		LockTTL:        5 * time.Second,
		IdempotencyTTL: time.Hour,
		AccountsTTL:    time.Minute,
		EventsStream:   "settlement:events",
		DefaultTaxType: pricing.Percentage,
		Breaker:        config.BreakerConfig{MinRequests: 5, FailureRate: 0.5, OpenFor: time.Second},
		Retry:          config.RetryConfig{Base: time.Millisecond, MaxAttempts: 2},
		Obs:            config.ObsConfig{MetricsNamespace: "settle_cli_test"},
	}, mr
}

func appOptions() app.Options {
	logger := zerolog.Nop()
	return app.Options{Logger: &logger, Registry: prometheus.NewRegistry()}
}

func TestRunPaysRemainingDue(t *testing.T) {
	cfg, _ := settleEnv(t)
	var out bytes.Buffer

	err := run(context.Background(), cfg, appOptions(), options{saleID: "table-7", payAll: true, ways: 2}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "paid 50000 in 2 payment(s), balance due 0, closed true")
	require.Contains(t, out.String(), "due 0")
}

func TestRunFailureStillClosesEngine(t *testing.T) {
	cfg, mr := settleEnv(t)
	var out bytes.Buffer

	err := run(context.Background(), cfg, appOptions(), options{saleID: "table-7", voidID: "missing"}, &out)
	require.ErrorIs(t, err, common.ErrNotVoidable)
	require.Empty(t, out.String())
	require.Eventually(t, func() bool { return mr.CurrentConnectionCount() == 0 },
		time.Second, 10*time.Millisecond, "the redis client is closed on the error path")
}
