package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/pos-settlement/internal/ratelimit"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func request(terminal string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/sales/s1/payments", nil)
	if terminal != "" {
		req.Header.Set(ratelimit.TerminalHeader, terminal)
	}
	return req
}

func TestMiddlewareLimitsPerTerminal(t *testing.T) {
	lim, err := ratelimit.New("1-M", nil)
	require.NoError(t, err)
	h := ratelimit.Handler{Limiter: lim}.Middleware(ok())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("pos-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request("pos-1"))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request("pos-2"))
	require.Equal(t, http.StatusOK, rr.Code, "other terminals keep their own budget")
}

func TestMiddlewareSharesRedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	first, err := ratelimit.New("2-M", rdb)
	require.NoError(t, err)
	second, err := ratelimit.New("2-M", rdb)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for _, lim := range []*limiter.Limiter{first, second, first} {
		rr := httptest.NewRecorder()
		ratelimit.Handler{Limiter: lim}.Middleware(ok()).ServeHTTP(rr, request("pos-1"))
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

type failingLimiter struct{}

func (failingLimiter) Get(context.Context, string) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store down")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	var reported error
	h := ratelimit.Handler{Limiter: failingLimiter{}, OnError: func(err error) { reported = err }}.Middleware(ok())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request(""))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualError(t, reported, "store down")
}

func TestTerminalKeyFallsBackToIP(t *testing.T) {
	req := request("")
	req.RemoteAddr = "10.0.0.7:5555"
	require.Equal(t, "ip:10.0.0.7", ratelimit.TerminalKey(req))
	require.Equal(t, "terminal:pos-9", ratelimit.TerminalKey(request("pos-9")))
}

func TestNewRejectsBadRate(t *testing.T) {
	_, err := ratelimit.New("lots", nil)
	require.Error(t, err)
}
