package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/resilience"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
)

// ClientConfig configures the HTTP sale API client.
type ClientConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	Breaker     *resilience.Breaker
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	Transport   http.RoundTripper
	Logger      zerolog.Logger
}

// Client talks to the sale API over HTTP. Reads are retried; payment and void
// requests are sent once and carry an Idempotency-Key so the caller can retry
// an unknown outcome safely.
type Client struct {
	base   *url.URL
	token  string
	http   resilience.HTTPClient
	logger zerolog.Logger
}

// NewClient validates the base URL and wraps the transport with tracing.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("backend: base url must be absolute")
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		base:  base,
		token: strings.TrimSpace(cfg.Token),
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker:     cfg.Breaker,
			BaseBackoff: cfg.BaseBackoff,
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      cfg.Jitter,
			Timeout:     cfg.Timeout,
		},
		logger: cfg.Logger,
	}, nil
}

// FetchSaleDetail implements payment.Backend.
func (c *Client) FetchSaleDetail(ctx context.Context, saleID string) (snapshot.RawSale, error) {
	var raw snapshot.RawSale
	err := c.do(ctx, http.MethodGet, "/sales/"+url.PathEscape(saleID), "", nil, &raw)
	return raw, err
}

// SubmitPayments implements payment.Backend.
func (c *Client) SubmitPayments(ctx context.Context, req payment.SubmitRequest) (payment.SubmitResult, error) {
	var res payment.SubmitResult
	err := c.do(ctx, http.MethodPost, "/sales/"+url.PathEscape(req.SaleID)+"/payments", req.IdempotencyKey, req, &res)
	return res, err
}

// VoidPayment implements payment.Backend.
func (c *Client) VoidPayment(ctx context.Context, saleID, paymentID string) (payment.VoidResult, error) {
	var res payment.VoidResult
	path := "/sales/" + url.PathEscape(saleID) + "/payments/" + url.PathEscape(paymentID) + "/void"
	err := c.do(ctx, http.MethodPost, path, "", nil, &res)
	return res, err
}

// Cancel cancels an open sale without active payments.
func (c *Client) Cancel(ctx context.Context, saleID string) error {
	return c.do(ctx, http.MethodPost, "/sales/"+url.PathEscape(saleID)+"/cancel", "", nil, nil)
}

// FetchDestinationAccounts implements payment.Backend.
func (c *Client) FetchDestinationAccounts(ctx context.Context) ([]payment.Account, error) {
	var body struct {
		Data []payment.Account `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/accounts", "", nil, &body)
	return body.Data, err
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("sale api unreachable")
		return common.ServerError(0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("sale api call")

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return common.ServerError(resp.StatusCode, "", fmt.Errorf("backend: decode response: %w", err))
	}
	return nil
}

// decodeError keeps the server's message verbatim so staff see why the
// payment was refused.
func decodeError(resp *http.Response) error {
	var env common.ErrorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Message == "" {
		return common.ServerError(resp.StatusCode, "", fmt.Errorf("backend: sale api returned %s", resp.Status))
	}
	return common.Rejection(resp.StatusCode, env.Error.Code, env.Error.Message)
}

var _ payment.Backend = (*Client)(nil)
