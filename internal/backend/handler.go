package backend

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/security"
)

// Handler exposes a Memory sale API over HTTP.
type Handler struct {
	Sales *Memory
	// Token, when set, is required as a bearer token on every route.
	Token string
	// MaxBody caps request payloads; zero uses 64 KiB.
	MaxBody int64
}

// Routes mounts the sale API on a chi router.
func (h Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireToken)
	r.Use(security.BodyLimit{Max: h.maxBody()}.Middleware)
	r.Get("/accounts", h.accounts)
	r.Route("/sales/{saleID}", func(s chi.Router) {
		s.Get("/", h.sale)
		s.Post("/payments", h.submit)
		s.Post("/payments/{paymentID}/void", h.void)
		s.Post("/cancel", h.cancel)
	})
	return r
}

func (h Handler) sale(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Sales.FetchSaleDetail(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, raw)
}

func (h Handler) accounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Sales.FetchDestinationAccounts(r.Context())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": accounts})
}

func (h Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req payment.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if security.TooLarge(err) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "payment payload too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, CodeBadRequest, "invalid payment payload", nil)
		return
	}
	req.SaleID = chi.URLParam(r, "saleID")
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	res, err := h.Sales.SubmitPayments(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, res)
}

func (h Handler) void(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sales.VoidPayment(r.Context(), chi.URLParam(r, "saleID"), chi.URLParam(r, "paymentID"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, res)
}

func (h Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Sales.Cancel(r.Context(), chi.URLParam(r, "saleID")); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h Handler) maxBody() int64 {
	if h.MaxBody <= 0 {
		return 64 << 10
	}
	return h.MaxBody
}

func (h Handler) requireToken(next http.Handler) http.Handler {
	if strings.TrimSpace(h.Token) == "" {
		return next
	}
	want := []byte("Bearer " + strings.TrimSpace(h.Token))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
