package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/freightfox/portal/internal/payments"
	"github.com/freightfox/portal/internal/platform/auth"
	"github.com/freightfox/portal/internal/platform/httpx"
	"github.com/freightfox/portal/internal/platform/requestctx"
)

// OrderCreator creates gateway orders.
type OrderCreator interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.Order, error)
}

// CompletionVerifier confirms a checkout completion with the provider that created its order.
type CompletionVerifier interface {
	VerifyPayment(ctx context.Context, completion payments.Completion) error
}

// PaymentHandlers exposes the server half of the checkout handshake.
type PaymentHandlers struct {
	authn           *auth.Authenticator
	orders          OrderCreator
	completions     CompletionVerifier
	defaultCurrency string
}

// NewPaymentHandlers constructs payment handlers. authn may be nil in tests.
func NewPaymentHandlers(authn *auth.Authenticator, orders OrderCreator, completions CompletionVerifier, defaultCurrency string) *PaymentHandlers {
	return &PaymentHandlers{
		authn:           authn,
		orders:          orders,
		completions:     completions,
		defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency)),
	}
}

// Routes registers payment endpoints under the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/create-order", h.createOrder)
	group.Post("/verify-payment", h.verifyPayment)
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes"`
}

type createOrderResponse struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Provider     string `json:"provider,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

type verifyPaymentRequest struct {
	Provider  string `json:"provider,omitempty"`
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Signature string `json:"signature"`
}

type verifyPaymentResponse struct {
	Verified bool `json:"verified"`
}

func (h *PaymentHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment provider unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if req.Amount <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be positive", http.StatusBadRequest))
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.Currency))
	if code == "" {
		code = h.defaultCurrency
	}
	if _, err := currency.ParseISO(code); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "currency must be an ISO 4217 code", http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateOrder(ctx, payments.PaymentContext{Currency: code}, payments.CreateOrderRequest{
		Amount:         req.Amount,
		Currency:       code,
		Receipt:        strings.TrimSpace(req.Receipt),
		Notes:          req.Notes,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		status := http.StatusBadGateway
		codeName := "order_creation_failed"
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			status = http.StatusUnprocessableEntity
			codeName = "unsupported_currency"
		}
		requestctx.Logger(ctx).Error("payments: create order failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(codeName, "could not create payment order", status))
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, createOrderResponse{
		ID:           order.ID,
		Amount:       order.Amount,
		Currency:     strings.ToUpper(order.Currency),
		Provider:     order.Provider,
		ClientSecret: order.ClientSecret,
	})
}

func (h *PaymentHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.completions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment verification unavailable", http.StatusServiceUnavailable))
		return
	}

	var req verifyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	err := h.completions.VerifyPayment(ctx, payments.Completion{
		Provider:  strings.TrimSpace(req.Provider),
		OrderID:   strings.TrimSpace(req.OrderID),
		PaymentID: strings.TrimSpace(req.PaymentID),
		Signature: strings.TrimSpace(req.Signature),
	})
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, verifyPaymentResponse{Verified: true})
	case errors.Is(err, payments.ErrSignatureMissing):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentId and orderId are required", http.StatusBadRequest))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", err.Error(), http.StatusBadRequest))
	case errors.Is(err, payments.ErrSignatureMismatch), errors.Is(err, payments.ErrPaymentUnverified):
		requestctx.Logger(ctx).Warn("payments: completion not verified",
			zap.String("payment_id", req.PaymentID), zap.String("order_id", req.OrderID), zap.Error(err))
		httpx.WriteJSON(w, http.StatusOK, verifyPaymentResponse{Verified: false})
	default:
		requestctx.Logger(ctx).Error("payments: verification failed", zap.String("payment_id", req.PaymentID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment provider unavailable", http.StatusBadGateway))
	}
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body too large", http.StatusRequestEntityTooLarge))
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
	}
}
