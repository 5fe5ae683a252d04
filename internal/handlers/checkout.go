package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/checkout"
	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/platform/auth"
	"github.com/freightfox/portal/internal/platform/httpx"
	"github.com/freightfox/portal/internal/platform/requestctx"
)

// CoordinatorRegistry hands out the checkout coordinator of a profile's window.
type CoordinatorRegistry interface {
	For(profileID, windowID string) (*checkout.Coordinator, error)
	Release(profileID, windowID string)
}

// CheckoutHandlers exposes the payment lifecycle to the browser shim of each window.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	registry CoordinatorRegistry

	closeOnce sync.Once
	done      chan struct{}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
// Completions are verified with the provider by the coordinator before anything is written.
func NewCheckoutHandlers(authn *auth.Authenticator, registry CoordinatorRegistry) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, registry: registry, done: make(chan struct{})}
}

// Close ends open event streams. Call before shutting the server down.
func (h *CheckoutHandlers) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/open", h.open)
	group.Post("/close", h.close)
	group.Post("/events", h.events)
	group.Get("/state", h.state)
	group.Get("/stream", h.stream)
	group.Get("/diagnostics", h.diagnostics)
	group.Post("/diagnostics", h.reportSurface)
	group.Get("/recovery", h.recovery)
	group.Get("/recovery/countdown", h.countdown)
	group.Post("/recovery/resume", h.resume)
	group.Post("/recovery/discard", h.discard)
	group.Post("/finalize", h.finalize)
	group.Delete("/window", h.releaseWindow)
}

type openResponse struct {
	InstanceID string                 `json:"instanceId"`
	SessionID  string                 `json:"sessionId"`
	OrderID    string                 `json:"orderId"`
	Widget     *checkout.BridgeWidget `json:"widget,omitempty"`
}

type eventRequest struct {
	InstanceID string          `json:"instanceId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
}

type stateResponse struct {
	State            checkout.PaymentState        `json:"state"`
	HasActivePayment bool                         `json:"hasActivePayment"`
	Notice           *domain.ReconciliationNotice `json:"notice,omitempty"`
}

type surfaceReport struct {
	PopupBlocked bool            `json:"popupBlocked"`
	Frame        *checkout.Frame `json:"frame,omitempty"`
}

type resumeResponse struct {
	openResponse
	FormSnapshot json.RawMessage `json:"formSnapshot,omitempty"`
}

type finalizeRequest struct {
	Provider  string          `json:"provider,omitempty"`
	PaymentID string          `json:"paymentId"`
	OrderID   string          `json:"orderId"`
	Signature string          `json:"signature"`
	Draft     json.RawMessage `json:"draft"`
}

func (h *CheckoutHandlers) open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var opts checkout.OpenOptions
	if err := httpx.DecodeJSON(r, &opts); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	inst, err := c.OpenCheckout(ctx, opts, outcomeLogger(requestctx.Logger(ctx)))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newOpenResponse(c, inst))
}

func (h *CheckoutHandlers) close(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	c.CloseCheckout()
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.InstanceID) == "" || strings.TrimSpace(req.Event) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "instanceId and event are required", http.StatusBadRequest))
		return
	}

	if err := c.DispatchGatewayEvent(req.InstanceID, req.Event, req.Payload); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"state": c.State(ctx)})
}

func (h *CheckoutHandlers) state(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stateResponse{
		State:            c.State(ctx),
		HasActivePayment: c.HasActivePayment(ctx),
		Notice:           c.Notice(ctx),
	})
}

func (h *CheckoutHandlers) diagnostics(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c.Diagnostics(r.Context()))
}

func (h *CheckoutHandlers) reportSurface(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	var report surfaceReport
	if err := httpx.DecodeJSON(r, &report); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	c.ReportSurface(report.PopupBlocked, report.Frame)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) recovery(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c.Recovery(r.Context()))
}

func (h *CheckoutHandlers) resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var restored json.RawMessage
	inst, err := c.Resume(ctx, func(snapshot json.RawMessage) error {
		restored = snapshot
		return nil
	}, outcomeLogger(requestctx.Logger(ctx)))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, resumeResponse{openResponse: newOpenResponse(c, inst), FormSnapshot: restored})
}

func (h *CheckoutHandlers) discard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	if err := c.Discard(ctx); err != nil {
		requestctx.Logger(ctx).Error("checkout: discard failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "could not discard payment session", http.StatusInternalServerError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) finalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	draft, err := checkout.DecodeDraft(req.Draft)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	res, err := c.Finalize(ctx, checkout.PaymentResult{
		Provider:  strings.TrimSpace(req.Provider),
		PaymentID: strings.TrimSpace(req.PaymentID),
		OrderID:   strings.TrimSpace(req.OrderID),
		Signature: strings.TrimSpace(req.Signature),
	}, draft)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, res)
}

func (h *CheckoutHandlers) releaseWindow(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	h.registry.Release(identity.UID, requestctx.Window(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.registry == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *CheckoutHandlers) coordinator(w http.ResponseWriter, r *http.Request) (*checkout.Coordinator, bool) {
	identity, ok := h.identity(w, r)
	if !ok {
		return nil, false
	}
	ctx := r.Context()
	c, err := h.registry.For(identity.UID, requestctx.Window(ctx))
	if err != nil {
		if errors.Is(err, checkout.ErrCoordinatorClosed) {
			httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is shutting down", http.StatusServiceUnavailable))
			return nil, false
		}
		requestctx.Logger(ctx).Error("checkout: coordinator unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusInternalServerError))
		return nil, false
	}
	return c, true
}

func newOpenResponse(c *checkout.Coordinator, inst *checkout.Instance) openResponse {
	resp := openResponse{InstanceID: inst.ID, SessionID: inst.SessionID, OrderID: inst.OrderID}
	if widget, ok := c.Widget(); ok && widget.InstanceID == inst.ID {
		resp.Widget = &widget
	}
	return resp
}

// outcomeLogger records attempt outcomes. Windows learn about them through the state stream.
func outcomeLogger(logger *zap.Logger) checkout.Handlers {
	return checkout.Handlers{
		OnSuccess: func(_ context.Context, result checkout.PaymentResult) {
			logger.Info("checkout: payment completed", zap.String("payment_id", result.PaymentID), zap.String("order_id", result.OrderID))
		},
		OnError: func(_ context.Context, err error) {
			logger.Warn("checkout: payment attempt failed", zap.Error(err))
		},
		OnModalClose: func(context.Context) {
			logger.Info("checkout: widget dismissed")
		},
	}
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		persistence *checkout.OrderPersistenceError
		failed      *checkout.PaymentFailedError
	)
	switch {
	case errors.As(err, &persistence):
		httpx.WriteError(ctx, w, httpx.NewError("order_persistence_failed", "payment captured but order not saved", http.StatusBadGateway).
			WithDetails(map[string]any{
				"paymentId":        persistence.PaymentID,
				"orderId":          persistence.OrderID,
				"reconciliationId": persistence.ReconciliationID,
			}))
	case errors.As(err, &failed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", failed.Error(), http.StatusPaymentRequired).
			WithDetails(map[string]any{"code": failed.Code, "paymentId": failed.PaymentID}))
	case errors.Is(err, checkout.ErrInvalidOptions):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, checkout.ErrPaymentUnverified):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "payment could not be verified", http.StatusBadRequest))
	case errors.Is(err, checkout.ErrInvalidPaymentResponse):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_response", "payment response did not include a payment id", http.StatusBadRequest))
	case errors.Is(err, checkout.ErrScriptLoad):
		httpx.WriteError(ctx, w, httpx.NewError("script_load_failed", "payment gateway could not be loaded", http.StatusBadGateway))
	case errors.Is(err, checkout.ErrGatewayInit):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_init_failed", "payment gateway could not be initialised", http.StatusBadGateway))
	case errors.Is(err, checkout.ErrUnknownInstance):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_instance", "checkout widget is no longer open", http.StatusNotFound))
	case errors.Is(err, checkout.ErrUnknownEvent):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_event", "gateway event is not handled", http.StatusBadRequest))
	case errors.Is(err, checkout.ErrSessionExpired):
		httpx.WriteError(ctx, w, httpx.NewError("session_expired", "payment session has expired", http.StatusGone))
	case errors.Is(err, checkout.ErrFinalizationInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("finalization_in_progress", "payment is already being finalised", http.StatusConflict))
	default:
		requestctx.Logger(ctx).Error("checkout: request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "checkout request failed", http.StatusInternalServerError))
	}
}
