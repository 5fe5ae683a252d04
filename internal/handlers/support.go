package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/platform/auth"
	pfirestore "github.com/freightfox/portal/internal/platform/firestore"
	"github.com/freightfox/portal/internal/platform/httpx"
	"github.com/freightfox/portal/internal/platform/requestctx"
)

// ReconciliationDesk reads and resolves reconciliation notices by id.
type ReconciliationDesk interface {
	Get(ctx context.Context, id string) (domain.ReconciliationNotice, error)
	Resolve(ctx context.Context, id string) error
}

// SupportHandlers lets support staff work captured payments that lack a shipment.
type SupportHandlers struct {
	authn   *auth.Authenticator
	notices ReconciliationDesk
}

func NewSupportHandlers(authn *auth.Authenticator, notices ReconciliationDesk) *SupportHandlers {
	return &SupportHandlers{authn: authn, notices: notices}
}

// Routes registers support endpoints; only the support role may call them.
func (h *SupportHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth(auth.RoleSupport))
	}
	group.Get("/reconciliations/{noticeID}", h.getNotice)
	group.Post("/reconciliations/{noticeID}/resolve", h.resolveNotice)
}

func (h *SupportHandlers) getNotice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	notice, err := h.notices.Get(ctx, id)
	if err != nil {
		writeNoticeError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, notice)
}

func (h *SupportHandlers) resolveNotice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.notices.Resolve(ctx, id); err != nil {
		writeNoticeError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("support: reconciliation resolved", zap.String("notice_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandlers) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	if h.notices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("support_unavailable", "reconciliation store unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	if identity, ok := auth.IdentityFromContext(ctx); !ok || !identity.HasRole(auth.RoleSupport) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
		return "", false
	}
	id := strings.TrimSpace(chi.URLParam(r, "noticeID"))
	if id == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notice id is required", http.StatusBadRequest))
		return "", false
	}
	return id, true
}

func writeNoticeError(ctx context.Context, w http.ResponseWriter, err error) {
	if pfirestore.IsNotFound(err) {
		httpx.WriteError(ctx, w, httpx.NewError("notice_not_found", "reconciliation notice not found", http.StatusNotFound))
		return
	}
	requestctx.Logger(ctx).Error("support: reconciliation store failed", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "reconciliation store unavailable", http.StatusBadGateway))
}
