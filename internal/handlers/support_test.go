package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/platform/auth"
)

type stubDesk struct {
	resolved []string
}

func (s *stubDesk) Get(_ context.Context, id string) (domain.ReconciliationNotice, error) {
	if id != "rec_1" {
		return domain.ReconciliationNotice{}, status.Error(codes.NotFound, "no such document")
	}
	return domain.ReconciliationNotice{ID: id, OwnerUID: "uid-1", PaymentID: "pay_1"}, nil
}

func (s *stubDesk) Resolve(_ context.Context, id string) error {
	s.resolved = append(s.resolved, id)
	return nil
}

func supportRequest(method, path string, roles ...string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "agent-1", Roles: roles}))
}

func TestSupportHandlersNotices(t *testing.T) {
	desk := &stubDesk{}
	router := chi.NewRouter()
	NewSupportHandlers(nil, desk).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, supportRequest(http.MethodGet, "/reconciliations/rec_1", auth.RoleSupport))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var notice domain.ReconciliationNotice
	if err := json.Unmarshal(rr.Body.Bytes(), &notice); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if notice.PaymentID != "pay_1" {
		t.Fatalf("unexpected notice %+v", notice)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, supportRequest(http.MethodGet, "/reconciliations/rec_404", auth.RoleSupport))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, supportRequest(http.MethodPost, "/reconciliations/rec_1/resolve", auth.RoleSupport))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(desk.resolved) != 1 || desk.resolved[0] != "rec_1" {
		t.Fatalf("expected rec_1 resolved, got %v", desk.resolved)
	}
}

func TestSupportHandlersRequireSupportRole(t *testing.T) {
	router := chi.NewRouter()
	NewSupportHandlers(nil, &stubDesk{}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, supportRequest(http.MethodGet, "/reconciliations/rec_1", auth.RoleCustomer))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
