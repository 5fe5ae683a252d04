package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightfox/portal/internal/platform/requestctx"
)

func TestNewRouter_HealthEndpoints(t *testing.T) {
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return nil }),
	)))

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestNewRouter_ReadyzReportsFailedChecks(t *testing.T) {
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return errors.New("unavailable") }),
		WithReadinessCheck("pubsub", func(context.Context) error { return nil }),
	)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var payload struct {
		Error   string `json:"error"`
		Details struct {
			Failed []string          `json:"failed"`
			Checks map[string]string `json:"checks"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "not_ready", payload.Error)
	assert.Equal(t, []string{"firestore"}, payload.Details.Failed)
	assert.Equal(t, "ok", payload.Details.Checks["pubsub"])
}

func TestNewRouter_NotFound(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, errorNotFoundCode, payload["error"])
}

func TestNewRouter_WindowFromHeader(t *testing.T) {
	var seen []string
	router := NewRouter(WithCheckoutRoutes(func(r chi.Router) {
		r.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
			seen = append(seen, requestctx.Window(req.Context()))
			w.WriteHeader(http.StatusNoContent)
		})
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/whoami", nil)
	req.Header.Set(WindowHeader, "tab-b")
	router.ServeHTTP(httptest.NewRecorder(), req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/checkout/whoami?window=tab-c", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/checkout/whoami", nil))

	assert.Equal(t, []string{"tab-b", "tab-c", requestctx.DefaultWindow}, seen)
}
