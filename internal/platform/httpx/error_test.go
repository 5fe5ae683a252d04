package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewError("order_persistence_failed", "payment captured but order not saved\n", http.StatusBadGateway).
		WithDetails(map[string]any{"paymentId": "pay_1"})

	WriteError(context.Background(), rec, err)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "order_persistence_failed" {
		t.Fatalf("unexpected code %v", payload["error"])
	}
	if payload["message"] != "payment captured but order not saved" {
		t.Fatalf("message not sanitised: %q", payload["message"])
	}
	details, ok := payload["details"].(map[string]any)
	if !ok || details["paymentId"] != "pay_1" {
		t.Fatalf("expected details with payment id, got %v", payload["details"])
	}
}

func TestDecodeJSONRejectsOversizedAndEmptyBodies(t *testing.T) {
	var dst map[string]any

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(req, &dst); err != ErrEmptyBody {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}

	big := `{"k":"` + strings.Repeat("a", int(MaxBodyBytes)) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	if err := DecodeJSON(req, &dst); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}
